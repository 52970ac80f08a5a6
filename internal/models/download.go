// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fetcharr/fetcharr/internal/dbinterface"
)

// Download states.
const (
	DownloadCreated       = "created"
	DownloadVPNConnecting = "vpn_connecting"
	DownloadSearching     = "searching"
	DownloadDownloading   = "downloading"
	DownloadEncoding      = "encoding"
	DownloadSubtitles     = "subtitles"
	DownloadUploading     = "uploading"
	DownloadFinalizing    = "finalizing"
	DownloadCompleted     = "completed"
	DownloadFailed        = "failed"
	DownloadCancelled     = "cancelled"
	DownloadPaused        = "paused"
)

// DownloadStateTerminal reports whether state permits no further transitions
// other than the failed->created retry path.
func DownloadStateTerminal(state string) bool {
	switch state {
	case DownloadCompleted, DownloadCancelled:
		return true
	}
	return false
}

// Download is a user-initiated acquisition with its own state machine. It may
// internally drive a pipeline run.
type Download struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"accountId"`
	UserID         string    `json:"userId,omitempty"`
	ContentType    string    `json:"contentType"`
	Title          string    `json:"title"`
	State          string    `json:"state"`
	Progress       float64   `json:"progress"`
	MagnetURI      string    `json:"magnetUri,omitempty"`
	TorrentID      string    `json:"torrentId,omitempty"`
	EncodingJobID  string    `json:"encodingJobId,omitempty"`
	QualityProfile string    `json:"qualityProfile,omitempty"`
	RetryCount     int       `json:"retryCount"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	ShowID         string    `json:"showId,omitempty"`
	Season         *int      `json:"season,omitempty"`
	Episode        *int      `json:"episode,omitempty"`
	TMDBID         *int64    `json:"tmdbId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// StateHistoryEntry is one append-only record of a download state transition.
// FromState is empty only for the creation event.
type StateHistoryEntry struct {
	ID         int64          `json:"id"`
	DownloadID string         `json:"downloadId"`
	FromState  string         `json:"fromState,omitempty"`
	ToState    string         `json:"toState"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// DownloadStore handles persistence for downloads and their state history.
type DownloadStore struct {
	db dbinterface.Querier
}

func NewDownloadStore(db dbinterface.Querier) *DownloadStore {
	return &DownloadStore{db: db}
}

const downloadColumns = `
	id, account_id, user_id, content_type, title, state, progress,
	magnet_uri, torrent_id, encoding_job_id, quality_profile,
	retry_count, error_message, show_id, season, episode, tmdb_id,
	created_at, updated_at`

func scanDownload(row interface{ Scan(...any) error }) (*Download, error) {
	var d Download
	var magnetURI, torrentID, encodingJobID, qualityProfile, errorMessage, showID sql.NullString
	var season, episode sql.NullInt64
	var tmdbID sql.NullInt64

	err := row.Scan(
		&d.ID, &d.AccountID, &d.UserID, &d.ContentType, &d.Title, &d.State, &d.Progress,
		&magnetURI, &torrentID, &encodingJobID, &qualityProfile,
		&d.RetryCount, &errorMessage, &showID, &season, &episode, &tmdbID,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.MagnetURI = magnetURI.String
	d.TorrentID = torrentID.String
	d.EncodingJobID = encodingJobID.String
	d.QualityProfile = qualityProfile.String
	d.ErrorMessage = errorMessage.String
	d.ShowID = showID.String
	if season.Valid {
		v := int(season.Int64)
		d.Season = &v
	}
	if episode.Valid {
		v := int(episode.Int64)
		d.Episode = &v
	}
	if tmdbID.Valid {
		v := tmdbID.Int64
		d.TMDBID = &v
	}
	return &d, nil
}

// Create inserts a new download in the created state together with its
// initial history event.
func (s *DownloadStore) Create(ctx context.Context, d *Download) (*Download, error) {
	if d == nil {
		return nil, errors.New("download is nil")
	}
	if d.Title == "" {
		return nil, errors.New("download requires a title")
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.ContentType == "" {
		d.ContentType = "movie"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (id, account_id, user_id, content_type, title, state, magnet_uri, quality_profile, show_id, season, episode, tmdb_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.AccountID, d.UserID, d.ContentType, d.Title, DownloadCreated,
		nullString(d.MagnetURI), nullString(d.QualityProfile), nullString(d.ShowID),
		nullIntPtr(d.Season), nullIntPtr(d.Episode), nullInt64Ptr(d.TMDBID))
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO download_state_history (download_id, from_state, to_state) VALUES (?, NULL, ?)
	`, d.ID, DownloadCreated)
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, d.ID)
}

// Get returns the download with the given id, or sql.ErrNoRows if not found.
func (s *DownloadStore) Get(ctx context.Context, id string) (*Download, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	return scanDownload(row)
}

// GetForUpdate reads the download inside tx. Write transactions are
// serialized on the dedicated write connection, so the read is stable for
// the lifetime of the transaction.
func (s *DownloadStore) GetForUpdate(ctx context.Context, tx dbinterface.Querier, id string) (*Download, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	return scanDownload(row)
}

// ListByAccount returns downloads for an account, newest first. An empty
// state returns all.
func (s *DownloadStore) ListByAccount(ctx context.Context, accountID, state string, limit int) ([]*Download, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + downloadColumns + ` FROM downloads WHERE account_id = ?`
	args := []any{accountID}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []*Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		downloads = append(downloads, d)
	}
	return downloads, rows.Err()
}

// UpdateState writes the new state inside tx and appends the matching
// history event. Callers go through the state machine, which validates the
// transition first.
func (s *DownloadStore) UpdateState(ctx context.Context, tx dbinterface.Querier, id, fromState, toState string, metadata map[string]any) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE downloads SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND state = ?
	`, toState, id, fromState)
	if err != nil {
		return err
	}
	if err := requireRowAffected(res); err != nil {
		return err
	}

	metadataJSON := "{}"
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal transition metadata: %w", err)
		}
		metadataJSON = string(raw)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO download_state_history (download_id, from_state, to_state, metadata) VALUES (?, ?, ?, ?)
	`, id, fromState, toState, metadataJSON)
	return err
}

// SetProgress updates the completion fraction (0..1).
func (s *DownloadStore) SetProgress(ctx context.Context, id string, progress float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET progress = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, progress, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// SetError records the most recent human-readable failure cause.
func (s *DownloadStore) SetError(ctx context.Context, id, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, message, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// SetTorrentID persists the torrent manager's identifier for the transfer.
func (s *DownloadStore) SetTorrentID(ctx context.Context, id, torrentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET torrent_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, torrentID, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// SetEncodingJobID persists the media processor's job identifier.
func (s *DownloadStore) SetEncodingJobID(ctx context.Context, id, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE downloads SET encoding_job_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, jobID, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// MarkRetried resets a failed download to created inside tx, incrementing
// retry_count and clearing error_message. The state machine appends the
// matching history event separately.
func (s *DownloadStore) MarkRetried(ctx context.Context, tx dbinterface.Querier, id string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE downloads
		SET state = ?, retry_count = retry_count + 1, error_message = NULL, progress = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?
	`, DownloadCreated, id, DownloadFailed)
	if err != nil {
		return err
	}
	if err := requireRowAffected(res); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO download_state_history (download_id, from_state, to_state) VALUES (?, ?, ?)
	`, id, DownloadFailed, DownloadCreated)
	return err
}

// History returns the download's state history ordered oldest first.
func (s *DownloadStore) History(ctx context.Context, downloadID string) ([]*StateHistoryEntry, error) {
	return queryHistory(ctx, s.db, downloadID)
}

// HistoryInTx reads the history inside an open transaction.
func (s *DownloadStore) HistoryInTx(ctx context.Context, tx dbinterface.Querier, downloadID string) ([]*StateHistoryEntry, error) {
	return queryHistory(ctx, tx, downloadID)
}

func queryHistory(ctx context.Context, q dbinterface.Querier, downloadID string) ([]*StateHistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, download_id, from_state, to_state, metadata, created_at
		FROM download_state_history
		WHERE download_id = ?
		ORDER BY created_at ASC, id ASC
	`, downloadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*StateHistoryEntry
	for rows.Next() {
		var e StateHistoryEntry
		var fromState sql.NullString
		var metadataJSON string
		if err := rows.Scan(&e.ID, &e.DownloadID, &fromState, &e.ToState, &metadataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromState = fromState.String
		if metadataJSON != "" && metadataJSON != "{}" {
			if err := json.Unmarshal([]byte(metadataJSON), &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal history metadata for entry %d: %w", e.ID, err)
			}
		}
		history = append(history, &e)
	}
	return history, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullIntPtr(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
