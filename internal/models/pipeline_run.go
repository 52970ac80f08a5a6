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

	"github.com/fetcharr/fetcharr/internal/dbinterface"
)

// Pipeline trigger sources.
const (
	TriggerManual    = "manual"
	TriggerRSS       = "rss"
	TriggerScheduled = "scheduled"
)

// Stage identifiers, in execution order.
const (
	StageVPN        = "vpn"
	StageTorrent    = "torrent"
	StageMetadata   = "metadata"
	StageSubtitle   = "subtitle"
	StageEncoding   = "encoding"
	StagePublishing = "publishing"
)

// Stages lists the pipeline stages in execution order.
var Stages = []string{StageVPN, StageTorrent, StageMetadata, StageSubtitle, StageEncoding, StagePublishing}

// Per-stage statuses.
const (
	StagePending   = "pending"
	StageRunning   = "running"
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageSkipped   = "skipped"
)

// Aggregate pipeline run statuses. The aggregate reflects the latest stage
// entered; completed/failed/vpn_waiting/cancelled are terminal.
const (
	RunStatusPending    = "pending"
	RunStatusVPNCheck   = "vpn_check"
	RunStatusVPNWaiting = "vpn_waiting"
	RunStatusDownload   = "downloading"
	RunStatusMetadata   = "metadata"
	RunStatusSubtitles  = "subtitles"
	RunStatusEncoding   = "encoding"
	RunStatusPublishing = "publishing"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
	RunStatusCancelled  = "cancelled"
)

// RunStatusTerminal reports whether status permits no further stage work.
func RunStatusTerminal(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusVPNWaiting, RunStatusCancelled:
		return true
	}
	return false
}

// RunMetadata is the typed portion of a pipeline run's metadata bag. Fields
// the orchestrator inspects are explicit; anything else a trigger attaches
// survives round-trips through Extra.
type RunMetadata struct {
	MagnetURL         string `json:"magnet_url,omitempty"`
	TorrentURL        string `json:"torrent_url,omitempty"`
	DownloadPath      string `json:"download_path,omitempty"`
	TMDBID            int64  `json:"tmdb_id,omitempty"`
	EncodingProfileID string `json:"encoding_profile_id,omitempty"`

	Extra map[string]any `json:"-"`
}

var runMetadataKnownKeys = map[string]struct{}{
	"magnet_url":          {},
	"torrent_url":         {},
	"download_path":       {},
	"tmdb_id":             {},
	"encoding_profile_id": {},
}

// MarshalJSON flattens typed fields and Extra into a single object.
func (m RunMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+5)
	for k, v := range m.Extra {
		if _, known := runMetadataKnownKeys[k]; known {
			continue
		}
		out[k] = v
	}
	if m.MagnetURL != "" {
		out["magnet_url"] = m.MagnetURL
	}
	if m.TorrentURL != "" {
		out["torrent_url"] = m.TorrentURL
	}
	if m.DownloadPath != "" {
		out["download_path"] = m.DownloadPath
	}
	if m.TMDBID != 0 {
		out["tmdb_id"] = m.TMDBID
	}
	if m.EncodingProfileID != "" {
		out["encoding_profile_id"] = m.EncodingProfileID
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits known keys into typed fields and keeps the rest in Extra.
func (m *RunMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = RunMetadata{}
	for key, value := range raw {
		switch key {
		case "magnet_url":
			if err := json.Unmarshal(value, &m.MagnetURL); err != nil {
				return fmt.Errorf("metadata key %s: %w", key, err)
			}
		case "torrent_url":
			if err := json.Unmarshal(value, &m.TorrentURL); err != nil {
				return fmt.Errorf("metadata key %s: %w", key, err)
			}
		case "download_path":
			if err := json.Unmarshal(value, &m.DownloadPath); err != nil {
				return fmt.Errorf("metadata key %s: %w", key, err)
			}
		case "tmdb_id":
			if err := json.Unmarshal(value, &m.TMDBID); err != nil {
				return fmt.Errorf("metadata key %s: %w", key, err)
			}
		case "encoding_profile_id":
			if err := json.Unmarshal(value, &m.EncodingProfileID); err != nil {
				return fmt.Errorf("metadata key %s: %w", key, err)
			}
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			var v any
			if err := json.Unmarshal(value, &v); err != nil {
				return fmt.Errorf("metadata key %s: %w", key, err)
			}
			m.Extra[key] = v
		}
	}
	return nil
}

// PipelineRun is a single traversal of the acquisition workflow for one
// content item.
type PipelineRun struct {
	ID           int64  `json:"id"`
	AccountID    string `json:"accountId"`
	Trigger      string `json:"trigger"`
	ContentTitle string `json:"contentTitle"`
	ContentType  string `json:"contentType"`
	Status       string `json:"status"`

	VPNStatus        string `json:"vpnStatus"`
	TorrentStatus    string `json:"torrentStatus"`
	MetadataStatus   string `json:"metadataStatus"`
	SubtitleStatus   string `json:"subtitleStatus"`
	EncodingStatus   string `json:"encodingStatus"`
	PublishingStatus string `json:"publishingStatus"`

	StageStartedAt   map[string]*time.Time `json:"stageStartedAt,omitempty"`
	StageCompletedAt map[string]*time.Time `json:"stageCompletedAt,omitempty"`

	PipelineCompletedAt *time.Time `json:"pipelineCompletedAt,omitempty"`

	Metadata          RunMetadata `json:"metadata"`
	TorrentDownloadID string      `json:"torrentDownloadId,omitempty"`
	EncodingJobID     string      `json:"encodingJobId,omitempty"`
	ErrorMessage      string      `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StageStatus returns the status field for the named stage.
func (r *PipelineRun) StageStatus(stage string) string {
	switch stage {
	case StageVPN:
		return r.VPNStatus
	case StageTorrent:
		return r.TorrentStatus
	case StageMetadata:
		return r.MetadataStatus
	case StageSubtitle:
		return r.SubtitleStatus
	case StageEncoding:
		return r.EncodingStatus
	case StagePublishing:
		return r.PublishingStatus
	}
	return ""
}

// Terminal reports whether the run's aggregate status is terminal.
func (r *PipelineRun) Terminal() bool {
	return RunStatusTerminal(r.Status)
}

var stageColumns = map[string]string{
	StageVPN:        "vpn",
	StageTorrent:    "torrent",
	StageMetadata:   "metadata",
	StageSubtitle:   "subtitle",
	StageEncoding:   "encoding",
	StagePublishing: "publishing",
}

// PipelineRunStore handles persistence for pipeline runs.
type PipelineRunStore struct {
	db dbinterface.Querier
}

func NewPipelineRunStore(db dbinterface.Querier) *PipelineRunStore {
	return &PipelineRunStore{db: db}
}

const pipelineRunColumns = `
	id, account_id, trigger_source, content_title, content_type, status,
	vpn_status, torrent_status, metadata_status, subtitle_status, encoding_status, publishing_status,
	vpn_started_at, vpn_completed_at,
	torrent_started_at, torrent_completed_at,
	metadata_started_at, metadata_completed_at,
	subtitle_started_at, subtitle_completed_at,
	encoding_started_at, encoding_completed_at,
	publishing_started_at, publishing_completed_at,
	pipeline_completed_at,
	metadata, torrent_download_id, encoding_job_id, error_message,
	created_at, updated_at`

func scanPipelineRun(row interface{ Scan(...any) error }) (*PipelineRun, error) {
	var r PipelineRun
	var metadataJSON string
	var torrentDownloadID, encodingJobID, errorMessage sql.NullString
	started := make([]sql.NullTime, len(Stages))
	completed := make([]sql.NullTime, len(Stages))
	var pipelineCompletedAt sql.NullTime

	dest := []any{
		&r.ID, &r.AccountID, &r.Trigger, &r.ContentTitle, &r.ContentType, &r.Status,
		&r.VPNStatus, &r.TorrentStatus, &r.MetadataStatus, &r.SubtitleStatus, &r.EncodingStatus, &r.PublishingStatus,
	}
	for i := range Stages {
		dest = append(dest, &started[i], &completed[i])
	}
	dest = append(dest,
		&pipelineCompletedAt,
		&metadataJSON, &torrentDownloadID, &encodingJobID, &errorMessage,
		&r.CreatedAt, &r.UpdatedAt,
	)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(metadataJSON), &r.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata for run %d: %w", r.ID, err)
	}

	r.StageStartedAt = make(map[string]*time.Time)
	r.StageCompletedAt = make(map[string]*time.Time)
	for i, stage := range Stages {
		if started[i].Valid {
			t := started[i].Time
			r.StageStartedAt[stage] = &t
		}
		if completed[i].Valid {
			t := completed[i].Time
			r.StageCompletedAt[stage] = &t
		}
	}
	if pipelineCompletedAt.Valid {
		t := pipelineCompletedAt.Time
		r.PipelineCompletedAt = &t
	}

	r.TorrentDownloadID = torrentDownloadID.String
	r.EncodingJobID = encodingJobID.String
	r.ErrorMessage = errorMessage.String

	return &r, nil
}

// Create inserts a new pipeline run and returns it with the generated ID.
func (s *PipelineRunStore) Create(ctx context.Context, run *PipelineRun) (*PipelineRun, error) {
	if run == nil {
		return nil, errors.New("pipeline run is nil")
	}
	if run.ContentTitle == "" {
		return nil, errors.New("pipeline run requires a content title")
	}
	if run.Trigger == "" {
		run.Trigger = TriggerManual
	}
	if run.ContentType == "" {
		run.ContentType = "movie"
	}

	metadataJSON, err := json.Marshal(run.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (account_id, trigger_source, content_title, content_type, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.AccountID, run.Trigger, run.ContentTitle, run.ContentType, RunStatusPending, string(metadataJSON))
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get returns the run with the given id, or sql.ErrNoRows if not found.
func (s *PipelineRunStore) Get(ctx context.Context, id int64) (*PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pipelineRunColumns+` FROM pipeline_runs WHERE id = ?`, id)
	return scanPipelineRun(row)
}

// ListByAccount returns runs for an account, newest first. An empty status
// returns all runs.
func (s *PipelineRunStore) ListByAccount(ctx context.Context, accountID, status string, limit int) ([]*PipelineRun, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + pipelineRunColumns + ` FROM pipeline_runs WHERE account_id = ?`
	args := []any{accountID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*PipelineRun
	for rows.Next() {
		run, err := scanPipelineRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListNonTerminal returns every run whose aggregate status still permits
// stage work. Used by crash recovery on startup.
func (s *PipelineRunStore) ListNonTerminal(ctx context.Context) ([]*PipelineRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pipelineRunColumns+`
		FROM pipeline_runs
		WHERE status NOT IN (?, ?, ?, ?)
		ORDER BY id ASC
	`, RunStatusCompleted, RunStatusFailed, RunStatusVPNWaiting, RunStatusCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*PipelineRun
	for rows.Next() {
		run, err := scanPipelineRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SetStatus updates the aggregate status.
func (s *PipelineRunStore) SetStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// MarkCompleted sets the terminal completed status and stamps
// pipeline_completed_at.
func (s *PipelineRunStore) MarkCompleted(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = ?, pipeline_completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, RunStatusCompleted, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// SetStageStatus updates one stage status field, stamping started/completed
// timestamps on the matching transitions.
func (s *PipelineRunStore) SetStageStatus(ctx context.Context, id int64, stage, status string) error {
	col, ok := stageColumns[stage]
	if !ok {
		return fmt.Errorf("unknown pipeline stage %q", stage)
	}

	query := fmt.Sprintf(`UPDATE pipeline_runs SET %s_status = ?, updated_at = CURRENT_TIMESTAMP`, col)
	switch status {
	case StageRunning:
		query += fmt.Sprintf(`, %s_started_at = CURRENT_TIMESTAMP`, col)
	case StageCompleted, StageFailed, StageSkipped:
		query += fmt.Sprintf(`, %s_completed_at = CURRENT_TIMESTAMP`, col)
	}
	query += ` WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query, status, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// SetError records a human-readable failure cause on the run.
func (s *PipelineRunStore) SetError(ctx context.Context, id int64, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, message, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// ClearError removes the error message ahead of a retry attempt.
func (s *PipelineRunStore) ClearError(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET error_message = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// SetTorrentDownloadID persists the sibling torrent manager's download ID.
func (s *PipelineRunStore) SetTorrentDownloadID(ctx context.Context, id int64, downloadID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET torrent_download_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, downloadID, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// SetEncodingJobID persists the media processor's job ID.
func (s *PipelineRunStore) SetEncodingJobID(ctx context.Context, id int64, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET encoding_job_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, jobID, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// UpdateMetadata replaces the metadata bag.
func (s *PipelineRunStore) UpdateMetadata(ctx context.Context, id int64, metadata RunMetadata) error {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs SET metadata = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(metadataJSON), id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// Cancel marks a non-terminal run cancelled. The orchestrator notices the
// terminal status between poll iterations and stops.
func (s *PipelineRunStore) Cancel(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, RunStatusCancelled, id, RunStatusCompleted, RunStatusFailed, RunStatusCancelled)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func requireRowAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
