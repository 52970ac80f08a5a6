// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fetcharr/fetcharr/internal/dbinterface"
)

// RSSFeed is one polled release feed.
type RSSFeed struct {
	ID                   int64      `json:"id"`
	AccountID            string     `json:"accountId,omitempty"`
	URL                  string     `json:"url"`
	FeedType             string     `json:"feedType"`
	Enabled              bool       `json:"enabled"`
	CheckIntervalMinutes int        `json:"checkIntervalMinutes"`
	LastCheckAt          *time.Time `json:"lastCheckAt,omitempty"`
	LastSuccessAt        *time.Time `json:"lastSuccessAt,omitempty"`
	LastError            string     `json:"lastError,omitempty"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	NextCheckAt          *time.Time `json:"nextCheckAt,omitempty"`
	QualityProfileID     *int64     `json:"qualityProfileId,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// CheckInterval returns the per-feed polling interval.
func (f *RSSFeed) CheckInterval() time.Duration {
	if f.CheckIntervalMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(f.CheckIntervalMinutes) * time.Minute
}

// RSSFeedStore handles persistence for RSS feeds.
type RSSFeedStore struct {
	db dbinterface.Querier
}

func NewRSSFeedStore(db dbinterface.Querier) *RSSFeedStore {
	return &RSSFeedStore{db: db}
}

const rssFeedColumns = `
	id, account_id, url, feed_type, enabled, check_interval_minutes,
	last_check_at, last_success_at, last_error, consecutive_failures,
	next_check_at, quality_profile_id, created_at, updated_at`

func scanRSSFeed(row interface{ Scan(...any) error }) (*RSSFeed, error) {
	var f RSSFeed
	var enabled int
	var lastCheckAt, lastSuccessAt, nextCheckAt sql.NullTime
	var lastError sql.NullString
	var qualityProfileID sql.NullInt64

	err := row.Scan(
		&f.ID, &f.AccountID, &f.URL, &f.FeedType, &enabled, &f.CheckIntervalMinutes,
		&lastCheckAt, &lastSuccessAt, &lastError, &f.ConsecutiveFailures,
		&nextCheckAt, &qualityProfileID, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	f.Enabled = enabled == 1
	f.LastError = lastError.String
	if lastCheckAt.Valid {
		t := lastCheckAt.Time
		f.LastCheckAt = &t
	}
	if lastSuccessAt.Valid {
		t := lastSuccessAt.Time
		f.LastSuccessAt = &t
	}
	if nextCheckAt.Valid {
		t := nextCheckAt.Time
		f.NextCheckAt = &t
	}
	if qualityProfileID.Valid {
		f.QualityProfileID = &qualityProfileID.Int64
	}
	return &f, nil
}

// Create inserts a new feed.
func (s *RSSFeedStore) Create(ctx context.Context, feed *RSSFeed) (*RSSFeed, error) {
	if feed == nil {
		return nil, errors.New("feed is nil")
	}
	if feed.URL == "" {
		return nil, errors.New("feed requires a url")
	}
	if feed.FeedType == "" {
		feed.FeedType = "tv_shows"
	}
	if feed.CheckIntervalMinutes <= 0 {
		feed.CheckIntervalMinutes = 30
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rss_feeds (account_id, url, feed_type, enabled, check_interval_minutes, quality_profile_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, feed.AccountID, feed.URL, feed.FeedType, boolToInt(feed.Enabled), feed.CheckIntervalMinutes,
		nullInt64Ptr(feed.QualityProfileID))
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get returns the feed with the given id, or sql.ErrNoRows.
func (s *RSSFeedStore) Get(ctx context.Context, id int64) (*RSSFeed, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rssFeedColumns+` FROM rss_feeds WHERE id = ?`, id)
	return scanRSSFeed(row)
}

// Update replaces the mutable fields of an existing feed.
func (s *RSSFeedStore) Update(ctx context.Context, feed *RSSFeed) error {
	if feed == nil || feed.ID == 0 {
		return errors.New("feed update requires an id")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE rss_feeds
		SET url = ?, feed_type = ?, enabled = ?, check_interval_minutes = ?,
			quality_profile_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, feed.URL, feed.FeedType, boolToInt(feed.Enabled), feed.CheckIntervalMinutes,
		nullInt64Ptr(feed.QualityProfileID), feed.ID)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// Delete removes a feed and, via cascade, its stored items.
func (s *RSSFeedStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rss_feeds WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// List returns all feeds.
func (s *RSSFeedStore) List(ctx context.Context) ([]*RSSFeed, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+rssFeedColumns+` FROM rss_feeds ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []*RSSFeed
	for rows.Next() {
		feed, err := scanRSSFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, feed)
	}
	return feeds, rows.Err()
}

// ListDue returns enabled feeds whose next_check_at is unset or not after
// now, never-checked feeds first.
func (s *RSSFeedStore) ListDue(ctx context.Context, now time.Time) ([]*RSSFeed, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rssFeedColumns+`
		FROM rss_feeds
		WHERE enabled = 1 AND (next_check_at IS NULL OR next_check_at <= ?)
		ORDER BY next_check_at IS NOT NULL, next_check_at ASC, id ASC
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []*RSSFeed
	for rows.Next() {
		feed, err := scanRSSFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, feed)
	}
	return feeds, rows.Err()
}

// MarkChecked records a successful check: resets consecutive_failures,
// clears last_error, and schedules the next check.
func (s *RSSFeedStore) MarkChecked(ctx context.Context, id int64, now time.Time) error {
	next := now.Add(time.Duration(s.checkInterval(ctx, id)) * time.Minute)
	res, err := s.db.ExecContext(ctx, `
		UPDATE rss_feeds
		SET last_check_at = ?, last_success_at = ?, last_error = NULL,
			consecutive_failures = 0, next_check_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, now.UTC(), now.UTC(), next.UTC(), id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// MarkCheckFailed records a failed check: increments consecutive_failures,
// stores the error, and still schedules the next check.
func (s *RSSFeedStore) MarkCheckFailed(ctx context.Context, id int64, now time.Time, checkErr error) error {
	next := now.Add(time.Duration(s.checkInterval(ctx, id)) * time.Minute)
	message := ""
	if checkErr != nil {
		message = checkErr.Error()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE rss_feeds
		SET last_check_at = ?, last_error = ?,
			consecutive_failures = consecutive_failures + 1,
			next_check_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, now.UTC(), message, next.UTC(), id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

func (s *RSSFeedStore) checkInterval(ctx context.Context, id int64) int {
	var minutes int
	err := s.db.QueryRowContext(ctx, `SELECT check_interval_minutes FROM rss_feeds WHERE id = ?`, id).Scan(&minutes)
	if err != nil || minutes <= 0 {
		return 30
	}
	return minutes
}
