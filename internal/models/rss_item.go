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

// RSS feed item statuses.
const (
	RSSItemPending  = "pending"
	RSSItemMatched  = "matched"
	RSSItemRejected = "rejected"
)

// RSSFeedItem is one entry seen in a feed, deduplicated on (feed_id, title).
// The parsed_* fields hold the fingerprint extracted from the raw title.
type RSSFeedItem struct {
	ID          int64      `json:"id"`
	FeedID      int64      `json:"feedId"`
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`

	ParsedTitle   string `json:"parsedTitle"`
	ParsedYear    *int   `json:"parsedYear,omitempty"`
	ParsedSeason  *int   `json:"parsedSeason,omitempty"`
	ParsedEpisode *int   `json:"parsedEpisode,omitempty"`
	ParsedQuality string `json:"parsedQuality"`
	ParsedSource  string `json:"parsedSource"`
	ParsedGroup   string `json:"parsedGroup"`

	SizeBytes int64 `json:"sizeBytes"`
	Seeders   int   `json:"seeders"`
	Leechers  int   `json:"leechers"`

	Status                string `json:"status"`
	MatchedSubscriptionID *int64 `json:"matchedSubscriptionId,omitempty"`
	RejectionReason       string `json:"rejectionReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// RSSItemStore handles persistence for feed items.
type RSSItemStore struct {
	db dbinterface.Querier
}

func NewRSSItemStore(db dbinterface.Querier) *RSSItemStore {
	return &RSSItemStore{db: db}
}

const rssItemColumns = `
	id, feed_id, title, link, published_at,
	parsed_title, parsed_year, parsed_season, parsed_episode,
	parsed_quality, parsed_source, parsed_group,
	size_bytes, seeders, leechers,
	status, matched_subscription_id, rejection_reason, created_at`

func scanRSSItem(row interface{ Scan(...any) error }) (*RSSFeedItem, error) {
	var it RSSFeedItem
	var publishedAt sql.NullTime
	var parsedYear, parsedSeason, parsedEpisode sql.NullInt64
	var matchedSubscriptionID sql.NullInt64
	var rejectionReason sql.NullString

	err := row.Scan(
		&it.ID, &it.FeedID, &it.Title, &it.Link, &publishedAt,
		&it.ParsedTitle, &parsedYear, &parsedSeason, &parsedEpisode,
		&it.ParsedQuality, &it.ParsedSource, &it.ParsedGroup,
		&it.SizeBytes, &it.Seeders, &it.Leechers,
		&it.Status, &matchedSubscriptionID, &rejectionReason, &it.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if publishedAt.Valid {
		t := publishedAt.Time
		it.PublishedAt = &t
	}
	if parsedYear.Valid {
		v := int(parsedYear.Int64)
		it.ParsedYear = &v
	}
	if parsedSeason.Valid {
		v := int(parsedSeason.Int64)
		it.ParsedSeason = &v
	}
	if parsedEpisode.Valid {
		v := int(parsedEpisode.Int64)
		it.ParsedEpisode = &v
	}
	if matchedSubscriptionID.Valid {
		it.MatchedSubscriptionID = &matchedSubscriptionID.Int64
	}
	it.RejectionReason = rejectionReason.String
	return &it, nil
}

// Upsert inserts the item if (feed_id, title) is new and reports whether a
// row was inserted. An existing row is never mutated, so an item already
// matched or rejected keeps its verdict across feed polls.
func (s *RSSItemStore) Upsert(ctx context.Context, it *RSSFeedItem) (inserted bool, err error) {
	if it == nil {
		return false, errors.New("feed item is nil")
	}
	if it.FeedID == 0 || it.Title == "" {
		return false, errors.New("feed item requires a feed id and title")
	}

	var publishedAt sql.NullTime
	if it.PublishedAt != nil {
		publishedAt = sql.NullTime{Time: it.PublishedAt.UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rss_feed_items (feed_id, title, link, published_at,
			parsed_title, parsed_year, parsed_season, parsed_episode,
			parsed_quality, parsed_source, parsed_group,
			size_bytes, seeders, leechers, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (feed_id, title) DO NOTHING
	`, it.FeedID, it.Title, it.Link, publishedAt,
		it.ParsedTitle, nullIntPtr(it.ParsedYear), nullIntPtr(it.ParsedSeason), nullIntPtr(it.ParsedEpisode),
		it.ParsedQuality, it.ParsedSource, it.ParsedGroup,
		it.SizeBytes, it.Seeders, it.Leechers, RSSItemPending)
	if err != nil {
		return false, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return false, err
	}
	it.ID = id
	it.Status = RSSItemPending
	return true, nil
}

// Get returns the item with the given id, or sql.ErrNoRows.
func (s *RSSItemStore) Get(ctx context.Context, id int64) (*RSSFeedItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rssItemColumns+` FROM rss_feed_items WHERE id = ?`, id)
	return scanRSSItem(row)
}

// ListPending returns items still awaiting a matching verdict for a feed.
func (s *RSSItemStore) ListPending(ctx context.Context, feedID int64) ([]*RSSFeedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rssItemColumns+` FROM rss_feed_items
		WHERE feed_id = ? AND status = ?
		ORDER BY id ASC
	`, feedID, RSSItemPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*RSSFeedItem
	for rows.Next() {
		it, err := scanRSSItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkMatched records a subscription match for a pending item.
func (s *RSSItemStore) MarkMatched(ctx context.Context, id, subscriptionID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rss_feed_items SET status = ?, matched_subscription_id = ? WHERE id = ?
	`, RSSItemMatched, subscriptionID, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// MarkRejected records a rejection with its reason.
func (s *RSSItemStore) MarkRejected(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rss_feed_items SET status = ?, rejection_reason = ? WHERE id = ?
	`, RSSItemRejected, reason, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// CountByStatus returns the item count per status for a feed.
func (s *RSSItemStore) CountByStatus(ctx context.Context, feedID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM rss_feed_items WHERE feed_id = ? GROUP BY status
	`, feedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
