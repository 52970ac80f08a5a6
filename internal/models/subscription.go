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

// Subscription types.
const (
	SubscriptionTVShow = "tv_show"
	SubscriptionMovie  = "movie"
)

// Subscription is a standing wish for content. RSS items are matched
// against the content name (fuzzy), the wanted year, and wanted qualities.
type Subscription struct {
	ID                     int64     `json:"id"`
	AccountID              string    `json:"accountId"`
	Type                   string    `json:"type"`
	ContentName            string    `json:"contentName"`
	QualityProfileID       *int64    `json:"qualityProfileId,omitempty"`
	Enabled                bool      `json:"enabled"`
	IncludeFutureSeasons   bool      `json:"includeFutureSeasons"`
	IncludeExistingSeasons bool      `json:"includeExistingSeasons"`
	WantedYear             *int      `json:"wantedYear,omitempty"`
	WantedQualities        []string  `json:"wantedQualities"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// SubscriptionStore handles persistence for subscriptions.
type SubscriptionStore struct {
	db dbinterface.Querier
}

func NewSubscriptionStore(db dbinterface.Querier) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionColumns = `
	id, account_id, subscription_type, content_name, quality_profile_id,
	enabled, include_future_seasons, include_existing_seasons,
	wanted_year, wanted_qualities, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var sub Subscription
	var qualityProfileID sql.NullInt64
	var wantedYear sql.NullInt64
	var enabled, futureSeasons, existingSeasons int
	var qualitiesJSON string

	err := row.Scan(
		&sub.ID, &sub.AccountID, &sub.Type, &sub.ContentName, &qualityProfileID,
		&enabled, &futureSeasons, &existingSeasons,
		&wantedYear, &qualitiesJSON, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Enabled = enabled == 1
	sub.IncludeFutureSeasons = futureSeasons == 1
	sub.IncludeExistingSeasons = existingSeasons == 1
	if qualityProfileID.Valid {
		sub.QualityProfileID = &qualityProfileID.Int64
	}
	if wantedYear.Valid {
		v := int(wantedYear.Int64)
		sub.WantedYear = &v
	}
	if err := json.Unmarshal([]byte(qualitiesJSON), &sub.WantedQualities); err != nil {
		return nil, fmt.Errorf("unmarshal wanted qualities for subscription %d: %w", sub.ID, err)
	}
	return &sub, nil
}

// Create inserts a new subscription.
func (s *SubscriptionStore) Create(ctx context.Context, sub *Subscription) (*Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscription is nil")
	}
	if sub.ContentName == "" {
		return nil, errors.New("subscription requires a content name")
	}
	if sub.Type == "" {
		sub.Type = SubscriptionTVShow
	}
	if sub.WantedQualities == nil {
		sub.WantedQualities = []string{}
	}

	qualitiesJSON, err := json.Marshal(sub.WantedQualities)
	if err != nil {
		return nil, fmt.Errorf("marshal wanted qualities: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (account_id, subscription_type, content_name, quality_profile_id,
			enabled, include_future_seasons, include_existing_seasons, wanted_year, wanted_qualities)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.AccountID, sub.Type, sub.ContentName, nullInt64Ptr(sub.QualityProfileID),
		boolToInt(sub.Enabled), boolToInt(sub.IncludeFutureSeasons), boolToInt(sub.IncludeExistingSeasons),
		nullIntPtr(sub.WantedYear), string(qualitiesJSON))
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get returns the subscription with the given id, or sql.ErrNoRows.
func (s *SubscriptionStore) Get(ctx context.Context, id int64) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	return scanSubscription(row)
}

// Update replaces the mutable fields of an existing subscription.
func (s *SubscriptionStore) Update(ctx context.Context, sub *Subscription) error {
	if sub == nil || sub.ID == 0 {
		return errors.New("subscription update requires an id")
	}
	if sub.WantedQualities == nil {
		sub.WantedQualities = []string{}
	}

	qualitiesJSON, err := json.Marshal(sub.WantedQualities)
	if err != nil {
		return fmt.Errorf("marshal wanted qualities: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET subscription_type = ?, content_name = ?, quality_profile_id = ?,
			enabled = ?, include_future_seasons = ?, include_existing_seasons = ?,
			wanted_year = ?, wanted_qualities = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, sub.Type, sub.ContentName, nullInt64Ptr(sub.QualityProfileID),
		boolToInt(sub.Enabled), boolToInt(sub.IncludeFutureSeasons), boolToInt(sub.IncludeExistingSeasons),
		nullIntPtr(sub.WantedYear), string(qualitiesJSON), sub.ID)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// Delete removes a subscription.
func (s *SubscriptionStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// ListEnabled returns enabled subscriptions in the account scope. An empty
// account returns all enabled subscriptions.
func (s *SubscriptionStore) ListEnabled(ctx context.Context, accountID string) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE enabled = 1`
	var args []any
	if accountID != "" {
		query += ` AND account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListByAccount returns all subscriptions for an account, enabled or not.
func (s *SubscriptionStore) ListByAccount(ctx context.Context, accountID string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = ? ORDER BY id ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
