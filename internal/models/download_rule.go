// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fetcharr/fetcharr/internal/dbinterface"
)

// Rule actions.
const (
	RuleActionAutoDownload = "auto-download"
	RuleActionNotify       = "notify"
	RuleActionSkip         = "skip"
)

// DownloadRule decides what happens to a matched RSS item. Conditions is a
// flat predicate object evaluated against the item sample; Expression is an
// optional expr-lang program evaluated after the conditions.
type DownloadRule struct {
	ID         int64          `json:"id"`
	AccountID  string         `json:"accountId,omitempty"`
	Name       string         `json:"name"`
	Conditions map[string]any `json:"conditions"`
	Expression string         `json:"expression,omitempty"`
	Action     string         `json:"action"`
	Priority   int            `json:"priority"`
	Enabled    bool           `json:"enabled"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// DownloadRuleStore handles persistence for download rules.
type DownloadRuleStore struct {
	db dbinterface.Querier
}

func NewDownloadRuleStore(db dbinterface.Querier) *DownloadRuleStore {
	return &DownloadRuleStore{db: db}
}

const downloadRuleColumns = `
	id, account_id, name, conditions, expression, action, priority, enabled, created_at, updated_at`

func scanDownloadRule(row interface{ Scan(...any) error }) (*DownloadRule, error) {
	var r DownloadRule
	var conditionsJSON string
	var enabled int

	err := row.Scan(&r.ID, &r.AccountID, &r.Name, &conditionsJSON, &r.Expression,
		&r.Action, &r.Priority, &enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	r.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(conditionsJSON), &r.Conditions); err != nil {
		return nil, fmt.Errorf("unmarshal conditions for rule %d: %w", r.ID, err)
	}
	return &r, nil
}

// Create inserts a new rule.
func (s *DownloadRuleStore) Create(ctx context.Context, r *DownloadRule) (*DownloadRule, error) {
	if r == nil {
		return nil, errors.New("rule is nil")
	}
	if r.Name == "" {
		return nil, errors.New("rule requires a name")
	}
	switch r.Action {
	case "":
		r.Action = RuleActionAutoDownload
	case RuleActionAutoDownload, RuleActionNotify, RuleActionSkip:
	default:
		return nil, fmt.Errorf("unknown rule action %q", r.Action)
	}
	if r.Priority <= 0 {
		r.Priority = DefaultQueuePriority
	}
	if r.Conditions == nil {
		r.Conditions = map[string]any{}
	}

	conditionsJSON, err := json.Marshal(r.Conditions)
	if err != nil {
		return nil, fmt.Errorf("marshal conditions: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO download_rules (account_id, name, conditions, expression, action, priority, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.AccountID, r.Name, string(conditionsJSON), r.Expression, r.Action, r.Priority, boolToInt(r.Enabled))
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get returns the rule with the given id, or sql.ErrNoRows.
func (s *DownloadRuleStore) Get(ctx context.Context, id int64) (*DownloadRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+downloadRuleColumns+` FROM download_rules WHERE id = ?`, id)
	return scanDownloadRule(row)
}

// Update replaces the mutable fields of an existing rule.
func (s *DownloadRuleStore) Update(ctx context.Context, r *DownloadRule) error {
	if r == nil || r.ID == 0 {
		return errors.New("rule update requires an id")
	}
	if r.Conditions == nil {
		r.Conditions = map[string]any{}
	}

	conditionsJSON, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE download_rules
		SET name = ?, conditions = ?, expression = ?, action = ?, priority = ?, enabled = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, r.Name, string(conditionsJSON), r.Expression, r.Action, r.Priority, boolToInt(r.Enabled), r.ID)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// Delete removes a rule.
func (s *DownloadRuleStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM download_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res)
}

// ListEnabled returns enabled rules in evaluation order (priority DESC).
// An empty account returns globally scoped rules only; otherwise account
// rules and global rules both apply.
func (s *DownloadRuleStore) ListEnabled(ctx context.Context, accountID string) ([]*DownloadRule, error) {
	query := `SELECT ` + downloadRuleColumns + ` FROM download_rules WHERE enabled = 1`
	var args []any
	if accountID != "" {
		query += ` AND (account_id = ? OR account_id = '')`
		args = append(args, accountID)
	} else {
		query += ` AND account_id = ''`
	}
	query += ` ORDER BY priority DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*DownloadRule
	for rows.Next() {
		r, err := scanDownloadRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// List returns all rules.
func (s *DownloadRuleStore) List(ctx context.Context) ([]*DownloadRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+downloadRuleColumns+` FROM download_rules ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*DownloadRule
	for rows.Next() {
		r, err := scanDownloadRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
