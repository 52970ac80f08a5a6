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

// DefaultQueuePriority is assigned when the caller does not specify one.
const DefaultQueuePriority = 10

// QueueEntry is one download waiting for a worker.
type QueueEntry struct {
	DownloadID string    `json:"downloadId"`
	Priority   int       `json:"priority"`
	CreatedAt  time.Time `json:"createdAt"`
}

// QueueStore is the acquisition priority queue. Entries are keyed by
// download ID; re-adding an existing entry updates its priority but keeps
// its original queue position timestamp.
type QueueStore struct {
	db dbinterface.Querier
}

func NewQueueStore(db dbinterface.Querier) *QueueStore {
	return &QueueStore{db: db}
}

// Add upserts a queue entry. On conflict the priority is updated and
// created_at is preserved.
func (s *QueueStore) Add(ctx context.Context, downloadID string, priority int) error {
	if downloadID == "" {
		return errors.New("queue add requires a download id")
	}
	if priority <= 0 {
		priority = DefaultQueuePriority
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO download_queue (download_id, priority)
		VALUES (?, ?)
		ON CONFLICT (download_id) DO UPDATE SET priority = excluded.priority
	`, downloadID, priority)
	return err
}

// Remove deletes a queue entry. Removing an absent entry is not an error.
func (s *QueueStore) Remove(ctx context.Context, downloadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM download_queue WHERE download_id = ?`, downloadID)
	return err
}

// Pop claims the highest-priority entry (priority DESC, then created_at ASC)
// and removes it from the queue in the same statement. Returns nil when the
// queue is empty.
func (s *QueueStore) Pop(ctx context.Context) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM download_queue
		WHERE download_id = (
			SELECT download_id FROM download_queue
			ORDER BY priority DESC, created_at ASC, download_id ASC
			LIMIT 1
		)
		RETURNING download_id, priority, created_at
	`)

	var e QueueEntry
	if err := row.Scan(&e.DownloadID, &e.Priority, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// Peek returns the next entry without removing it. Returns nil when empty.
func (s *QueueStore) Peek(ctx context.Context) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT download_id, priority, created_at FROM download_queue
		ORDER BY priority DESC, created_at ASC, download_id ASC
		LIMIT 1
	`)

	var e QueueEntry
	if err := row.Scan(&e.DownloadID, &e.Priority, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// Depth counts queued downloads for an account whose state is not terminal.
// An empty account counts the whole queue.
func (s *QueueStore) Depth(ctx context.Context, accountID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM download_queue q
		JOIN downloads d ON d.id = q.download_id
		WHERE d.state NOT IN (?, ?)`
	args := []any{DownloadCompleted, DownloadCancelled}
	if accountID != "" {
		query += ` AND d.account_id = ?`
		args = append(args, accountID)
	}

	var depth int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&depth); err != nil {
		return 0, err
	}
	return depth, nil
}

// List returns the queue in pop order.
func (s *QueueStore) List(ctx context.Context, limit int) ([]*QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT download_id, priority, created_at FROM download_queue
		ORDER BY priority DESC, created_at ASC, download_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.DownloadID, &e.Priority, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
