// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/testdb"
)

func newQueueFixture(t *testing.T) (*database.DB, *models.QueueStore, *models.DownloadStore) {
	t.Helper()

	db := testdb.Open(t, "models")
	return db, models.NewQueueStore(db), models.NewDownloadStore(db)
}

func createQueuedDownload(t *testing.T, store *models.DownloadStore, title string) *models.Download {
	t.Helper()

	d, err := store.Create(context.Background(), &models.Download{
		AccountID: "acct-1",
		Title:     title,
	})
	require.NoError(t, err)
	return d
}

// addAt inserts a queue entry with an explicit created_at so ordering tests
// do not depend on insert timing.
func addAt(t *testing.T, db *database.DB, downloadID string, priority int, createdAt time.Time) {
	t.Helper()

	_, err := db.ExecContext(context.Background(), `
		INSERT INTO download_queue (download_id, priority, created_at) VALUES (?, ?, ?)
	`, downloadID, priority, createdAt.UTC())
	require.NoError(t, err)
}

func TestQueuePopOrder(t *testing.T) {
	db, queue, downloads := newQueueFixture(t)
	ctx := context.Background()

	a := createQueuedDownload(t, downloads, "a")
	b := createQueuedDownload(t, downloads, "b")
	c := createQueuedDownload(t, downloads, "c")

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	addAt(t, db, a.ID, 20, base.Add(time.Minute)) // same priority as c, created later
	addAt(t, db, b.ID, 10, base)                  // lower priority
	addAt(t, db, c.ID, 20, base)                  // highest priority, earliest

	var popped []string
	for {
		entry, err := queue.Pop(ctx)
		require.NoError(t, err)
		if entry == nil {
			break
		}
		popped = append(popped, entry.DownloadID)
	}

	assert.Equal(t, []string{c.ID, a.ID, b.ID}, popped)
}

func TestQueueAddUpsertsPriority(t *testing.T) {
	_, queue, downloads := newQueueFixture(t)
	ctx := context.Background()

	d := createQueuedDownload(t, downloads, "upsert")
	require.NoError(t, queue.Add(ctx, d.ID, 10))
	require.NoError(t, queue.Add(ctx, d.ID, 50))

	entries, err := queue.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1, "a download appears at most once")
	assert.Equal(t, 50, entries[0].Priority)
}

func TestQueueRemoveIdempotent(t *testing.T) {
	_, queue, downloads := newQueueFixture(t)
	ctx := context.Background()

	d := createQueuedDownload(t, downloads, "remove")
	require.NoError(t, queue.Add(ctx, d.ID, 10))

	require.NoError(t, queue.Remove(ctx, d.ID))
	require.NoError(t, queue.Remove(ctx, d.ID), "removing an absent entry is not an error")
	require.NoError(t, queue.Remove(ctx, "never-queued"))
}

func TestQueuePopEmpty(t *testing.T) {
	_, queue, _ := newQueueFixture(t)

	entry, err := queue.Pop(context.Background())
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestQueueDepthCountsNonTerminal(t *testing.T) {
	db, queue, downloads := newQueueFixture(t)
	ctx := context.Background()

	active := createQueuedDownload(t, downloads, "active")
	done := createQueuedDownload(t, downloads, "done")
	require.NoError(t, queue.Add(ctx, active.ID, 10))
	require.NoError(t, queue.Add(ctx, done.ID, 10))

	_, err := db.ExecContext(ctx, `UPDATE downloads SET state = ? WHERE id = ?`, models.DownloadCompleted, done.ID)
	require.NoError(t, err)

	depth, err := queue.Depth(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	total, err := queue.Depth(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
