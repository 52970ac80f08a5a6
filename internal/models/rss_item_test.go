// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/testdb"
)

func TestRSSItemUpsertDedup(t *testing.T) {
	db := testdb.Open(t, "models")
	ctx := context.Background()

	feeds := models.NewRSSFeedStore(db)
	items := models.NewRSSItemStore(db)

	feed, err := feeds.Create(ctx, &models.RSSFeed{URL: "https://example.org/rss", Enabled: true})
	require.NoError(t, err)

	year := 2024
	first := &models.RSSFeedItem{
		FeedID:      feed.ID,
		Title:       "The.Expanse.S05E03.1080p.WEB-DL-NTb",
		Link:        "magnet:?xt=urn:btih:abc",
		ParsedTitle: "the expanse",
		ParsedYear:  &year,
		Seeders:     120,
	}
	inserted, err := items.Upsert(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NotZero(t, first.ID)

	// Mark it matched, then re-upsert the same (feed, title) with different
	// fields: the stored row must keep its verdict and its fields.
	require.NoError(t, items.MarkMatched(ctx, first.ID, 7))

	dup := &models.RSSFeedItem{
		FeedID:  feed.ID,
		Title:   "The.Expanse.S05E03.1080p.WEB-DL-NTb",
		Link:    "magnet:?xt=urn:btih:OTHER",
		Seeders: 999,
	}
	inserted, err = items.Upsert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted, "second sighting of the same (feed, title) must not insert")

	got, err := items.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RSSItemMatched, got.Status)
	assert.Equal(t, "magnet:?xt=urn:btih:abc", got.Link)
	assert.Equal(t, 120, got.Seeders)
	require.NotNil(t, got.MatchedSubscriptionID)
	assert.EqualValues(t, 7, *got.MatchedSubscriptionID)
}

func TestRSSItemSameTitleDifferentFeeds(t *testing.T) {
	db := testdb.Open(t, "models")
	ctx := context.Background()

	feeds := models.NewRSSFeedStore(db)
	items := models.NewRSSItemStore(db)

	feedA, err := feeds.Create(ctx, &models.RSSFeed{URL: "https://a.example/rss", Enabled: true})
	require.NoError(t, err)
	feedB, err := feeds.Create(ctx, &models.RSSFeed{URL: "https://b.example/rss", Enabled: true})
	require.NoError(t, err)

	for _, feedID := range []int64{feedA.ID, feedB.ID} {
		inserted, err := items.Upsert(ctx, &models.RSSFeedItem{FeedID: feedID, Title: "Same.Title.1080p"})
		require.NoError(t, err)
		assert.True(t, inserted, "dedup is per feed, not global")
	}
}

func TestRSSItemRejection(t *testing.T) {
	db := testdb.Open(t, "models")
	ctx := context.Background()

	feeds := models.NewRSSFeedStore(db)
	items := models.NewRSSItemStore(db)

	feed, err := feeds.Create(ctx, &models.RSSFeed{URL: "https://example.org/rss", Enabled: true})
	require.NoError(t, err)

	it := &models.RSSFeedItem{FeedID: feed.ID, Title: "Unwanted.Show.720p"}
	_, err = items.Upsert(ctx, it)
	require.NoError(t, err)

	require.NoError(t, items.MarkRejected(ctx, it.ID, "no matching subscription"))

	got, err := items.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RSSItemRejected, got.Status)
	assert.Equal(t, "no matching subscription", got.RejectionReason)

	pending, err := items.ListPending(ctx, feed.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
