// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fetcharr/fetcharr/internal/models"
)

func sampleItem() *models.RSSFeedItem {
	year := 2021
	return &models.RSSFeedItem{
		Title:         "Dune.2021.1080p.BluRay.x264-GROUP",
		ParsedTitle:   "dune",
		ParsedYear:    &year,
		ParsedQuality: "1080p",
		ParsedGroup:   "GROUP",
		SizeBytes:     4 << 30,
		Seeders:       250,
		Leechers:      12,
	}
}

func TestConditionsMatch(t *testing.T) {
	sample := itemSample(sampleItem())

	tests := []struct {
		name       string
		conditions map[string]any
		want       bool
	}{
		{name: "empty conditions match", conditions: map[string]any{}, want: true},
		{name: "substring case-insensitive", conditions: map[string]any{"title": "dune"}, want: true},
		{name: "substring miss", conditions: map[string]any{"title": "blade runner"}, want: false},
		{name: "numeric at least", conditions: map[string]any{"seeders": float64(100)}, want: true},
		{name: "numeric below", conditions: map[string]any{"seeders": float64(500)}, want: false},
		{name: "all AND", conditions: map[string]any{"title": "dune", "seeders": float64(100), "quality": "1080p"}, want: true},
		{name: "one failing condition fails all", conditions: map[string]any{"title": "dune", "seeders": float64(9999)}, want: false},
		{name: "absent field fails", conditions: map[string]any{"no_such_field": "x"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, conditionsMatch(tt.conditions, sample))
		})
	}
}

func TestExpressionMatches(t *testing.T) {
	sample := itemSample(sampleItem())

	assert.True(t, expressionMatches(`seeders >= 100 && quality == "1080p"`, sample))
	assert.False(t, expressionMatches(`seeders > 1000`, sample))
	assert.False(t, expressionMatches(`this is not an expression`, sample), "a broken expression fails the rule, not the feed")
}

func TestEvaluateRules(t *testing.T) {
	item := sampleItem()

	t.Run("no rules defaults to auto-download", func(t *testing.T) {
		action, name := evaluateRules(nil, item)
		assert.Equal(t, models.RuleActionAutoDownload, action)
		assert.Empty(t, name)
	})

	t.Run("first matching rule wins", func(t *testing.T) {
		rules := []*models.DownloadRule{
			{Name: "skip small", Conditions: map[string]any{"size_bytes": float64(1 << 40)}, Action: models.RuleActionSkip},
			{Name: "grab", Conditions: map[string]any{"seeders": float64(100)}, Action: models.RuleActionAutoDownload},
		}

		action, name := evaluateRules(rules, item)
		assert.Equal(t, models.RuleActionAutoDownload, action)
		assert.Equal(t, "grab", name)
	})

	t.Run("no rule matching means skip", func(t *testing.T) {
		rules := []*models.DownloadRule{
			{Name: "never", Conditions: map[string]any{"seeders": float64(99999)}, Action: models.RuleActionAutoDownload},
		}

		action, _ := evaluateRules(rules, item)
		assert.Equal(t, models.RuleActionSkip, action)
	})

	t.Run("expression gates the rule", func(t *testing.T) {
		rules := []*models.DownloadRule{
			{
				Name:       "expr",
				Conditions: map[string]any{},
				Expression: `group == "GROUP" && year == 2021`,
				Action:     models.RuleActionNotify,
			},
		}

		action, name := evaluateRules(rules, item)
		assert.Equal(t, models.RuleActionNotify, action)
		assert.Equal(t, "expr", name)
	})
}

func TestParseFeed(t *testing.T) {
	items, err := parseFeed([]byte(duneFeed))
	assert.NoError(t, err)
	assert.Len(t, items, 2)

	assert.Equal(t, "Dune.2021.1080p.BluRay.x264-GROUP", items[0].Title)
	assert.Equal(t, "magnet:?xt=urn:btih:dune", items[0].Link)
	assert.Equal(t, 250, items[0].Seeders)
	assert.EqualValues(t, 4831838208, items[0].SizeBytes)
	assert.NotNil(t, items[0].PublishedAt)

	assert.Equal(t, "Unrelated.Show.S01E01.720p-OTHER", items[1].Title)
	assert.Nil(t, items[1].PublishedAt)
}
