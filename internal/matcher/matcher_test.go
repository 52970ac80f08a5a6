// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "lowercases", input: "Breaking Bad", want: "breaking bad"},
		{name: "strips punctuation", input: "Marvel's Agents of S.H.I.E.L.D.", want: "marvel s agents of s h i e l d"},
		{name: "collapses whitespace", input: "The   Expanse \t S01", want: "the expanse s01"},
		{name: "dots become spaces", input: "The.Expanse.S01E01", want: "the expanse s01e01"},
		{name: "empty", input: "", want: ""},
		{name: "only punctuation", input: "!!!", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.input))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"The.Expanse.S01E01.1080p.WEB-DL.x264-GROUP",
		"Dune: Part Two (2024) [2160p]",
		"  spaced   out  ",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "normalize must be idempotent for %q", in)
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name        string
		rawTitle    string
		wantTitle   string
		wantYear    int
		wantSeason  int
		wantEpisode int
		wantQuality []string
	}{
		{
			name:        "episode with quality",
			rawTitle:    "The.Expanse.S05E03.1080p.WEB-DL.DDP5.1.x264-NTb",
			wantTitle:   "the expanse",
			wantSeason:  5,
			wantEpisode: 3,
			wantQuality: []string{"1080p"},
		},
		{
			name:        "movie with year and 2160p",
			rawTitle:    "Dune.Part.Two.2024.2160p.HDR.WEB-DL-GROUP",
			wantTitle:   "dune part two",
			wantYear:    2024,
			wantQuality: []string{"2160p", "hdr"},
		},
		{
			name:        "4k alias maps to 2160p",
			rawTitle:    "Some Movie (2023) 4K Remux",
			wantTitle:   "some movie",
			wantYear:    2023,
			wantQuality: []string{"2160p"},
		},
		{
			name:      "no quality markers",
			rawTitle:  "Obscure Indie Film 1997 DVDRip",
			wantTitle: "obscure indie film",
			wantYear:  1997,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := Extract(tt.rawTitle)
			assert.Equal(t, tt.wantTitle, fp.Title)
			assert.Equal(t, tt.wantYear, fp.Year)
			assert.Equal(t, tt.wantSeason, fp.Season)
			assert.Equal(t, tt.wantEpisode, fp.Episode)
			assert.ElementsMatch(t, tt.wantQuality, fp.Qualities)
		})
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want float64
	}{
		{name: "identical", a: "the expanse", b: "the expanse", want: 1},
		{name: "identical after normalization", a: "The.Expanse", b: "the expanse", want: 1},
		{name: "both empty", a: "", b: "", want: 1},
		{name: "completely different", a: "aaaa", b: "zzzz", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Similarity(tt.a, tt.b), 0.0001)
		})
	}

	t.Run("one char off long title", func(t *testing.T) {
		// 11 chars, distance 1 => 10/11 ≈ 0.909
		got := Similarity("the expanse", "the expansa")
		assert.Greater(t, got, 0.8)
		assert.Less(t, got, 1.0)
	})

	t.Run("symmetric", func(t *testing.T) {
		assert.Equal(t, Similarity("breaking bad", "braking bad"), Similarity("braking bad", "breaking bad"))
	})
}

func TestMatch(t *testing.T) {
	fp := Extract("The.Expanse.S05E03.2024.1080p.WEB-DL.x264-NTb")

	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{
			name:     "title only",
			criteria: Criteria{Title: "The Expanse"},
			want:     true,
		},
		{
			name:     "title below threshold",
			criteria: Criteria{Title: "Completely Different Show"},
			want:     false,
		},
		{
			name:     "year matches",
			criteria: Criteria{Title: "The Expanse", Year: 2024},
			want:     true,
		},
		{
			name:     "year mismatch",
			criteria: Criteria{Title: "The Expanse", Year: 2019},
			want:     false,
		},
		{
			name:     "quality intersects",
			criteria: Criteria{Title: "The Expanse", Qualities: []string{"720p", "1080p"}},
			want:     true,
		},
		{
			name:     "quality disjoint",
			criteria: Criteria{Title: "The Expanse", Qualities: []string{"2160p"}},
			want:     false,
		},
		{
			name:     "all criteria pass",
			criteria: Criteria{Title: "The Expanse", Year: 2024, Qualities: []string{"1080p"}},
			want:     true,
		},
		{
			name:     "custom threshold rejects near miss",
			criteria: Criteria{Title: "The Expanses", Threshold: 0.99},
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(fp, tt.criteria))
		})
	}
}

func TestHasQuality4KAlias(t *testing.T) {
	fp := Fingerprint{Qualities: []string{"2160p"}}
	assert.True(t, fp.HasQuality("4k"))
	assert.True(t, fp.HasQuality("2160p"))
	assert.False(t, fp.HasQuality("720p"))
}
