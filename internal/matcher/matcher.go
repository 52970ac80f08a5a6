// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package matcher fingerprints release titles and matches them against
// subscription criteria.
package matcher

import (
	"regexp"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/moistari/rls"
)

// DefaultThreshold is the minimum title similarity for a match.
const DefaultThreshold = 0.8

var (
	yearRe       = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	dvTokenRe    = regexp.MustCompile(`(?i)[.\s\[(]dv[.\s\])]`)
)

// Normalize lowercases, strips non-alphanumerics except whitespace, and
// collapses whitespace runs. Normalizing twice is a no-op.
func Normalize(s string) string {
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '\t', r == '\n':
			b.WriteByte(' ')
		default:
			b.WriteByte(' ')
		}
	}

	return strings.TrimSpace(whitespaceRe.ReplaceAllString(b.String(), " "))
}

// Fingerprint is the structured form of a raw release title.
type Fingerprint struct {
	Title     string
	Year      int
	Season    int
	Episode   int
	Qualities []string
	Source    string
	Group     string
}

// HasQuality reports whether the fingerprint carries the given quality
// token (normalized comparison, with 4k treated as 2160p).
func (f Fingerprint) HasQuality(quality string) bool {
	want := canonicalQuality(quality)
	for _, q := range f.Qualities {
		if q == want {
			return true
		}
	}
	return false
}

func canonicalQuality(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "4k" {
		return "2160p"
	}
	return q
}

// qualityTokens are the resolution/HDR markers recognized in raw titles,
// keyed by the substring tested for.
var qualityTokens = []struct {
	token     string
	canonical string
}{
	{"2160p", "2160p"},
	{"4k", "2160p"},
	{"1080p", "1080p"},
	{"720p", "720p"},
	{"dolby vision", "dolby vision"},
	{"dolby.vision", "dolby vision"},
	{"hdr", "hdr"},
	{"dv", "dolby vision"},
}

// Extract parses a raw release title into a fingerprint. The release parser
// does the heavy lifting; the year and quality probes run over the raw
// string as well so titles the parser trips on still fingerprint usefully.
func Extract(rawTitle string) Fingerprint {
	release := rls.ParseString(rawTitle)

	fp := Fingerprint{
		Title:   Normalize(release.Title),
		Year:    release.Year,
		Season:  release.Series,
		Episode: release.Episode,
		Group:   release.Group,
	}
	if release.Source != "" {
		fp.Source = strings.ToLower(release.Source)
	}
	if fp.Title == "" {
		fp.Title = Normalize(rawTitle)
	}

	if fp.Year == 0 {
		if m := yearRe.FindString(rawTitle); m != "" {
			fp.Year = atoiSafe(m)
		}
	}

	lower := strings.ToLower(rawTitle)
	seen := make(map[string]bool)
	for _, qt := range qualityTokens {
		if qt.token == "dv" {
			// Too short for a bare substring probe; require delimiters.
			if !dvTokenRe.MatchString(rawTitle) {
				continue
			}
		} else if !strings.Contains(lower, qt.token) {
			continue
		}
		if !seen[qt.canonical] {
			seen[qt.canonical] = true
			fp.Qualities = append(fp.Qualities, qt.canonical)
		}
	}

	return fp
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// Similarity computes normalized Levenshtein similarity between two titles:
// (max(|a|,|b|) - distance) / max(|a|,|b|). Inputs are normalized first.
// Two empty titles are fully similar.
func Similarity(a, b string) float64 {
	a, b = Normalize(a), Normalize(b)

	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1
	}

	dist := fuzzy.LevenshteinDistance(a, b)
	return float64(longest-dist) / float64(longest)
}

// Criteria is what a subscription wants from a candidate release.
type Criteria struct {
	Title     string
	Year      int      // 0 means any year
	Qualities []string // empty means any quality
	Threshold float64  // 0 means DefaultThreshold
}

// Match reports whether the fingerprint satisfies all present criteria:
// the title must fuzzy-match at or above the threshold; if a year is set it
// must equal the extracted year; if qualities are set at least one must be
// present.
func Match(fp Fingerprint, c Criteria) bool {
	threshold := c.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	if Similarity(fp.Title, c.Title) < threshold {
		return false
	}

	if c.Year != 0 && fp.Year != c.Year {
		return false
	}

	if len(c.Qualities) > 0 {
		found := false
		for _, q := range c.Qualities {
			if fp.HasQuality(q) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
