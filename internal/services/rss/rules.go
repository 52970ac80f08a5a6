// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
)

// itemSample flattens a feed item into the mapping rules are evaluated
// against.
func itemSample(it *models.RSSFeedItem) map[string]any {
	sample := map[string]any{
		"title":        it.Title,
		"parsed_title": it.ParsedTitle,
		"quality":      it.ParsedQuality,
		"source":       it.ParsedSource,
		"group":        it.ParsedGroup,
		"size_bytes":   float64(it.SizeBytes),
		"seeders":      float64(it.Seeders),
		"leechers":     float64(it.Leechers),
	}
	if it.ParsedYear != nil {
		sample["year"] = float64(*it.ParsedYear)
	}
	if it.ParsedSeason != nil {
		sample["season"] = float64(*it.ParsedSeason)
	}
	if it.ParsedEpisode != nil {
		sample["episode"] = float64(*it.ParsedEpisode)
	}
	return sample
}

// conditionsMatch evaluates the flat predicate object against the sample:
// strings match as case-insensitive substrings, numbers by sample >= wanted,
// booleans by equality. All conditions AND; a condition naming an absent
// field fails.
func conditionsMatch(conditions map[string]any, sample map[string]any) bool {
	for field, wanted := range conditions {
		have, ok := sample[field]
		if !ok {
			return false
		}

		switch want := wanted.(type) {
		case string:
			haveStr, ok := have.(string)
			if !ok || !strings.Contains(strings.ToLower(haveStr), strings.ToLower(want)) {
				return false
			}
		case float64:
			haveNum, ok := have.(float64)
			if !ok || haveNum < want {
				return false
			}
		case bool:
			haveBool, ok := have.(bool)
			if !ok || haveBool != want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// expressionMatches runs the rule's optional expr program against the
// sample. A compile or runtime error fails the rule rather than the feed
// check.
func expressionMatches(expression string, sample map[string]any) bool {
	program, err := expr.Compile(expression, expr.Env(sample), expr.AsBool())
	if err != nil {
		log.Warn().Err(err).Str("expression", expression).Msg("rule expression does not compile")
		return false
	}

	out, err := expr.Run(program, sample)
	if err != nil {
		log.Warn().Err(err).Str("expression", expression).Msg("rule expression failed")
		return false
	}

	matched, ok := out.(bool)
	return ok && matched
}

// evaluateRules returns the action of the first (highest priority) enabled
// rule whose conditions and expression both hold. With no rules configured
// the default is auto-download.
func evaluateRules(rules []*models.DownloadRule, it *models.RSSFeedItem) (action string, ruleName string) {
	if len(rules) == 0 {
		return models.RuleActionAutoDownload, ""
	}

	sample := itemSample(it)
	for _, rule := range rules {
		if !conditionsMatch(rule.Conditions, sample) {
			continue
		}
		if rule.Expression != "" && !expressionMatches(rule.Expression, sample) {
			continue
		}
		return rule.Action, rule.Name
	}

	return models.RuleActionSkip, ""
}

// describeRuleVerdict is the rejection reason recorded for items a rule
// turned away.
func describeRuleVerdict(action, ruleName string) string {
	if ruleName == "" {
		return "no download rule matched"
	}
	return fmt.Sprintf("rule %q decided %s", ruleName, action)
}
