// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rss polls release feeds, fingerprints their items, matches them
// against subscriptions and turns accepted items into pipeline runs.
package rss

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fetcharr/fetcharr/internal/matcher"
	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/pkg/clock"
)

// failureWarningThreshold is when a persistently failing feed gets a louder
// log line. Feeds are never auto-disabled; that is an operator call.
const failureWarningThreshold = 5

// RunLauncher starts pipeline runs for matched items. Implemented by the
// service wiring so this package does not depend on the orchestrator.
type RunLauncher interface {
	Launch(runID int64)
}

// Options tunes the ingestion loop.
type Options struct {
	TickInterval time.Duration // coarse scheduler tick
	Workers      int           // concurrent feed checks
	Threshold    float64       // fuzzy match threshold
}

func (o *Options) normalize() {
	if o.TickInterval <= 0 {
		o.TickInterval = 30 * time.Minute
	}
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.Threshold <= 0 || o.Threshold > 1 {
		o.Threshold = matcher.DefaultThreshold
	}
}

// Service is the RSS ingestion engine.
type Service struct {
	feeds         *models.RSSFeedStore
	items         *models.RSSItemStore
	subscriptions *models.SubscriptionStore
	rules         *models.DownloadRuleStore
	runs          *models.PipelineRunStore
	fetcher       *Fetcher
	launcher      RunLauncher
	clock         clock.Clock
	opts          Options
	metrics       *metrics.Metrics
	log           zerolog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func NewService(
	feeds *models.RSSFeedStore,
	items *models.RSSItemStore,
	subscriptions *models.SubscriptionStore,
	rules *models.DownloadRuleStore,
	runs *models.PipelineRunStore,
	fetcher *Fetcher,
	launcher RunLauncher,
	clk clock.Clock,
	opts Options,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Service {
	opts.normalize()
	return &Service{
		feeds:         feeds,
		items:         items,
		subscriptions: subscriptions,
		rules:         rules,
		runs:          runs,
		fetcher:       fetcher,
		launcher:      launcher,
		clock:         clk,
		opts:          opts,
		metrics:       m,
		log:           logger.With().Str("component", "rss").Logger(),
	}
}

// Start launches the scheduler loop. Safe to call once.
func (s *Service) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	s.log.Info().Dur("tick", s.opts.TickInterval).Int("workers", s.opts.Workers).Msg("RSS ingestion started")
}

// Stop cancels the scheduler and waits for in-flight feed checks.
func (s *Service) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) loop(ctx context.Context) {
	// First pass runs immediately so a fresh deployment does not wait a
	// full tick for its feeds.
	for {
		if err := s.CheckDueFeeds(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("feed check pass failed")
		}
		if err := s.clock.Sleep(ctx, s.opts.TickInterval); err != nil {
			return
		}
	}
}

// CheckDueFeeds runs the check pipeline for every enabled feed whose
// next_check_at has passed, bounded by the worker pool.
func (s *Service) CheckDueFeeds(ctx context.Context) error {
	due, err := s.feeds.ListDue(ctx, s.clock.Now())
	if err != nil {
		return fmt.Errorf("list due feeds: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	s.log.Debug().Msgf("Checking %d due feeds", len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, feed := range due {
		feed := feed
		g.Go(func() error {
			s.checkFeed(gctx, feed)
			return nil
		})
	}
	return g.Wait()
}

// checkFeed runs the per-feed pipeline and records the check outcome on the
// feed row. Failures are bookkept, never fatal.
func (s *Service) checkFeed(ctx context.Context, feed *models.RSSFeed) {
	now := s.clock.Now()
	logger := s.log.With().Int64("feedID", feed.ID).Str("url", feed.URL).Logger()

	if err := s.processFeed(ctx, feed); err != nil {
		if s.metrics != nil {
			s.metrics.RSSFeedChecks.WithLabelValues("error").Inc()
		}
		if markErr := s.feeds.MarkCheckFailed(ctx, feed.ID, now, err); markErr != nil {
			logger.Error().Err(markErr).Msg("could not record feed failure")
		}
		if feed.ConsecutiveFailures+1 >= failureWarningThreshold {
			logger.Warn().Err(err).Int("consecutiveFailures", feed.ConsecutiveFailures+1).Msg("feed keeps failing")
		} else {
			logger.Debug().Err(err).Msg("feed check failed")
		}
		return
	}

	if s.metrics != nil {
		s.metrics.RSSFeedChecks.WithLabelValues("ok").Inc()
	}
	if err := s.feeds.MarkChecked(ctx, feed.ID, now); err != nil {
		logger.Error().Err(err).Msg("could not record feed success")
	}
}

// processFeed fetches, dedups, fingerprints, matches and acts on one feed.
func (s *Service) processFeed(ctx context.Context, feed *models.RSSFeed) error {
	fetched, err := s.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		return err
	}

	newItems := 0
	for _, raw := range fetched {
		fp := matcher.Extract(raw.Title)

		item := &models.RSSFeedItem{
			FeedID:        feed.ID,
			Title:         raw.Title,
			Link:          raw.Link,
			PublishedAt:   raw.PublishedAt,
			ParsedTitle:   fp.Title,
			ParsedQuality: joinQualities(fp.Qualities),
			ParsedSource:  fp.Source,
			ParsedGroup:   fp.Group,
			SizeBytes:     raw.SizeBytes,
			Seeders:       raw.Seeders,
			Leechers:      raw.Leechers,
		}
		if fp.Year != 0 {
			year := fp.Year
			item.ParsedYear = &year
		}
		if fp.Season != 0 {
			season := fp.Season
			item.ParsedSeason = &season
		}
		if fp.Episode != 0 {
			episode := fp.Episode
			item.ParsedEpisode = &episode
		}

		inserted, err := s.items.Upsert(ctx, item)
		if err != nil {
			return fmt.Errorf("upsert item %q: %w", raw.Title, err)
		}
		if !inserted {
			continue
		}
		newItems++

		if err := s.matchItem(ctx, feed, item, fp); err != nil {
			return err
		}
	}

	s.log.Debug().Int64("feedID", feed.ID).Int("fetched", len(fetched)).Int("new", newItems).Msg("feed processed")
	return nil
}

// matchItem finds the first matching subscription for a new item and
// applies the rule verdict.
func (s *Service) matchItem(ctx context.Context, feed *models.RSSFeed, item *models.RSSFeedItem, fp matcher.Fingerprint) error {
	subs, err := s.subscriptions.ListEnabled(ctx, feed.AccountID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	var matched *models.Subscription
	for _, sub := range subs {
		criteria := matcher.Criteria{
			Title:     sub.ContentName,
			Qualities: sub.WantedQualities,
			Threshold: s.opts.Threshold,
		}
		if sub.WantedYear != nil {
			criteria.Year = *sub.WantedYear
		}
		if matcher.Match(fp, criteria) {
			matched = sub
			break
		}
	}

	if matched == nil {
		return s.items.MarkRejected(ctx, item.ID, "no matching subscription")
	}

	rules, err := s.rules.ListEnabled(ctx, feed.AccountID)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	action, ruleName := evaluateRules(rules, item)
	switch action {
	case models.RuleActionAutoDownload:
		if err := s.startRun(ctx, feed, item, matched); err != nil {
			return err
		}
		if err := s.items.MarkMatched(ctx, item.ID, matched.ID); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.RSSItemsMatched.Inc()
		}
		return nil
	case models.RuleActionNotify:
		s.log.Info().Str("title", item.Title).Int64("subscriptionID", matched.ID).Str("rule", ruleName).Msg("matched item, notify only")
		return s.items.MarkMatched(ctx, item.ID, matched.ID)
	default: // skip
		return s.items.MarkRejected(ctx, item.ID, describeRuleVerdict(action, ruleName))
	}
}

// startRun creates and launches the pipeline run for an accepted item.
func (s *Service) startRun(ctx context.Context, feed *models.RSSFeed, item *models.RSSFeedItem, sub *models.Subscription) error {
	contentType := "movie"
	if sub.Type == models.SubscriptionTVShow {
		contentType = "episode"
	}

	run, err := s.runs.Create(ctx, &models.PipelineRun{
		AccountID:    feed.AccountID,
		Trigger:      models.TriggerRSS,
		ContentTitle: item.Title,
		ContentType:  contentType,
		Metadata: models.RunMetadata{
			MagnetURL: item.Link,
			Extra: map[string]any{
				"feed_id":         feed.ID,
				"feed_item_id":    item.ID,
				"subscription_id": sub.ID,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create run for item %q: %w", item.Title, err)
	}

	s.log.Info().Int64("runID", run.ID).Str("title", item.Title).Int64("subscriptionID", sub.ID).Msg("starting pipeline run for matched item")
	s.launcher.Launch(run.ID)
	return nil
}

func joinQualities(qualities []string) string {
	return strings.Join(qualities, ",")
}
