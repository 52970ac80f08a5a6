// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fetcharr/fetcharr/internal/api"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/logger"
	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/services/downloads"
	"github.com/fetcharr/fetcharr/internal/services/pipeline"
	"github.com/fetcharr/fetcharr/internal/services/rss"
	"github.com/fetcharr/fetcharr/internal/siblings"
	"github.com/fetcharr/fetcharr/pkg/clock"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "fetcharr",
		Short: "Content acquisition pipeline for self-hosted media platforms",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file or directory")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the fetcharr server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	})

	rootCmd.AddCommand(dbCommand(&configPath))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("fetcharr %s\n", version)
			if commit != "" {
				cmd.Printf("commit: %s\n", commit)
			}
			if date != "" {
				cmd.Printf("build date: %s\n", date)
			}
			cmd.Printf("go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runLauncher adapts the orchestrator to the asynchronous launch surface
// used by the API and the RSS service.
type runLauncher struct {
	orch *pipeline.Orchestrator
}

func (l *runLauncher) Launch(runID int64) {
	go func() {
		if err := l.orch.Execute(context.Background(), runID); err != nil {
			log.Error().Err(err).Int64("runID", runID).Msg("pipeline run failed")
		}
	}()
}

func (l *runLauncher) Retry(ctx context.Context, runID int64) error {
	return l.orch.Retry(ctx, runID)
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.New(configPath, version)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rootLog := logger.Init(cfg.Config)

	if err := cfg.Config.Validate(); err != nil {
		return err
	}
	cfg.Watch()

	log.Info().Msgf("Starting fetcharr %s", version)

	db, err := database.New(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var m *metrics.Metrics
	if cfg.Config.MetricsEnabled {
		m = metrics.New()
	}

	runStore := models.NewPipelineRunStore(db)
	downloadStore := models.NewDownloadStore(db)
	queueStore := models.NewQueueStore(db)
	subscriptionStore := models.NewSubscriptionStore(db)
	feedStore := models.NewRSSFeedStore(db)
	itemStore := models.NewRSSItemStore(db)
	ruleStore := models.NewDownloadRuleStore(db)

	client := siblings.NewClient(siblings.URLs{
		VPN:      cfg.Config.VPNURL,
		Torrent:  cfg.Config.TorrentURL,
		Metadata: cfg.Config.MetadataURL,
		Subtitle: cfg.Config.SubtitleURL,
		Media:    cfg.Config.MediaURL,
		Publish:  cfg.Config.PublishURL,
	}, cfg.Config.HTTPTimeout())

	clk := clock.New()

	orch := pipeline.NewOrchestrator(runStore, client, clk, pipeline.Options{
		PollInterval:            cfg.Config.PollInterval(),
		DownloadPollMaxAttempts: cfg.Config.DownloadPollMaxAttempts,
		EncodingPollMaxAttempts: cfg.Config.EncodingPollMaxAttempts,
	}, m, rootLog)

	sm := downloads.NewStateMachine(db, downloadStore, m, rootLog)
	worker := downloads.NewWorker(downloadStore, queueStore, runStore, sm, orch, clk, cfg.Config.DownloadWorkers, m, rootLog)
	orch.SetObserver(worker)

	launcher := &runLauncher{orch: orch}

	rssService := rss.NewService(
		feedStore, itemStore, subscriptionStore, ruleStore, runStore,
		rss.NewFetcher(cfg.Config.HTTPTimeout()), launcher, clk,
		rss.Options{
			TickInterval: cfg.Config.RSSCheckInterval(),
			Workers:      cfg.Config.RSSWorkers,
			Threshold:    cfg.Config.FuzzyMatchThreshold,
		}, m, rootLog)

	// Runs interrupted by the last shutdown resume where they left off.
	if err := orch.RecoverInterrupted(ctx, launcher.Launch); err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}

	worker.Start(ctx)
	defer worker.Stop()
	rssService.Start(ctx)
	defer rssService.Stop()

	server := api.NewServer(&api.Dependencies{
		Config:            cfg,
		DB:                db,
		RunStore:          runStore,
		DownloadStore:     downloadStore,
		QueueStore:        queueStore,
		SubscriptionStore: subscriptionStore,
		FeedStore:         feedStore,
		ItemStore:         itemStore,
		RuleStore:         ruleStore,
		Pipeline:          launcher,
		DownloadManager:   worker,
		FeedChecker:       rssService,
		Metrics:           m,
	})

	return server.Serve(ctx)
}
