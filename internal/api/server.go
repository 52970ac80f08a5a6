// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api exposes the HTTP surface: pipeline runs, downloads and the
// queue, subscriptions, RSS feeds, download rules, health probes and
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/api/handlers"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/models"
)

// Dependencies carries everything the router needs.
type Dependencies struct {
	Config *config.AppConfig
	DB     *database.DB

	RunStore          *models.PipelineRunStore
	DownloadStore     *models.DownloadStore
	QueueStore        *models.QueueStore
	SubscriptionStore *models.SubscriptionStore
	FeedStore         *models.RSSFeedStore
	ItemStore         *models.RSSItemStore
	RuleStore         *models.DownloadRuleStore

	Pipeline        handlers.PipelineManager
	DownloadManager handlers.DownloadManager
	FeedChecker     handlers.FeedChecker

	Metrics *metrics.Metrics
}

// Server is the HTTP server for the fetcharr API.
type Server struct {
	deps *Dependencies
	srv  *http.Server
}

func NewServer(deps *Dependencies) *Server {
	return &Server{deps: deps}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	healthHandler := handlers.NewHealthHandler(s.deps.DB)
	r.Route("/health", healthHandler.Routes)

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			s.deps.Metrics.Registry,
			promhttp.HandlerOpts{},
		))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/runs", handlers.NewRunsHandler(s.deps.RunStore, s.deps.Pipeline).Routes)
		r.Route("/downloads", handlers.NewDownloadsHandler(s.deps.DownloadStore, s.deps.QueueStore, s.deps.DownloadManager).Routes)
		r.Route("/subscriptions", handlers.NewSubscriptionsHandler(s.deps.SubscriptionStore).Routes)
		r.Route("/feeds", handlers.NewFeedsHandler(s.deps.FeedStore, s.deps.ItemStore, s.deps.FeedChecker).Routes)
		r.Route("/rules", handlers.NewRulesHandler(s.deps.RuleStore).Routes)
	})

	return r
}

// Serve blocks until ctx is cancelled or the listener fails, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.deps.Config.Config.Host, s.deps.Config.Config.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("Starting API server on %s", addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	log.Info().Msg("API server stopped")
	return nil
}
