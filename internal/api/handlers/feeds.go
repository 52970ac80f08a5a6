// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
)

// FeedChecker triggers an out-of-schedule pass over due feeds.
type FeedChecker interface {
	CheckDueFeeds(ctx context.Context) error
}

// FeedsHandler handles RSS feed API endpoints
type FeedsHandler struct {
	feeds   *models.RSSFeedStore
	items   *models.RSSItemStore
	checker FeedChecker
}

func NewFeedsHandler(feeds *models.RSSFeedStore, items *models.RSSItemStore, checker FeedChecker) *FeedsHandler {
	return &FeedsHandler{
		feeds:   feeds,
		items:   items,
		checker: checker,
	}
}

// Routes registers RSS feed routes on the given router
func (h *FeedsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Post("/check", h.CheckNow)
	r.Get("/{feedID}", h.Get)
	r.Put("/{feedID}", h.Update)
	r.Delete("/{feedID}", h.Delete)
	r.Get("/{feedID}/items", h.Items)
}

type FeedRequest struct {
	AccountID            string `json:"accountId,omitempty"`
	URL                  string `json:"url"`
	FeedType             string `json:"feedType,omitempty"`
	Enabled              *bool  `json:"enabled,omitempty"`
	CheckIntervalMinutes int    `json:"checkIntervalMinutes,omitempty"`
	QualityProfileID     *int64 `json:"qualityProfileId,omitempty"`
}

func (req *FeedRequest) validate(w http.ResponseWriter) bool {
	if req.URL == "" {
		RespondError(w, http.StatusBadRequest, "url is required")
		return false
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		RespondError(w, http.StatusBadRequest, "Invalid URL: must be a valid http or https URL")
		return false
	}
	return true
}

func (req *FeedRequest) apply(feed *models.RSSFeed) {
	feed.AccountID = req.AccountID
	feed.URL = req.URL
	if req.FeedType != "" {
		feed.FeedType = req.FeedType
	}
	feed.CheckIntervalMinutes = req.CheckIntervalMinutes
	feed.QualityProfileID = req.QualityProfileID
	feed.Enabled = true
	if req.Enabled != nil {
		feed.Enabled = *req.Enabled
	}
}

// List returns all configured feeds
func (h *FeedsHandler) List(w http.ResponseWriter, r *http.Request) {
	feeds, err := h.feeds.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list RSS feeds")
		RespondError(w, http.StatusInternalServerError, "Failed to list feeds")
		return
	}

	RespondJSON(w, http.StatusOK, feeds)
}

// Create adds a new feed. It becomes due immediately.
func (h *FeedsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req FeedRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if !req.validate(w) {
		return
	}

	var feed models.RSSFeed
	req.apply(&feed)

	created, err := h.feeds.Create(r.Context(), &feed)
	if err != nil {
		log.Error().Err(err).Str("url", req.URL).Msg("failed to create RSS feed")
		RespondError(w, http.StatusInternalServerError, "Failed to create feed")
		return
	}

	RespondJSON(w, http.StatusCreated, created)
}

// CheckNow runs a feed check pass outside the regular schedule
func (h *FeedsHandler) CheckNow(w http.ResponseWriter, r *http.Request) {
	if err := h.checker.CheckDueFeeds(r.Context()); err != nil {
		log.Error().Err(err).Msg("manual feed check failed")
		RespondError(w, http.StatusInternalServerError, "Feed check failed")
		return
	}

	RespondJSON(w, http.StatusOK, nil)
}

// Get returns one feed with its bookkeeping fields
func (h *FeedsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIntParam64(w, r, "feedID", "feed ID")
	if !ok {
		return
	}

	feed, err := h.feeds.Get(r.Context(), id)
	if err != nil {
		RespondDBError(w, err, "Feed not found", "Failed to get feed")
		return
	}

	RespondJSON(w, http.StatusOK, feed)
}

// Update replaces a feed's settings
func (h *FeedsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIntParam64(w, r, "feedID", "feed ID")
	if !ok {
		return
	}

	var req FeedRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if !req.validate(w) {
		return
	}

	feed, err := h.feeds.Get(r.Context(), id)
	if err != nil {
		RespondDBError(w, err, "Feed not found", "Failed to get feed")
		return
	}

	req.apply(feed)
	if err := h.feeds.Update(r.Context(), feed); err != nil {
		log.Error().Err(err).Int64("feedID", id).Msg("failed to update RSS feed")
		RespondError(w, http.StatusInternalServerError, "Failed to update feed")
		return
	}

	RespondJSON(w, http.StatusOK, feed)
}

// Delete removes a feed and its seen items
func (h *FeedsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIntParam64(w, r, "feedID", "feed ID")
	if !ok {
		return
	}

	if err := h.feeds.Delete(r.Context(), id); err != nil {
		RespondDBError(w, err, "Feed not found", "Failed to delete feed")
		return
	}

	RespondJSON(w, http.StatusOK, nil)
}

// Items returns a feed's pending items
func (h *FeedsHandler) Items(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIntParam64(w, r, "feedID", "feed ID")
	if !ok {
		return
	}

	if _, err := h.feeds.Get(r.Context(), id); err != nil {
		RespondDBError(w, err, "Feed not found", "Failed to get feed")
		return
	}

	items, err := h.items.ListPending(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Int64("feedID", id).Msg("failed to list feed items")
		RespondError(w, http.StatusInternalServerError, "Failed to list feed items")
		return
	}

	RespondJSON(w, http.StatusOK, items)
}
