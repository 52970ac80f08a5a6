// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/services/downloads"
)

// DownloadManager is the worker surface the API needs.
type DownloadManager interface {
	Enqueue(ctx context.Context, downloadID string, priority int) error
	Cancel(ctx context.Context, downloadID string) error
	Retry(ctx context.Context, downloadID string, priority int) error
	Pause(ctx context.Context, downloadID string) error
	Resume(ctx context.Context, downloadID string, priority int) error
}

// DownloadsHandler handles download and queue API endpoints
type DownloadsHandler struct {
	downloads *models.DownloadStore
	queue     *models.QueueStore
	manager   DownloadManager
}

func NewDownloadsHandler(store *models.DownloadStore, queue *models.QueueStore, manager DownloadManager) *DownloadsHandler {
	return &DownloadsHandler{
		downloads: store,
		queue:     queue,
		manager:   manager,
	}
}

// Routes registers download routes on the given router
func (h *DownloadsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/queue", h.Queue)
	r.Get("/{downloadID}", h.Get)
	r.Get("/{downloadID}/history", h.History)
	r.Post("/{downloadID}/cancel", h.Cancel)
	r.Post("/{downloadID}/retry", h.Retry)
	r.Post("/{downloadID}/pause", h.Pause)
	r.Post("/{downloadID}/resume", h.Resume)
}

type CreateDownloadRequest struct {
	AccountID      string `json:"accountId"`
	UserID         string `json:"userId,omitempty"`
	ContentType    string `json:"contentType"`
	Title          string `json:"title"`
	MagnetURI      string `json:"magnetUri"`
	QualityProfile string `json:"qualityProfile,omitempty"`
	ShowID         string `json:"showId,omitempty"`
	Season         *int   `json:"season,omitempty"`
	Episode        *int   `json:"episode,omitempty"`
	TMDBID         *int64 `json:"tmdbId,omitempty"`
	Priority       int    `json:"priority,omitempty"`
}

type RetryDownloadRequest struct {
	Priority int `json:"priority,omitempty"`
}

// List returns downloads for an account, optionally filtered by state
func (h *DownloadsHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("accountId"))
	if accountID == "" {
		RespondError(w, http.StatusBadRequest, "accountId is required")
		return
	}
	state := r.URL.Query().Get("state")
	limit := ParseLimit(r, 50, 500)

	list, err := h.downloads.ListByAccount(r.Context(), accountID, state, limit)
	if err != nil {
		log.Error().Err(err).Str("accountID", accountID).Msg("failed to list downloads")
		RespondError(w, http.StatusInternalServerError, "Failed to list downloads")
		return
	}

	RespondJSON(w, http.StatusOK, list)
}

// Create registers a new download in the created state and enqueues it
func (h *DownloadsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateDownloadRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if req.AccountID == "" || req.Title == "" {
		RespondError(w, http.StatusBadRequest, "accountId and title are required")
		return
	}
	if req.MagnetURI == "" {
		RespondError(w, http.StatusBadRequest, "magnetUri is required")
		return
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "movie"
	}
	priority := req.Priority
	if priority <= 0 {
		priority = models.DefaultQueuePriority
	}

	d, err := h.downloads.Create(r.Context(), &models.Download{
		AccountID:      req.AccountID,
		UserID:         req.UserID,
		ContentType:    contentType,
		Title:          req.Title,
		MagnetURI:      req.MagnetURI,
		QualityProfile: req.QualityProfile,
		ShowID:         req.ShowID,
		Season:         req.Season,
		Episode:        req.Episode,
		TMDBID:         req.TMDBID,
	})
	if err != nil {
		log.Error().Err(err).Str("title", req.Title).Msg("failed to create download")
		RespondError(w, http.StatusInternalServerError, "Failed to create download")
		return
	}

	if err := h.manager.Enqueue(r.Context(), d.ID, priority); err != nil {
		log.Error().Err(err).Str("downloadID", d.ID).Msg("failed to enqueue download")
		RespondError(w, http.StatusInternalServerError, "Failed to enqueue download")
		return
	}

	RespondJSON(w, http.StatusCreated, d)
}

// Queue returns pending queue entries in pop order
func (h *DownloadsHandler) Queue(w http.ResponseWriter, r *http.Request) {
	limit := ParseLimit(r, 100, 1000)

	entries, err := h.queue.List(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list queue")
		RespondError(w, http.StatusInternalServerError, "Failed to list queue")
		return
	}

	RespondJSON(w, http.StatusOK, entries)
}

// Get returns one download
func (h *DownloadsHandler) Get(w http.ResponseWriter, r *http.Request) {
	downloadID, ok := ParseDownloadID(w, r)
	if !ok {
		return
	}

	d, err := h.downloads.Get(r.Context(), downloadID)
	if err != nil {
		RespondDBError(w, err, "Download not found", "Failed to get download")
		return
	}

	RespondJSON(w, http.StatusOK, d)
}

// History returns the download's state transition history, oldest first
func (h *DownloadsHandler) History(w http.ResponseWriter, r *http.Request) {
	downloadID, ok := ParseDownloadID(w, r)
	if !ok {
		return
	}

	if _, err := h.downloads.Get(r.Context(), downloadID); err != nil {
		RespondDBError(w, err, "Download not found", "Failed to get download")
		return
	}

	history, err := h.downloads.History(r.Context(), downloadID)
	if err != nil {
		log.Error().Err(err).Str("downloadID", downloadID).Msg("failed to load download history")
		RespondError(w, http.StatusInternalServerError, "Failed to get download history")
		return
	}

	RespondJSON(w, http.StatusOK, history)
}

// Cancel transitions a download to cancelled and removes its queue entry
func (h *DownloadsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	downloadID, ok := ParseDownloadID(w, r)
	if !ok {
		return
	}

	if err := h.manager.Cancel(r.Context(), downloadID); err != nil {
		if errors.Is(err, downloads.ErrInvalidTransition) {
			RespondError(w, http.StatusConflict, "Download cannot be cancelled from its current state")
			return
		}
		RespondDBError(w, err, "Download not found", "Failed to cancel download")
		return
	}

	RespondJSON(w, http.StatusOK, nil)
}

// Retry resets a failed download and puts it back on the queue
func (h *DownloadsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	downloadID, ok := ParseDownloadID(w, r)
	if !ok {
		return
	}

	var req RetryDownloadRequest
	if !DecodeJSONOptional(w, r, &req) {
		return
	}
	priority := req.Priority
	if priority <= 0 {
		priority = models.DefaultQueuePriority
	}

	if err := h.manager.Retry(r.Context(), downloadID, priority); err != nil {
		if errors.Is(err, downloads.ErrInvalidTransition) {
			RespondError(w, http.StatusConflict, "Only failed downloads can be retried")
			return
		}
		RespondDBError(w, err, "Download not found", "Failed to retry download")
		return
	}

	RespondJSON(w, http.StatusOK, nil)
}

// Pause parks an in-flight download
func (h *DownloadsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	downloadID, ok := ParseDownloadID(w, r)
	if !ok {
		return
	}

	if err := h.manager.Pause(r.Context(), downloadID); err != nil {
		if errors.Is(err, downloads.ErrInvalidTransition) {
			RespondError(w, http.StatusConflict, "Download cannot be paused from its current state")
			return
		}
		RespondDBError(w, err, "Download not found", "Failed to pause download")
		return
	}

	RespondJSON(w, http.StatusOK, nil)
}

// Resume re-enqueues a paused download
func (h *DownloadsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	downloadID, ok := ParseDownloadID(w, r)
	if !ok {
		return
	}

	var req RetryDownloadRequest
	if !DecodeJSONOptional(w, r, &req) {
		return
	}
	priority := req.Priority
	if priority <= 0 {
		priority = models.DefaultQueuePriority
	}

	if err := h.manager.Resume(r.Context(), downloadID, priority); err != nil {
		if errors.Is(err, downloads.ErrInvalidTransition) {
			RespondError(w, http.StatusConflict, "Only paused downloads can be resumed")
			return
		}
		RespondDBError(w, err, "Download not found", "Failed to resume download")
		return
	}

	RespondJSON(w, http.StatusOK, nil)
}
