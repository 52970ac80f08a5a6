// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
)

// PipelineManager is the orchestrator surface the API needs. Launch is
// asynchronous; Retry blocks until the run reaches a terminal status again.
type PipelineManager interface {
	Launch(runID int64)
	Retry(ctx context.Context, runID int64) error
}

// RunsHandler handles pipeline run API endpoints
type RunsHandler struct {
	runs     *models.PipelineRunStore
	pipeline PipelineManager
}

func NewRunsHandler(runs *models.PipelineRunStore, pipeline PipelineManager) *RunsHandler {
	return &RunsHandler{
		runs:     runs,
		pipeline: pipeline,
	}
}

// Routes registers pipeline run routes on the given router
func (h *RunsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Trigger)
	r.Get("/{runID}", h.Get)
	r.Post("/{runID}/retry", h.Retry)
	r.Post("/{runID}/cancel", h.Cancel)
}

type TriggerRunRequest struct {
	AccountID  string `json:"accountId"`
	Title      string `json:"title"`
	Type       string `json:"type"`
	MagnetURL  string `json:"magnetUrl,omitempty"`
	TorrentURL string `json:"torrentUrl,omitempty"`
}

// List returns runs for an account, optionally filtered by status
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("accountId"))
	if accountID == "" {
		RespondError(w, http.StatusBadRequest, "accountId is required")
		return
	}
	status := r.URL.Query().Get("status")
	limit := ParseLimit(r, 50, 500)

	runs, err := h.runs.ListByAccount(r.Context(), accountID, status, limit)
	if err != nil {
		log.Error().Err(err).Str("accountID", accountID).Msg("failed to list pipeline runs")
		RespondError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	RespondJSON(w, http.StatusOK, runs)
}

// Trigger creates a new manually-triggered run and launches it
func (h *RunsHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRunRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if req.AccountID == "" || req.Title == "" {
		RespondError(w, http.StatusBadRequest, "accountId and title are required")
		return
	}
	if req.MagnetURL == "" && req.TorrentURL == "" {
		RespondError(w, http.StatusBadRequest, "magnetUrl or torrentUrl is required")
		return
	}
	contentType := req.Type
	if contentType == "" {
		contentType = "movie"
	}

	run, err := h.runs.Create(r.Context(), &models.PipelineRun{
		AccountID:    req.AccountID,
		Trigger:      models.TriggerManual,
		ContentTitle: req.Title,
		ContentType:  contentType,
		Metadata: models.RunMetadata{
			MagnetURL:  req.MagnetURL,
			TorrentURL: req.TorrentURL,
		},
	})
	if err != nil {
		log.Error().Err(err).Str("title", req.Title).Msg("failed to create pipeline run")
		RespondError(w, http.StatusInternalServerError, "Failed to create run")
		return
	}

	h.pipeline.Launch(run.ID)

	RespondJSON(w, http.StatusCreated, run)
}

// Get returns one run with its per-stage statuses
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	runID, ok := ParseRunID(w, r)
	if !ok {
		return
	}

	run, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		RespondDBError(w, err, "Run not found", "Failed to get run")
		return
	}

	RespondJSON(w, http.StatusOK, run)
}

// Retry re-executes a failed or parked run from its first failed stage
func (h *RunsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	runID, ok := ParseRunID(w, r)
	if !ok {
		return
	}

	run, err := h.runs.Get(r.Context(), runID)
	if err != nil {
		RespondDBError(w, err, "Run not found", "Failed to get run")
		return
	}
	if run.Status == models.RunStatusCancelled {
		RespondError(w, http.StatusConflict, "Cannot retry a cancelled run")
		return
	}

	if err := h.pipeline.Retry(r.Context(), runID); err != nil {
		log.Error().Err(err).Int64("runID", runID).Msg("failed to retry pipeline run")
		RespondError(w, http.StatusInternalServerError, "Failed to retry run")
		return
	}

	run, err = h.runs.Get(r.Context(), runID)
	if err != nil {
		RespondDBError(w, err, "Run not found", "Failed to get run")
		return
	}
	RespondJSON(w, http.StatusOK, run)
}

// Cancel marks a non-terminal run cancelled. In-flight polling notices the
// status between polls and stops.
func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID, ok := ParseRunID(w, r)
	if !ok {
		return
	}

	if err := h.runs.Cancel(r.Context(), runID); err != nil {
		log.Debug().Err(err).Int64("runID", runID).Msg("run cancel rejected")
		RespondError(w, http.StatusConflict, "Run is already terminal")
		return
	}

	RespondJSON(w, http.StatusOK, nil)
}
