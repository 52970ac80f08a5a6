// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fetcharr/fetcharr/internal/database"
)

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	db *database.DB
}

func NewHealthHandler(db *database.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// Routes registers health routes on the given router
func (h *HealthHandler) Routes(r chi.Router) {
	r.Get("/liveness", h.HandleLiveness)
	r.Get("/readiness", h.HandleReady)
}

// HandleLiveness reports that the process is up
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleReady reports whether the database is reachable
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Conn().PingContext(r.Context()); err != nil {
			RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  "database unreachable",
			})
			return
		}
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
