// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
)

// SubscriptionsHandler handles subscription API endpoints
type SubscriptionsHandler struct {
	subscriptions *models.SubscriptionStore
}

func NewSubscriptionsHandler(store *models.SubscriptionStore) *SubscriptionsHandler {
	return &SubscriptionsHandler{subscriptions: store}
}

// Routes registers subscription routes on the given router
func (h *SubscriptionsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{subscriptionID}", h.Get)
	r.Put("/{subscriptionID}", h.Update)
	r.Delete("/{subscriptionID}", h.Delete)
}

type SubscriptionRequest struct {
	AccountID              string   `json:"accountId"`
	Type                   string   `json:"type"`
	ContentName            string   `json:"contentName"`
	QualityProfileID       *int64   `json:"qualityProfileId,omitempty"`
	Enabled                *bool    `json:"enabled,omitempty"`
	IncludeFutureSeasons   bool     `json:"includeFutureSeasons"`
	IncludeExistingSeasons bool     `json:"includeExistingSeasons"`
	WantedYear             *int     `json:"wantedYear,omitempty"`
	WantedQualities        []string `json:"wantedQualities"`
}

func (req *SubscriptionRequest) validate(w http.ResponseWriter) bool {
	if strings.TrimSpace(req.AccountID) == "" || strings.TrimSpace(req.ContentName) == "" {
		RespondError(w, http.StatusBadRequest, "accountId and contentName are required")
		return false
	}
	switch req.Type {
	case models.SubscriptionTVShow, models.SubscriptionMovie:
	default:
		RespondError(w, http.StatusBadRequest, "type must be tv_show or movie")
		return false
	}
	return true
}

func (req *SubscriptionRequest) apply(sub *models.Subscription) {
	sub.AccountID = req.AccountID
	sub.Type = req.Type
	sub.ContentName = req.ContentName
	sub.QualityProfileID = req.QualityProfileID
	sub.IncludeFutureSeasons = req.IncludeFutureSeasons
	sub.IncludeExistingSeasons = req.IncludeExistingSeasons
	sub.WantedYear = req.WantedYear
	sub.WantedQualities = req.WantedQualities
	if sub.WantedQualities == nil {
		sub.WantedQualities = []string{}
	}
	sub.Enabled = true
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}
}

// List returns subscriptions for an account
func (h *SubscriptionsHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("accountId"))
	if accountID == "" {
		RespondError(w, http.StatusBadRequest, "accountId is required")
		return
	}

	subs, err := h.subscriptions.ListByAccount(r.Context(), accountID)
	if err != nil {
		log.Error().Err(err).Str("accountID", accountID).Msg("failed to list subscriptions")
		RespondError(w, http.StatusInternalServerError, "Failed to list subscriptions")
		return
	}

	RespondJSON(w, http.StatusOK, subs)
}

// Create adds a new subscription
func (h *SubscriptionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if !req.validate(w) {
		return
	}

	var sub models.Subscription
	req.apply(&sub)

	created, err := h.subscriptions.Create(r.Context(), &sub)
	if err != nil {
		log.Error().Err(err).Str("contentName", req.ContentName).Msg("failed to create subscription")
		RespondError(w, http.StatusInternalServerError, "Failed to create subscription")
		return
	}

	RespondJSON(w, http.StatusCreated, created)
}

// Get returns one subscription
func (h *SubscriptionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIntParam64(w, r, "subscriptionID", "subscription ID")
	if !ok {
		return
	}

	sub, err := h.subscriptions.Get(r.Context(), id)
	if err != nil {
		RespondDBError(w, err, "Subscription not found", "Failed to get subscription")
		return
	}

	RespondJSON(w, http.StatusOK, sub)
}

// Update replaces a subscription's settings
func (h *SubscriptionsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIntParam64(w, r, "subscriptionID", "subscription ID")
	if !ok {
		return
	}

	var req SubscriptionRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if !req.validate(w) {
		return
	}

	sub, err := h.subscriptions.Get(r.Context(), id)
	if err != nil {
		RespondDBError(w, err, "Subscription not found", "Failed to get subscription")
		return
	}

	req.apply(sub)
	if err := h.subscriptions.Update(r.Context(), sub); err != nil {
		log.Error().Err(err).Int64("subscriptionID", id).Msg("failed to update subscription")
		RespondError(w, http.StatusInternalServerError, "Failed to update subscription")
		return
	}

	RespondJSON(w, http.StatusOK, sub)
}

// Delete removes a subscription
func (h *SubscriptionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIntParam64(w, r, "subscriptionID", "subscription ID")
	if !ok {
		return
	}

	if err := h.subscriptions.Delete(r.Context(), id); err != nil {
		RespondDBError(w, err, "Subscription not found", "Failed to delete subscription")
		return
	}

	RespondJSON(w, http.StatusOK, nil)
}
