// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/models"
)

// RulesHandler handles download rule API endpoints
type RulesHandler struct {
	rules *models.DownloadRuleStore
}

func NewRulesHandler(store *models.DownloadRuleStore) *RulesHandler {
	return &RulesHandler{rules: store}
}

// Routes registers download rule routes on the given router
func (h *RulesHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{ruleID}", h.Get)
	r.Put("/{ruleID}", h.Update)
	r.Delete("/{ruleID}", h.Delete)
}

type RuleRequest struct {
	AccountID  string         `json:"accountId,omitempty"`
	Name       string         `json:"name"`
	Conditions map[string]any `json:"conditions"`
	Expression string         `json:"expression,omitempty"`
	Action     string         `json:"action"`
	Priority   int            `json:"priority"`
	Enabled    *bool          `json:"enabled,omitempty"`
}

func (req *RuleRequest) validate(w http.ResponseWriter) bool {
	if strings.TrimSpace(req.Name) == "" {
		RespondError(w, http.StatusBadRequest, "name is required")
		return false
	}
	switch req.Action {
	case models.RuleActionAutoDownload, models.RuleActionNotify, models.RuleActionSkip:
	default:
		RespondError(w, http.StatusBadRequest, "action must be auto-download, notify or skip")
		return false
	}
	// Reject broken expressions at write time instead of logging per item.
	if req.Expression != "" {
		if _, err := expr.Compile(req.Expression, expr.AsBool()); err != nil {
			RespondError(w, http.StatusBadRequest, "Invalid expression: "+err.Error())
			return false
		}
	}
	return true
}

func (req *RuleRequest) apply(rule *models.DownloadRule) {
	rule.AccountID = req.AccountID
	rule.Name = req.Name
	rule.Conditions = req.Conditions
	if rule.Conditions == nil {
		rule.Conditions = map[string]any{}
	}
	rule.Expression = req.Expression
	rule.Action = req.Action
	rule.Priority = req.Priority
	rule.Enabled = true
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
}

// List returns all rules
func (h *RulesHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list download rules")
		RespondError(w, http.StatusInternalServerError, "Failed to list rules")
		return
	}

	RespondJSON(w, http.StatusOK, rules)
}

// Create adds a new rule
func (h *RulesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if !req.validate(w) {
		return
	}

	var rule models.DownloadRule
	req.apply(&rule)

	created, err := h.rules.Create(r.Context(), &rule)
	if err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("failed to create download rule")
		RespondError(w, http.StatusInternalServerError, "Failed to create rule")
		return
	}

	RespondJSON(w, http.StatusCreated, created)
}

// Get returns one rule
func (h *RulesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIntParam64(w, r, "ruleID", "rule ID")
	if !ok {
		return
	}

	rule, err := h.rules.Get(r.Context(), id)
	if err != nil {
		RespondDBError(w, err, "Rule not found", "Failed to get rule")
		return
	}

	RespondJSON(w, http.StatusOK, rule)
}

// Update replaces a rule's settings
func (h *RulesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIntParam64(w, r, "ruleID", "rule ID")
	if !ok {
		return
	}

	var req RuleRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if !req.validate(w) {
		return
	}

	rule, err := h.rules.Get(r.Context(), id)
	if err != nil {
		RespondDBError(w, err, "Rule not found", "Failed to get rule")
		return
	}

	req.apply(rule)
	if err := h.rules.Update(r.Context(), rule); err != nil {
		log.Error().Err(err).Int64("ruleID", id).Msg("failed to update download rule")
		RespondError(w, http.StatusInternalServerError, "Failed to update rule")
		return
	}

	RespondJSON(w, http.StatusOK, rule)
}

// Delete removes a rule
func (h *RulesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseIntParam64(w, r, "ruleID", "rule ID")
	if !ok {
		return
	}

	if err := h.rules.Delete(r.Context(), id); err != nil {
		RespondDBError(w, err, "Rule not found", "Failed to delete rule")
		return
	}

	RespondJSON(w, http.StatusOK, nil)
}
