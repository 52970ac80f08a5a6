// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloads drives user-initiated acquisitions through their state
// machine, from the priority queue to a terminal state.
package downloads

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/dbinterface"
	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/models"
)

// ErrInvalidTransition is returned when a requested state change is not in
// the transition table. The download row is left untouched.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions is the legal state change table. Absent target lists are
// terminal states (completed, cancelled); failed only allows the retry path.
var transitions = map[string][]string{
	models.DownloadCreated:       {models.DownloadVPNConnecting, models.DownloadFailed, models.DownloadCancelled},
	models.DownloadVPNConnecting: {models.DownloadSearching, models.DownloadFailed, models.DownloadCancelled},
	models.DownloadSearching:     {models.DownloadDownloading, models.DownloadPaused, models.DownloadFailed, models.DownloadCancelled},
	models.DownloadDownloading:   {models.DownloadEncoding, models.DownloadPaused, models.DownloadFailed, models.DownloadCancelled},
	models.DownloadEncoding:      {models.DownloadSubtitles, models.DownloadPaused, models.DownloadFailed, models.DownloadCancelled},
	models.DownloadSubtitles:     {models.DownloadUploading, models.DownloadFailed, models.DownloadCancelled},
	models.DownloadUploading:     {models.DownloadFinalizing, models.DownloadFailed, models.DownloadCancelled},
	models.DownloadFinalizing:    {models.DownloadCompleted, models.DownloadFailed, models.DownloadCancelled},
	models.DownloadCompleted:     {},
	models.DownloadFailed:        {models.DownloadCreated},
	models.DownloadCancelled:     {},
	models.DownloadPaused:        {models.DownloadSearching, models.DownloadDownloading, models.DownloadEncoding, models.DownloadFailed, models.DownloadCancelled},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StateMachine validates and executes download state transitions. Each
// transition runs in one write transaction together with its history row;
// write transactions are serialized by the database layer, so at most one
// transition per download is ever in flight.
type StateMachine struct {
	db            dbinterface.TxBeginner
	downloadStore *models.DownloadStore
	metrics       *metrics.Metrics
	log           zerolog.Logger
}

func NewStateMachine(db dbinterface.TxBeginner, downloadStore *models.DownloadStore, m *metrics.Metrics, logger zerolog.Logger) *StateMachine {
	return &StateMachine{
		db:            db,
		downloadStore: downloadStore,
		metrics:       m,
		log:           logger.With().Str("component", "statemachine").Logger(),
	}
}

// Transition moves the download to the target state, appending the history
// event atomically. Returns ErrInvalidTransition (wrapped) when the change
// is not legal from the download's current state.
func (sm *StateMachine) Transition(ctx context.Context, downloadID, to string, metadata map[string]any) error {
	tx, err := sm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	d, err := sm.downloadStore.GetForUpdate(ctx, tx, downloadID)
	if err != nil {
		return fmt.Errorf("load download %s: %w", downloadID, err)
	}

	if !CanTransition(d.State, to) {
		return fmt.Errorf("%w: %s -> %s (download %s)", ErrInvalidTransition, d.State, to, downloadID)
	}

	if err := sm.downloadStore.UpdateState(ctx, tx, downloadID, d.State, to, metadata); err != nil {
		return fmt.Errorf("update state for %s: %w", downloadID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition for %s: %w", downloadID, err)
	}

	sm.log.Debug().Str("downloadID", downloadID).Str("from", d.State).Str("to", to).Msg("download state transition")
	if sm.metrics != nil {
		sm.metrics.StateTransitions.WithLabelValues(to).Inc()
	}
	return nil
}

// Resume brings a paused download back to the state it was in before the
// pause: the history is walked in reverse for the most recent transition
// into paused, and its from_state is the resume target. A download with no
// usable history resumes to downloading.
func (sm *StateMachine) Resume(ctx context.Context, downloadID string) (string, error) {
	tx, err := sm.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin resume tx: %w", err)
	}
	defer tx.Rollback()

	d, err := sm.downloadStore.GetForUpdate(ctx, tx, downloadID)
	if err != nil {
		return "", fmt.Errorf("load download %s: %w", downloadID, err)
	}
	if d.State != models.DownloadPaused {
		return "", fmt.Errorf("%w: resume requires paused, download %s is %s", ErrInvalidTransition, downloadID, d.State)
	}

	history, err := sm.downloadStore.HistoryInTx(ctx, tx, downloadID)
	if err != nil {
		return "", fmt.Errorf("load history for %s: %w", downloadID, err)
	}

	target := models.DownloadDownloading
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ToState == models.DownloadPaused && history[i].FromState != "" {
			target = history[i].FromState
			break
		}
	}

	if !CanTransition(models.DownloadPaused, target) {
		return "", fmt.Errorf("%w: paused -> %s (download %s)", ErrInvalidTransition, target, downloadID)
	}

	if err := sm.downloadStore.UpdateState(ctx, tx, downloadID, models.DownloadPaused, target, nil); err != nil {
		return "", fmt.Errorf("update state for %s: %w", downloadID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit resume for %s: %w", downloadID, err)
	}

	sm.log.Info().Str("downloadID", downloadID).Str("to", target).Msg("download resumed")
	if sm.metrics != nil {
		sm.metrics.StateTransitions.WithLabelValues(target).Inc()
	}
	return target, nil
}

// Retry resets a failed download to created, incrementing retry_count and
// clearing error_message. The caller re-enqueues the download afterwards.
func (sm *StateMachine) Retry(ctx context.Context, downloadID string) error {
	tx, err := sm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retry tx: %w", err)
	}
	defer tx.Rollback()

	d, err := sm.downloadStore.GetForUpdate(ctx, tx, downloadID)
	if err != nil {
		return fmt.Errorf("load download %s: %w", downloadID, err)
	}
	if d.State != models.DownloadFailed {
		return fmt.Errorf("%w: retry requires failed, download %s is %s", ErrInvalidTransition, downloadID, d.State)
	}

	if err := sm.downloadStore.MarkRetried(ctx, tx, downloadID); err != nil {
		return fmt.Errorf("mark retried for %s: %w", downloadID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit retry for %s: %w", downloadID, err)
	}

	sm.log.Info().Str("downloadID", downloadID).Int("retryCount", d.RetryCount+1).Msg("download reset for retry")
	if sm.metrics != nil {
		sm.metrics.StateTransitions.WithLabelValues(models.DownloadCreated).Inc()
	}
	return nil
}
