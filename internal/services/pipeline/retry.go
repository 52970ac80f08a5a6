// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package pipeline

import (
	"context"
	"fmt"

	"github.com/fetcharr/fetcharr/internal/models"
)

// Retry resumes a failed or interrupted run. It clears the stored error and
// re-executes: completed and skipped stages stay untouched, failed and
// pending stages run again. Retrying a completed run is a no-op.
func (o *Orchestrator) Retry(ctx context.Context, runID int64) error {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %d: %w", runID, err)
	}
	if run.Status == models.RunStatusCompleted {
		return nil
	}
	if run.Status == models.RunStatusCancelled {
		return fmt.Errorf("run %d is cancelled", runID)
	}

	if run.ErrorMessage != "" {
		if err := o.runs.ClearError(ctx, runID); err != nil {
			return fmt.Errorf("clear error for run %d: %w", runID, err)
		}
	}
	// A failed stage re-runs from scratch.
	for _, stage := range models.Stages {
		if run.StageStatus(stage) == models.StageFailed {
			if err := o.runs.SetStageStatus(ctx, runID, stage, models.StagePending); err != nil {
				return fmt.Errorf("reset stage %s for run %d: %w", stage, runID, err)
			}
		}
	}

	o.log.Info().Int64("runID", runID).Msg("retrying pipeline run")
	return o.Execute(ctx, runID)
}

// RecoverInterrupted re-executes every non-terminal run, typically at
// startup after a crash. A running torrent or encoding stage with a
// persisted remote ID is left as-is so Execute resumes its poll loop
// instead of submitting again; other running stages are reset to pending
// and start over.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context, launch func(runID int64)) error {
	runs, err := o.runs.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("list non-terminal runs: %w", err)
	}

	for _, run := range runs {
		for _, stage := range models.Stages {
			if run.StageStatus(stage) != models.StageRunning {
				continue
			}
			if stage == models.StageTorrent && run.TorrentDownloadID != "" {
				continue
			}
			if stage == models.StageEncoding && run.EncodingJobID != "" {
				continue
			}
			if err := o.runs.SetStageStatus(ctx, run.ID, stage, models.StagePending); err != nil {
				return fmt.Errorf("reset stage %s for run %d: %w", stage, run.ID, err)
			}
		}
		o.log.Info().Int64("runID", run.ID).Str("status", run.Status).Msg("recovering interrupted run")
		launch(run.ID)
	}

	if len(runs) > 0 {
		o.log.Info().Msgf("Recovered %d interrupted pipeline runs", len(runs))
	}
	return nil
}
