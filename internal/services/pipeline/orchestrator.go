// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pipeline sequences the seven acquisition stages for a pipeline
// run: VPN check, torrent submit, download poll, metadata, subtitles,
// encoding, publishing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/siblings"
	"github.com/fetcharr/fetcharr/pkg/clock"
)

// signal is a stage's verdict: keep going or stop the run here.
type signal int

const (
	advance signal = iota
	stop
)

// StageObserver is notified when a stage or the whole run reaches a
// terminal status. The downloads worker mirrors these into download state
// transitions.
type StageObserver interface {
	StageChanged(runID int64, stage, status string)
	RunFinished(runID int64, status string)
}

// Options bounds the polling loops.
type Options struct {
	PollInterval            time.Duration
	DownloadPollMaxAttempts int
	EncodingPollMaxAttempts int
}

func (o *Options) normalize() {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.DownloadPollMaxAttempts <= 0 {
		o.DownloadPollMaxAttempts = 720
	}
	if o.EncodingPollMaxAttempts <= 0 {
		o.EncodingPollMaxAttempts = 2880
	}
}

// Orchestrator drives pipeline runs to a terminal aggregate status.
//
// Stages run strictly sequentially. The first three (VPN, torrent submit,
// download poll) are mandatory and fail the run on any error. The rest are
// optional: an unreachable sibling skips the stage and the run continues,
// while a reachable-but-errored sibling fails the run.
type Orchestrator struct {
	runs     *models.PipelineRunStore
	client   *siblings.Client
	clock    clock.Clock
	opts     Options
	metrics  *metrics.Metrics
	observer StageObserver
	log      zerolog.Logger
}

func NewOrchestrator(runs *models.PipelineRunStore, client *siblings.Client, clk clock.Clock, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Orchestrator {
	opts.normalize()
	return &Orchestrator{
		runs:    runs,
		client:  client,
		clock:   clk,
		opts:    opts,
		metrics: m,
		log:     logger.With().Str("component", "orchestrator").Logger(),
	}
}

// SetObserver registers the stage observer. Must be called before Execute.
func (o *Orchestrator) SetObserver(obs StageObserver) {
	o.observer = obs
}

// errCancelled aborts stage execution when the run was cancelled between
// polls.
var errCancelled = errors.New("run cancelled")

// Execute drives the run until a terminal aggregate status. It is
// resume-aware: stages already completed (or skipped) are not re-executed,
// so Retry and crash recovery funnel through the same path. Executing a
// completed run is a no-op.
func (o *Orchestrator) Execute(ctx context.Context, runID int64) error {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %d: %w", runID, err)
	}

	switch run.Status {
	case models.RunStatusCompleted:
		o.log.Debug().Int64("runID", runID).Msg("run already completed, nothing to do")
		return nil
	case models.RunStatusCancelled:
		return fmt.Errorf("run %d is cancelled", runID)
	}

	o.log.Info().Int64("runID", runID).Str("title", run.ContentTitle).Msg("executing pipeline run")
	if o.metrics != nil {
		o.metrics.PipelineRunsStarted.Inc()
	}

	stages := []struct {
		name string
		fn   func(context.Context, *models.PipelineRun) (signal, error)
	}{
		{models.StageVPN, o.stageVPN},
		{models.StageTorrent, o.stageTorrent},
		{models.StageMetadata, o.stageMetadata},
		{models.StageSubtitle, o.stageSubtitles},
		{models.StageEncoding, o.stageEncoding},
		{models.StagePublishing, o.stagePublishing},
	}

	for _, stage := range stages {
		// Refetch so each stage sees fields written by its predecessor.
		run, err = o.runs.Get(ctx, runID)
		if err != nil {
			return fmt.Errorf("reload run %d: %w", runID, err)
		}
		if run.Status == models.RunStatusCancelled {
			o.log.Info().Int64("runID", runID).Msg("run cancelled, stopping")
			return nil
		}

		sig, err := stage.fn(ctx, run)
		if err != nil {
			if errors.Is(err, errCancelled) {
				o.log.Info().Int64("runID", runID).Str("stage", stage.name).Msg("run cancelled during stage")
				return nil
			}
			return fmt.Errorf("stage %s for run %d: %w", stage.name, runID, err)
		}
		if sig == stop {
			return nil
		}
	}

	if err := o.runs.MarkCompleted(ctx, runID); err != nil {
		return fmt.Errorf("mark run %d completed: %w", runID, err)
	}
	o.log.Info().Int64("runID", runID).Msg("pipeline run completed")
	if o.metrics != nil {
		o.metrics.PipelineRunsCompleted.Inc()
	}
	o.notifyRun(runID, models.RunStatusCompleted)
	return nil
}

func (o *Orchestrator) notifyStage(runID int64, stage, status string) {
	if o.observer != nil {
		o.observer.StageChanged(runID, stage, status)
	}
}

func (o *Orchestrator) notifyRun(runID int64, status string) {
	if o.observer != nil {
		o.observer.RunFinished(runID, status)
	}
}

// failRun marks the stage and the whole run failed.
func (o *Orchestrator) failRun(ctx context.Context, runID int64, stage, message string) error {
	if err := o.runs.SetStageStatus(ctx, runID, stage, models.StageFailed); err != nil {
		return err
	}
	if err := o.runs.SetError(ctx, runID, message); err != nil {
		return err
	}
	if err := o.runs.SetStatus(ctx, runID, models.RunStatusFailed); err != nil {
		return err
	}
	o.log.Warn().Int64("runID", runID).Str("stage", stage).Msg(message)
	if o.metrics != nil {
		o.metrics.PipelineRunsFailed.Inc()
	}
	o.notifyStage(runID, stage, models.StageFailed)
	o.notifyRun(runID, models.RunStatusFailed)
	return nil
}

// skipStage marks an optional stage skipped and lets the run continue.
func (o *Orchestrator) skipStage(ctx context.Context, runID int64, stage, reason string) error {
	if err := o.runs.SetStageStatus(ctx, runID, stage, models.StageSkipped); err != nil {
		return err
	}
	o.log.Info().Int64("runID", runID).Str("stage", stage).Msgf("stage skipped: %s", reason)
	if o.metrics != nil {
		o.metrics.StagesSkipped.WithLabelValues(stage).Inc()
	}
	o.notifyStage(runID, stage, models.StageSkipped)
	return nil
}

func (o *Orchestrator) completeStage(ctx context.Context, runID int64, stage string) error {
	if err := o.runs.SetStageStatus(ctx, runID, stage, models.StageCompleted); err != nil {
		return err
	}
	o.notifyStage(runID, stage, models.StageCompleted)
	return nil
}

// checkCancelled refetches the run between polls.
func (o *Orchestrator) checkCancelled(ctx context.Context, runID int64) error {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunStatusCancelled {
		return errCancelled
	}
	return nil
}

// Stage 1: VPN check. Mandatory. Unreachable counts as inactive; downloads
// never run without a verified VPN.
func (o *Orchestrator) stageVPN(ctx context.Context, run *models.PipelineRun) (signal, error) {
	if run.VPNStatus == models.StageCompleted {
		return advance, nil
	}

	if err := o.runs.SetStatus(ctx, run.ID, models.RunStatusVPNCheck); err != nil {
		return stop, err
	}
	if err := o.runs.SetStageStatus(ctx, run.ID, models.StageVPN, models.StageRunning); err != nil {
		return stop, err
	}

	status, err := o.client.VPNStatus(ctx)
	if err != nil || !status.Connected() {
		if err := o.runs.SetStageStatus(ctx, run.ID, models.StageVPN, models.StageFailed); err != nil {
			return stop, err
		}
		if err := o.runs.SetError(ctx, run.ID, "VPN is not active"); err != nil {
			return stop, err
		}
		if err := o.runs.SetStatus(ctx, run.ID, models.RunStatusVPNWaiting); err != nil {
			return stop, err
		}
		o.log.Warn().Int64("runID", run.ID).Err(err).Msg("VPN not connected, run parked")
		o.notifyStage(run.ID, models.StageVPN, models.StageFailed)
		o.notifyRun(run.ID, models.RunStatusVPNWaiting)
		return stop, nil
	}

	if err := o.completeStage(ctx, run.ID, models.StageVPN); err != nil {
		return stop, err
	}
	return advance, nil
}

// Stage 2+3: torrent submit and download poll. Mandatory.
func (o *Orchestrator) stageTorrent(ctx context.Context, run *models.PipelineRun) (signal, error) {
	if run.TorrentStatus == models.StageCompleted {
		return advance, nil
	}

	if err := o.runs.SetStatus(ctx, run.ID, models.RunStatusDownload); err != nil {
		return stop, err
	}

	downloadID := run.TorrentDownloadID
	if downloadID == "" || run.TorrentStatus != models.StageRunning {
		var sig signal
		var err error
		downloadID, sig, err = o.submitTorrent(ctx, run)
		if err != nil || sig == stop {
			return sig, err
		}
	}

	sig, stale, err := o.pollTorrent(ctx, run.ID, downloadID)
	if err != nil || sig == stop {
		return sig, err
	}
	if stale {
		// The stored download ID is gone on the torrent manager side
		// (typically after its own restart). Submit again once.
		o.log.Warn().Int64("runID", run.ID).Str("downloadID", downloadID).Msg("stored torrent download id unknown, resubmitting")
		downloadID, sig, err = o.submitTorrent(ctx, run)
		if err != nil || sig == stop {
			return sig, err
		}
		sig, stale, err = o.pollTorrent(ctx, run.ID, downloadID)
		if err != nil || sig == stop {
			return sig, err
		}
		if stale {
			if err := o.failRun(ctx, run.ID, models.StageTorrent, "Torrent manager keeps losing the download"); err != nil {
				return stop, err
			}
			return stop, nil
		}
	}

	if err := o.completeStage(ctx, run.ID, models.StageTorrent); err != nil {
		return stop, err
	}
	return advance, nil
}

func (o *Orchestrator) submitTorrent(ctx context.Context, run *models.PipelineRun) (string, signal, error) {
	magnet := run.Metadata.MagnetURL
	torrentURL := run.Metadata.TorrentURL
	if magnet == "" && torrentURL == "" {
		if err := o.failRun(ctx, run.ID, models.StageTorrent, "No magnet_url or torrent_url in run metadata"); err != nil {
			return "", stop, err
		}
		return "", stop, nil
	}

	if err := o.runs.SetStageStatus(ctx, run.ID, models.StageTorrent, models.StageRunning); err != nil {
		return "", stop, err
	}

	downloadID, err := o.client.SubmitTorrent(ctx, magnet, torrentURL)
	if err != nil {
		if err := o.failRun(ctx, run.ID, models.StageTorrent, fmt.Sprintf("Torrent submit failed: %v", err)); err != nil {
			return "", stop, err
		}
		return "", stop, nil
	}

	if err := o.runs.SetTorrentDownloadID(ctx, run.ID, downloadID); err != nil {
		return "", stop, err
	}
	o.log.Info().Int64("runID", run.ID).Str("downloadID", downloadID).Msg("torrent submitted")
	o.notifyStage(run.ID, models.StageTorrent, models.StageRunning)
	return downloadID, advance, nil
}

// pollTorrent polls the torrent manager until the transfer finishes, fails,
// or the attempt cap is hit. Transient network errors are logged and
// ignored so a momentary outage does not kill a long download. A 404 on the
// stored ID is reported via stale for the caller's resubmit path.
func (o *Orchestrator) pollTorrent(ctx context.Context, runID int64, downloadID string) (sig signal, stale bool, err error) {
	for attempt := 1; attempt <= o.opts.DownloadPollMaxAttempts; attempt++ {
		status, err := o.client.TorrentStatus(ctx, downloadID)
		switch {
		case err == nil && status.Done():
			return advance, false, nil
		case err == nil && status.Failed():
			if err := o.failRun(ctx, runID, models.StageTorrent, fmt.Sprintf("Download failed with status %q", status.Status)); err != nil {
				return stop, false, err
			}
			return stop, false, nil
		case err != nil && isNotFound(err):
			return advance, true, nil
		case err != nil:
			o.log.Debug().Int64("runID", runID).Err(err).Int("attempt", attempt).Msg("torrent status poll failed, will retry")
		}

		if err := o.checkCancelled(ctx, runID); err != nil {
			return stop, false, err
		}
		if err := o.clock.Sleep(ctx, o.opts.PollInterval); err != nil {
			return stop, false, err
		}
	}

	message := fmt.Sprintf("Download timed out after %d poll attempts", o.opts.DownloadPollMaxAttempts)
	if err := o.failRun(ctx, runID, models.StageTorrent, message); err != nil {
		return stop, false, err
	}
	return stop, false, nil
}

func isNotFound(err error) bool {
	var se *siblings.Error
	return errors.As(err, &se) && se.Kind == siblings.KindHTTPError && se.Status == http.StatusNotFound
}

// optionalStageVerdict applies the shared skip-vs-fail policy for optional
// stages: unreachable skips, anything else fails the run.
func (o *Orchestrator) optionalStageVerdict(ctx context.Context, runID int64, stage string, callErr error) (signal, error) {
	if siblings.IsUnreachable(callErr) {
		if err := o.skipStage(ctx, runID, stage, "service unreachable"); err != nil {
			return stop, err
		}
		return advance, nil
	}
	if err := o.failRun(ctx, runID, stage, fmt.Sprintf("%s stage failed: %v", stage, callErr)); err != nil {
		return stop, err
	}
	return stop, nil
}

// Stage 4: metadata enrichment. Optional.
func (o *Orchestrator) stageMetadata(ctx context.Context, run *models.PipelineRun) (signal, error) {
	if run.MetadataStatus == models.StageCompleted || run.MetadataStatus == models.StageSkipped {
		return advance, nil
	}

	if err := o.runs.SetStatus(ctx, run.ID, models.RunStatusMetadata); err != nil {
		return stop, err
	}
	if err := o.runs.SetStageStatus(ctx, run.ID, models.StageMetadata, models.StageRunning); err != nil {
		return stop, err
	}

	enriched, err := o.client.EnrichMetadata(ctx, run.ContentTitle, run.ContentType)
	if err != nil {
		return o.optionalStageVerdict(ctx, run.ID, models.StageMetadata, err)
	}

	if len(enriched) > 0 {
		meta := run.Metadata
		if meta.Extra == nil {
			meta.Extra = make(map[string]any, len(enriched))
		}
		for k, v := range enriched {
			meta.Extra[k] = v
		}
		if tmdb, ok := enriched["tmdb_id"].(float64); ok && meta.TMDBID == 0 {
			meta.TMDBID = int64(tmdb)
		}
		if err := o.runs.UpdateMetadata(ctx, run.ID, meta); err != nil {
			return stop, err
		}
	}

	if err := o.completeStage(ctx, run.ID, models.StageMetadata); err != nil {
		return stop, err
	}
	return advance, nil
}

// Stage 5: subtitle search. Optional.
func (o *Orchestrator) stageSubtitles(ctx context.Context, run *models.PipelineRun) (signal, error) {
	if run.SubtitleStatus == models.StageCompleted || run.SubtitleStatus == models.StageSkipped {
		return advance, nil
	}

	if err := o.runs.SetStatus(ctx, run.ID, models.RunStatusSubtitles); err != nil {
		return stop, err
	}
	if err := o.runs.SetStageStatus(ctx, run.ID, models.StageSubtitle, models.StageRunning); err != nil {
		return stop, err
	}

	if err := o.client.SearchSubtitles(ctx, run.ContentTitle); err != nil {
		return o.optionalStageVerdict(ctx, run.ID, models.StageSubtitle, err)
	}

	if err := o.completeStage(ctx, run.ID, models.StageSubtitle); err != nil {
		return stop, err
	}
	return advance, nil
}

// Stage 6: encoding. Optional; auto-skips when no media processor is
// configured.
func (o *Orchestrator) stageEncoding(ctx context.Context, run *models.PipelineRun) (signal, error) {
	if run.EncodingStatus == models.StageCompleted || run.EncodingStatus == models.StageSkipped {
		return advance, nil
	}

	if !o.client.MediaConfigured() {
		if err := o.skipStage(ctx, run.ID, models.StageEncoding, "media processor not configured"); err != nil {
			return stop, err
		}
		return advance, nil
	}

	if err := o.runs.SetStatus(ctx, run.ID, models.RunStatusEncoding); err != nil {
		return stop, err
	}

	jobID := run.EncodingJobID
	if jobID == "" || run.EncodingStatus != models.StageRunning {
		if err := o.runs.SetStageStatus(ctx, run.ID, models.StageEncoding, models.StageRunning); err != nil {
			return stop, err
		}

		var err error
		jobID, err = o.client.SubmitEncodingJob(ctx, run.Metadata.DownloadPath, run.Metadata.EncodingProfileID)
		if err != nil {
			if siblings.IsUnreachable(err) {
				if err := o.skipStage(ctx, run.ID, models.StageEncoding, "media processor unreachable"); err != nil {
					return stop, err
				}
				return advance, nil
			}
			if err := o.failRun(ctx, run.ID, models.StageEncoding, fmt.Sprintf("Encoding submit failed: %v", err)); err != nil {
				return stop, err
			}
			return stop, nil
		}
		if err := o.runs.SetEncodingJobID(ctx, run.ID, jobID); err != nil {
			return stop, err
		}
		o.log.Info().Int64("runID", run.ID).Str("jobID", jobID).Msg("encoding job submitted")
	}

	for attempt := 1; attempt <= o.opts.EncodingPollMaxAttempts; attempt++ {
		job, err := o.client.EncodingJob(ctx, jobID)
		switch {
		case err == nil && job.Done():
			if err := o.completeStage(ctx, run.ID, models.StageEncoding); err != nil {
				return stop, err
			}
			return advance, nil
		case err == nil && job.Failed():
			message := fmt.Sprintf("Encoding job failed with status %q", job.Status)
			if job.Error != "" {
				message = fmt.Sprintf("Encoding job failed: %s", job.Error)
			}
			if err := o.failRun(ctx, run.ID, models.StageEncoding, message); err != nil {
				return stop, err
			}
			return stop, nil
		case err != nil:
			o.log.Debug().Int64("runID", run.ID).Err(err).Int("attempt", attempt).Msg("encoding job poll failed, will retry")
		}

		if err := o.checkCancelled(ctx, run.ID); err != nil {
			return stop, err
		}
		if err := o.clock.Sleep(ctx, o.opts.PollInterval); err != nil {
			return stop, err
		}
	}

	message := fmt.Sprintf("Encoding timed out after %d poll attempts", o.opts.EncodingPollMaxAttempts)
	if err := o.failRun(ctx, run.ID, models.StageEncoding, message); err != nil {
		return stop, err
	}
	return stop, nil
}

// Stage 7: publishing. Optional; auto-skips when no backend is configured.
// Encoding outputs are fetched best-effort, so publishing still happens
// with null manifests when the job lookup fails.
func (o *Orchestrator) stagePublishing(ctx context.Context, run *models.PipelineRun) (signal, error) {
	if run.PublishingStatus == models.StageCompleted || run.PublishingStatus == models.StageSkipped {
		return advance, nil
	}

	if !o.client.PublishConfigured() {
		if err := o.skipStage(ctx, run.ID, models.StagePublishing, "backend not configured"); err != nil {
			return stop, err
		}
		return advance, nil
	}

	if err := o.runs.SetStatus(ctx, run.ID, models.RunStatusPublishing); err != nil {
		return stop, err
	}
	if err := o.runs.SetStageStatus(ctx, run.ID, models.StagePublishing, models.StageRunning); err != nil {
		return stop, err
	}

	req := siblings.PublishRequest{
		TMDBID:   run.Metadata.TMDBID,
		Title:    run.ContentTitle,
		Type:     run.ContentType,
		Metadata: run.Metadata.Extra,
	}

	if run.EncodingJobID != "" && o.client.MediaConfigured() {
		if job, err := o.client.EncodingJob(ctx, run.EncodingJobID); err == nil {
			req.HLSManifestURL = job.Outputs.HLSManifestURL
			req.DASHManifestURL = job.Outputs.DASHManifestURL
			req.SubtitleTracks = job.Outputs.SubtitleTracks
		} else {
			o.log.Warn().Int64("runID", run.ID).Err(err).Msg("could not fetch encoding outputs, publishing without manifests")
		}
	}

	if err := o.client.Publish(ctx, req); err != nil {
		return o.optionalStageVerdict(ctx, run.ID, models.StagePublishing, err)
	}

	if err := o.completeStage(ctx, run.ID, models.StagePublishing); err != nil {
		return stop, err
	}
	return advance, nil
}
