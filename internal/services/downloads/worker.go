// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloads

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/pkg/clock"
)

// queueIdleDelay is how long a worker waits before re-checking an empty
// queue.
const queueIdleDelay = 5 * time.Second

// Runner executes a pipeline run to its terminal status.
type Runner interface {
	Execute(ctx context.Context, runID int64) error
}

// stateChain is the happy path through the download state machine. When a
// pipeline run completes, the download is walked through the remaining
// states so its history stays a legal, replayable transition sequence.
var stateChain = []string{
	models.DownloadCreated,
	models.DownloadVPNConnecting,
	models.DownloadSearching,
	models.DownloadDownloading,
	models.DownloadEncoding,
	models.DownloadSubtitles,
	models.DownloadUploading,
	models.DownloadFinalizing,
	models.DownloadCompleted,
}

// Worker pops queued downloads and drives each one through its state
// machine by running an acquisition pipeline for it. It implements
// pipeline.StageObserver to mirror pipeline milestones into download
// states.
type Worker struct {
	downloadStore *models.DownloadStore
	queue         *models.QueueStore
	runs          *models.PipelineRunStore
	sm            *StateMachine
	runner        Runner
	clock         clock.Clock
	metrics       *metrics.Metrics
	log           zerolog.Logger

	workers int

	mu          sync.Mutex
	runDownload map[int64]string // active run ID -> download ID

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewWorker(downloadStore *models.DownloadStore, queue *models.QueueStore, runs *models.PipelineRunStore, sm *StateMachine, runner Runner, clk clock.Clock, workers int, m *metrics.Metrics, logger zerolog.Logger) *Worker {
	if workers <= 0 {
		workers = 2
	}
	return &Worker{
		downloadStore: downloadStore,
		queue:         queue,
		runs:          runs,
		sm:            sm,
		runner:        runner,
		clock:         clk,
		metrics:       m,
		log:           logger.With().Str("component", "download-worker").Logger(),
		workers:       workers,
		runDownload:   make(map[int64]string),
	}
}

// Start launches the worker pool. Workers run until Stop or context
// cancellation.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	w.log.Info().Msgf("Started %d download workers", w.workers)
}

// Stop cancels the workers and waits for in-flight downloads to wind down.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}

		entry, err := w.queue.Pop(ctx)
		if err != nil {
			w.log.Error().Err(err).Int("worker", id).Msg("queue pop failed")
			if err := w.clock.Sleep(ctx, queueIdleDelay); err != nil {
				return
			}
			continue
		}
		if entry == nil {
			if err := w.clock.Sleep(ctx, queueIdleDelay); err != nil {
				return
			}
			continue
		}

		w.updateQueueDepth(ctx)

		if err := w.process(ctx, entry.DownloadID); err != nil {
			w.log.Error().Err(err).Str("downloadID", entry.DownloadID).Int("worker", id).Msg("download processing failed")
		}
	}
}

func (w *Worker) updateQueueDepth(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	if depth, err := w.queue.Depth(ctx, ""); err == nil {
		w.metrics.QueueDepth.Set(float64(depth))
	}
}

// process drives one popped download. A pipeline run is created for it and
// executed; the observer callbacks move the state machine along the way,
// and the run's terminal status decides the download's terminal state.
func (w *Worker) process(ctx context.Context, downloadID string) error {
	d, err := w.downloadStore.Get(ctx, downloadID)
	if err != nil {
		return fmt.Errorf("load download %s: %w", downloadID, err)
	}

	switch d.State {
	case models.DownloadCreated:
		// Fresh or retried download, start from the top.
	case models.DownloadPaused:
		if _, err := w.sm.Resume(ctx, downloadID); err != nil {
			return err
		}
	default:
		w.log.Warn().Str("downloadID", downloadID).Str("state", d.State).Msg("popped download not in a startable state, dropping queue entry")
		return nil
	}

	if d.State == models.DownloadCreated {
		if err := w.sm.Transition(ctx, downloadID, models.DownloadVPNConnecting, nil); err != nil {
			return err
		}
	}

	run, err := w.runs.Create(ctx, &models.PipelineRun{
		AccountID:    d.AccountID,
		Trigger:      models.TriggerManual,
		ContentTitle: d.Title,
		ContentType:  d.ContentType,
		Metadata: models.RunMetadata{
			MagnetURL: d.MagnetURI,
			Extra:     map[string]any{"download_id": d.ID},
		},
	})
	if err != nil {
		return fmt.Errorf("create run for download %s: %w", downloadID, err)
	}

	w.mu.Lock()
	w.runDownload[run.ID] = downloadID
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.runDownload, run.ID)
		w.mu.Unlock()
	}()

	return w.runner.Execute(ctx, run.ID)
}

func (w *Worker) downloadForRun(runID int64) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.runDownload[runID]
	return id, ok
}

// StageChanged mirrors pipeline milestones into download transitions. Runs
// not started by this worker (RSS or API triggered) have no mapping and are
// ignored.
func (w *Worker) StageChanged(runID int64, stage, status string) {
	downloadID, ok := w.downloadForRun(runID)
	if !ok {
		return
	}
	ctx := context.Background()

	switch {
	case stage == models.StageVPN && status == models.StageCompleted:
		w.transitionQuiet(ctx, downloadID, models.DownloadSearching)
	case stage == models.StageTorrent && status == models.StageRunning:
		w.transitionQuiet(ctx, downloadID, models.DownloadDownloading)
	case stage == models.StageTorrent && status == models.StageCompleted:
		w.transitionQuiet(ctx, downloadID, models.DownloadEncoding)
	}
}

// RunFinished settles the download once its pipeline run is terminal.
func (w *Worker) RunFinished(runID int64, status string) {
	downloadID, ok := w.downloadForRun(runID)
	if !ok {
		return
	}
	ctx := context.Background()

	switch status {
	case models.RunStatusCompleted:
		w.walkToCompleted(ctx, downloadID)
	case models.RunStatusVPNWaiting:
		w.failDownload(ctx, downloadID, "VPN is not connected")
	case models.RunStatusFailed:
		message := "pipeline run failed"
		if run, err := w.runs.Get(ctx, runID); err == nil && run.ErrorMessage != "" {
			message = run.ErrorMessage
		}
		w.failDownload(ctx, downloadID, message)
	}
}

func (w *Worker) transitionQuiet(ctx context.Context, downloadID, to string) {
	if err := w.sm.Transition(ctx, downloadID, to, nil); err != nil {
		w.log.Warn().Err(err).Str("downloadID", downloadID).Str("to", to).Msg("milestone transition skipped")
	}
}

// walkToCompleted advances the download along the happy path one legal
// transition at a time until completed.
func (w *Worker) walkToCompleted(ctx context.Context, downloadID string) {
	d, err := w.downloadStore.Get(ctx, downloadID)
	if err != nil {
		w.log.Error().Err(err).Str("downloadID", downloadID).Msg("cannot finalize download")
		return
	}

	pos := -1
	for i, state := range stateChain {
		if state == d.State {
			pos = i
			break
		}
	}
	if pos == -1 {
		w.log.Warn().Str("downloadID", downloadID).Str("state", d.State).Msg("download off the happy path, not finalizing")
		return
	}

	for _, next := range stateChain[pos+1:] {
		if err := w.sm.Transition(ctx, downloadID, next, nil); err != nil {
			w.log.Error().Err(err).Str("downloadID", downloadID).Str("to", next).Msg("finalize transition failed")
			return
		}
	}
}

func (w *Worker) failDownload(ctx context.Context, downloadID, message string) {
	if err := w.sm.Transition(ctx, downloadID, models.DownloadFailed, map[string]any{"error": message}); err != nil {
		w.log.Error().Err(err).Str("downloadID", downloadID).Msg("failed transition rejected")
		return
	}
	if err := w.downloadStore.SetError(ctx, downloadID, message); err != nil {
		w.log.Error().Err(err).Str("downloadID", downloadID).Msg("could not record download error")
	}
}

// Enqueue creates the queue entry for a download and refreshes the depth
// gauge.
func (w *Worker) Enqueue(ctx context.Context, downloadID string, priority int) error {
	if err := w.queue.Add(ctx, downloadID, priority); err != nil {
		return err
	}
	w.updateQueueDepth(ctx)
	return nil
}

// Cancel transitions a download to cancelled and drops its queue entry.
func (w *Worker) Cancel(ctx context.Context, downloadID string) error {
	if err := w.sm.Transition(ctx, downloadID, models.DownloadCancelled, nil); err != nil {
		return err
	}
	if err := w.queue.Remove(ctx, downloadID); err != nil {
		return err
	}
	w.updateQueueDepth(ctx)
	return nil
}

// Pause parks an in-flight download. Its queue entry is dropped; Resume
// puts it back.
func (w *Worker) Pause(ctx context.Context, downloadID string) error {
	if err := w.sm.Transition(ctx, downloadID, models.DownloadPaused, nil); err != nil {
		return err
	}
	if err := w.queue.Remove(ctx, downloadID); err != nil {
		return err
	}
	w.updateQueueDepth(ctx)
	return nil
}

// Resume re-enqueues a paused download. The worker that pops it moves the
// state machine back to where the pause happened.
func (w *Worker) Resume(ctx context.Context, downloadID string, priority int) error {
	d, err := w.downloadStore.Get(ctx, downloadID)
	if err != nil {
		return err
	}
	if d.State != models.DownloadPaused {
		return fmt.Errorf("%w: resume requires paused, download %s is %s", ErrInvalidTransition, downloadID, d.State)
	}
	return w.Enqueue(ctx, downloadID, priority)
}

// Retry resets a failed download and puts it back on the queue.
func (w *Worker) Retry(ctx context.Context, downloadID string, priority int) error {
	if err := w.sm.Retry(ctx, downloadID); err != nil {
		return err
	}
	return w.Enqueue(ctx, downloadID, priority)
}
