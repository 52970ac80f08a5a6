// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/api/handlers"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/services/downloads"
	"github.com/fetcharr/fetcharr/internal/testdb"
	"github.com/fetcharr/fetcharr/pkg/clock"
)

// stubPipeline records launches without executing anything.
type stubPipeline struct {
	launched []int64
	retried  []int64
}

func (p *stubPipeline) Launch(runID int64) { p.launched = append(p.launched, runID) }

func (p *stubPipeline) Retry(_ context.Context, runID int64) error {
	p.retried = append(p.retried, runID)
	return nil
}

func newRunsRouter(t *testing.T) (*chi.Mux, *models.PipelineRunStore, *stubPipeline) {
	t.Helper()

	db := testdb.Open(t, "handlers")
	runs := models.NewPipelineRunStore(db)
	pipeline := &stubPipeline{}

	r := chi.NewRouter()
	r.Route("/api/runs", handlers.NewRunsHandler(runs, pipeline).Routes)
	return r, runs, pipeline
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestTriggerRun(t *testing.T) {
	router, runs, pipeline := newRunsRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/runs", map[string]any{
		"accountId": "acct-1",
		"title":     "Dune",
		"type":      "movie",
		"magnetUrl": "magnet:?xt=urn:btih:dune",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var run models.PipelineRun
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&run))
	assert.Equal(t, models.TriggerManual, run.Trigger)
	assert.Equal(t, []int64{run.ID}, pipeline.launched)

	stored, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "magnet:?xt=urn:btih:dune", stored.Metadata.MagnetURL)
}

func TestTriggerRunRequiresSource(t *testing.T) {
	router, _, pipeline := newRunsRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/runs", map[string]any{
		"accountId": "acct-1",
		"title":     "Dune",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, pipeline.launched)
}

func TestGetRunNotFound(t *testing.T) {
	router, _, _ := newRunsRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/runs/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelRunConflictWhenTerminal(t *testing.T) {
	router, runs, _ := newRunsRouter(t)
	ctx := context.Background()

	run, err := runs.Create(ctx, &models.PipelineRun{AccountID: "acct-1", ContentTitle: "Dune", ContentType: "movie"})
	require.NoError(t, err)
	require.NoError(t, runs.MarkCompleted(ctx, run.ID))

	rec := doJSON(t, router, http.MethodPost, "/api/runs/1/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryCancelledRunRejected(t *testing.T) {
	router, runs, pipeline := newRunsRouter(t)
	ctx := context.Background()

	run, err := runs.Create(ctx, &models.PipelineRun{AccountID: "acct-1", ContentTitle: "Dune", ContentType: "movie"})
	require.NoError(t, err)
	require.NoError(t, runs.Cancel(ctx, run.ID))

	rec := doJSON(t, router, http.MethodPost, "/api/runs/1/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, pipeline.retried)
}

func newDownloadsRouter(t *testing.T) (*chi.Mux, *models.DownloadStore, *downloads.Worker) {
	t.Helper()

	db := testdb.Open(t, "handlers")
	store := models.NewDownloadStore(db)
	queue := models.NewQueueStore(db)
	runs := models.NewPipelineRunStore(db)
	sm := downloads.NewStateMachine(db, store, nil, zerolog.Nop())
	worker := downloads.NewWorker(store, queue, runs, sm, noopRunner{}, clock.New(), 1, nil, zerolog.Nop())

	r := chi.NewRouter()
	r.Route("/api/downloads", handlers.NewDownloadsHandler(store, queue, worker).Routes)
	return r, store, worker
}

type noopRunner struct{}

func (noopRunner) Execute(context.Context, int64) error { return nil }

func TestCreateDownloadEnqueues(t *testing.T) {
	router, store, _ := newDownloadsRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/downloads", map[string]any{
		"accountId":   "acct-1",
		"title":       "Dune",
		"contentType": "movie",
		"magnetUri":   "magnet:?xt=urn:btih:dune",
		"priority":    20,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var d models.Download
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	assert.Equal(t, models.DownloadCreated, d.State)

	stored, err := store.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dune", stored.Title)

	// Queue endpoint reflects the new entry.
	queueRec := doJSON(t, router, http.MethodGet, "/api/downloads/queue", nil)
	require.Equal(t, http.StatusOK, queueRec.Code)
	var entries []models.QueueEntry
	require.NoError(t, json.NewDecoder(queueRec.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, d.ID, entries[0].DownloadID)
	assert.Equal(t, 20, entries[0].Priority)
}

func TestCancelCompletedDownloadConflicts(t *testing.T) {
	router, store, worker := newDownloadsRouter(t)
	ctx := context.Background()

	d, err := store.Create(ctx, &models.Download{AccountID: "acct-1", ContentType: "movie", Title: "Dune"})
	require.NoError(t, err)
	require.NoError(t, worker.Cancel(ctx, d.ID))

	rec := doJSON(t, router, http.MethodPost, "/api/downloads/"+d.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDownloadHistoryEndpoint(t *testing.T) {
	router, store, worker := newDownloadsRouter(t)
	ctx := context.Background()

	d, err := store.Create(ctx, &models.Download{AccountID: "acct-1", ContentType: "movie", Title: "Dune"})
	require.NoError(t, err)
	require.NoError(t, worker.Cancel(ctx, d.ID))

	rec := doJSON(t, router, http.MethodGet, "/api/downloads/"+d.ID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var history []models.StateHistoryEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&history))
	require.Len(t, history, 2)
	assert.Equal(t, models.DownloadCreated, history[0].ToState)
	assert.Equal(t, models.DownloadCancelled, history[1].ToState)
}
