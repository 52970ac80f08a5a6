// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/siblings"
	"github.com/fetcharr/fetcharr/internal/testdb"
	"github.com/fetcharr/fetcharr/pkg/clock"
)

// fakeSiblings is a configurable stand-in for every sibling service.
type fakeSiblings struct {
	vpnActive      bool
	vpnDown        bool
	torrentPolls   []string // status sequence returned by download polls
	torrentSubmits atomic.Int32
	torrentCalls   atomic.Int32
	metadataStatus int // 0 => 200
	subtitlesDown  bool
	subtitleCalls  atomic.Int32
	encodingPolls  []string
	encodingCalls  atomic.Int32
	publishCalls   atomic.Int32
	published      atomic.Pointer[siblings.PublishRequest]
	metadataCalls  atomic.Int32
}

func (f *fakeSiblings) servers(t *testing.T) (urls siblings.URLs) {
	t.Helper()

	vpn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"active": f.vpnActive})
	}))
	t.Cleanup(vpn.Close)
	urls.VPN = vpn.URL
	if f.vpnDown {
		vpn.Close()
	}

	torrent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			f.torrentSubmits.Add(1)
			json.NewEncoder(w).Encode(map[string]any{"id": "t1"})
			return
		}
		call := int(f.torrentCalls.Add(1)) - 1
		status := "downloading"
		if call < len(f.torrentPolls) {
			status = f.torrentPolls[call]
		} else if len(f.torrentPolls) > 0 {
			status = f.torrentPolls[len(f.torrentPolls)-1]
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "t1", "status": status, "progress": 0.5})
	}))
	t.Cleanup(torrent.Close)
	urls.Torrent = torrent.URL

	metadata := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.metadataCalls.Add(1)
		if f.metadataStatus != 0 {
			http.Error(w, "nope", f.metadataStatus)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"tmdb_id": 438631, "overview": "spice"})
	}))
	t.Cleanup(metadata.Close)
	urls.Metadata = metadata.URL

	subtitle := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.subtitleCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"results": 3})
	}))
	urls.Subtitle = subtitle.URL
	if f.subtitlesDown {
		subtitle.Close()
	} else {
		t.Cleanup(subtitle.Close)
	}

	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]any{"id": "e1"})
			return
		}
		call := int(f.encodingCalls.Add(1)) - 1
		status := "completed"
		if call < len(f.encodingPolls) {
			status = f.encodingPolls[call]
		} else if len(f.encodingPolls) > 0 {
			status = f.encodingPolls[len(f.encodingPolls)-1]
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "e1", "status": status,
			"outputs": map[string]any{
				"hls_manifest_url":  "https://cdn/x.m3u8",
				"dash_manifest_url": "https://cdn/x.mpd",
				"subtitle_tracks":   []map[string]any{{"language": "en", "url": "https://cdn/en.vtt"}},
			},
		})
	}))
	t.Cleanup(media.Close)
	urls.Media = media.URL

	publish := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.publishCalls.Add(1)
		var req siblings.PublishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			f.published.Store(&req)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(publish.Close)
	urls.Publish = publish.URL

	return urls
}

func newOrchestrator(t *testing.T, urls siblings.URLs, opts Options) (*Orchestrator, *models.PipelineRunStore, *clock.Manual) {
	t.Helper()

	db := testdb.Open(t, "pipeline")
	runs := models.NewPipelineRunStore(db)
	clk := clock.NewManual(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	client := siblings.NewClient(urls, time.Second)
	orch := NewOrchestrator(runs, client, clk, opts, nil, zerolog.Nop())
	return orch, runs, clk
}

func createRun(t *testing.T, runs *models.PipelineRunStore, meta models.RunMetadata) *models.PipelineRun {
	t.Helper()

	run, err := runs.Create(context.Background(), &models.PipelineRun{
		AccountID:    "acct-1",
		ContentTitle: "Dune",
		ContentType:  "movie",
		Metadata:     meta,
	})
	require.NoError(t, err)
	return run
}

func TestExecuteHappyPath(t *testing.T) {
	fake := &fakeSiblings{
		vpnActive:     true,
		torrentPolls:  []string{"downloading", "downloading", "downloading", "completed"},
		encodingPolls: []string{"processing", "processing", "completed"},
	}
	orch, runs, clk := newOrchestrator(t, fake.servers(t), Options{})
	ctx := context.Background()

	run := createRun(t, runs, models.RunMetadata{MagnetURL: "magnet:?xt=urn:btih:abc"})
	require.NoError(t, orch.Execute(ctx, run.ID))

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	for _, stage := range models.Stages {
		assert.Equal(t, models.StageCompleted, got.StageStatus(stage), stage)
	}
	assert.Equal(t, "t1", got.TorrentDownloadID)
	assert.Equal(t, "e1", got.EncodingJobID)
	assert.NotNil(t, got.PipelineCompletedAt)
	assert.Empty(t, got.ErrorMessage)
	assert.EqualValues(t, 1, fake.torrentSubmits.Load())
	assert.EqualValues(t, 1, fake.publishCalls.Load())

	// The encoding outputs travel into the publish request.
	published := fake.published.Load()
	require.NotNil(t, published)
	assert.Equal(t, "https://cdn/x.m3u8", published.HLSManifestURL)
	assert.Equal(t, "https://cdn/x.mpd", published.DASHManifestURL)
	require.Len(t, published.SubtitleTracks, 1)
	assert.Equal(t, "en", published.SubtitleTracks[0].Language)
	assert.Equal(t, "https://cdn/en.vtt", published.SubtitleTracks[0].URL)

	// No terminal run leaves a stage stuck at running.
	for _, stage := range models.Stages {
		assert.NotEqual(t, models.StageRunning, got.StageStatus(stage))
	}

	// Each in-progress poll slept exactly one poll interval.
	for _, d := range clk.Sleeps() {
		assert.Equal(t, 30*time.Second, d)
	}
}

func TestExecuteVPNDown(t *testing.T) {
	fake := &fakeSiblings{vpnActive: false}
	orch, runs, _ := newOrchestrator(t, fake.servers(t), Options{})
	ctx := context.Background()

	run := createRun(t, runs, models.RunMetadata{MagnetURL: "magnet:?xt=urn:btih:abc"})
	require.NoError(t, orch.Execute(ctx, run.ID))

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusVPNWaiting, got.Status)
	assert.Equal(t, models.StageFailed, got.VPNStatus)
	assert.Equal(t, "VPN is not active", got.ErrorMessage)
	assert.Zero(t, fake.torrentSubmits.Load(), "no torrent call may be made without VPN")
}

func TestExecuteVPNUnreachableParksRun(t *testing.T) {
	fake := &fakeSiblings{vpnDown: true}
	orch, runs, _ := newOrchestrator(t, fake.servers(t), Options{})
	ctx := context.Background()

	run := createRun(t, runs, models.RunMetadata{MagnetURL: "magnet:?xt=urn:btih:abc"})
	require.NoError(t, orch.Execute(ctx, run.ID))

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusVPNWaiting, got.Status, "unreachable VPN counts as inactive")
}

func TestExecuteMissingMagnetFails(t *testing.T) {
	fake := &fakeSiblings{vpnActive: true}
	orch, runs, _ := newOrchestrator(t, fake.servers(t), Options{})
	ctx := context.Background()

	run := createRun(t, runs, models.RunMetadata{})
	require.NoError(t, orch.Execute(ctx, run.ID))

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, models.StageFailed, got.TorrentStatus)
	assert.Contains(t, got.ErrorMessage, "magnet_url")
}

func TestExecuteSubtitlesUnreachableSkips(t *testing.T) {
	fake := &fakeSiblings{
		vpnActive:     true,
		torrentPolls:  []string{"completed"},
		subtitlesDown: true,
	}
	orch, runs, _ := newOrchestrator(t, fake.servers(t), Options{})
	ctx := context.Background()

	run := createRun(t, runs, models.RunMetadata{MagnetURL: "magnet:?xt=urn:btih:abc"})
	require.NoError(t, orch.Execute(ctx, run.ID))

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageSkipped, got.SubtitleStatus)
	assert.Equal(t, models.RunStatusCompleted, got.Status, "pipeline continues past an unreachable optional service")
	assert.Equal(t, models.StageCompleted, got.EncodingStatus)
}

func TestExecuteMetadataHTTPErrorFails(t *testing.T) {
	fake := &fakeSiblings{
		vpnActive:      true,
		torrentPolls:   []string{"completed"},
		metadataStatus: http.StatusInternalServerError,
	}
	orch, runs, _ := newOrchestrator(t, fake.servers(t), Options{})
	ctx := context.Background()

	run := createRun(t, runs, models.RunMetadata{MagnetURL: "magnet:?xt=urn:btih:abc"})
	require.NoError(t, orch.Execute(ctx, run.ID))

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, got.MetadataStatus)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, models.StagePending, got.SubtitleStatus, "no subsequent stage may be attempted")
	assert.Zero(t, fake.subtitleCalls.Load())
}

func TestExecuteDownloadTimesOut(t *testing.T) {
	fake := &fakeSiblings{
		vpnActive:    true,
		torrentPolls: []string{"downloading"},
	}
	orch, runs, clk := newOrchestrator(t, fake.servers(t), Options{DownloadPollMaxAttempts: 5})
	ctx := context.Background()

	run := createRun(t, runs, models.RunMetadata{MagnetURL: "magnet:?xt=urn:btih:abc"})
	require.NoError(t, orch.Execute(ctx, run.ID))

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, got.TorrentStatus)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "timed out")
	assert.EqualValues(t, 5, fake.torrentCalls.Load())
	assert.Len(t, clk.Sleeps(), 5)
}

func TestRetryResumesAtFailedStage(t *testing.T) {
	fake := &fakeSiblings{
		vpnActive:    true,
		torrentPolls: []string{"completed"},
	}
	orch, runs, _ := newOrchestrator(t, fake.servers(t), Options{})
	ctx := context.Background()

	run := createRun(t, runs, models.RunMetadata{MagnetURL: "magnet:?xt=urn:btih:abc"})

	// Prior run: vpn and torrent completed, metadata failed.
	require.NoError(t, runs.SetStageStatus(ctx, run.ID, models.StageVPN, models.StageCompleted))
	require.NoError(t, runs.SetStageStatus(ctx, run.ID, models.StageTorrent, models.StageCompleted))
	require.NoError(t, runs.SetTorrentDownloadID(ctx, run.ID, "t1"))
	require.NoError(t, runs.SetStageStatus(ctx, run.ID, models.StageMetadata, models.StageFailed))
	require.NoError(t, runs.SetError(ctx, run.ID, "metadata stage failed"))
	require.NoError(t, runs.SetStatus(ctx, run.ID, models.RunStatusFailed))

	require.NoError(t, orch.Retry(ctx, run.ID))

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, models.StageCompleted, got.MetadataStatus)
	assert.Equal(t, models.StageCompleted, got.PublishingStatus)
	assert.Empty(t, got.ErrorMessage)

	// Completed mandatory stages were not re-run.
	assert.Zero(t, fake.torrentSubmits.Load())
	assert.EqualValues(t, 1, fake.metadataCalls.Load())
}

func TestRetrySkippedStageStaysSkipped(t *testing.T) {
	fake := &fakeSiblings{
		vpnActive:    true,
		torrentPolls: []string{"completed"},
	}
	orch, runs, _ := newOrchestrator(t, fake.servers(t), Options{})
	ctx := context.Background()

	run := createRun(t, runs, models.RunMetadata{MagnetURL: "magnet:?xt=urn:btih:abc"})
	require.NoError(t, runs.SetStageStatus(ctx, run.ID, models.StageVPN, models.StageCompleted))
	require.NoError(t, runs.SetStageStatus(ctx, run.ID, models.StageTorrent, models.StageCompleted))
	require.NoError(t, runs.SetStageStatus(ctx, run.ID, models.StageMetadata, models.StageSkipped))
	require.NoError(t, runs.SetStageStatus(ctx, run.ID, models.StageSubtitle, models.StageFailed))
	require.NoError(t, runs.SetStatus(ctx, run.ID, models.RunStatusFailed))

	require.NoError(t, orch.Retry(ctx, run.ID))

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, models.StageSkipped, got.MetadataStatus, "skipped stages are not re-executed on retry")
	assert.Equal(t, models.StageCompleted, got.SubtitleStatus, "failed optional stages are re-executed on retry")
	assert.Zero(t, fake.metadataCalls.Load())
}

func TestRetryCompletedRunIsNoop(t *testing.T) {
	fake := &fakeSiblings{vpnActive: true}
	orch, runs, _ := newOrchestrator(t, fake.servers(t), Options{})
	ctx := context.Background()

	run := createRun(t, runs, models.RunMetadata{MagnetURL: "magnet:?xt=urn:btih:abc"})
	require.NoError(t, runs.MarkCompleted(ctx, run.ID))

	require.NoError(t, orch.Retry(ctx, run.ID))
	assert.Zero(t, fake.torrentSubmits.Load())
}

func TestExecuteWithoutMediaAndPublishSkips(t *testing.T) {
	fake := &fakeSiblings{
		vpnActive:    true,
		torrentPolls: []string{"completed"},
	}
	urls := fake.servers(t)
	urls.Media = ""
	urls.Publish = ""
	orch, runs, _ := newOrchestrator(t, urls, Options{})
	ctx := context.Background()

	run := createRun(t, runs, models.RunMetadata{MagnetURL: "magnet:?xt=urn:btih:abc"})
	require.NoError(t, orch.Execute(ctx, run.ID))

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, models.StageSkipped, got.EncodingStatus)
	assert.Equal(t, models.StageSkipped, got.PublishingStatus)
}

func TestExecuteCancelledBetweenPolls(t *testing.T) {
	db := testdb.Open(t, "pipeline")
	runs := models.NewPipelineRunStore(db)
	clk := clock.NewManual(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	vpn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"active": true})
	}))
	t.Cleanup(vpn.Close)

	var runID atomic.Int64
	var polls atomic.Int32
	torrent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]any{"id": "t1"})
			return
		}
		if polls.Add(1) == 2 {
			// Cancel mid-download; the orchestrator must notice between
			// polls and stop without a terminal failed status.
			_ = runs.Cancel(context.Background(), runID.Load())
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "t1", "status": "downloading"})
	}))
	t.Cleanup(torrent.Close)

	client := siblings.NewClient(siblings.URLs{VPN: vpn.URL, Torrent: torrent.URL, Metadata: "http://unused", Subtitle: "http://unused"}, time.Second)
	orch := NewOrchestrator(runs, client, clk, Options{DownloadPollMaxAttempts: 10}, nil, zerolog.Nop())

	run := createRun(t, runs, models.RunMetadata{MagnetURL: "magnet:?xt=urn:btih:abc"})
	runID.Store(run.ID)

	require.NoError(t, orch.Execute(context.Background(), run.ID))

	got, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, got.Status)
	assert.Less(t, int(polls.Load()), 10, "polling must stop once the run is cancelled")
}

func TestRecoverInterrupted(t *testing.T) {
	fake := &fakeSiblings{vpnActive: true, torrentPolls: []string{"completed"}}
	orch, runs, _ := newOrchestrator(t, fake.servers(t), Options{})
	ctx := context.Background()

	interrupted := createRun(t, runs, models.RunMetadata{MagnetURL: "magnet:?xt=urn:btih:abc"})
	require.NoError(t, runs.SetStatus(ctx, interrupted.ID, models.RunStatusDownload))
	require.NoError(t, runs.SetStageStatus(ctx, interrupted.ID, models.StageVPN, models.StageCompleted))
	require.NoError(t, runs.SetStageStatus(ctx, interrupted.ID, models.StageTorrent, models.StageRunning))

	done := createRun(t, runs, models.RunMetadata{MagnetURL: "magnet:?xt=urn:btih:abc"})
	require.NoError(t, runs.MarkCompleted(ctx, done.ID))

	var launched []int64
	require.NoError(t, orch.RecoverInterrupted(ctx, func(runID int64) {
		launched = append(launched, runID)
	}))

	assert.Equal(t, []int64{interrupted.ID}, launched)

	got, err := runs.Get(ctx, interrupted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StagePending, got.TorrentStatus, "a running stage without a stored download id restarts cleanly")
}

func TestRecoverInterruptedResumesPollOnStoredID(t *testing.T) {
	fake := &fakeSiblings{vpnActive: true, torrentPolls: []string{"downloading", "completed"}}
	orch, runs, _ := newOrchestrator(t, fake.servers(t), Options{})
	ctx := context.Background()

	run := createRun(t, runs, models.RunMetadata{MagnetURL: "magnet:?xt=urn:btih:abc"})
	require.NoError(t, runs.SetStatus(ctx, run.ID, models.RunStatusDownload))
	require.NoError(t, runs.SetStageStatus(ctx, run.ID, models.StageVPN, models.StageCompleted))
	require.NoError(t, runs.SetStageStatus(ctx, run.ID, models.StageTorrent, models.StageRunning))
	require.NoError(t, runs.SetTorrentDownloadID(ctx, run.ID, "t1"))

	var launched []int64
	require.NoError(t, orch.RecoverInterrupted(ctx, func(runID int64) {
		launched = append(launched, runID)
	}))
	require.Equal(t, []int64{run.ID}, launched)

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageRunning, got.TorrentStatus, "the stored download id keeps the poll resumable")

	require.NoError(t, orch.Execute(ctx, run.ID))

	got, err = runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Zero(t, fake.torrentSubmits.Load(), "recovery polls the stored download instead of submitting again")
	assert.EqualValues(t, 2, fake.torrentCalls.Load())
}
