// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package siblings

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVPNStatusConnected(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{name: "active true", body: `{"active": true}`, want: true},
		{name: "status connected", body: `{"active": false, "status": "connected"}`, want: true},
		{name: "both set", body: `{"active": true, "status": "connected"}`, want: true},
		{name: "inactive", body: `{"active": false, "status": "disconnected"}`, want: false},
		{name: "empty body", body: `{}`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/status", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient(URLs{VPN: srv.URL}, time.Second)
			status, err := client.VPNStatus(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, status.Connected())
		})
	}
}

func TestSubmitTorrent(t *testing.T) {
	t.Run("id field", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/downloads", r.URL.Path)
			w.Write([]byte(`{"id": "dl-42"}`))
		}))
		defer srv.Close()

		client := NewClient(URLs{Torrent: srv.URL}, time.Second)
		id, err := client.SubmitTorrent(context.Background(), "magnet:?xt=urn:btih:abc", "")
		require.NoError(t, err)
		assert.Equal(t, "dl-42", id)
	})

	t.Run("download_id fallback", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"download_id": "dl-43"}`))
		}))
		defer srv.Close()

		client := NewClient(URLs{Torrent: srv.URL}, time.Second)
		id, err := client.SubmitTorrent(context.Background(), "magnet:?xt=urn:btih:abc", "")
		require.NoError(t, err)
		assert.Equal(t, "dl-43", id)
	})

	t.Run("missing id is malformed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"status": "ok"}`))
		}))
		defer srv.Close()

		client := NewClient(URLs{Torrent: srv.URL}, time.Second)
		_, err := client.SubmitTorrent(context.Background(), "magnet:?xt=urn:btih:abc", "")
		require.Error(t, err)
		assert.True(t, IsMalformed(err))
	})
}

func TestErrorClassification(t *testing.T) {
	t.Run("non-2xx is http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := NewClient(URLs{Metadata: srv.URL}, time.Second)
		_, err := client.EnrichMetadata(context.Background(), "Some Title", "movie")
		require.Error(t, err)
		assert.True(t, IsHTTPError(err))
		assert.False(t, IsUnreachable(err))

		var se *Error
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusInternalServerError, se.Status)
	})

	t.Run("closed server is unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		client := NewClient(URLs{Subtitle: url}, 500*time.Millisecond)
		err := client.SearchSubtitles(context.Background(), "Some Title")
		require.Error(t, err)
		assert.True(t, IsUnreachable(err))
		assert.False(t, IsHTTPError(err))
	})

	t.Run("undecodable 2xx body is malformed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json at all`))
		}))
		defer srv.Close()

		client := NewClient(URLs{VPN: srv.URL}, time.Second)
		_, err := client.VPNStatus(context.Background())
		require.Error(t, err)
		assert.True(t, IsMalformed(err))
	})
}

func TestTorrentStatusVerdicts(t *testing.T) {
	assert.True(t, TorrentStatus{Status: "completed"}.Done())
	assert.True(t, TorrentStatus{Status: "seeding"}.Done())
	assert.False(t, TorrentStatus{Status: "downloading"}.Done())

	assert.True(t, TorrentStatus{Status: "error"}.Failed())
	assert.True(t, TorrentStatus{Status: "failed"}.Failed())
	assert.False(t, TorrentStatus{Status: "queued"}.Failed())
}

func TestEncodingJobRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/jobs/job-7", r.URL.Path)
		w.Write([]byte(`{
			"id": "job-7",
			"status": "completed",
			"outputs": {
				"hls_manifest_url": "https://cdn/x.m3u8",
				"dash_manifest_url": "https://cdn/x.mpd",
				"subtitle_tracks": [{"language": "en", "url": "https://cdn/en.vtt"}]
			}
		}`))
	}))
	defer srv.Close()

	client := NewClient(URLs{Media: srv.URL}, time.Second)
	job, err := client.EncodingJob(context.Background(), "job-7")
	require.NoError(t, err)
	assert.True(t, job.Done())
	assert.Equal(t, "https://cdn/x.m3u8", job.Outputs.HLSManifestURL)
	assert.Equal(t, "https://cdn/x.mpd", job.Outputs.DASHManifestURL)
	require.Len(t, job.Outputs.SubtitleTracks, 1)
	assert.Equal(t, "en", job.Outputs.SubtitleTracks[0].Language)
}

func TestEncodingJobFailedCarriesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "job-8", "status": "failed", "error": "input file corrupt"}`))
	}))
	defer srv.Close()

	client := NewClient(URLs{Media: srv.URL}, time.Second)
	job, err := client.EncodingJob(context.Background(), "job-8")
	require.NoError(t, err)
	assert.True(t, job.Failed())
	assert.Equal(t, "input file corrupt", job.Error)
	assert.Empty(t, job.Outputs.HLSManifestURL)
}

func TestPublish(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(URLs{Publish: srv.URL}, time.Second)
	err := client.Publish(context.Background(), PublishRequest{Title: "Dune Part Two", Type: "movie"})
	require.NoError(t, err)
	assert.Equal(t, "/api/library/publish", gotPath)
}
