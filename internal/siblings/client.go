// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package siblings is the typed HTTP client for the platform's sibling
// services: VPN gateway, torrent manager, metadata enricher, subtitle
// search, media processor, and the backend library API.
package siblings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const defaultTimeout = 30 * time.Second

// URLs holds the sibling service base URLs. MediaURL and PublishURL may be
// empty; the callers treat those stages as not configured.
type URLs struct {
	VPN      string
	Torrent  string
	Metadata string
	Subtitle string
	Media    string
	Publish  string
}

// Client calls the sibling services. Every call is bounded by the
// configured timeout and returns a classified *Error on failure.
type Client struct {
	urls       URLs
	httpClient *http.Client
}

// NewClient builds a sibling client. A zero timeout uses the 30s default.
func NewClient(urls URLs, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	urls.VPN = strings.TrimRight(urls.VPN, "/")
	urls.Torrent = strings.TrimRight(urls.Torrent, "/")
	urls.Metadata = strings.TrimRight(urls.Metadata, "/")
	urls.Subtitle = strings.TrimRight(urls.Subtitle, "/")
	urls.Media = strings.TrimRight(urls.Media, "/")
	urls.Publish = strings.TrimRight(urls.Publish, "/")

	return &Client{
		urls:       urls,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// MediaConfigured reports whether the media processor endpoint is set.
func (c *Client) MediaConfigured() bool { return c.urls.Media != "" }

// PublishConfigured reports whether the backend library endpoint is set.
func (c *Client) PublishConfigured() bool { return c.urls.Publish != "" }

// doJSON issues a request with an optional JSON body and decodes the
// response into out (when out is non-nil). Transport failures come back as
// KindUnreachable, non-2xx as KindHTTPError, undecodable bodies as
// KindMalformed.
func (c *Client) doJSON(ctx context.Context, op, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "%s: marshal request", op)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errors.Wrapf(err, "%s: build request", op)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return httpError(op, resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return malformed(op, err)
	}
	return nil
}

// VPNStatus is the VPN gateway's status response.
type VPNStatus struct {
	Active bool   `json:"active"`
	Status string `json:"status"`
}

// Connected reports whether the VPN is usable: active==true or
// status=="connected".
func (s VPNStatus) Connected() bool {
	return s.Active || s.Status == "connected"
}

// VPNStatus fetches the VPN gateway status.
func (c *Client) VPNStatus(ctx context.Context) (*VPNStatus, error) {
	var status VPNStatus
	if err := c.doJSON(ctx, "vpn status", http.MethodGet, c.urls.VPN+"/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

type submitTorrentRequest struct {
	MagnetURL  string `json:"magnet_url,omitempty"`
	TorrentURL string `json:"torrent_url,omitempty"`
}

type submitTorrentResponse struct {
	ID         string `json:"id"`
	DownloadID string `json:"download_id"`
}

// SubmitTorrent hands a magnet or torrent URL to the torrent manager and
// returns its download ID. A 2xx response without an ID is malformed.
func (c *Client) SubmitTorrent(ctx context.Context, magnetURL, torrentURL string) (string, error) {
	const op = "torrent submit"

	var resp submitTorrentResponse
	req := submitTorrentRequest{MagnetURL: magnetURL, TorrentURL: torrentURL}
	if err := c.doJSON(ctx, op, http.MethodPost, c.urls.Torrent+"/api/downloads", req, &resp); err != nil {
		return "", err
	}

	id := resp.ID
	if id == "" {
		id = resp.DownloadID
	}
	if id == "" {
		return "", malformed(op, errors.New("response carries neither id nor download_id"))
	}
	return id, nil
}

// TorrentStatus is the torrent manager's view of one transfer.
type TorrentStatus struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
}

// Done reports whether the transfer finished successfully.
func (s TorrentStatus) Done() bool {
	return s.Status == "completed" || s.Status == "seeding"
}

// Failed reports whether the transfer terminally failed.
func (s TorrentStatus) Failed() bool {
	return s.Status == "error" || s.Status == "failed"
}

// TorrentStatus fetches the current state of a submitted download.
func (c *Client) TorrentStatus(ctx context.Context, downloadID string) (*TorrentStatus, error) {
	var status TorrentStatus
	url := fmt.Sprintf("%s/api/downloads/%s", c.urls.Torrent, downloadID)
	if err := c.doJSON(ctx, "torrent status", http.MethodGet, url, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

type enrichRequest struct {
	Title string `json:"title"`
	Type  string `json:"type"`
}

// EnrichMetadata asks the metadata service to enrich a title. The enriched
// document is returned as-is for the run's metadata bag.
func (c *Client) EnrichMetadata(ctx context.Context, title, contentType string) (map[string]any, error) {
	var enriched map[string]any
	req := enrichRequest{Title: title, Type: contentType}
	if err := c.doJSON(ctx, "metadata enrich", http.MethodPost, c.urls.Metadata+"/api/enrich", req, &enriched); err != nil {
		return nil, err
	}
	return enriched, nil
}

type subtitleSearchRequest struct {
	Title string `json:"title"`
}

// SearchSubtitles kicks off a subtitle search for the title.
func (c *Client) SearchSubtitles(ctx context.Context, title string) error {
	req := subtitleSearchRequest{Title: title}
	return c.doJSON(ctx, "subtitle search", http.MethodPost, c.urls.Subtitle+"/api/search", req, nil)
}

type submitEncodingRequest struct {
	InputURL  string `json:"input_url"`
	InputType string `json:"input_type"`
	ProfileID string `json:"profile_id,omitempty"`
	Priority  int    `json:"priority"`
}

type submitEncodingResponse struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
}

// SubmitEncodingJob submits a transcode job to the media processor and
// returns its job ID.
func (c *Client) SubmitEncodingJob(ctx context.Context, inputURL, profileID string) (string, error) {
	const op = "encoding submit"

	var resp submitEncodingResponse
	req := submitEncodingRequest{InputURL: inputURL, InputType: "file", ProfileID: profileID, Priority: 5}
	if err := c.doJSON(ctx, op, http.MethodPost, c.urls.Media+"/v1/jobs", req, &resp); err != nil {
		return "", err
	}

	id := resp.ID
	if id == "" {
		id = resp.JobID
	}
	if id == "" {
		return "", malformed(op, errors.New("response carries neither id nor job_id"))
	}
	return id, nil
}

// SubtitleTrack is one subtitle output of an encoding job.
type SubtitleTrack struct {
	Language string `json:"language"`
	URL      string `json:"url"`
}

// EncodingOutputs are the artifacts of a finished transcode job.
type EncodingOutputs struct {
	HLSManifestURL  string          `json:"hls_manifest_url"`
	DASHManifestURL string          `json:"dash_manifest_url"`
	SubtitleTracks  []SubtitleTrack `json:"subtitle_tracks"`
}

// EncodingJob is the media processor's view of one transcode job.
type EncodingJob struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Progress float64         `json:"progress"`
	Outputs  EncodingOutputs `json:"outputs"`
	Error    string          `json:"error"`
}

// Done reports whether the job finished successfully.
func (j EncodingJob) Done() bool {
	return j.Status == "completed"
}

// Failed reports whether the job terminally failed.
func (j EncodingJob) Failed() bool {
	return j.Status == "failed" || j.Status == "error"
}

// EncodingJob fetches the current state of a transcode job.
func (c *Client) EncodingJob(ctx context.Context, jobID string) (*EncodingJob, error) {
	var job EncodingJob
	url := fmt.Sprintf("%s/v1/jobs/%s", c.urls.Media, jobID)
	if err := c.doJSON(ctx, "encoding status", http.MethodGet, url, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// PublishRequest registers finished content with the backend library.
type PublishRequest struct {
	TMDBID          int64           `json:"tmdb_id,omitempty"`
	Title           string          `json:"title"`
	Type            string          `json:"type"`
	HLSManifestURL  string          `json:"hls_manifest_url,omitempty"`
	DASHManifestURL string          `json:"dash_manifest_url,omitempty"`
	SubtitleTracks  []SubtitleTrack `json:"subtitle_tracks,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// Publish registers the content in the platform library.
func (c *Client) Publish(ctx context.Context, req PublishRequest) error {
	return c.doJSON(ctx, "publish", http.MethodPost, c.urls.Publish+"/api/library/publish", req, nil)
}
