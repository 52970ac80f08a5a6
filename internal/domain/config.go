// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"fmt"
	"strings"
	"time"
)

// Config represents the application configuration
type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`

	// Sibling service base URLs. MediaURL and PublishURL are optional:
	// when empty the encoding and publishing stages auto-skip.
	VPNURL      string `toml:"vpnUrl" mapstructure:"vpnUrl"`
	TorrentURL  string `toml:"torrentUrl" mapstructure:"torrentUrl"`
	MetadataURL string `toml:"metadataUrl" mapstructure:"metadataUrl"`
	SubtitleURL string `toml:"subtitleUrl" mapstructure:"subtitleUrl"`
	MediaURL    string `toml:"mediaUrl" mapstructure:"mediaUrl"`
	PublishURL  string `toml:"publishUrl" mapstructure:"publishUrl"`

	RSSCheckIntervalMinutes int `toml:"rssCheckIntervalMinutes" mapstructure:"rssCheckIntervalMinutes"`
	RSSWorkers              int `toml:"rssWorkers" mapstructure:"rssWorkers"`

	PollIntervalSeconds     int `toml:"pollIntervalSeconds" mapstructure:"pollIntervalSeconds"`
	DownloadPollMaxAttempts int `toml:"downloadPollMaxAttempts" mapstructure:"downloadPollMaxAttempts"`
	EncodingPollMaxAttempts int `toml:"encodingPollMaxAttempts" mapstructure:"encodingPollMaxAttempts"`

	HTTPTimeoutMs int `toml:"httpTimeoutMs" mapstructure:"httpTimeoutMs"`

	FuzzyMatchThreshold float64 `toml:"fuzzyMatchThreshold" mapstructure:"fuzzyMatchThreshold"`

	DownloadWorkers int `toml:"downloadWorkers" mapstructure:"downloadWorkers"`

	MetricsEnabled bool `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
}

// PollInterval returns the configured stage poll interval.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// HTTPTimeout returns the per-request sibling call timeout.
func (c *Config) HTTPTimeout() time.Duration {
	if c.HTTPTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HTTPTimeoutMs) * time.Millisecond
}

// RSSCheckInterval returns the coarse scheduler tick for RSS polling.
func (c *Config) RSSCheckInterval() time.Duration {
	if c.RSSCheckIntervalMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.RSSCheckIntervalMinutes) * time.Minute
}

// Validate checks that the mandatory sibling endpoints are present.
// MediaURL and PublishURL may be empty (those stages auto-skip).
func (c *Config) Validate() error {
	type required struct {
		name  string
		value string
	}
	for _, r := range []required{
		{"vpnUrl", c.VPNURL},
		{"torrentUrl", c.TorrentURL},
		{"metadataUrl", c.MetadataURL},
		{"subtitleUrl", c.SubtitleURL},
	} {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("config: %s is required", r.name)
		}
	}
	if c.FuzzyMatchThreshold < 0 || c.FuzzyMatchThreshold > 1 {
		return fmt.Errorf("config: fuzzyMatchThreshold must be within [0,1], got %v", c.FuzzyMatchThreshold)
	}
	return nil
}
