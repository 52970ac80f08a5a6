// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the application configuration from a TOML file and
// FETCHARR__ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/fetcharr/fetcharr/internal/domain"
)

const envPrefix = "FETCHARR__"

// AppConfig wraps the loaded configuration and its viper instance so the
// config file can be watched for changes.
type AppConfig struct {
	Config *domain.Config

	mu    sync.RWMutex
	viper *viper.Viper
}

// New loads configuration from configPath (a file or a directory containing
// config.toml). A default config file is written on first run.
func New(configPath, version string) (*AppConfig, error) {
	c := &AppConfig{
		Config: &domain.Config{Version: version},
		viper:  viper.New(),
	}

	c.defaults()

	if err := c.load(configPath); err != nil {
		return nil, err
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.Config.Version = version

	if c.Config.DataDir == "" {
		c.Config.DataDir = filepath.Dir(c.viper.ConfigFileUsed())
	}

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "localhost")
	c.viper.SetDefault("port", 7575)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)

	c.viper.SetDefault("rssCheckIntervalMinutes", 30)
	c.viper.SetDefault("rssWorkers", 3)
	c.viper.SetDefault("pollIntervalSeconds", 30)
	c.viper.SetDefault("downloadPollMaxAttempts", 720)
	c.viper.SetDefault("encodingPollMaxAttempts", 2880)
	c.viper.SetDefault("httpTimeoutMs", 30000)
	c.viper.SetDefault("fuzzyMatchThreshold", 0.8)
	c.viper.SetDefault("downloadWorkers", 2)
	c.viper.SetDefault("metricsEnabled", true)
}

func (c *AppConfig) load(configPath string) error {
	c.viper.SetConfigType("toml")

	if configPath != "" {
		info, err := os.Stat(configPath)
		switch {
		case err == nil && info.IsDir():
			c.viper.SetConfigFile(filepath.Join(configPath, "config.toml"))
		default:
			c.viper.SetConfigFile(configPath)
		}
	} else {
		c.viper.SetConfigName("config")
		c.viper.AddConfigPath(".")
		c.viper.AddConfigPath("$HOME/.config/fetcharr")
	}

	bindEnv(c.viper)

	if err := c.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			if writeErr := c.writeDefault(); writeErr != nil {
				return writeErr
			}
			return c.viper.ReadInConfig()
		}
		return fmt.Errorf("read config: %w", err)
	}

	return nil
}

// bindEnv maps FETCHARR__SNAKE_CASE environment variables to config keys.
func bindEnv(v *viper.Viper) {
	keys := []string{
		"host", "port", "logLevel", "logPath", "dataDir",
		"vpnUrl", "torrentUrl", "metadataUrl", "subtitleUrl", "mediaUrl", "publishUrl",
		"rssCheckIntervalMinutes", "rssWorkers",
		"pollIntervalSeconds", "downloadPollMaxAttempts", "encodingPollMaxAttempts",
		"httpTimeoutMs", "fuzzyMatchThreshold", "downloadWorkers", "metricsEnabled",
	}
	for _, key := range keys {
		_ = v.BindEnv(key, envPrefix+toEnvKey(key))
	}
}

// toEnvKey converts camelCase config keys to SNAKE_CASE env suffixes.
func toEnvKey(key string) string {
	var b strings.Builder
	for i, r := range key {
		if r >= 'A' && r <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

func (c *AppConfig) writeDefault() error {
	configFile := c.viper.ConfigFileUsed()
	if configFile == "" {
		configFile = "config.toml"
		c.viper.SetConfigFile(configFile)
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	log.Info().Msgf("Writing default config file: %s", configFile)
	return c.viper.SafeWriteConfigAs(configFile)
}

// Watch re-reads the config file on change and applies the settings that are
// safe to change at runtime (currently the log level).
func (c *AppConfig) Watch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()

		fresh := &domain.Config{Version: c.Config.Version}
		if err := c.viper.Unmarshal(fresh); err != nil {
			log.Error().Err(err).Msg("failed to reload config, keeping previous settings")
			return
		}

		if fresh.LogLevel != c.Config.LogLevel {
			log.Info().Msgf("Log level changed: %s -> %s", c.Config.LogLevel, fresh.LogLevel)
			zerolog.SetGlobalLevel(ParseLogLevel(fresh.LogLevel))
		}
		c.Config.LogLevel = fresh.LogLevel
	})
	c.viper.WatchConfig()
}

// DatabasePath returns the SQLite file location inside the data directory.
func (c *AppConfig) DatabasePath() string {
	return filepath.Join(c.Config.DataDir, "fetcharr.db")
}

// ParseLogLevel maps a config log level string to a zerolog level.
func ParseLogLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
