// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package logger configures the global zerolog logger: console output,
// plus a size-rotated file when logPath is set.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/domain"
)

// Init sets up the global logger from config and returns the root logger
// used for component-scoped children.
func Init(cfg *domain.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(config.ParseLogLevel(cfg.LogLevel))

	writers := []io.Writer{
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339},
	}

	if cfg.LogPath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.LogMaxSize,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		})
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}
