// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/database"
)

func dbCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database operations",
	}

	cmd.AddCommand(dbInfoCommand(configPath))
	return cmd
}

func dbInfoCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show database location and row counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(*configPath, version)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			db, err := database.New(cfg.DatabasePath())
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			cmd.Printf("Database: %s\n", cfg.DatabasePath())

			tables := []string{
				"pipeline_runs", "downloads", "download_state_history",
				"download_queue", "subscriptions", "rss_feeds",
				"rss_feed_items", "download_rules",
			}
			for _, table := range tables {
				var count int64
				row := db.QueryRowContext(cmd.Context(), "SELECT COUNT(*) FROM "+table)
				if err := row.Scan(&count); err != nil {
					return fmt.Errorf("count %s: %w", table, err)
				}
				cmd.Printf("  %-24s %d\n", table, count)
			}
			return nil
		},
	}
}
