// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus instruments for the acquisition pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	PipelineRunsStarted   prometheus.Counter
	PipelineRunsCompleted prometheus.Counter
	PipelineRunsFailed    prometheus.Counter
	StagesSkipped         *prometheus.CounterVec

	RSSFeedChecks   *prometheus.CounterVec
	RSSItemsMatched prometheus.Counter

	QueueDepth prometheus.Gauge

	StateTransitions *prometheus.CounterVec
}

// New registers and returns the pipeline metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		PipelineRunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetcharr_pipeline_runs_started_total",
			Help: "Number of pipeline runs the orchestrator has started",
		}),
		PipelineRunsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetcharr_pipeline_runs_completed_total",
			Help: "Number of pipeline runs that reached the completed status",
		}),
		PipelineRunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetcharr_pipeline_runs_failed_total",
			Help: "Number of pipeline runs that reached the failed status",
		}),
		StagesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetcharr_pipeline_stages_skipped_total",
			Help: "Number of optional stages skipped because the sibling was unreachable",
		}, []string{"stage"}),

		RSSFeedChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetcharr_rss_feed_checks_total",
			Help: "Number of RSS feed checks by result",
		}, []string{"result"}),
		RSSItemsMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetcharr_rss_items_matched_total",
			Help: "Number of RSS items matched to a subscription",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fetcharr_download_queue_depth",
			Help: "Number of entries currently in the acquisition queue",
		}),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetcharr_download_state_transitions_total",
			Help: "Number of download state transitions by target state",
		}, []string{"to_state"}),
	}

	m.Registry.MustRegister(
		m.PipelineRunsStarted,
		m.PipelineRunsCompleted,
		m.PipelineRunsFailed,
		m.StagesSkipped,
		m.RSSFeedChecks,
		m.RSSItemsMatched,
		m.QueueDepth,
		m.StateTransitions,
	)

	return m
}
