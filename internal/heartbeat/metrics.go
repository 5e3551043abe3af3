// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package heartbeat

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/afterword-app/heartbeat/internal/metrics"
)

const (
	subsystemHeartbeat = "heartbeat"

	metricsKindUnlock    = "unlock"
	metricsKindWarning   = "warning"
	metricsKindDowngrade = "downgrade"
	metricsKindExecuted  = "executed"
)

var (
	metricsFQNProfilesProcessed = prometheus.BuildFQName(
		metrics.MetricsNamespace, subsystemHeartbeat, "profiles_processed_total")
	metricsFQNProfileErrors = prometheus.BuildFQName(
		metrics.MetricsNamespace, subsystemHeartbeat, "profile_errors_total")
	metricsFQNEntriesProcessed = prometheus.BuildFQName(
		metrics.MetricsNamespace, subsystemHeartbeat, "entries_processed_total")
	metricsFQNEntriesExecuted = prometheus.BuildFQName(
		metrics.MetricsNamespace, subsystemHeartbeat, "entries_executed_total")
	metricsFQNEmailsSent = prometheus.BuildFQName(
		metrics.MetricsNamespace, subsystemHeartbeat, "emails_sent_total")
	metricsFQNPushesSent = prometheus.BuildFQName(
		metrics.MetricsNamespace, subsystemHeartbeat, "pushes_sent_total")
	metricsFQNStaleRequeued = prometheus.BuildFQName(
		metrics.MetricsNamespace, subsystemHeartbeat, "stale_entries_requeued_total")
	metricsFQNSentPurged = prometheus.BuildFQName(
		metrics.MetricsNamespace, subsystemHeartbeat, "sent_entries_purged_total")
	metricsFQNBotsDeleted = prometheus.BuildFQName(
		metrics.MetricsNamespace, subsystemHeartbeat, "bot_accounts_deleted_total")
)

// Metrics holds the cycle counters. Emails and pushes are labelled by kind,
// executed entries by action.
type Metrics struct {
	ProfilesProcessed prometheus.Counter
	ProfileErrors     prometheus.Counter
	EntriesProcessed  prometheus.Counter
	EntriesExecuted   *prometheus.CounterVec
	EmailsSent        *prometheus.CounterVec
	PushesSent        *prometheus.CounterVec
	StaleRequeued     prometheus.Counter
	SentPurged        prometheus.Counter
	BotsDeleted       prometheus.Counter
}

// NewMetrics builds the heartbeat counters and registers them on reg. A nil
// reg returns an unregistered set, useful in tests and tooling.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProfilesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricsFQNProfilesProcessed,
			Help: "Total active profiles examined.",
		}),
		ProfileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricsFQNProfileErrors,
			Help: "Total profiles whose processing failed and was skipped.",
		}),
		EntriesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricsFQNEntriesProcessed,
			Help: "Total active vault entries fetched for examination.",
		}),
		EntriesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricsFQNEntriesExecuted,
			Help: "Total vault entries executed, by action.",
		}, []string{metrics.LabelAction}),
		EmailsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricsFQNEmailsSent,
			Help: "Total emails sent, by kind.",
		}, []string{metrics.LabelKind}),
		PushesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricsFQNPushesSent,
			Help: "Total push notifications delivered to at least one device, by kind.",
		}, []string{metrics.LabelKind}),
		StaleRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricsFQNStaleRequeued,
			Help: "Total entries recovered from a stale sending lock.",
		}),
		SentPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricsFQNSentPurged,
			Help: "Total aged sent entries purged by the cleanup sweep.",
		}),
		BotsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricsFQNBotsDeleted,
			Help: "Total abandoned accounts deleted by the bot sweep.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ProfilesProcessed,
			m.ProfileErrors,
			m.EntriesProcessed,
			m.EntriesExecuted,
			m.EmailsSent,
			m.PushesSent,
			m.StaleRequeued,
			m.SentPurged,
			m.BotsDeleted,
		)
	}
	return m
}
