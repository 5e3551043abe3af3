// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"

	"github.com/afterword-app/heartbeat/internal/version"
)

// MetricsNamespace should be used for all heartbeat metrics.
const MetricsNamespace = "afterword"

// Shared metric label names. Metric owners reference these so label
// vocabulary stays consistent across subsystems.
const (
	LabelKind   = "kind"
	LabelAction = "action"
)

// NewBuildInfoGauge provides the heartbeat's build info as a Prometheus metric.
func NewBuildInfoGauge(info version.Info) prometheus.Gauge {
	metric := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: "build",
			Name:      "info",
			Help:      "Afterword heartbeat build info.",
			ConstLabels: map[string]string{
				"git_version":    info.GitVersion,
				"git_commit":     info.GitCommit,
				"git_tree_state": info.GitTreeState,
				"build_date":     info.BuildDate,
				"go_version":     info.GoVersion,
				"platform":       info.Platform,
			},
		},
	)
	metric.Set(1)

	return metric
}

// NewRegistry returns a fresh Registry seeded with the process and Go
// runtime collectors plus the build info gauge. Subsystems register their
// own collectors on top.
func NewRegistry(info version.Info) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewBuildInfoGauge(info),
	)
	return registry
}

// RunSummary flattens the product counters of a gatherer into alternating
// key/value pairs for structured logging. A one-shot run usually exits before
// any scraper comes by, so the final numbers need to land in the run log too.
func RunSummary(g prometheus.Gatherer) []any {
	families, err := g.Gather()
	if err != nil {
		return []any{"gatherError", err.Error()}
	}
	var kv []any
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		name, ok := strings.CutPrefix(mf.GetName(), MetricsNamespace+"_")
		if !ok {
			continue
		}
		name = strings.TrimSuffix(name, "_total")
		for _, m := range mf.GetMetric() {
			key := name
			for _, lp := range m.GetLabel() {
				key += "_" + lp.GetValue()
			}
			kv = append(kv, key, m.GetCounter().GetValue())
		}
	}
	return kv
}
