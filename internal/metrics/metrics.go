// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes runbookd's run-count and step-duration gauges at
// /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the prometheus collectors the router updates as runs
// progress.
type Metrics struct {
	registry *prometheus.Registry

	ActiveRuns  prometheus.Gauge
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	StepDuration *prometheus.HistogramVec
}

// New registers a fresh set of collectors on their own registry, so a test
// can construct one per case without colliding with prometheus's default
// global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runbook_active_runs",
			Help: "Number of workflow runs currently in progress.",
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runbook_runs_total",
			Help: "Total workflow runs started, by terminal status.",
		}, []string{"workflow_id", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runbook_run_duration_seconds",
			Help:    "Workflow run duration from start to terminal status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow_id"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runbook_step_duration_seconds",
			Help:    "Step duration from dispatch to completion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"workflow_id", "step_id"}),
	}

	reg.MustRegister(m.ActiveRuns, m.RunsTotal, m.RunDuration, m.StepDuration)
	return m
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
