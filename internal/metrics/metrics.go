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

// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation outcome label values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Client cache event label values.
const (
	CacheHit      = "hit"
	CacheMiss     = "miss"
	CacheEviction = "eviction"
)

// Metrics holds the gateway's instruments on a private registry so tests
// never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	// OperationsTotal counts finished operations by connection type and
	// outcome.
	OperationsTotal *prometheus.CounterVec

	// OperationDuration observes end-to-end operation latency.
	OperationDuration *prometheus.HistogramVec

	// ResponseBytes observes serialized result sizes before delivery
	// shaping.
	ResponseBytes prometheus.Histogram

	// CacheEvents counts proxy client cache activity by event
	// (hit, miss, eviction).
	CacheEvents *prometheus.CounterVec

	// ScriptRunsTotal counts sandbox executions by outcome.
	ScriptRunsTotal *prometheus.CounterVec
}

// New creates the instrument set with Go and process collectors attached.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outpost_operations_total",
			Help: "Finished operations by connection type and outcome.",
		}, []string{"connection_type", "status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outpost_operation_duration_seconds",
			Help:    "End-to-end operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"connection_type"}),
		ResponseBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outpost_response_bytes",
			Help:    "Serialized result size before delivery shaping.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}),
		CacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outpost_client_cache_events_total",
			Help: "Proxy client cache activity.",
		}, []string{"event"}),
		ScriptRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outpost_script_runs_total",
			Help: "Sandbox script executions by outcome.",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.ResponseBytes,
		m.CacheEvents,
		m.ScriptRunsTotal,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
