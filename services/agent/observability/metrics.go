// Copyright (C) 2025 Kinic Labs (dev@kinic.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the memory agent.
//
// Metrics are exposed via the /metrics endpoint. All operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "kinic"

const agentSubsystem = "agent"

// ContextKeyBackendError is set on the request context by the error
// renderer when a failure is attributed to a backend. The value is
// "backend/kind" and is consumed by the metrics middleware.
const ContextKeyBackendError = "agent.backend_error"

// AgentMetrics holds all Prometheus metrics for the gateway. Initialize
// once at startup via NewAgentMetrics.
type AgentMetrics struct {
	// RequestsTotal counts requests by endpoint and status class.
	// Labels: endpoint (insert, search, chat, ...), status (2xx, 4xx, 5xx)
	RequestsTotal *prometheus.CounterVec

	// RequestDuration measures request latency per endpoint.
	RequestDuration *prometheus.HistogramVec

	// BackendErrorsTotal counts classified backend failures.
	// Labels: backend (kinic, monad, llm), kind (taxonomy name)
	BackendErrorsTotal *prometheus.CounterVec

	// ChainFailuresTolerated counts audit writes that failed after a
	// durable vector write, by flow.
	ChainFailuresTolerated *prometheus.CounterVec

	// RateLimitRejections counts 429s by endpoint.
	RateLimitRejections *prometheus.CounterVec

	// CacheRecords gauges the audit-cache projection size.
	CacheRecords prometheus.Gauge
}

// NewAgentMetrics registers all metrics with the default registry. Call
// once; duplicate registration panics by promauto design.
func NewAgentMetrics() *AgentMetrics {
	return &AgentMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "requests_total",
				Help:      "Requests by endpoint and status class.",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "request_duration_seconds",
				Help:      "Request latency by endpoint.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 40},
			},
			[]string{"endpoint"},
		),
		BackendErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "backend_errors_total",
				Help:      "Classified backend failures.",
			},
			[]string{"backend", "kind"},
		),
		ChainFailuresTolerated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "chain_failures_tolerated_total",
				Help:      "Audit writes that failed after a durable vector write.",
			},
			[]string{"flow"},
		),
		RateLimitRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "rate_limit_rejections_total",
				Help:      "Admission rejections with HTTP 429.",
			},
			[]string{"endpoint"},
		),
		CacheRecords: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "cache_records",
				Help:      "Audit records held in the in-memory projection.",
			},
		),
	}
}

// RecordRequest tracks one finished request.
func (m *AgentMetrics) RecordRequest(endpoint string, statusClass string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(endpoint, statusClass).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordBackendError tracks one classified backend failure.
func (m *AgentMetrics) RecordBackendError(backend, kind string) {
	m.BackendErrorsTotal.WithLabelValues(backend, kind).Inc()
}

// RecordChainFailure tracks one tolerated audit-write failure.
func (m *AgentMetrics) RecordChainFailure(flow string) {
	m.ChainFailuresTolerated.WithLabelValues(flow).Inc()
}
