// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the orchestrator.
//
// # Description
//
// Metrics cover turns (count, outcome, duration, loops), phases (latency
// by phase and model), tool rounds, token usage and the streaming
// transports (active streams, keepalives, client disconnects). Metrics
// satisfies both agent.Observer and turn.Observer.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yusefmosiah/Choir.chat-sub000/services/agent"
	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "choir"

// Endpoint labels a streaming transport.
type Endpoint string

const (
	// EndpointSSE is POST /v1/chat/stream.
	EndpointSSE Endpoint = "sse"

	// EndpointWebSocket is GET /v1/chat/ws.
	EndpointWebSocket Endpoint = "websocket"

	// EndpointSync is POST /v1/chat.
	EndpointSync Endpoint = "sync"
)

// Metrics holds the orchestrator's collectors.
//
// # Fields
//
//   - TurnsTotal: Turns by outcome.
//   - TurnsInFlight: Turns currently running.
//   - TurnDurationSeconds: Turn latency by outcome.
//   - TurnLoops: Loop-backs taken per turn.
//   - PhaseDurationSeconds: Phase latency by phase, provider and status.
//   - LoopsTotal: Loop-back transitions.
//   - ToolCallsTotal: Tool calls requested, by phase.
//   - TokensTotal: Tokens by direction and model.
//   - ActiveStreams: Open streams by endpoint.
//   - KeepAlivesTotal: Keepalive frames sent, by endpoint.
//   - ClientDisconnectsTotal: Sinks detached before the turn ended.
type Metrics struct {
	TurnsTotal             *prometheus.CounterVec
	TurnsInFlight          prometheus.Gauge
	TurnDurationSeconds    *prometheus.HistogramVec
	TurnLoops              prometheus.Histogram
	PhaseDurationSeconds   *prometheus.HistogramVec
	LoopsTotal             prometheus.Counter
	ToolCallsTotal         *prometheus.CounterVec
	TokensTotal            *prometheus.CounterVec
	ActiveStreams          *prometheus.GaugeVec
	KeepAlivesTotal        *prometheus.CounterVec
	ClientDisconnectsTotal prometheus.Counter
}

// NewMetrics creates and registers the collectors on reg.
//
// # Inputs
//
//   - reg: Registry to register with. Nil uses prometheus.DefaultRegisterer.
//
// # Outputs
//
//   - *Metrics: The registered collectors.
//
// # Limitations
//
//   - Panics when called twice against the same registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "turn",
				Name:      "total",
				Help:      "Turns processed by outcome",
			},
			[]string{"outcome"},
		),
		TurnsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "turn",
				Name:      "in_flight",
				Help:      "Turns currently running",
			},
		),
		TurnDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "turn",
				Name:      "duration_seconds",
				Help:      "Turn wall time in seconds",
				Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		TurnLoops: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "turn",
				Name:      "loops",
				Help:      "Loop-backs taken per turn",
				Buckets:   []float64{0, 1, 2, 3, 5, 10},
			},
		),
		PhaseDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "phase",
				Name:      "duration_seconds",
				Help:      "Phase latency in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"phase", "provider", "status"},
		),
		LoopsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "phase",
				Name:      "loops_total",
				Help:      "Understanding decisions that looped back to action",
			},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "tools",
				Name:      "calls_total",
				Help:      "Tool calls requested by models, by phase",
			},
			[]string{"phase"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "llm",
				Name:      "tokens_total",
				Help:      "Tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "streaming",
				Name:      "active_streams",
				Help:      "Number of currently open streams",
			},
			[]string{"endpoint"},
		),
		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "streaming",
				Name:      "keepalives_total",
				Help:      "Keepalive frames sent",
			},
			[]string{"endpoint"},
		),
		ClientDisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "streaming",
				Name:      "client_disconnects_total",
				Help:      "Streams whose client went away before the turn finished",
			},
		),
	}
}

// =============================================================================
// agent.Observer
// =============================================================================

// PhaseCompleted records phase latency. Timeouts are labeled separately
// from other failures.
func (m *Metrics) PhaseCompleted(phase agent.PhaseID, provider llm.ProviderConfig, duration time.Duration, err error) {
	status := "success"
	switch {
	case llm.IsTimeout(err):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	m.PhaseDurationSeconds.WithLabelValues(phase.String(), provider.Provider, status).Observe(duration.Seconds())
}

// LoopTaken counts a loop-back.
func (m *Metrics) LoopTaken(int) {
	m.LoopsTotal.Inc()
}

// ToolRound counts the calls of one tool round.
func (m *Metrics) ToolRound(phase agent.PhaseID, calls int) {
	m.ToolCallsTotal.WithLabelValues(phase.String()).Add(float64(calls))
}

// Tokens records token usage for one call.
func (m *Metrics) Tokens(provider llm.ProviderConfig, usage llm.Usage) {
	model := provider.String()
	m.TokensTotal.WithLabelValues("input", model).Add(float64(usage.InputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(usage.OutputTokens))
}

// =============================================================================
// turn.Observer
// =============================================================================

// TurnStarted increments the in-flight gauge.
func (m *Metrics) TurnStarted() {
	m.TurnsInFlight.Inc()
}

// TurnFinished records the outcome, duration and loop count of a turn.
func (m *Metrics) TurnFinished(outcome string, loops int, duration time.Duration) {
	m.TurnsInFlight.Dec()
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
	m.TurnLoops.Observe(float64(loops))
}

// StreamDetached counts a client that went away mid-turn.
func (m *Metrics) StreamDetached() {
	m.ClientDisconnectsTotal.Inc()
}

// =============================================================================
// Transport helpers
// =============================================================================

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *Metrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordKeepAlive increments the keepalive counter.
func (m *Metrics) RecordKeepAlive(endpoint Endpoint) {
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}
