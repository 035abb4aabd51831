// Copyright 2025 Datalens AI
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

// Package observability exposes Prometheus metrics for turns, specialists,
// tools, and LLM calls.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instrument set. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal     *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	turnErrors     *prometheus.CounterVec
	agentSteps     *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	llmRequests    *prometheus.CounterVec
	llmDuration    prometheus.Histogram
	llmTokensTotal *prometheus.CounterVec
}

// New creates and registers the instrument set on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datalens_turns_total",
			Help: "Completed turns by routing tier.",
		}, []string{"tier"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datalens_turn_duration_seconds",
			Help:    "Turn duration in seconds by routing tier.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"tier"}),
		turnErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datalens_turn_errors_total",
			Help: "Failed turns by error reason.",
		}, []string{"reason"}),
		agentSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datalens_agent_steps_total",
			Help: "Agent steps by specialist and status.",
		}, []string{"agent", "status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datalens_tool_calls_total",
			Help: "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datalens_tool_duration_seconds",
			Help:    "Tool execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datalens_llm_requests_total",
			Help: "LLM requests by outcome.",
		}, []string{"outcome"}),
		llmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datalens_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		llmTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datalens_llm_tokens_total",
			Help: "Tokens used by direction (prompt/completion).",
		}, []string{"direction"}),
	}

	registry.MustRegister(
		m.turnsTotal, m.turnDuration, m.turnErrors, m.agentSteps,
		m.toolCalls, m.toolDuration, m.llmRequests, m.llmDuration,
		m.llmTokensTotal,
	)
	return m
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTurn records a completed turn.
func (m *Metrics) ObserveTurn(tier string, duration time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(tier).Inc()
	m.turnDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// ObserveTurnError records a failed turn.
func (m *Metrics) ObserveTurnError(reason string) {
	if m == nil {
		return
	}
	m.turnErrors.WithLabelValues(reason).Inc()
}

// ObserveAgentStep records a finalized agent step.
func (m *Metrics) ObserveAgentStep(agent, status string) {
	if m == nil {
		return
	}
	m.agentSteps.WithLabelValues(agent, status).Inc()
}

// ObserveToolCall records a tool invocation.
func (m *Metrics) ObserveToolCall(tool string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveLLMRequest records an LLM call.
func (m *Metrics) ObserveLLMRequest(err error, duration time.Duration, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.llmRequests.WithLabelValues(outcome).Inc()
	m.llmDuration.Observe(duration.Seconds())
	if promptTokens > 0 {
		m.llmTokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.llmTokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
	}
}
