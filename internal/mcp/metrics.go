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

package mcp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// toolCalls tracks tool calls by server and outcome
	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcplink_tool_calls_total",
			Help: "Total MCP tool calls by server and outcome",
		},
		[]string{"server", "outcome"},
	)

	// toolCallDuration tracks tool call latency
	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcplink_tool_call_duration_seconds",
			Help:    "MCP tool call duration by server",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	// outputTruncations tracks tool results cut by the output guard
	outputTruncations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcplink_output_truncations_total",
			Help: "Total tool results truncated to the token ceiling, by server",
		},
		[]string{"server"},
	)

	// reconnectAttempts tracks scheduled reconnection attempts that fired
	reconnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcplink_reconnect_attempts_total",
			Help: "Total reconnection attempts by server",
		},
		[]string{"server"},
	)

	// healthCheckFailures tracks failed health checks
	healthCheckFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcplink_health_check_failures_total",
			Help: "Total failed health checks by server",
		},
		[]string{"server"},
	)

	// connectionState is 1 for the state each server is in, 0 otherwise
	connectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcplink_connection_state",
			Help: "Current connection state per server (1 = in state)",
		},
		[]string{"server", "state"},
	)
)

var allStates = []ConnectionState{StateIdle, StateConnecting, StateConnected, StateDisconnecting, StateFailed}

// recordToolCall records a finished tool call
func recordToolCall(server, outcome string, d time.Duration) {
	toolCalls.WithLabelValues(server, outcome).Inc()
	toolCallDuration.WithLabelValues(server).Observe(d.Seconds())
}

// recordTruncation increments the truncation counter
func recordTruncation(server string) {
	outputTruncations.WithLabelValues(server).Inc()
}

// recordReconnectAttempt increments the reconnection counter
func recordReconnectAttempt(server string) {
	reconnectAttempts.WithLabelValues(server).Inc()
}

// recordHealthFailure increments the health failure counter
func recordHealthFailure(server string) {
	healthCheckFailures.WithLabelValues(server).Inc()
}

// recordState sets the state gauge for server
func recordState(server string, state ConnectionState) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(server, string(s)).Set(v)
	}
}

// forgetState removes the state gauges for a removed server
func forgetState(server string) {
	for _, s := range allStates {
		connectionState.DeleteLabelValues(server, string(s))
	}
}
