// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability provides the gateway's Prometheus metrics and
// OpenTelemetry tracing. Metrics are always on; tracing is opt-in and
// exports over OTLP gRPC. Domain packages record through the global
// metrics instance so instrumentation stays a one-liner at call sites.
package observability

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the gateway's Prometheus collectors. All record
// methods are nil-safe, so an unconfigured *Metrics is a no-op.
type Metrics struct {
	httpDuration   *prometheus.HistogramVec
	toolExecutions *prometheus.CounterVec
	approvals      *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	agentCache     *prometheus.CounterVec
}

var (
	globalMetrics *Metrics
	metricsMu     sync.RWMutex
)

// SetGlobalMetrics installs the process-wide metrics instance.
func SetGlobalMetrics(m *Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide metrics instance. The
// result may be nil; record methods tolerate that.
func GetGlobalMetrics() *Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

// MustNewMetrics constructs a Metrics instance registered on reg (the
// default registerer when nil). Collectors already registered on reg
// are reused, so repeated construction is safe; any other registration
// error panics, mirroring promauto and surfacing configuration bugs at
// startup.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		httpDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "argus",
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests by method, route and status code.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		)),
		toolExecutions: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "argus",
				Name:      "tool_executions_total",
				Help:      "Total tool executions by tool name and outcome.",
			},
			[]string{"tool", "status"},
		)),
		approvals: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "argus",
				Name:      "approval_decisions_total",
				Help:      "Total tool approval decisions by kind (once, always, never).",
			},
			[]string{"decision"},
		)),
		tokenRefreshes: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "argus",
				Name:      "token_refreshes_total",
				Help:      "Total OAuth token refresh attempts by server and outcome.",
			},
			[]string{"server", "status"},
		)),
		agentCache: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "argus",
				Name:      "agent_cache_lookups_total",
				Help:      "Total agent cache lookups by result (hit or miss).",
			},
			[]string{"result"},
		)),
	}
}

// register adds c to reg, reusing the existing collector when one with
// the same descriptor is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(C)
		}
		panic(err)
	}
	return c
}

// Handler serves the /metrics endpoint for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil || m.httpDuration == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

// RecordToolExecution counts one tool execution attempt.
func (m *Metrics) RecordToolExecution(tool string, err error) {
	if m == nil || m.toolExecutions == nil {
		return
	}
	m.toolExecutions.WithLabelValues(tool, outcome(err)).Inc()
}

// RecordApproval counts one approval decision. decision is the approval
// kind the user chose: once, always, or never.
func (m *Metrics) RecordApproval(decision string) {
	if m == nil || m.approvals == nil {
		return
	}
	m.approvals.WithLabelValues(decision).Inc()
}

// RecordTokenRefresh counts one OAuth token refresh attempt.
func (m *Metrics) RecordTokenRefresh(server string, err error) {
	if m == nil || m.tokenRefreshes == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(server, outcome(err)).Inc()
}

// RecordAgentCache counts one agent cache lookup.
func (m *Metrics) RecordAgentCache(hit bool) {
	if m == nil || m.agentCache == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.agentCache.WithLabelValues(result).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
