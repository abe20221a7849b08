// cimcconf is a CIMC configuration broker.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics holds the Prometheus collectors for CIMC XML API traffic
// and reconcile outcomes. The CLI is short-lived, so collectors are exported
// by writing a textfile for the node_exporter textfile collector rather than
// by serving /metrics.
package metrics

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	apiRequests        *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec
	pollAttempts       *prometheus.CounterVec
	reconcileChanges   *prometheus.CounterVec
	invocations        *prometheus.CounterVec
)

// Outcome labels for API requests.
const (
	OutcomeOK        = "ok"
	OutcomeAPIError  = "api_error"
	OutcomeTransport = "transport_error"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Registry returns the registry holding the collectors.
func Registry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return reg
}

// WriteTextfile writes the current metrics to path in the text exposition
// format. The write is atomic (temp file + rename).
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry())
}

// ObserveAPIRequest records one XML API round trip by method and outcome.
func ObserveAPIRequest(method, outcome string, duration time.Duration) {
	m := sanitizeLabel(method, "unknown")
	o := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if apiRequests != nil {
		apiRequests.WithLabelValues(m, o).Inc()
	}
	if apiRequestDuration != nil {
		apiRequestDuration.WithLabelValues(m).Observe(durationSeconds(duration))
	}
}

// IncPollAttempt counts one convergence read for a resource.
func IncPollAttempt(resource string) {
	r := sanitizeLabel(resource, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if pollAttempts != nil {
		pollAttempts.WithLabelValues(r).Inc()
	}
}

// IncChange counts a remote mutation applied by the broker.
func IncChange(resource, action string) {
	r := sanitizeLabel(resource, "unknown")
	a := sanitizeLabel(action, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if reconcileChanges != nil {
		reconcileChanges.WithLabelValues(r, a).Inc()
	}
}

// ObserveInvocation counts one broker call by resource, task and result.
func ObserveInvocation(resource, task, result string) {
	mu.RLock()
	defer mu.RUnlock()
	if invocations != nil {
		invocations.WithLabelValues(
			sanitizeLabel(resource, "unknown"),
			sanitizeLabel(task, "unknown"),
			sanitizeLabel(result, "unknown"),
		).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cimc",
		Subsystem: "broker",
		Name:      "api_requests_total",
		Help:      "Total CIMC XML API requests grouped by method and outcome.",
	}, []string{"method", "outcome"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cimc",
		Subsystem: "broker",
		Name:      "api_request_duration_seconds",
		Help:      "Duration of CIMC XML API requests by method.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"method"})

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cimc",
		Subsystem: "broker",
		Name:      "poll_attempts_total",
		Help:      "Total convergence reads issued while waiting for a remote change.",
	}, []string{"resource"})

	changes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cimc",
		Subsystem: "broker",
		Name:      "reconcile_changes_total",
		Help:      "Remote mutations applied, by resource and action.",
	}, []string{"resource", "action"})

	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cimc",
		Subsystem: "broker",
		Name:      "invocations_total",
		Help:      "Broker invocations by resource, task and result (changed, unchanged, failed).",
	}, []string{"resource", "task", "result"})

	registry.MustRegister(reqTotal, reqDuration, polls, changes, calls)

	reg = registry
	apiRequests = reqTotal
	apiRequestDuration = reqDuration
	pollAttempts = polls
	reconcileChanges = changes
	invocations = calls
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
