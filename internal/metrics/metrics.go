// Rebooter is a remote hardware-recovery controller for a fleet of
// continuous-integration worker machines.
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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	mechanismAttempts *prometheus.CounterVec
	mechanismDuration *prometheus.HistogramVec
	jobsTotal         *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors; used by tests
// to ensure clean state across runs that share the package-level registry.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveMechanismAttempt records one recovery mechanism invocation.
// outcome is "success", "failure", or "skipped".
func ObserveMechanismAttempt(mechanism, outcome string, duration time.Duration) {
	m := sanitizeLabel(mechanism, "unknown")
	o := sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if mechanismAttempts != nil {
		mechanismAttempts.WithLabelValues(m, o).Inc()
	}
	if mechanismDuration != nil {
		mechanismDuration.WithLabelValues(m).Observe(durationSeconds(duration))
	}
}

// ObserveJobCompletion records a finished job by its terminal task name
// and status (mirrors models.JobStatus).
func ObserveJobCompletion(taskName, status string) {
	t := sanitizeLabel(taskName, "unknown")
	s := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(t, s).Inc()
	}
}

// IncRateLimited records one request rejected by the HTTP Front's rate limiter.
func IncRateLimited() {
	mu.RLock()
	defer mu.RUnlock()
	if rateLimited != nil {
		rateLimited.WithLabelValues("job_submission").Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rebooter",
		Subsystem: "orchestrator",
		Name:      "mechanism_attempts_total",
		Help:      "Total recovery mechanism attempts grouped by mechanism and outcome.",
	}, []string{"mechanism", "outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rebooter",
		Subsystem: "orchestrator",
		Name:      "mechanism_duration_seconds",
		Help:      "Duration of a single recovery mechanism attempt.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"mechanism"})

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rebooter",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total completed jobs grouped by task name and terminal status.",
	}, []string{"task_name", "status"})

	limited := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rebooter",
		Subsystem: "httpfront",
		Name:      "rate_limited_total",
		Help:      "Total requests rejected by the job-submission rate limiter.",
	}, []string{"endpoint"})

	registry.MustRegister(attempts, duration, jobs, limited)

	reg = registry
	mechanismAttempts = attempts
	mechanismDuration = duration
	jobsTotal = jobs
	rateLimited = limited
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
