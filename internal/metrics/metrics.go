// CleanSheet is a document sanitization gateway.
// Copyright (C) 2025 Matthew Burns
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

// Package metrics exposes prometheus collectors for the sanitization
// pipeline: job outcomes, verdicts per scan stage, phase durations, and
// sandbox lifecycle counts.
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

	jobsTotal          *prometheus.CounterVec
	verdictsTotal      *prometheus.CounterVec
	phaseDuration      *prometheus.HistogramVec
	sandboxesDestroyed prometheus.Counter
)

// Pipeline phase names.
const (
	PhaseStage    = "stage"
	PhasePreScan  = "pre_scan"
	PhaseSandbox  = "sandbox"
	PhasePostScan = "post_scan"
	PhaseDeliver  = "deliver"
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

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobOutcome records a job reaching a terminal state.
func IncJobOutcome(state string) {
	label := sanitizeLabel(state, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(label).Inc()
	}
}

// IncVerdict records an interpreted verdict for a scan stage
// (pre_scan or post_scan).
func IncVerdict(stage, kind string) {
	labelStage := sanitizeLabel(stage, "unknown")
	labelKind := sanitizeLabel(kind, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if verdictsTotal != nil {
		verdictsTotal.WithLabelValues(labelStage, labelKind).Inc()
	}
}

// ObservePhase records the duration of a pipeline phase.
func ObservePhase(phase string, duration time.Duration) {
	label := sanitizeLabel(phase, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if phaseDuration != nil {
		phaseDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// IncSandboxDestroyed records an unconditional sandbox teardown.
func IncSandboxDestroyed() {
	mu.RLock()
	defer mu.RUnlock()
	if sandboxesDestroyed != nil {
		sandboxesDestroyed.Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleansheet",
		Subsystem: "pipeline",
		Name:      "jobs_total",
		Help:      "Total jobs grouped by terminal state.",
	}, []string{"state"})

	verdicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cleansheet",
		Subsystem: "pipeline",
		Name:      "verdicts_total",
		Help:      "Total reputation verdicts grouped by scan stage and kind.",
	}, []string{"stage", "kind"})

	phaseHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cleansheet",
		Subsystem: "pipeline",
		Name:      "phase_duration_seconds",
		Help:      "Duration of pipeline phases (stage, pre_scan, sandbox, post_scan, deliver).",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"phase"})

	destroyed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cleansheet",
		Subsystem: "sandbox",
		Name:      "destroyed_total",
		Help:      "Total sandbox instances destroyed after a run.",
	})

	registry.MustRegister(jobs, verdicts, phaseHist, destroyed)

	reg = registry
	jobsTotal = jobs
	verdictsTotal = verdicts
	phaseDuration = phaseHist
	sandboxesDestroyed = destroyed
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
