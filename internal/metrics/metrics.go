package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncq",
			Name:      "runs_total",
			Help:      "Number of finished sync runs by outcome.",
		}, []string{"outcome"},
	)
	recordsUploaded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "syncq",
			Name:      "records_uploaded_total",
			Help:      "Number of records accepted by the remote and marked uploaded.",
		},
	)
	recordFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "syncq",
			Name:      "record_failures_total",
			Help:      "Number of per-record upload failures.",
		},
	)
	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "syncq",
			Name:      "run_duration_seconds",
			Help:      "Wall time from run start to its terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
	pendingRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "syncq",
			Name:      "pending_records",
			Help:      "Records captured locally and not yet uploaded.",
		},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncq",
			Name:      "state_transitions_total",
			Help:      "Number of orchestrator state transitions.",
		}, []string{"from", "to"},
	)

	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "syncq",
			Name:      "current_state",
			Help:      "Current orchestrator state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{runsTotal, recordsUploaded, recordFailures, runDuration, pendingRecords, stateTransitions, currentStates}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncRun(outcome string) {
	if regOK.Load() {
		runsTotal.WithLabelValues(outcome).Inc()
	}
}

func IncUploaded() {
	if regOK.Load() {
		recordsUploaded.Inc()
	}
}

func AddFailures(n int) {
	if regOK.Load() && n > 0 {
		recordFailures.Add(float64(n))
	}
}

func ObserveRunDuration(seconds float64) {
	if regOK.Load() {
		runDuration.Observe(seconds)
	}
}

func SetPending(n int) {
	if regOK.Load() {
		pendingRecords.Set(float64(n))
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(state).Set(value)
	}
}
