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

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "userserversd",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of service starts (spawn attempts that produced a child).",
		}, []string{"name"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "userserversd",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a crash.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "userserversd",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "userserversd",
			Subsystem: "service",
			Name:      "spawn_failures_total",
			Help:      "Number of failed spawn attempts.",
		}, []string{"name"},
	)
	forcedKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "userserversd",
			Subsystem: "service",
			Name:      "forced_kills_total",
			Help:      "Number of children that ignored the stop signal and were killed.",
		}, []string{"name"},
	)
	backoffDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "userserversd",
			Subsystem: "service",
			Name:      "backoff_delay_seconds",
			Help:      "Restart backoff delays as scheduled.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 9),
		}, []string{"name"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "userserversd",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between different service states.",
		}, []string{"name", "from", "to"},
	)

	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "userserversd",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current state of services (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceRestarts, serviceStops, spawnFailures, forcedKills, backoffDelay, stateTransitions, currentStates}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}
func IncRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}
func IncSpawnFailure(name string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(name).Inc()
	}
}
func IncForcedKill(name string) {
	if regOK.Load() {
		forcedKills.WithLabelValues(name).Inc()
	}
}
func ObserveBackoffDelay(name string, seconds float64) {
	if regOK.Load() {
		backoffDelay.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64 = 0
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}
