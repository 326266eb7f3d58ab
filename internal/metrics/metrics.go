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

	heartbeats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "registry",
			Name:      "heartbeats_total",
			Help:      "Number of successful heartbeat writes.",
		}, []string{"instance_type"},
	)
	heartbeatFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "registry",
			Name:      "heartbeat_failures_total",
			Help:      "Number of heartbeat writes that failed after retries.",
		}, []string{"instance_type"},
	)
	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Registration outcomes by result (registered, conflict, error).",
		}, []string{"instance_type", "result"},
	)
	crashesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "monitor",
			Name:      "crashes_detected_total",
			Help:      "Instances marked crashed after missing heartbeats.",
		}, []string{"instance_type"},
	)
	degradedDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "monitor",
			Name:      "degraded_total",
			Help:      "Instances transitioned healthy to degraded by error rate.",
		}, []string{"instance_type"},
	)
	recoveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "monitor",
			Name:      "recovery_attempts_total",
			Help:      "Relaunch attempts per instance type.",
		}, []string{"instance_type"},
	)
	recoveryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "monitor",
			Name:      "recovery_outcomes_total",
			Help:      "Completed recovery sequences by outcome (success, exhausted).",
		}, []string{"instance_type", "outcome"},
	)
	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "resilience",
			Name:      "retries_total",
			Help:      "Retry attempts per named policy.",
		}, []string{"policy"},
	)
	retriesExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "resilience",
			Name:      "retries_exhausted_total",
			Help:      "Operations that failed after exhausting a retry policy.",
		}, []string{"policy"},
	)
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vigil",
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Current breaker state (1 = current state, 0 = others).",
		}, []string{"breaker", "state"},
	)
	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "resilience",
			Name:      "breaker_transitions_total",
			Help:      "Breaker state transitions.",
		}, []string{"breaker", "from", "to"},
	)
	breakerRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "resilience",
			Name:      "breaker_rejected_total",
			Help:      "Calls rejected while a breaker was open.",
		}, []string{"breaker"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		heartbeats, heartbeatFailures, registrations,
		crashesDetected, degradedDetected, recoveryAttempts, recoveryOutcomes,
		retries, retriesExhausted, breakerState, breakerTransitions, breakerRejected,
	}
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

func IncHeartbeat(instanceType string) {
	if regOK.Load() {
		heartbeats.WithLabelValues(instanceType).Inc()
	}
}

func IncHeartbeatFailure(instanceType string) {
	if regOK.Load() {
		heartbeatFailures.WithLabelValues(instanceType).Inc()
	}
}

func IncRegistration(instanceType, result string) {
	if regOK.Load() {
		registrations.WithLabelValues(instanceType, result).Inc()
	}
}

func IncCrashDetected(instanceType string) {
	if regOK.Load() {
		crashesDetected.WithLabelValues(instanceType).Inc()
	}
}

func IncDegraded(instanceType string) {
	if regOK.Load() {
		degradedDetected.WithLabelValues(instanceType).Inc()
	}
}

func IncRecoveryAttempt(instanceType string) {
	if regOK.Load() {
		recoveryAttempts.WithLabelValues(instanceType).Inc()
	}
}

func IncRecoveryOutcome(instanceType, outcome string) {
	if regOK.Load() {
		recoveryOutcomes.WithLabelValues(instanceType, outcome).Inc()
	}
}

func IncRetry(policy string) {
	if regOK.Load() {
		retries.WithLabelValues(policy).Inc()
	}
}

func IncRetryExhausted(policy string) {
	if regOK.Load() {
		retriesExhausted.WithLabelValues(policy).Inc()
	}
}

func SetBreakerState(name, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range []string{"closed", "open", "half-open"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		breakerState.WithLabelValues(name, s).Set(v)
	}
}

func IncBreakerTransition(name, from, to string) {
	if regOK.Load() {
		breakerTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func IncBreakerRejected(name string) {
	if regOK.Load() {
		breakerRejected.WithLabelValues(name).Inc()
	}
}
