// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceagent_session_transitions_total",
		Help: "Session lifecycle transitions by target status",
	}, []string{"status"})

	spawnDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voiceagent_spawn_duration_seconds",
		Help:    "Time from job dequeue to session ready or failed",
		Buckets: prometheus.DefBuckets,
	})

	spawnOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceagent_spawn_outcomes_total",
		Help: "Spawn attempts by outcome",
	}, []string{"outcome"}) // outcome=ready|timeout|exited|error

	billingDebitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceagent_billing_debits_total",
		Help: "DeductMinute calls by result",
	}, []string{"result"}) // result=success|already_billed|insufficient_credits|error

	billingDebitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voiceagent_billing_debit_duration_seconds",
		Help:    "Latency of a single DeductMinute transaction",
		Buckets: prometheus.DefBuckets,
	})

	janitorSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceagent_janitor_sweeps_total",
		Help: "Janitor sweep passes by janitor and outcome",
	}, []string{"janitor", "outcome"})

	janitorSweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voiceagent_janitor_sweep_duration_seconds",
		Help:    "Duration of one janitor sweep pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"janitor"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voiceagent_spawn_queue_depth",
		Help: "Current length of the spawn-ready queue",
	})

	queueRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceagent_spawn_queue_retries_total",
		Help: "Spawn jobs rescheduled for retry",
	})

	queueDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceagent_spawn_queue_dropped_total",
		Help: "Spawn jobs dropped after exhausting max attempts",
	})

	cleanupOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceagent_cleanup_outcomes_total",
		Help: "Cleanup routine invocations by trigger and whether the session still existed",
	}, []string{"trigger", "found"})
)

// IncSessionTransition records a Session reaching status.
func IncSessionTransition(status string) {
	sessionTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveSpawnDuration records how long a spawn attempt took end to end.
func ObserveSpawnDuration(seconds float64) {
	spawnDurationSeconds.Observe(seconds)
}

// IncSpawnOutcome records a terminal spawn attempt outcome.
func IncSpawnOutcome(outcome string) {
	spawnOutcomesTotal.WithLabelValues(outcome).Inc()
}

// IncBillingDebit records a DeductMinute call result.
func IncBillingDebit(result string) {
	billingDebitsTotal.WithLabelValues(result).Inc()
}

// ObserveBillingDebitDuration records one DeductMinute transaction's latency.
func ObserveBillingDebitDuration(seconds float64) {
	billingDebitDuration.Observe(seconds)
}

// IncJanitorSweep records one completed sweep pass.
func IncJanitorSweep(janitor, outcome string) {
	janitorSweepsTotal.WithLabelValues(janitor, outcome).Inc()
}

// ObserveJanitorSweepDuration records a sweep's wall-clock duration.
func ObserveJanitorSweepDuration(janitor string, seconds float64) {
	janitorSweepDuration.WithLabelValues(janitor).Observe(seconds)
}

// SetQueueDepth reports the spawn-ready queue's current length.
func SetQueueDepth(n float64) {
	queueDepth.Set(n)
}

// IncQueueRetry records a spawn job rescheduled for another attempt.
func IncQueueRetry() {
	queueRetriesTotal.Inc()
}

// IncQueueDropped records a spawn job dropped after exhausting retries.
func IncQueueDropped() {
	queueDroppedTotal.Inc()
}

// IncCleanupOutcome records a cleanup invocation's trigger and whether a
// Session record still existed when it ran.
func IncCleanupOutcome(trigger string, found bool) {
	foundLabel := "true"
	if !found {
		foundLabel = "false"
	}
	cleanupOutcomesTotal.WithLabelValues(trigger, foundLabel).Inc()
}
