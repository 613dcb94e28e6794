// Package telemetry records lifecycle and error events for every stage of
// the generation pipeline. It is a pure observer: nothing in here is allowed
// to influence control flow, and every recording function is safe to call
// from any goroutine.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "ratelimit",
			Name:      "admissions_total",
			Help:      "Admission decisions by operation type and outcome",
		},
		[]string{"operation", "outcome"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"to"},
	)

	breakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current breaker state (0=closed, 1=half_open, 2=open)",
		},
	)

	jobsSweptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "jobs",
			Name:      "swept_total",
			Help:      "Jobs processed by the sweep, by final status",
		},
		[]string{"status"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "forge",
			Subsystem: "jobs",
			Name:      "queue_depth",
			Help:      "Pending job queue depth by status",
		},
		[]string{"status"},
	)

	sandboxOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "sandbox",
			Name:      "operations_total",
			Help:      "Sandbox service calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	sandboxCommandDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "sandbox",
			Name:      "command_duration_seconds",
			Help:      "Wall-clock duration of sandbox command executions",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	runStagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "agents",
			Name:      "run_stages_total",
			Help:      "Agent run stage transitions",
		},
		[]string{"stage"},
	)

	repairCycles = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forge",
			Subsystem: "agents",
			Name:      "repair_cycles",
			Help:      "Repair cycles consumed per finished run",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forge",
			Subsystem: "core",
			Name:      "errors_total",
			Help:      "Failures by stage and error kind, transient and fatal",
		},
		[]string{"stage", "kind"},
	)
)

// RecordAdmission counts one admission decision.
func RecordAdmission(operation string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	admissionsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordBreakerState tracks the breaker's current position.
func RecordBreakerState(state string) {
	breakerTransitionsTotal.WithLabelValues(state).Inc()
	switch state {
	case "closed":
		breakerState.Set(0)
	case "half_open":
		breakerState.Set(1)
	case "open":
		breakerState.Set(2)
	}
}

// RecordJobSwept counts a job reaching a status during a sweep.
func RecordJobSwept(status string) {
	jobsSweptTotal.WithLabelValues(status).Inc()
}

// RecordQueueDepth publishes current queue depth per status.
func RecordQueueDepth(status string, depth int64) {
	queueDepth.WithLabelValues(status).Set(float64(depth))
}

// RecordSandboxOp counts one sandbox service call.
func RecordSandboxOp(operation, result string) {
	sandboxOpsTotal.WithLabelValues(operation, result).Inc()
}

// RecordCommandDuration observes a command's wall-clock duration in seconds.
func RecordCommandDuration(seconds float64) {
	sandboxCommandDuration.Observe(seconds)
}

// RecordRunStage counts an agent run entering a stage.
func RecordRunStage(stage string) {
	runStagesTotal.WithLabelValues(stage).Inc()
}

// RecordRepairCycles observes how many repair cycles a finished run used.
func RecordRepairCycles(n int) {
	repairCycles.Observe(float64(n))
}

// RecordError counts a failure by stage and kind.
func RecordError(stage, kind string) {
	errorsTotal.WithLabelValues(stage, kind).Inc()
}
