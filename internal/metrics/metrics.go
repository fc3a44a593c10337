package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	kind    = "kind"
	status  = "status"
	outcome = "outcome"
	policy  = "policy"
)

var (
	// RunTransitions counts run status changes by kind and target status
	RunTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runline_run_transitions_total",
		Help: "Run status transitions",
	}, []string{kind, status})

	// StepExecutions counts dispatched step callbacks by outcome
	StepExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runline_step_executions_total",
		Help: "Step callbacks by outcome (executed, duplicate, skipped, failed)",
	}, []string{outcome})

	// StepLatency is how long a single step takes to execute
	StepLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runline_step_latency_seconds",
		Help:    "Step execution latency in seconds",
		Buckets: []float64{0.01, 0.1, 1, 5, 10, 60, 300},
	}, []string{outcome})

	// SandboxCommands counts sandbox commands by policy and outcome
	SandboxCommands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runline_sandbox_commands_total",
		Help: "Sandbox commands by policy and outcome (ok, rejected, error, timeout)",
	}, []string{policy, outcome})

	// QueueCallbacks counts queue callback deliveries by outcome
	QueueCallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runline_queue_callbacks_total",
		Help: "Queue callbacks by outcome",
	}, []string{outcome})

	// ArtifactsCreated counts stored artifact versions by kind
	ArtifactsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runline_artifacts_created_total",
		Help: "Artifact versions created",
	}, []string{kind})

	// CompactedResults counts tool results externalized to session storage
	CompactedResults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runline_compacted_tool_results_total",
		Help: "Tool results moved out of the transcript",
	})

	// BestEffortFailures counts swallowed failures of best-effort operations
	BestEffortFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runline_best_effort_failures_total",
		Help: "Failures of best-effort operations that were logged and not propagated",
	}, []string{"op"})

	// AuthFailures counts rejected API requests by credential source and reason
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runline_auth_failures_total",
		Help: "Rejected API requests by credential source and reason",
	}, []string{"source", "reason"})
)

func init() {
	prometheus.MustRegister(
		RunTransitions,
		StepExecutions,
		StepLatency,
		SandboxCommands,
		QueueCallbacks,
		ArtifactsCreated,
		CompactedResults,
		BestEffortFailures,
		AuthFailures,
	)
}

func Reset() {
	RunTransitions.Reset()
	StepExecutions.Reset()
	StepLatency.Reset()
	SandboxCommands.Reset()
	QueueCallbacks.Reset()
	ArtifactsCreated.Reset()
	BestEffortFailures.Reset()
	AuthFailures.Reset()
}
