package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "repflow_workflows_started_total",
			Help: "Total number of resolution workflows started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repflow_workflows_completed_total",
			Help: "Total number of resolution workflows completed",
		},
		[]string{"status"},
	)

	WorkflowsUntriggered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "repflow_workflows_untriggered_total",
			Help: "Total number of runs that exited at trigger check",
		},
	)

	WorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repflow_workflow_duration_seconds",
			Help:    "End-to-end workflow execution duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	WorkflowRetries = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repflow_workflow_retries",
			Help:    "Retries consumed per workflow run",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	// Stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repflow_stage_duration_seconds",
			Help:    "Per-stage execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	QualityGateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repflow_quality_gate_decisions_total",
			Help: "Quality gate decisions by outcome",
		},
		[]string{"decision"},
	)

	GuardrailFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repflow_guardrail_failures_total",
			Help: "Guardrail check failures by reason",
		},
		[]string{"reason"},
	)

	OptimizerFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "repflow_optimizer_fallbacks_total",
			Help: "Query optimizer failures degraded to the raw customer message",
		},
	)

	// Search metrics
	ProviderSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repflow_provider_searches_total",
			Help: "Search provider invocations by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderSearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repflow_provider_search_duration_seconds",
			Help:    "Search provider call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"provider"},
	)

	SearchResultsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "repflow_search_results_returned",
			Help:    "Unique results returned by the aggregator per attempt",
			Buckets: []float64{0, 1, 2, 5, 10, 20},
		},
	)

	SearchCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repflow_search_cache_total",
			Help: "Search cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	// LLM metrics
	LLMCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repflow_llm_calls_total",
			Help: "LLM calls by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repflow_llm_tokens_total",
			Help: "Tokens consumed by LLM calls, by role and direction",
		},
		[]string{"role", "direction"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "repflow_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repflow_circuit_breaker_trips_total",
			Help: "Circuit breaker open transitions",
		},
		[]string{"name"},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "repflow_stream_subscribers",
			Help: "Currently connected event stream subscribers",
		},
	)

	// Persistence metrics
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repflow_store_writes_total",
			Help: "Async store writes by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)

// RecordLLMUsage tracks token consumption for one LLM call.
func RecordLLMUsage(role string, inputTokens, outputTokens int) {
	LLMTokensUsed.WithLabelValues(role, "input").Add(float64(inputTokens))
	LLMTokensUsed.WithLabelValues(role, "output").Add(float64(outputTokens))
}
