package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AgentRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_agent_runs_total",
			Help: "Total assistant runs by intent and outcome",
		},
		[]string{"intent", "outcome"},
	)

	AgentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_agent_duration_seconds",
			Help:    "Assistant run duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"intent"},
	)

	AgentModelCalls = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maestro_agent_model_calls",
			Help:    "Chat model calls per assistant run",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 6},
		},
	)

	AgentIterationLimitHit = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_agent_iteration_limit_total",
			Help: "Runs that reached the tool iteration limit",
		},
	)

	ToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_tool_calls_total",
			Help: "Tool invocations by tool and result",
		},
		[]string{"tool", "result"},
	)

	LLMRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_llm_requests_total",
			Help: "Requests to the model provider",
		},
		[]string{"operation", "status"},
	)

	LLMDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_llm_request_duration_seconds",
			Help:    "Model provider request duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	IndexBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_index_builds_total",
			Help: "Vector index builds by backend and status",
		},
		[]string{"backend", "status"},
	)

	IndexDocuments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "maestro_index_documents",
			Help: "Documents in the live vector index",
		},
	)

	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_jobs_submitted_total",
			Help: "Media generation jobs by kind and status",
		},
		[]string{"kind", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maestro_job_duration_seconds",
			Help:    "Media generation job duration in seconds",
			Buckets: []float64{1, 5, 30, 60, 300, 600, 1200, 1800},
		},
		[]string{"kind"},
	)

	ServiceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_service_up",
			Help: "Inference service health (1 up, 0 down)",
		},
		[]string{"service"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "maestro_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(AgentRuns)
		prometheus.MustRegister(AgentDuration)
		prometheus.MustRegister(AgentModelCalls)
		prometheus.MustRegister(AgentIterationLimitHit)
		prometheus.MustRegister(ToolCalls)
		prometheus.MustRegister(LLMRequests)
		prometheus.MustRegister(LLMDuration)
		prometheus.MustRegister(LLMTokensUsed)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(IndexBuilds)
		prometheus.MustRegister(IndexDocuments)
		prometheus.MustRegister(JobsSubmitted)
		prometheus.MustRegister(JobDuration)
		prometheus.MustRegister(ServiceUp)
		prometheus.MustRegister(BreakerState)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
