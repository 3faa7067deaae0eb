package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locus_turns_total",
		Help: "Total user turns processed, by route and outcome",
	}, []string{"route", "status"})

	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "locus_graph_node_duration_seconds",
		Help:    "Graph node execution duration",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"node"})

	ToolExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locus_tool_executions_total",
		Help: "Total tool executions, by tool name and outcome",
	}, []string{"tool", "status"})

	ToolExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "locus_tool_execution_duration_seconds",
		Help:    "Tool execution duration",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 30},
	}, []string{"tool"})

	RunnerStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locus_runner_starts_total",
		Help: "Backend process starts, by model key and outcome",
	}, []string{"model_key", "status"})

	RunnersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "locus_runners_active",
		Help: "Number of running backend processes",
	})

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locus_llm_requests_total",
		Help: "Total LLM requests",
	}, []string{"role", "status"})

	LLMRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "locus_llm_request_duration_seconds",
		Help:    "LLM request duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 120},
	}, []string{"role"})

	MemoryEventsFormed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locus_memory_events_formed_total",
		Help: "Episodic events persisted to the vector store",
	})

	MemoryRetrievalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locus_memory_retrievals_total",
		Help: "Episodic retrievals, by outcome",
	}, []string{"status"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "locus_sessions_active",
		Help: "Number of live session resource sets",
	})

	DownloadBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locus_download_bytes_total",
		Help: "Bytes downloaded for model files",
	}, []string{"job_id"})
)
