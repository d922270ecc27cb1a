// Package metrics exposes Prometheus instrumentation for the assembly and
// crash pipelines.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	PipelinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packsmith_pipelines_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"pipeline", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "packsmith_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
		},
		[]string{"pipeline", "stage"},
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packsmith_llm_requests_total",
			Help: "Total number of LLM API requests",
		},
		[]string{"operation", "status"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packsmith_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"operation", "type"}, // type: input/output
	)

	LLMCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packsmith_llm_cost_usd_total",
			Help: "Total LLM cost in USD",
		},
		[]string{"operation"},
	)

	// Quota metrics
	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packsmith_quota_rejections_total",
			Help: "Requests rejected by the quota gate",
		},
		[]string{"code"},
	)

	// Registry metrics
	RegistryRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packsmith_registry_requests_total",
			Help: "Total number of mod registry lookups",
		},
		[]string{"operation", "status"},
	)

	// Crash dedup cache
	DedupCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "packsmith_dedup_cache_events_total",
			Help: "Crash dedup cache hits and misses",
		},
		[]string{"result"}, // hit/miss
	)

	// Progress streams currently open
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "packsmith_active_streams",
			Help: "Progress streams currently open",
		},
	)
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordQuotaRejection counts one request turned away by the quota gate.
func RecordQuotaRejection(code string) {
	QuotaRejections.WithLabelValues(code).Inc()
}

// RecordLLMCall records one completed LLM call in every LLM series.
func RecordLLMCall(operation, status string, inputTokens, outputTokens int, costUSD float64) {
	LLMRequestsTotal.WithLabelValues(operation, status).Inc()
	LLMTokensUsed.WithLabelValues(operation, "input").Add(float64(inputTokens))
	LLMTokensUsed.WithLabelValues(operation, "output").Add(float64(outputTokens))
	LLMCostUSD.WithLabelValues(operation).Add(costUSD)
}
