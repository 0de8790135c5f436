package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corridor_pipeline_duration_seconds",
			Help:    "Corridor research pipeline duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	PipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corridor_pipeline_runs_total",
			Help: "Corridor research runs by outcome",
		},
		[]string{"status"},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corridor_circuit_breaker_state",
			Help: "Circuit breaker state per upstream",
		},
		[]string{"name"},
	)

	TriggersIgnored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corridor_research_triggers_ignored_total",
			Help: "Research triggers dropped because a run was already in flight or the feed was fresh",
		},
	)

	CandidatesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corridor_candidates_fetched_total",
			Help: "Raw candidate items fetched per connector",
		},
		[]string{"connector"},
	)

	ConnectorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corridor_connector_errors_total",
			Help: "Connector failures absorbed by the pipeline",
		},
		[]string{"connector"},
	)

	ClassifierBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corridor_classifier_batches_total",
			Help: "Scoring batches by mode (ai or fallback)",
		},
		[]string{"mode"},
	)

	ItemsKept = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "corridor_scored_items_kept",
			Help:    "Items kept after the relevance threshold per run",
			Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
		},
	)

	QuotaUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corridor_quota_used_units",
			Help: "Quota units consumed in the current window",
		},
		[]string{"resource"},
	)

	QuotaDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corridor_quota_denied_total",
			Help: "Operations skipped because the quota window had no headroom",
		},
		[]string{"resource"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corridor_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"namespace"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corridor_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"namespace"},
	)

	VideoAnalyses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corridor_video_analyses_total",
			Help: "Video analyses by outcome",
		},
		[]string{"outcome"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corridor_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. Safe to call twice.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PipelineDuration,
			PipelineRuns,
			BreakerState,
			TriggersIgnored,
			CandidatesFetched,
			ConnectorErrors,
			ClassifierBatches,
			ItemsKept,
			QuotaUsed,
			QuotaDenied,
			CacheHits,
			CacheMisses,
			VideoAnalyses,
			LLMTokensUsed,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
