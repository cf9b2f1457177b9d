package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	PipelineRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragline_pipeline_requests_total",
			Help: "Total pipeline requests by terminal status",
		},
		[]string{"status"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragline_pipeline_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragline_stage_duration_ms",
			Help:    "Per-stage duration in milliseconds",
			Buckets: []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 15000},
		},
		[]string{"stage", "status"},
	)

	TokensUsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragline_completion_tokens",
			Help:    "Completion token usage per request",
			Buckets: []float64{50, 100, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"direction"}, // input | output
	)

	// Semantic cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragline_answer_cache_lookups_total",
			Help: "Answer cache lookups by outcome",
		},
		[]string{"outcome"}, // exact_hit | semantic_hit | miss | error
	)

	CacheEntriesCleared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragline_answer_cache_cleared_total",
			Help: "Answer cache entries removed by agent invalidation",
		},
	)

	// Retrieval metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragline_vector_searches_total",
			Help: "Vector collection searches by status",
		},
		[]string{"collection", "status"},
	)

	VectorSearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragline_vector_search_duration_seconds",
			Help:    "Vector search duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	CandidatesRetained = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragline_candidates_retained",
			Help:    "Candidates retained after cutoff filtering",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)

	// Rerank metrics
	RerankOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragline_rerank_outcomes_total",
			Help: "Rerank calls by outcome",
		},
		[]string{"outcome"}, // ok | skipped | fallback
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragline_embedding_requests_total",
			Help: "Embedding requests by status",
		},
		[]string{"model", "status"},
	)

	EmbeddingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragline_embedding_duration_seconds",
			Help:    "Embedding request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragline_sessions_active",
			Help: "Sessions currently held in the local cache",
		},
	)

	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragline_streams_active",
			Help: "Chat streams currently open",
		},
	)
)

// RecordVectorSearch records one collection query.
func RecordVectorSearch(collection, status string, seconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if status == "ok" {
		VectorSearchDuration.WithLabelValues(collection).Observe(seconds)
	}
}

// RecordEmbedding records one embedding call.
func RecordEmbedding(model, status string, seconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if status == "ok" || status == "batch_ok" {
		EmbeddingDuration.WithLabelValues(model).Observe(seconds)
	}
}

// RecordStage records a finished pipeline stage.
func RecordStage(stage, status string, durationMs float64) {
	StageDuration.WithLabelValues(stage, status).Observe(durationMs)
}

// RecordCacheLookup records an answer cache lookup outcome.
func RecordCacheLookup(outcome string) {
	CacheLookups.WithLabelValues(outcome).Inc()
}
