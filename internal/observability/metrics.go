package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueryRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "property_query_duration_seconds",
			Help:    "Property query duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"decision", "status"},
	)

	QueryRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "property_query_requests_total",
			Help: "Total number of property query requests",
		},
		[]string{"decision", "status"},
	)

	LocationResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "location_resolutions_total",
			Help: "Location resolution outcomes by dimension and match stage",
		},
		[]string{"dimension", "stage"},
	)

	GeocodeLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geocode_lookups_total",
			Help: "Geocoding lookups by outcome",
		},
		[]string{"outcome"},
	)

	RefinementSuggestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refinement_suggestions_total",
			Help: "Refinement suggestions emitted by dimension",
		},
		[]string{"dimension"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geocode_cache_hits_total",
			Help: "Total number of geocode cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "geocode_cache_misses_total",
			Help: "Total number of geocode cache misses",
		},
	)

	ESQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "es_query_duration_seconds",
			Help:    "Elasticsearch query duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.5, 1},
		},
		[]string{"operation", "status"},
	)

	CHQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ch_query_duration_seconds",
			Help:    "ClickHouse query duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"query_type", "status"},
	)

	IndexingLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "listing_indexing_lag_seconds",
			Help: "Current listing ingest pipeline lag in seconds",
		},
	)

	IndexingEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listing_events_total",
			Help: "Total number of listing change events processed",
		},
		[]string{"operation", "status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	SlowQueryCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slow_query_total",
			Help: "Total number of slow queries",
		},
		[]string{"severity", "decision"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "requests_rate_limited_total",
			Help: "Requests rejected by the concurrency limiter",
		},
	)
)
