package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cliniquery_request_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"status"},
	)

	RequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cliniquery_request_total",
			Help: "Total requests by terminal status",
		},
		[]string{"status"},
	)

	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cliniquery_cache_hits_total",
			Help: "Total cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cliniquery_cache_misses_total",
			Help: "Total cache misses",
		},
	)

	InferenceCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cliniquery_inference_calls_total",
			Help: "Total inference engine invocations",
		},
		[]string{"outcome"},
	)

	ValidationRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cliniquery_validation_rejections_total",
			Help: "Candidate rejections by violation kind",
		},
		[]string{"kind"},
	)

	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cliniquery_execution_duration_seconds",
			Help:    "SQL execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	Confidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cliniquery_confidence_score",
			Help:    "Fused confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	SchemaRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cliniquery_schema_refreshes_total",
			Help: "Total schema snapshot refreshes",
		},
	)
)

func Init() {
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(RequestTotal)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(InferenceCalls)
	prometheus.MustRegister(ValidationRejections)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(Confidence)
	prometheus.MustRegister(SchemaRefreshes)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
