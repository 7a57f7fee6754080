package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medallion_build_info",
			Help: "Build information of the medallion pipeline",
		},
		[]string{"version", "commit", "date"},
	)

	StageRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medallion_stage_runs_total",
			Help: "Total number of stage runs",
		},
		[]string{"dataset", "stage", "status"},
	)

	StageRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medallion_stage_run_duration_seconds",
			Help:    "Duration of stage runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 0.01s to ~82s
		},
		[]string{"dataset", "stage"},
	)

	StageRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medallion_stage_rows_total",
			Help: "Total number of rows read, written and rejected by stage runs",
		},
		[]string{"dataset", "stage", "kind"},
	)

	Watermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medallion_watermark_stage",
			Help: "Materialized stage of each dataset (0 unloaded, 1 bronze, 2 silver, 3 gold)",
		},
		[]string{"dataset"},
	)

	PublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medallion_publish_total",
			Help: "Total number of feature table publications",
		},
		[]string{"dataset", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medallion_http_requests_total",
			Help: "Total number of HTTP requests to the status server",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medallion_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
