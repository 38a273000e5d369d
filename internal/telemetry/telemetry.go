// Package telemetry wraps an http.Handler with request counters and
// latency histograms, the way controller/tap/apiserver.go wraps its router
// with prometheus.WithTelemetry in the teacher repo.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsubd_http_requests_total",
			Help: "Total HTTP requests served by the REST surface, by method, route, and status.",
		},
		[]string{"method", "route", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pubsubd_http_request_duration_seconds",
			Help:    "HTTP request latency of the REST surface, by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// WithTelemetry wraps next so every request increments requestsTotal and
// observes requestDuration. route should be a low-cardinality label (a
// route template, not the raw path) supplied by the caller via
// RouteLabeler; if next does not implement RouteLabeler, "unknown" is used.
func WithTelemetry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, req)

		route := "unknown"
		if labeler, ok := next.(RouteLabeler); ok {
			route = labeler.RouteLabel(req)
		}

		requestsTotal.WithLabelValues(req.Method, route, strconv.Itoa(rec.status)).Inc()
		requestDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RouteLabeler lets a handler report a low-cardinality route template (e.g.
// "/subscribers/:location") for metrics, instead of the raw request path.
type RouteLabeler interface {
	RouteLabel(req *http.Request) string
}
