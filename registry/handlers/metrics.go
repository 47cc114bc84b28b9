package handlers

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsHTTPRequests counts finished HTTP requests by route and status
// code.
var metricsHTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "registry_http_requests_total",
	Help: "Total number of HTTP requests served, by route, method and code.",
}, []string{"route", "method", "code"})

// metricsHTTPDuration observes request wall time by route.
var metricsHTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "registry_http_request_duration_seconds",
	Help:    "HTTP request duration in seconds, by route and method.",
	Buckets: prometheus.DefBuckets,
}, []string{"route", "method"})

// metricsUploadsInFlight tracks the number of blob upload requests being
// processed.
var metricsUploadsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "registry_blob_uploads_in_flight",
	Help: "Number of blob upload requests currently being handled.",
})

func observeRequest(route, method string, code int, started time.Time) {
	metricsHTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	metricsHTTPDuration.WithLabelValues(route, method).Observe(time.Since(started).Seconds())
}
