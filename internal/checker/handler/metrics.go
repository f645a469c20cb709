package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dnscheckRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnscheck_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	dnscheckRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dnscheck_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	dnscheckChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnscheck_checks_total",
		Help: "Total DNS validation cycles by outcome (ok, mismatch, error).",
	}, []string{"outcome"})

	dnscheckTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dnscheck_transitions_total",
		Help: "Total request status transitions by resulting status.",
	}, []string{"status"})

	dnscheckJobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dnscheck_jobs_active",
		Help: "Currently running validation jobs.",
	})

	dnscheckJobsQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dnscheck_jobs_queued",
		Help: "Validation jobs waiting for a free slot.",
	})
)

// PrometheusMiddleware records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		dnscheckRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		dnscheckRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordCheck counts one validation cycle outcome.
func RecordCheck(outcome string) {
	dnscheckChecksTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition counts one status transition.
func RecordTransition(status string) {
	dnscheckTransitionsTotal.WithLabelValues(status).Inc()
}

// SetJobGauges publishes the scheduler's job counts.
func SetJobGauges(active, queued int) {
	dnscheckJobsActive.Set(float64(active))
	dnscheckJobsQueued.Set(float64(queued))
}
