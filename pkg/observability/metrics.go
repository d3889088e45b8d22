// Package observability holds the Prometheus metrics and OpenTelemetry
// tracing setup.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the request-level Prometheus collectors. Paths are bucketed
// per tenant and resource collection, never per resource id, to keep label
// cardinality bounded.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns the collector set.
func NewMetrics() *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scim_requests_total",
				Help: "Total number of SCIM requests.",
			},
			[]string{"code", "method", "tenant", "resource"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scim_request_duration_seconds",
				Help:    "Histogram of SCIM request latencies.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"code", "method", "tenant", "resource"},
		),
	}
	prometheus.MustRegister(m.RequestsTotal)
	prometheus.MustRegister(m.RequestDuration)
	return m
}

// Observe records one finished request.
func (m *Metrics) Observe(code int, method, tenant, resource string, elapsed time.Duration) {
	labels := []string{strconv.Itoa(code), method, tenant, resource}
	m.RequestsTotal.WithLabelValues(labels...).Inc()
	m.RequestDuration.WithLabelValues(labels...).Observe(elapsed.Seconds())
}

// PrometheusHandler serves the scrape endpoint.
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// PrometheusMiddleware records metrics for requests that bypass the SCIM
// dispatcher, labeled by raw method only.
func PrometheusMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if _, done := c.Get("scim_metrics_recorded"); done {
			return
		}
		m.Observe(c.Writer.Status(), c.Request.Method, "", "other", time.Since(start))
	}
}
