// Package metrics exposes the service's Prometheus collectors on a private
// registry and implements the recorder interfaces of the core packages.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "okrai"

// Metrics holds all Prometheus metric collectors.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Gateway metrics.
	GatewayRequestsTotal    *prometheus.CounterVec
	GatewayUpstreamDuration *prometheus.HistogramVec
	GatewayUpstreamErrors   *prometheus.CounterVec

	// Assist pipeline.
	GenerationsTotal *prometheus.CounterVec

	// Cache metrics.
	CacheLookupsTotal   *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec

	// Rate limiting and budget metrics.
	RateLimitRejectionsTotal *prometheus.CounterVec
	BudgetRejectionsTotal    *prometheus.CounterVec

	// Usage ledger collector.
	CollectorFlushesTotal  *prometheus.CounterVec
	CollectorFlushDuration prometheus.Histogram
	CollectorRecordsTotal  prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal  prometheus.Counter
	AuthSuccessesTotal prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path_pattern"}),

		GatewayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Total number of model provider HTTP attempts.",
		}, []string{"provider", "status_code"}),

		GatewayUpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_upstream_duration_seconds",
			Help:      "Model provider call duration in seconds, including retries.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"provider"}),

		GatewayUpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_upstream_errors_total",
			Help:      "Total number of failed model invocations by error kind.",
		}, []string{"kind", "provider"}),

		GenerationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total number of assist generations by outcome.",
		}, []string{"operation", "outcome"}),

		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total number of response cache lookups.",
		}, []string{"operation", "result"}),

		CacheEvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of response cache removals by reason.",
		}, []string{"reason"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Total number of rate limit rejections.",
		}, []string{"scope"}),

		BudgetRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_rejections_total",
			Help:      "Total number of budget rejections.",
		}, []string{"reason"}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collector_flushes_total",
			Help:      "Total number of usage ledger flushes.",
		}, []string{"status"}),

		CollectorFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collector_flush_duration_seconds",
			Help:      "Duration of usage ledger flushes in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		CollectorRecordsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collector_records_total",
			Help:      "Total number of usage records written.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures.",
		}),

		AuthSuccessesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_successes_total",
			Help:      "Total number of successful authentications.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_start_time_seconds",
			Help:      "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.GatewayRequestsTotal,
		m.GatewayUpstreamDuration,
		m.GatewayUpstreamErrors,
		m.GenerationsTotal,
		m.CacheLookupsTotal,
		m.CacheEvictionsTotal,
		m.RateLimitRejectionsTotal,
		m.BudgetRejectionsTotal,
		m.CollectorFlushesTotal,
		m.CollectorFlushDuration,
		m.CollectorRecordsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// RegisterStateCollector registers gauges sampled from live service state.
func (m *Metrics) RegisterStateCollector(fn StateFunc) {
	m.registry.MustRegister(NewStateCollector(fn))
}

// ObserveHTTPRequest records one served request. pattern is the matched
// route pattern, never the raw path.
func (m *Metrics) ObserveHTTPRequest(method, pattern string, status int, seconds float64, bytes int) {
	m.HTTPRequestsTotal.WithLabelValues(method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pattern).Observe(seconds)
	m.HTTPResponseSize.WithLabelValues(method, pattern).Observe(float64(bytes))
}

// IncGatewayRequests implements gateway.MetricsRecorder.
func (m *Metrics) IncGatewayRequests(provider string, status int) {
	m.GatewayRequestsTotal.WithLabelValues(provider, strconv.Itoa(status)).Inc()
}

// ObserveUpstreamDuration implements gateway.MetricsRecorder.
func (m *Metrics) ObserveUpstreamDuration(provider string, seconds float64) {
	m.GatewayUpstreamDuration.WithLabelValues(provider).Observe(seconds)
}

// IncUpstreamError implements gateway.MetricsRecorder.
func (m *Metrics) IncUpstreamError(kind, provider string) {
	m.GatewayUpstreamErrors.WithLabelValues(kind, provider).Inc()
}

// CacheLookup implements cache.Observer.
func (m *Metrics) CacheLookup(operation string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(operation, result).Inc()
}

// CacheEviction implements cache.Observer.
func (m *Metrics) CacheEviction(reason string) {
	m.CacheEvictionsTotal.WithLabelValues(reason).Inc()
}

// IncGeneration counts an assist generation. Outcome is one of "generated",
// "cached", "rejected" or "failed".
func (m *Metrics) IncGeneration(operation, outcome string) {
	m.GenerationsTotal.WithLabelValues(operation, outcome).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// IncBudgetRejection increments the budget rejection counter.
func (m *Metrics) IncBudgetRejection(reason string) {
	m.BudgetRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveFlush implements metering.FlushRecorder.
func (m *Metrics) ObserveFlush(records int, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	} else {
		m.CollectorRecordsTotal.Add(float64(records))
	}
	m.CollectorFlushesTotal.WithLabelValues(status).Inc()
	m.CollectorFlushDuration.Observe(seconds)
}

// IncAuthFailure increments the auth failure counter.
func (m *Metrics) IncAuthFailure() {
	m.AuthFailuresTotal.Inc()
}

// IncAuthSuccess increments the auth success counter.
func (m *Metrics) IncAuthSuccess() {
	m.AuthSuccessesTotal.Inc()
}
