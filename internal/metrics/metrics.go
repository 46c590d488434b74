// Package metrics defines the gateway's Prometheus collectors. All series
// share the "api_gateway" namespace and are registered with the default
// registry at init so GET /metrics exposes them through promhttp.
//
// Label sets are kept bounded: routes are labelled by their configured
// name (or the registered Gin path), never by the raw request URL.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every gateway series.
const Namespace = "api_gateway"

var (
	// Requests counts completed HTTP requests by method, route and status.
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the gateway.",
		},
		[]string{"method", "route", "status"},
	)

	// Duration records request latency by method and route.
	Duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	// Inflight gauges requests currently being served.
	Inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "requests_inflight",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	// ResponseSize captures response sizes in bytes by route.
	ResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "response_size_bytes",
			Help:      "Size of HTTP responses in bytes.",
			Buckets: []float64{
				200, 1 << 10, 5 << 10, 25 << 10, 100 << 10,
				500 << 10, 1 << 20, 5 << 20,
			},
		},
		[]string{"method", "route"},
	)

	// CacheHits and CacheMisses count response-cache lookups by route.
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of response cache hits.",
		},
		[]string{"route"},
	)
	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of response cache misses.",
		},
		[]string{"route"},
	)

	// CacheErrors counts store failures on the cache path (op=get|set).
	CacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_errors_total",
			Help:      "Total number of cache store errors, by operation.",
		},
		[]string{"op"},
	)

	// RateLimitHits counts denied requests by rate class.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		},
		[]string{"class"},
	)

	// RateLimitDegraded counts checks that failed open because the store
	// was unavailable.
	RateLimitDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rate_limit_degraded_total",
			Help:      "Rate-limit checks permitted because the counter store was unavailable.",
		},
		[]string{"class"},
	)

	// AuthAttempts counts token verifications by outcome
	// (ok|missing|invalid|revoked|forbidden).
	AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication checks, by outcome.",
		},
		[]string{"outcome"},
	)

	// AuthFailures counts rejected credentials by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures, by reason.",
		},
		[]string{"reason"},
	)

	// ProxyErrors counts failed upstream calls by service and error type
	// (timeout|unreachable|canceled|no_instance|stream).
	ProxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "proxy_errors_total",
			Help:      "Total number of upstream proxy errors.",
		},
		[]string{"service", "error_type"},
	)

	// UpstreamRequests counts proxied calls per instance and outcome.
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of proxied upstream requests.",
		},
		[]string{"service", "instance", "outcome"},
	)

	// UpstreamDuration records upstream round-trip latency by service.
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream round-trip latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// ServiceHealth is 1 for healthy instances and 0 otherwise.
	ServiceHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "service_health_status",
			Help:      "Health status of backend instances (1 healthy, 0 not).",
		},
		[]string{"service", "instance"},
	)

	// HealthProbes counts prober results by service and result (ok|fail).
	HealthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "health_probes_total",
			Help:      "Total number of background health probes.",
		},
		[]string{"service", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		Requests, Duration, Inflight, ResponseSize,
		CacheHits, CacheMisses, CacheErrors,
		RateLimitHits, RateLimitDegraded,
		AuthAttempts, AuthFailures,
		ProxyErrors, UpstreamRequests, UpstreamDuration,
		ServiceHealth, HealthProbes,
	)
}

// ObserveUpstream records one proxied call.
func ObserveUpstream(service, instance, outcome string, d time.Duration) {
	UpstreamRequests.WithLabelValues(service, instance, outcome).Inc()
	UpstreamDuration.WithLabelValues(service).Observe(d.Seconds())
}

// SetHealth publishes an instance's health as a 0/1 gauge.
func SetHealth(service, instance string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	ServiceHealth.WithLabelValues(service, instance).Set(v)
}
