// Package metrics provides Prometheus metrics for the gateway and its fetch
// pipeline.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	PipelineRequests    *prometheus.CounterVec
	PipelineDuration    *prometheus.HistogramVec
	BatchCommits        *prometheus.CounterVec
	BatchSize           prometheus.Histogram
	PreloadHits         *prometheus.CounterVec
	PostProcessAttempts *prometheus.CounterVec
	NonceRefreshes      prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apifetch_gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apifetch_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apifetch_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apifetch_gateway_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apifetch_gateway_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		PipelineRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apifetch_gateway_pipeline_requests_total",
			Help: "Requests that went through the fetch pipeline, by method and outcome.",
		}, []string{"method", "outcome"}),

		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apifetch_gateway_pipeline_duration_seconds",
			Help:    "Time spent in the fetch pipeline in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		BatchCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apifetch_gateway_batch_commits_total",
			Help: "Aggregate batch requests, by commit trigger.",
		}, []string{"trigger"}),

		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "apifetch_gateway_batch_size",
			Help:    "Number of sub-requests per committed batch.",
			Buckets: []float64{1, 2, 5, 10, 15, 20},
		}),

		PreloadHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apifetch_gateway_preload_hits_total",
			Help: "Requests answered from preloaded data, by method.",
		}, []string{"method"}),

		PostProcessAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apifetch_gateway_media_post_process_attempts_total",
			Help: "Media post-processing attempts, by result.",
		}, []string{"result"}),

		NonceRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apifetch_gateway_nonce_refreshes_total",
			Help: "Successful nonce refreshes.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.PipelineRequests,
		m.PipelineDuration,
		m.BatchCommits,
		m.BatchSize,
		m.PreloadHits,
		m.PostProcessAttempts,
		m.NonceRefreshes,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/wp-json", "/fetch", "/healthz", "/gateway/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
