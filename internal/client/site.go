// Package client provides the upstream HTTP client for the site's REST API.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"apifetch-gateway/internal/config"
	"apifetch-gateway/internal/metrics"
)

const userAgent = "apifetch-gateway/1.0"

// SiteClient sends requests to the upstream site. It is the Doer under the
// fetch pipeline's transport.
type SiteClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewSiteClient creates a SiteClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewSiteClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *SiteClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Fetch.IdleConnections,
		MaxIdleConnsPerHost: cfg.Fetch.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &SiteClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Fetch.Timeout(),
		},
		logger:  logger.With("component", "site_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the site and returns the response.
// The caller is responsible for closing the response body.
func (c *SiteClient) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}
