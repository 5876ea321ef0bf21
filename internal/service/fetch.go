// Package service builds the fetch pipeline from configuration and runs
// gateway requests through it.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sort"
	"strings"

	"golang.org/x/time/rate"

	"apifetch-gateway/internal/apifetch"
	"apifetch-gateway/internal/apifetch/middlewares"
	"apifetch-gateway/internal/config"
	"apifetch-gateway/internal/metrics"
	"apifetch-gateway/internal/model"
)

// ErrNoTarget is returned for a request that names neither a path, a URL nor
// a namespace and endpoint.
var ErrNoTarget = errors.New("request needs a path, url, or namespace and endpoint")

// BatchHeader lets pass-through callers put a mutating request into a batch
// group.
const BatchHeader = "X-Apifetch-Batch"

// forwardableRequestHeaders are the only request headers forwarded upstream.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"Content-Disposition",
	apifetch.NonceHeader,
	middlewares.MethodOverrideHeader,
}

// forwardableResponseHeaders are the only response headers forwarded to the client.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":              true,
	"Cache-Control":             true,
	"Date":                      true,
	"Last-Modified":             true,
	"Etag":                      true,
	"Link":                      true,
	"Allow":                     true,
	"X-Wp-Total":                true,
	"X-Wp-Totalpages":           true,
	"X-Wp-Nonce":                true,
	"X-Wp-Upload-Attachment-Id": true,
}

// Status summarizes how the pipeline was built.
type Status struct {
	RootURL       string `json:"root_url"`
	NonceSet      bool   `json:"nonce_set"`
	NonceRefresh  bool   `json:"nonce_refresh"`
	Batching      bool   `json:"batching"`
	MediaRecovery bool   `json:"media_recovery"`
	Preloaded     int    `json:"preloaded"`
}

// FetchService owns the apifetch client and translates gateway requests
// into pipeline requests.
type FetchService struct {
	client *apifetch.Client
	nonce  *apifetch.Nonce
	cfg    *config.Config
	logger *slog.Logger
	status Status
}

// NewFetchService builds the pipeline around doer. The metrics parameter is
// optional; pass nil to disable pipeline metrics.
func NewFetchService(doer apifetch.Doer, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*FetchService, error) {
	jar, err := newJar(cfg.Site.URL, cfg.Site.Cookies)
	if err != nil {
		return nil, err
	}
	tr, err := apifetch.NewTransport(doer, apifetch.TransportOptions{Location: cfg.Site.URL, Jar: jar})
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	s := &FetchService{
		nonce:  apifetch.NewNonce(cfg.Site.Nonce),
		cfg:    cfg,
		logger: logger.With("component", "fetch_service"),
		status: Status{RootURL: cfg.Site.RootURL, NonceSet: cfg.Site.Nonce != ""},
	}

	opts := []apifetch.Option{
		apifetch.WithMiddlewares(middlewares.Defaults()...),
		apifetch.WithFetchHandler(tr.Handle),
		apifetch.WithMaxNonceRetries(cfg.Fetch.MaxNonceRetries),
		apifetch.WithLogger(logger),
	}
	if endpoint := cfg.Site.NonceURL(); endpoint != "" {
		opts = append(opts, apifetch.WithNonceRefresh(endpoint, s.nonce))
		s.status.NonceRefresh = true
	}
	if m != nil {
		opts = append(opts, apifetch.WithNonceRefreshHook(m.NonceRefreshes.Inc))
	}
	s.client = apifetch.New(opts...)

	if err := s.register(m); err != nil {
		return nil, err
	}
	return s, nil
}

// register installs the configurable middlewares. Use prepends, so they are
// added innermost first.
func (s *FetchService) register(m *metrics.Metrics) error {
	cfg := s.cfg
	c := s.client

	if cfg.Fetch.RequestsPerSecond > 0 {
		c.Use(middlewares.RateLimit(rate.NewLimiter(rate.Limit(cfg.Fetch.RequestsPerSecond), cfg.Fetch.Burst)))
	}

	if !cfg.Media.Disabled {
		opts := middlewares.MediaUploadOptions{
			MaxRetries: cfg.Media.MaxRetries,
			RetryDelay: cfg.Media.RetryDelay(),
			Logger:     s.logger,
		}
		if m != nil {
			opts.OnAttempt = func(_ int, err error) {
				result := "ok"
				if err != nil {
					result = "failed"
				}
				m.PostProcessAttempts.WithLabelValues(result).Inc()
			}
		}
		c.Use(middlewares.MediaUpload(opts))
		s.status.MediaRecovery = true
	}

	if cfg.Batch.Enabled {
		opts := middlewares.BatchOptions{
			Endpoint: cfg.Batch.Endpoint,
			MaxSize:  cfg.Batch.MaxSize,
			Window:   cfg.Batch.Window(),
			Paths:    cfg.Batch.Paths,
			Logger:   s.logger,
		}
		if m != nil {
			opts.OnCommit = func(_ middlewares.BatchKey, size int, trigger string) {
				m.BatchCommits.WithLabelValues(trigger).Inc()
				m.BatchSize.Observe(float64(size))
			}
		}
		c.Use(middlewares.NewBatcher(c, opts).Middleware())
		s.status.Batching = true
	}

	if cfg.Site.ThemePreviewPath != "" {
		c.Use(middlewares.ThemePreview(cfg.Site.ThemePreviewPath))
	}

	c.Use(middlewares.RootURL(cfg.Site.RootURL))

	if cfg.Site.Nonce != "" || s.status.NonceRefresh {
		c.Use(middlewares.Nonce(s.nonce, middlewares.NonceOptions{SiteURL: cfg.Site.URL}))
	}

	if cfg.Site.PreloadFile != "" {
		data, err := loadPreload(cfg.Site.PreloadFile)
		if err != nil {
			return err
		}
		opts := middlewares.PreloadOptions{TTL: s.cfg.Preload.TTL()}
		if m != nil {
			opts.OnHit = func(method string) { m.PreloadHits.WithLabelValues(method).Inc() }
		}
		c.Use(middlewares.Preloading(data, opts))
		s.status.Preloaded = len(data.Get) + len(data.Options)
		s.logger.Info("preloaded responses loaded", "path", cfg.Site.PreloadFile, "entries", s.status.Preloaded)
	}

	c.Use(middlewares.Logging(s.logger))
	if m != nil {
		c.Use(middlewares.Metrics(m))
	}
	return nil
}

// Fetch runs a JSON API request through the pipeline.
func (s *FetchService) Fetch(ctx context.Context, fr *model.FetchRequest) (*apifetch.Response, error) {
	if fr.Path == "" && fr.URL == "" && (fr.Namespace == "" || fr.Endpoint == "") {
		return nil, ErrNoTarget
	}

	req := &apifetch.Request{
		Path:      fr.Path,
		URL:       fr.URL,
		Namespace: fr.Namespace,
		Endpoint:  fr.Endpoint,
		Method:    fr.Method,
		Raw:       fr.Raw(),
		SkipNonce: fr.SkipNonce,
		BatchAs:   fr.BatchAs,
	}
	if len(fr.Headers) > 0 {
		req.Header = make(http.Header, len(fr.Headers))
		for k, v := range fr.Headers {
			req.Header.Set(k, v)
		}
	}
	if len(fr.Data) > 0 {
		req.Data = fr.Data
	}

	s.logger.Debug("fetch", "method", req.EffectiveMethod(), "target", req.Target())
	return s.client.Fetch(ctx, req)
}

// Forward runs an inbound /wp-json/ request through the pipeline in parsed
// mode and returns the response with only forwardable headers.
func (s *FetchService) Forward(ctx context.Context, pr *model.ProxyRequest) (*apifetch.Response, error) {
	path := "/" + strings.TrimPrefix(pr.Path, "/")
	if len(pr.Query) > 0 {
		path += "?" + pr.Query.Encode()
	}

	req := &apifetch.Request{
		Path:    path,
		Method:  pr.Method,
		Header:  filterRequestHeaders(pr.Header),
		BatchAs: pr.Header.Get(BatchHeader),
	}
	if len(pr.Body) > 0 {
		req.Body = pr.Body
	}

	resp, err := s.client.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &apifetch.Response{
		StatusCode: resp.StatusCode,
		Header:     FilterResponseHeaders(resp.Header),
		Body:       resp.Body,
	}, nil
}

// Status reports how the pipeline was configured.
func (s *FetchService) Status() Status {
	st := s.status
	st.NonceSet = s.nonce.Get() != ""
	return st
}

// Envelope converts a pipeline response to the /fetch wire shape. A body that
// is not JSON is returned as a JSON string.
func Envelope(resp *apifetch.Response) model.FetchResponse {
	out := model.FetchResponse{Status: resp.StatusCode}
	if header := FilterResponseHeaders(resp.Header); len(header) > 0 {
		out.Headers = make(map[string]string, len(header))
		for key := range header {
			out.Headers[key] = header.Get(key)
		}
	}
	switch {
	case len(resp.Body) == 0:
	case json.Valid(resp.Body):
		out.Body = json.RawMessage(resp.Body)
	default:
		b, _ := json.Marshal(string(resp.Body))
		out.Body = b
	}
	return out
}

func filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}

// FilterResponseHeaders keeps only the headers safe to hand back to gateway
// clients.
func FilterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}

// newJar returns a cookie jar seeded with the configured session cookies for
// the site.
func newJar(siteURL string, cookies map[string]string) (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if len(cookies) == 0 {
		return jar, nil
	}
	u, err := url.Parse(siteURL)
	if err != nil {
		return nil, fmt.Errorf("parse site url: %w", err)
	}

	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	list := make([]*http.Cookie, 0, len(names))
	for _, name := range names {
		list = append(list, &http.Cookie{Name: name, Value: cookies[name], Path: "/"})
	}
	jar.SetCookies(u, list)
	return jar, nil
}

func loadPreload(path string) (middlewares.PreloadData, error) {
	var data middlewares.PreloadData
	raw, err := os.ReadFile(path)
	if err != nil {
		return data, fmt.Errorf("read preload file %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("parse preload file %s: %w", path, err)
	}
	return data, nil
}
