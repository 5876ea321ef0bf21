package apifetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// Client is the public entry point of the pipeline. It owns the ordered
// middleware list and the fetch handler, and retries once after refreshing
// the nonce when the server rejects it.
//
// A Client is built once at start-up and shared; it is safe for concurrent
// use.
type Client struct {
	mu          sync.RWMutex
	middlewares []Middleware
	fetch       Handler

	nonce           *Nonce
	nonceEndpoint   string
	maxNonceRetries int
	onNonceRefresh  func()

	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithMiddlewares sets the initial middleware list, outermost first.
func WithMiddlewares(mws ...Middleware) Option {
	return func(c *Client) {
		c.middlewares = append([]Middleware(nil), mws...)
	}
}

// WithFetchHandler sets the innermost handler.
func WithFetchHandler(h Handler) Option {
	return func(c *Client) { c.fetch = h }
}

// WithNonceRefresh enables recovery from rest_cookie_invalid_nonce: the
// endpoint is fetched as plain text and stored into nonce before retrying.
func WithNonceRefresh(endpoint string, nonce *Nonce) Option {
	return func(c *Client) {
		c.nonceEndpoint = endpoint
		c.nonce = nonce
	}
}

// WithMaxNonceRetries bounds how many refresh-and-retry rounds one call may
// take. The default is 1.
func WithMaxNonceRetries(n int) Option {
	return func(c *Client) { c.maxNonceRetries = n }
}

// WithNonceRefreshHook registers fn to run after every successful refresh.
func WithNonceRefreshHook(fn func()) Option {
	return func(c *Client) { c.onNonceRefresh = fn }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client. Without WithFetchHandler it sends requests through
// http.DefaultClient with no page location.
func New(opts ...Option) *Client {
	c := &Client{
		maxNonceRetries: 1,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetch == nil {
		t, _ := NewTransport(http.DefaultClient, TransportOptions{})
		c.fetch = t.Handle
	}
	c.logger = c.logger.With("component", "apifetch")
	return c
}

// Use prepends mw: it runs before every middleware registered earlier.
func (c *Client) Use(mw Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append([]Middleware{mw}, c.middlewares...)
}

// SetFetchHandler replaces the innermost handler.
func (c *Client) SetFetchHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetch = h
}

// Nonce returns the nonce cell used for refreshes, or nil.
func (c *Client) Nonce() *Nonce {
	return c.nonce
}

// handler composes the current middleware list around the fetch handler.
// Registration after construction is picked up by the next call.
func (c *Client) handler() (Handler, Handler) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mws := append([]Middleware(nil), c.middlewares...)
	return Chain(c.fetch, mws...), c.fetch
}

// Fetch runs req through the pipeline.
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return c.fetchWithRefresh(ctx, req, 0)
}

func (c *Client) fetchWithRefresh(ctx context.Context, req *Request, refreshes int) (*Response, error) {
	h, fetch := c.handler()
	resp, err := h(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ErrorCode(err) != CodeInvalidNonce || c.nonce == nil || c.nonceEndpoint == "" {
		return nil, err
	}
	if refreshes >= c.maxNonceRetries {
		c.logger.Warn("nonce still rejected after refresh", "refreshes", refreshes, "target", req.Target())
		return nil, err
	}

	if rerr := c.refreshNonce(ctx, fetch); rerr != nil {
		return nil, rerr
	}
	return c.fetchWithRefresh(ctx, req, refreshes+1)
}

// refreshNonce fetches a new nonce straight from the fetch handler, bypassing
// the middlewares.
func (c *Client) refreshNonce(ctx context.Context, fetch Handler) error {
	resp, err := fetch(ctx, &Request{URL: c.nonceEndpoint, Raw: true, SkipNonce: true})
	if err != nil {
		return fmt.Errorf("refresh nonce: %w", err)
	}
	value := strings.TrimSpace(resp.Text())
	if value == "" {
		return errors.New("refresh nonce: endpoint returned an empty nonce")
	}
	c.nonce.Set(value)
	c.logger.Debug("nonce refreshed")
	if c.onNonceRefresh != nil {
		c.onNonceRefresh()
	}
	return nil
}

// FetchJSON runs req through f and decodes the result into a T. A 204
// response yields the zero T.
func FetchJSON[T any](ctx context.Context, f Fetcher, req *Request) (T, error) {
	var out T
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		return out, err
	}
	if err := resp.JSON(&out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
