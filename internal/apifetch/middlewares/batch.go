package middlewares

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"apifetch-gateway/internal/apifetch"
)

// Batch defaults.
const (
	DefaultBatchEndpoint = "/batch/v1"
	DefaultBatchMaxSize  = 20
	DefaultBatchWindow   = time.Second
)

// Commit triggers reported to BatchOptions.OnCommit.
const (
	TriggerSize   = "size"
	TriggerWindow = "window"
)

// BatchKey groups requests that may share one aggregate call.
type BatchKey struct {
	Group  string
	Method string
}

func (k BatchKey) String() string {
	return k.Group + "/" + k.Method
}

// BatchError reports the failure of one sub-request of a batch.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch request %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// ErrMissingBatchResponse is wrapped when the aggregate response has no entry
// for a sub-request.
var ErrMissingBatchResponse = errors.New("no response for batched request")

// BatchOptions configures a Batcher.
type BatchOptions struct {
	// Endpoint receives the aggregate request.
	Endpoint string
	// MaxSize commits a batch as soon as it holds this many requests.
	MaxSize int
	// Window is how long a batch stays open after its first request.
	Window time.Duration
	// Paths lists the path prefixes that accept batching. Empty accepts
	// every path. Ignored when Allow is set.
	Paths []string
	// Allow decides whether a path may be batched.
	Allow func(path string) bool
	// OnCommit is called once per aggregate request.
	OnCommit func(key BatchKey, size int, trigger string)

	Logger *slog.Logger
}

// Batcher collects mutating requests tagged with BatchAs and sends them as a
// single aggregate request. The aggregate goes through fetcher, so it runs the
// whole pipeline again.
type Batcher struct {
	fetcher apifetch.Fetcher
	opts    BatchOptions
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[BatchKey]*batch
}

type batch struct {
	id       string
	key      BatchKey
	requests []batchItem
	waiters  []chan batchResult
	timer    *time.Timer
}

type batchItem struct {
	Path    string            `json:"path"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type batchResult struct {
	resp *apifetch.Response
	err  error
}

var batchMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// NewBatcher creates a Batcher that commits through fetcher.
func NewBatcher(fetcher apifetch.Fetcher, opts BatchOptions) *Batcher {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultBatchEndpoint
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultBatchMaxSize
	}
	if opts.Window <= 0 {
		opts.Window = DefaultBatchWindow
	}
	if opts.Allow == nil {
		opts.Allow = prefixFilter(opts.Paths)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Batcher{
		fetcher: fetcher,
		opts:    opts,
		logger:  logger.With("component", "batcher"),
		pending: make(map[BatchKey]*batch),
	}
}

// Middleware returns the batching middleware.
func (b *Batcher) Middleware() apifetch.Middleware {
	return func(ctx context.Context, req *apifetch.Request, next apifetch.Handler) (*apifetch.Response, error) {
		method := req.EffectiveMethod()
		if req.BatchAs == "" || !batchMethods[method] {
			return next(ctx, req)
		}
		path := batchPath(req)
		if path == "" || !b.opts.Allow(path) {
			return next(ctx, req)
		}
		// Sub-request bodies travel as JSON inside the aggregate.
		if req.Data == nil && len(req.Body) > 0 && !json.Valid(req.Body) {
			return next(ctx, req)
		}

		item, err := newBatchItem(req, path)
		if err != nil {
			return nil, err
		}
		wait := b.enqueue(BatchKey{Group: req.BatchAs, Method: method}, item)

		select {
		case res := <-wait:
			return res.resp, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pending reports how many requests are waiting under key.
func (b *Batcher) Pending(key BatchKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pending[key]; ok {
		return len(p.requests)
	}
	return 0
}

func (b *Batcher) enqueue(key BatchKey, item batchItem) <-chan batchResult {
	wait := make(chan batchResult, 1)

	b.mu.Lock()
	p, ok := b.pending[key]
	if !ok {
		p = &batch{id: uuid.NewString(), key: key}
		b.pending[key] = p
		p.timer = time.AfterFunc(b.opts.Window, func() { b.flushExpired(p) })
	}
	p.requests = append(p.requests, item)
	p.waiters = append(p.waiters, wait)
	// A full batch leaves pending under the same lock that filled it, so no
	// later caller can join it.
	full := len(p.requests) >= b.opts.MaxSize
	if full {
		delete(b.pending, key)
		p.timer.Stop()
	}
	b.mu.Unlock()

	if full {
		go b.commit(p, TriggerSize)
	}
	return wait
}

// flushExpired commits p when its window closes, unless it already left
// pending by filling up.
func (b *Batcher) flushExpired(p *batch) {
	b.mu.Lock()
	if b.pending[p.key] != p {
		b.mu.Unlock()
		return
	}
	delete(b.pending, p.key)
	b.mu.Unlock()

	go b.commit(p, TriggerWindow)
}

func (b *Batcher) commit(p *batch, trigger string) {
	logger := b.logger.With("batch_id", p.id, "key", p.key.String(), "size", len(p.requests))
	if b.opts.OnCommit != nil {
		b.opts.OnCommit(p.key, len(p.requests), trigger)
	}
	logger.Debug("committing batch", "trigger", trigger)

	// Not bound to any caller: one of them giving up must not fail the rest.
	resp, err := b.fetcher.Fetch(context.Background(), &apifetch.Request{
		Path:   b.opts.Endpoint,
		Method: http.MethodPost,
		Data: map[string]any{
			"validation": "require-all-validate",
			"requests":   p.requests,
		},
	})
	if err != nil {
		logger.Warn("batch request failed", "error", err)
		for i, w := range p.waiters {
			w <- batchResult{err: &BatchError{Index: i, Err: err}}
		}
		return
	}

	results, err := splitBatchResponse(resp)
	if err != nil {
		logger.Warn("unreadable batch response", "error", err)
		for i, w := range p.waiters {
			w <- batchResult{err: &BatchError{Index: i, Err: err}}
		}
		return
	}
	for i, w := range p.waiters {
		if i >= len(results) {
			w <- batchResult{err: &BatchError{Index: i, Err: ErrMissingBatchResponse}}
			continue
		}
		w <- results[i]
	}
}

// splitBatchResponse accepts a plain JSON array, whose entries are returned
// verbatim, or a {"responses": [...]} envelope whose entries carry their own
// status, headers and body.
func splitBatchResponse(resp *apifetch.Response) ([]batchResult, error) {
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return nil, errors.New("empty batch response")
	}

	if body[0] == '[' {
		var entries []json.RawMessage
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, fmt.Errorf("decode batch response: %w", err)
		}
		out := make([]batchResult, len(entries))
		for i, e := range entries {
			out[i] = batchResult{resp: &apifetch.Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: e}}
		}
		return out, nil
	}

	var envelope struct {
		Responses []struct {
			Status  int               `json:"status"`
			Headers map[string]string `json:"headers"`
			Body    json.RawMessage   `json:"body"`
		} `json:"responses"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	out := make([]batchResult, len(envelope.Responses))
	for i, e := range envelope.Responses {
		sub := &apifetch.Response{StatusCode: e.Status, Header: make(http.Header), Body: e.Body}
		if sub.StatusCode == 0 {
			sub.StatusCode = http.StatusOK
		}
		if len(sub.Body) == 0 {
			sub.Body = json.RawMessage("null")
		}
		for k, v := range e.Headers {
			sub.Header.Set(k, v)
		}
		parsed, err := apifetch.Normalize(sub, false)
		if err != nil {
			out[i] = batchResult{err: &BatchError{Index: i, Err: err}}
			continue
		}
		out[i] = batchResult{resp: parsed}
	}
	return out, nil
}

// batchPath returns the API path a sub-request is addressed to.
func batchPath(req *apifetch.Request) string {
	if req.Path != "" {
		return req.Path
	}
	if path, ok := namespacePath(req); ok {
		return "/" + path
	}
	return ""
}

func newBatchItem(req *apifetch.Request, path string) (batchItem, error) {
	item := batchItem{Path: path}
	switch {
	case req.Data != nil:
		data, err := json.Marshal(req.Data)
		if err != nil {
			return item, fmt.Errorf("encode batch body: %w", err)
		}
		item.Body = data
	case len(req.Body) > 0 && json.Valid(req.Body):
		item.Body = req.Body
	}
	if len(req.Header) > 0 {
		item.Headers = make(map[string]string, len(req.Header))
		for k, v := range req.Header {
			if len(v) > 0 {
				item.Headers[k] = strings.Join(v, ", ")
			}
		}
	}
	return item, nil
}

func prefixFilter(prefixes []string) func(string) bool {
	if len(prefixes) == 0 {
		return func(string) bool { return true }
	}
	return func(path string) bool {
		p := "/" + strings.TrimPrefix(path, "/")
		for _, prefix := range prefixes {
			if strings.HasPrefix(p, "/"+strings.TrimPrefix(prefix, "/")) {
				return true
			}
		}
		return false
	}
}
