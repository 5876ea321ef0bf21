package middlewares

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"apifetch-gateway/internal/apifetch"
)

type batchCall struct {
	Validation string      `json:"validation"`
	Requests   []batchItem `json:"requests"`
}

// echoBatch is an aggregate endpoint that answers every sub-request with its
// own body, in order.
type echoBatch struct {
	mu    sync.Mutex
	calls []batchCall
	reqs  []*apifetch.Request
}

func (e *echoBatch) Fetch(_ context.Context, req *apifetch.Request) (*apifetch.Response, error) {
	raw, err := json.Marshal(req.Data)
	if err != nil {
		return nil, err
	}
	var call batchCall
	if err := json.Unmarshal(raw, &call); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()

	out := make([]json.RawMessage, len(call.Requests))
	for i, r := range call.Requests {
		out[i] = r.Body
	}
	body, _ := json.Marshal(out)
	return jsonResponse(http.StatusOK, string(body)), nil
}

func (e *echoBatch) commits() []batchCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]batchCall(nil), e.calls...)
}

func TestBatcher_CommitsWhenFull(t *testing.T) {
	fetcher := &echoBatch{}
	var triggers []string
	b := NewBatcher(fetcher, BatchOptions{
		Window:   time.Hour,
		OnCommit: func(_ BatchKey, _ int, trigger string) { triggers = append(triggers, trigger) },
	})
	h := apifetch.Chain((&recorder{}).handle, b.Middleware())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, DefaultBatchMaxSize)
	for i := 0; i < DefaultBatchMaxSize; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := h(ctx, &apifetch.Request{
				Path:    "/wp/v2/posts",
				Method:  http.MethodPost,
				BatchAs: "save",
				Data:    map[string]int{"n": i},
			})
			if err != nil {
				errs[i] = err
				return
			}
			if want := fmt.Sprintf(`{"n":%d}`, i); resp.Text() != want {
				errs[i] = fmt.Errorf("body = %s, want %s", resp.Text(), want)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	commits := fetcher.commits()
	if len(commits) != 1 {
		t.Fatalf("commits = %d, want 1", len(commits))
	}
	if got := len(commits[0].Requests); got != DefaultBatchMaxSize {
		t.Errorf("batch size = %d, want %d", got, DefaultBatchMaxSize)
	}
	if commits[0].Validation != "require-all-validate" {
		t.Errorf("validation = %q, want require-all-validate", commits[0].Validation)
	}
	if len(triggers) != 1 || triggers[0] != TriggerSize {
		t.Errorf("triggers = %v, want [size]", triggers)
	}
	if r := fetcher.reqs[0]; r.Path != DefaultBatchEndpoint || r.Method != http.MethodPost {
		t.Errorf("aggregate = %s %s, want POST %s", r.Method, r.Path, DefaultBatchEndpoint)
	}
}

func TestBatcher_CommitsAfterWindow(t *testing.T) {
	fetcher := &echoBatch{}
	var trigger string
	window := 80 * time.Millisecond
	b := NewBatcher(fetcher, BatchOptions{
		Window:   window,
		OnCommit: func(_ BatchKey, _ int, tr string) { trigger = tr },
	})
	h := apifetch.Chain((&recorder{}).handle, b.Middleware())

	start := time.Now()
	resp, err := h(context.Background(), &apifetch.Request{
		Path:    "/wp/v2/posts/1",
		Method:  http.MethodPut,
		BatchAs: "save",
		Data:    map[string]string{"title": "x"},
		Header:  http.Header{"X-Wp-Nonce": {"abc"}},
	})
	if err != nil {
		t.Fatalf("h() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < window {
		t.Errorf("committed after %v, want at least %v", elapsed, window)
	}
	if resp.Text() != `{"title":"x"}` {
		t.Errorf("body = %s, want {\"title\":\"x\"}", resp.Text())
	}
	if trigger != TriggerWindow {
		t.Errorf("trigger = %q, want %q", trigger, TriggerWindow)
	}

	sub := fetcher.commits()[0].Requests[0]
	if sub.Path != "/wp/v2/posts/1" {
		t.Errorf("sub path = %q, want /wp/v2/posts/1", sub.Path)
	}
	if sub.Headers["X-Wp-Nonce"] != "abc" {
		t.Errorf("sub headers = %v, want the nonce", sub.Headers)
	}
	if n := b.Pending(BatchKey{Group: "save", Method: http.MethodPut}); n != 0 {
		t.Errorf("pending = %d, want 0 after commit", n)
	}
}

func TestBatcher_SeparatesKeys(t *testing.T) {
	fetcher := &echoBatch{}
	b := NewBatcher(fetcher, BatchOptions{Window: 30 * time.Millisecond})
	h := apifetch.Chain((&recorder{}).handle, b.Middleware())

	var wg sync.WaitGroup
	for _, method := range []string{http.MethodPost, http.MethodDelete} {
		for _, group := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := h(context.Background(), &apifetch.Request{Path: "/x", Method: method, BatchAs: group, Data: 1}); err != nil {
					t.Errorf("%s %s: %v", group, method, err)
				}
			}()
		}
	}
	wg.Wait()

	if n := len(fetcher.commits()); n != 4 {
		t.Errorf("commits = %d, want 4", n)
	}
}

func TestBatcher_Passthrough(t *testing.T) {
	tests := []struct {
		name string
		req  *apifetch.Request
	}{
		{"no group", &apifetch.Request{Path: "/wp/v2/posts", Method: http.MethodPost}},
		{"get", &apifetch.Request{Path: "/wp/v2/posts", BatchAs: "save"}},
		{"path not allowed", &apifetch.Request{Path: "/wc/v3/orders", Method: http.MethodPost, BatchAs: "save"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &echoBatch{}
			rec := &recorder{}
			b := NewBatcher(fetcher, BatchOptions{Paths: []string{"wp/v2"}, Window: time.Millisecond})
			if _, err := run(b.Middleware(), rec, tt.req); err != nil {
				t.Fatalf("run() error = %v", err)
			}
			if len(rec.requests()) != 1 {
				t.Error("request should have reached next")
			}
			if len(fetcher.commits()) != 0 {
				t.Error("request should not have been batched")
			}
		})
	}
}

func TestBatcher_AggregateFailure(t *testing.T) {
	boom := &apifetch.Error{Code: apifetch.CodeFetchError, Message: "offline"}
	fetcher := fetcherFunc(func(context.Context, *apifetch.Request) (*apifetch.Response, error) {
		return nil, boom
	})
	b := NewBatcher(fetcher, BatchOptions{MaxSize: 1})

	_, err := run(b.Middleware(), &recorder{}, &apifetch.Request{Path: "/x", Method: http.MethodPost, BatchAs: "g"})
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BatchError", err)
	}
	if be.Index != 0 {
		t.Errorf("index = %d, want 0", be.Index)
	}
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want it to wrap the aggregate error", err)
	}
}

func TestBatcher_EnvelopeResponse(t *testing.T) {
	fetcher := fetcherFunc(func(context.Context, *apifetch.Request) (*apifetch.Response, error) {
		return jsonResponse(http.StatusMultiStatus, `{"responses":[
			{"status":201,"body":{"id":7}},
			{"status":400,"body":{"code":"rest_invalid_param","message":"Invalid parameter."}}
		]}`), nil
	})
	b := NewBatcher(fetcher, BatchOptions{MaxSize: 2, Window: time.Hour})
	h := apifetch.Chain((&recorder{}).handle, b.Middleware())

	type result struct {
		resp *apifetch.Response
		err  error
	}
	first := make(chan result, 1)
	go func() {
		resp, err := h(context.Background(), &apifetch.Request{Path: "/x", Method: http.MethodPost, BatchAs: "g", Data: 1})
		first <- result{resp, err}
	}()
	for b.Pending(BatchKey{Group: "g", Method: http.MethodPost}) == 0 {
		time.Sleep(time.Millisecond)
	}
	_, err := h(context.Background(), &apifetch.Request{Path: "/x", Method: http.MethodPost, BatchAs: "g", Data: 2})

	var be *BatchError
	if !errors.As(err, &be) || be.Index != 1 {
		t.Fatalf("second err = %v, want *BatchError at index 1", err)
	}
	if code := apifetch.ErrorCode(err); code != "rest_invalid_param" {
		t.Errorf("code = %q, want rest_invalid_param", code)
	}

	r := <-first
	if r.err != nil {
		t.Fatalf("first err = %v", r.err)
	}
	if r.resp.StatusCode != http.StatusCreated || r.resp.Text() != `{"id":7}` {
		t.Errorf("first = %d %s, want 201 {\"id\":7}", r.resp.StatusCode, r.resp.Text())
	}
}

func TestBatcher_MissingEntry(t *testing.T) {
	fetcher := fetcherFunc(func(context.Context, *apifetch.Request) (*apifetch.Response, error) {
		return jsonResponse(http.StatusOK, `[]`), nil
	})
	b := NewBatcher(fetcher, BatchOptions{MaxSize: 1})

	_, err := run(b.Middleware(), &recorder{}, &apifetch.Request{Path: "/x", Method: http.MethodPost, BatchAs: "g"})
	if !errors.Is(err, ErrMissingBatchResponse) {
		t.Errorf("err = %v, want ErrMissingBatchResponse", err)
	}
}

func TestBatcher_CallerCancel(t *testing.T) {
	fetcher := &echoBatch{}
	b := NewBatcher(fetcher, BatchOptions{Window: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := apifetch.Chain((&recorder{}).handle, b.Middleware())
	_, err := h(ctx, &apifetch.Request{Path: "/x", Method: http.MethodPost, BatchAs: "g", Data: 1})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	// The batch still goes out for everyone else.
	deadline := time.Now().Add(2 * time.Second)
	for len(fetcher.commits()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(fetcher.commits()); n != 1 {
		t.Errorf("commits = %d, want 1", n)
	}
}

func TestBatcher_NeverExceedsMaxSize(t *testing.T) {
	const callers = 16
	for trial := 0; trial < 100; trial++ {
		fetcher := &echoBatch{}
		b := NewBatcher(fetcher, BatchOptions{MaxSize: 2, Window: time.Hour})
		h := apifetch.Chain((&recorder{}).handle, b.Middleware())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var wg sync.WaitGroup
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = h(ctx, &apifetch.Request{Path: "/x", Method: http.MethodPost, BatchAs: "g", Data: i})
			}(i)
		}
		wg.Wait()
		cancel()

		for i, err := range errs {
			if err != nil {
				t.Fatalf("trial %d: caller %d error = %v", trial, i, err)
			}
		}
		commits := fetcher.commits()
		if len(commits) != callers/2 {
			t.Fatalf("trial %d: commits = %d, want %d", trial, len(commits), callers/2)
		}
		for _, c := range commits {
			if len(c.Requests) > 2 {
				t.Fatalf("trial %d: batch of %d requests, max is 2", trial, len(c.Requests))
			}
		}
	}
}

func TestBatcher_NonJSONBodyNotBatched(t *testing.T) {
	fetcher := &echoBatch{}
	rec := &recorder{}
	b := NewBatcher(fetcher, BatchOptions{MaxSize: 1})

	req := &apifetch.Request{
		Path:    "/wp/v2/posts",
		Method:  http.MethodPost,
		BatchAs: "save",
		Header:  http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		Body:    []byte("title=hello&status=publish"),
	}
	if _, err := run(b.Middleware(), rec, req); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if len(fetcher.commits()) != 0 {
		t.Fatal("form-encoded request should not have been batched")
	}
	got := rec.requests()
	if len(got) != 1 || string(got[0].Body) != "title=hello&status=publish" {
		t.Errorf("next got %d requests, want the original form body", len(got))
	}
}

func TestBatcher_JSONBodyBatched(t *testing.T) {
	fetcher := &echoBatch{}
	b := NewBatcher(fetcher, BatchOptions{MaxSize: 1})

	resp, err := run(b.Middleware(), &recorder{}, &apifetch.Request{
		Path:    "/wp/v2/posts",
		Method:  http.MethodPost,
		BatchAs: "save",
		Body:    []byte(`{"title":"hello"}`),
	})
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if resp.Text() != `{"title":"hello"}` {
		t.Errorf("body = %s", resp.Text())
	}
	commits := fetcher.commits()
	if len(commits) != 1 || string(commits[0].Requests[0].Body) != `{"title":"hello"}` {
		t.Errorf("commits = %+v, want the JSON body carried", commits)
	}
}

func TestBatcher_HeaderKeysAsGiven(t *testing.T) {
	fetcher := &echoBatch{}
	b := NewBatcher(fetcher, BatchOptions{MaxSize: 1})

	_, err := run(b.Middleware(), &recorder{}, &apifetch.Request{
		Path:    "/x",
		Method:  http.MethodPost,
		BatchAs: "g",
		Data:    1,
		Header: http.Header{
			"x-custom": {"a"},
			"Accept":   {"application/json", "text/plain"},
		},
	})
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	headers := fetcher.commits()[0].Requests[0].Headers
	if headers["x-custom"] != "a" {
		t.Errorf("x-custom = %q, want a", headers["x-custom"])
	}
	if headers["Accept"] != "application/json, text/plain" {
		t.Errorf("Accept = %q, want both values", headers["Accept"])
	}
}

func TestBatcher_UnreadableAggregate(t *testing.T) {
	fetcher := fetcherFunc(func(context.Context, *apifetch.Request) (*apifetch.Response, error) {
		return &apifetch.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/html"}},
			Body:       []byte("<html>maintenance</html>"),
		}, nil
	})
	b := NewBatcher(fetcher, BatchOptions{MaxSize: 1})

	_, err := run(b.Middleware(), &recorder{}, &apifetch.Request{Path: "/x", Method: http.MethodPost, BatchAs: "g"})
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BatchError", err)
	}
	if errors.Is(err, ErrMissingBatchResponse) {
		t.Error("decode failure reported as a missing entry")
	}
	if !strings.Contains(err.Error(), "decode batch response") {
		t.Errorf("err = %v, want the decode error", err)
	}
}
