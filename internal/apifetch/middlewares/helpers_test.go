package middlewares

import (
	"context"
	"net/http"
	"sync"

	"apifetch-gateway/internal/apifetch"
)

// recorder is a terminal handler that remembers every request it sees and
// answers through respond, normalized the way the transport does it.
type recorder struct {
	mu      sync.Mutex
	reqs    []*apifetch.Request
	respond func(req *apifetch.Request, n int) *apifetch.Response
}

func (r *recorder) handle(_ context.Context, req *apifetch.Request) (*apifetch.Response, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	n := len(r.reqs)
	r.mu.Unlock()

	resp := jsonResponse(http.StatusOK, `{}`)
	if r.respond != nil {
		resp = r.respond(req, n)
	}
	return apifetch.Normalize(resp, req.Raw)
}

func (r *recorder) requests() []*apifetch.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*apifetch.Request(nil), r.reqs...)
}

func (r *recorder) last() *apifetch.Request {
	reqs := r.requests()
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func jsonResponse(status int, body string) *apifetch.Response {
	return &apifetch.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       []byte(body),
	}
}

// run sends req through mw with rec as the next handler.
func run(mw apifetch.Middleware, rec *recorder, req *apifetch.Request) (*apifetch.Response, error) {
	return apifetch.Chain(rec.handle, mw)(context.Background(), req)
}

// fetcherFunc adapts a function to apifetch.Fetcher.
type fetcherFunc func(ctx context.Context, req *apifetch.Request) (*apifetch.Response, error)

func (f fetcherFunc) Fetch(ctx context.Context, req *apifetch.Request) (*apifetch.Response, error) {
	return f(ctx, req)
}
