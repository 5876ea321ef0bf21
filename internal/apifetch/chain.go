package apifetch

import "context"

// Handler performs a request, either by going to the network or by
// delegating further down a chain.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Middleware intercepts a request on its way to next. It may rewrite the
// request (on a clone), answer without calling next, or delegate.
type Middleware func(ctx context.Context, req *Request, next Handler) (*Response, error)

// Fetcher is anything that can run a request through the whole pipeline.
// *Client implements it; middlewares that re-enter the pipeline depend on it.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// Chain composes mws around h. The first middleware is outermost: it sees the
// request first and the response last.
//
//	Chain(h, m1, m2)(ctx, req) == m1(ctx, req, m2(·, ·, h))
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		h = bind(mws[i], h)
	}
	return h
}

func bind(mw Middleware, next Handler) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		return mw(ctx, req, next)
	}
}
