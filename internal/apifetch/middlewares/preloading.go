package middlewares

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"apifetch-gateway/internal/apifetch"
)

// PreloadEntry is one response captured ahead of time.
type PreloadEntry struct {
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// PreloadData maps request paths to preloaded responses. The JSON form keys
// GET responses by path and nests OPTIONS responses under an "OPTIONS" key:
//
//	{"/wp/v2/types?context=edit": {"body": ...},
//	 "OPTIONS": {"/wp/v2/posts": {"body": ...}}}
type PreloadData struct {
	Get     map[string]PreloadEntry
	Options map[string]PreloadEntry
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *PreloadData) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d.Get = make(map[string]PreloadEntry, len(raw))
	for key, v := range raw {
		if key == http.MethodOptions {
			if err := json.Unmarshal(v, &d.Options); err != nil {
				return fmt.Errorf("preload OPTIONS: %w", err)
			}
			continue
		}
		var e PreloadEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("preload %q: %w", key, err)
		}
		d.Get[key] = e
	}
	return nil
}

// PreloadOptions configures the preloading middleware.
type PreloadOptions struct {
	// TTL bounds how long preloaded data may be served. Zero keeps entries
	// until they are used.
	TTL time.Duration
	// OnHit is called with the method of every request answered from the
	// cache.
	OnHit func(method string)
}

// Preloading answers GET and OPTIONS requests from preloaded data without
// touching the rest of the chain. Entries are matched on StablePath and are
// served once. It is meant to be the outermost middleware.
func Preloading(data PreloadData, opts PreloadOptions) apifetch.Middleware {
	cache := expirable.NewLRU[string, PreloadEntry](0, nil, opts.TTL)
	for path, e := range data.Get {
		cache.Add(cacheKey(http.MethodGet, path), e)
	}
	for path, e := range data.Options {
		cache.Add(cacheKey(http.MethodOptions, path), e)
	}

	var mu sync.Mutex
	take := func(key string) (PreloadEntry, bool) {
		mu.Lock()
		defer mu.Unlock()
		e, ok := cache.Get(key)
		if ok {
			cache.Remove(key)
		}
		return e, ok
	}

	return func(ctx context.Context, req *apifetch.Request, next apifetch.Handler) (*apifetch.Response, error) {
		method := req.EffectiveMethod()
		if method != http.MethodGet && method != http.MethodOptions {
			return next(ctx, req)
		}
		path, ok := preloadPath(req)
		if !ok {
			return next(ctx, req)
		}
		e, ok := take(cacheKey(method, path))
		if !ok {
			return next(ctx, req)
		}
		if opts.OnHit != nil {
			opts.OnHit(method)
		}
		return preloadedResponse(e), nil
	}
}

func cacheKey(method, path string) string {
	return method + " " + apifetch.StablePath(path)
}

// preloadPath returns the API path of req. URL-only requests are matched
// through their rest_route query argument.
func preloadPath(req *apifetch.Request) (string, bool) {
	if req.Path != "" {
		return req.Path, true
	}
	if req.URL == "" {
		return "", false
	}
	args := apifetch.QueryArgs(req.URL)
	route := args.Get("rest_route")
	if route == "" {
		return "", false
	}
	args.Del("rest_route")
	return apifetch.AddQueryArgs(route, args), true
}

// preloadedResponse builds the synthetic 200 served on a hit. Parsed callers
// read the body; raw callers also get the captured headers.
func preloadedResponse(e PreloadEntry) *apifetch.Response {
	body := []byte(e.Body)
	if len(body) == 0 {
		body = []byte("null")
	}
	resp := &apifetch.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: body}
	for k, v := range e.Headers {
		resp.Header.Set(k, v)
	}
	return resp
}
