package middlewares

import (
	"context"
	"strings"

	"apifetch-gateway/internal/apifetch"
)

// Namespace composes the Namespace and Endpoint shorthand into Path.
func Namespace() apifetch.Middleware {
	return func(ctx context.Context, req *apifetch.Request, next apifetch.Handler) (*apifetch.Response, error) {
		if req.Namespace == "" && req.Endpoint == "" {
			return next(ctx, req)
		}
		r := req.Clone()
		if path, ok := namespacePath(req); ok {
			r.Path = path
		}
		r.Namespace, r.Endpoint = "", ""
		return next(ctx, r)
	}
}

// namespacePath builds "namespace/endpoint" when both are set.
func namespacePath(req *apifetch.Request) (string, bool) {
	if req.Namespace == "" || req.Endpoint == "" {
		return "", false
	}
	ns := strings.Trim(req.Namespace, "/")
	ep := strings.TrimPrefix(req.Endpoint, "/")
	if ep == "" {
		return ns, true
	}
	return ns + "/" + ep, true
}

// RootURL rewrites Path into an absolute URL under rootURL, after applying
// the namespace shorthand. A root carrying a query string (plain permalinks,
// "?rest_route=") gets the path's own query appended with '&'.
func RootURL(rootURL string) apifetch.Middleware {
	ns := Namespace()
	rootHasQuery := strings.Contains(rootURL, "?")

	return func(ctx context.Context, req *apifetch.Request, next apifetch.Handler) (*apifetch.Response, error) {
		return ns(ctx, req, func(ctx context.Context, req *apifetch.Request) (*apifetch.Response, error) {
			if req.Path == "" {
				return next(ctx, req)
			}
			path := strings.TrimPrefix(req.Path, "/")
			if rootHasQuery {
				path = strings.Replace(path, "?", "&", 1)
			}
			r := req.Clone()
			r.URL = rootURL + path
			return next(ctx, r)
		})
	}
}
