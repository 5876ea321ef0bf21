// Package middlewares holds the built-in apifetch middlewares.
package middlewares

import (
	"context"
	"net/url"

	"apifetch-gateway/internal/apifetch"
)

// NonceOptions configures the nonce middleware.
type NonceOptions struct {
	// RequestFilter decides whether a request may carry the nonce. The
	// default sends it only to the site's own origin.
	RequestFilter func(req *apifetch.Request) bool
	// SiteURL is the reference origin for the default filter.
	SiteURL string
}

// Nonce injects the current value of n as the X-WP-Nonce header.
//
// Requests that already carry the header (in any case), that set SkipNonce,
// or that the filter rejects pass through untouched.
func Nonce(n *apifetch.Nonce, opts NonceOptions) apifetch.Middleware {
	filter := opts.RequestFilter
	if filter == nil {
		filter = sameOriginFilter(opts.SiteURL)
	}

	return func(ctx context.Context, req *apifetch.Request, next apifetch.Handler) (*apifetch.Response, error) {
		if req.HasHeader(apifetch.NonceHeader) || req.SkipNonce || !filter(req) {
			return next(ctx, req)
		}
		return next(ctx, req.WithHeader(apifetch.NonceHeader, n.Get()))
	}
}

// sameOriginFilter accepts path-only requests and absolute URLs sharing the
// site's scheme and host. Without a site URL every absolute URL is treated as
// foreign.
func sameOriginFilter(siteURL string) func(*apifetch.Request) bool {
	site, err := url.Parse(siteURL)
	if err != nil || !site.IsAbs() {
		site = nil
	}
	return func(req *apifetch.Request) bool {
		if req.URL == "" {
			return true
		}
		u, err := url.Parse(req.URL)
		if err != nil {
			return false
		}
		if !u.IsAbs() {
			return true
		}
		return site != nil && apifetch.SameOrigin(u, site)
	}
}
