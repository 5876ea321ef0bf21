package middlewares

import "apifetch-gateway/internal/apifetch"

// Defaults returns the middlewares every client runs, outermost first. The
// configurable ones (nonce, root URL, preloading, batching, media upload) are
// registered in front of these with Client.Use.
func Defaults() []apifetch.Middleware {
	return []apifetch.Middleware{
		UserLocale(),
		Namespace(),
		HTTPV1(),
		FetchAll(),
	}
}
