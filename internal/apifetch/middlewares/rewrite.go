package middlewares

import (
	"context"
	"net/http"
	"net/url"

	"apifetch-gateway/internal/apifetch"
)

// MethodOverrideHeader carries the real verb of a tunnelled request.
const MethodOverrideHeader = "X-HTTP-Method-Override"

var overrideMethods = map[string]bool{
	http.MethodPatch:  true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// HTTPV1 tunnels PATCH, PUT and DELETE through POST for servers that only
// accept GET and POST.
func HTTPV1() apifetch.Middleware {
	return func(ctx context.Context, req *apifetch.Request, next apifetch.Handler) (*apifetch.Response, error) {
		method := req.EffectiveMethod()
		if !overrideMethods[method] {
			return next(ctx, req)
		}
		r := req.Clone()
		if r.Header == nil {
			r.Header = make(http.Header)
		}
		r.Header.Set(MethodOverrideHeader, method)
		r.Header.Set("Content-Type", "application/json")
		r.Method = http.MethodPost
		return next(ctx, r)
	}
}

// UserLocale asks the server to answer in the current user's locale by
// adding _locale=user, unless the request already names a locale.
func UserLocale() apifetch.Middleware {
	return func(ctx context.Context, req *apifetch.Request, next apifetch.Handler) (*apifetch.Response, error) {
		return next(ctx, rewriteTargets(req, func(target string) string {
			if apifetch.HasQueryArg(target, "_locale") {
				return target
			}
			return apifetch.AddQueryArgs(target, url.Values{"_locale": {"user"}})
		}))
	}
}

// ThemePreview tags requests with wp_theme_preview=themePath so the server
// renders with the previewed theme. An explicitly empty wp_theme_preview
// opts out and is removed.
func ThemePreview(themePath string) apifetch.Middleware {
	return func(ctx context.Context, req *apifetch.Request, next apifetch.Handler) (*apifetch.Response, error) {
		return next(ctx, rewriteTargets(req, func(target string) string {
			v, ok := apifetch.QueryArg(target, "wp_theme_preview")
			switch {
			case !ok:
				return apifetch.AddQueryArgs(target, url.Values{"wp_theme_preview": {themePath}})
			case v == "":
				return apifetch.RemoveQueryArgs(target, "wp_theme_preview")
			default:
				return target
			}
		}))
	}
}

// rewriteTargets applies fn to the non-empty Path and URL of req. It returns
// req itself when nothing changed and a clone otherwise.
func rewriteTargets(req *apifetch.Request, fn func(string) string) *apifetch.Request {
	path, u := req.Path, req.URL
	if path != "" {
		path = fn(path)
	}
	if u != "" {
		u = fn(u)
	}
	if path == req.Path && u == req.URL {
		return req
	}
	r := req.Clone()
	r.Path, r.URL = path, u
	return r
}
