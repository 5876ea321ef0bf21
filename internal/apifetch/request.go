// Package apifetch implements a middleware pipeline around a single HTTP
// transport for talking to a WordPress-style REST API.
//
// A Request flows through an ordered list of Middleware (first element is
// outermost) down to the fetch Handler, and the Response or error flows back
// up through the same layers. Requests are immutable by convention: a
// middleware that needs a different request clones it first.
package apifetch

import (
	"net/http"
	"strings"
)

// Credentials controls whether stored cookies accompany a request.
type Credentials string

const (
	CredentialsInclude    Credentials = "include"
	CredentialsSameOrigin Credentials = "same-origin"
	CredentialsOmit       Credentials = "omit"
)

// Request describes one API call.
type Request struct {
	// Path is a site-relative API path and may carry a query string.
	Path string
	// URL is an absolute address. When set it wins over Path at the transport.
	URL string
	// Namespace and Endpoint are shorthand for Path ("wp/v2" + "posts").
	Namespace string
	Endpoint  string

	Method string
	Header http.Header

	// Data is serialized as JSON into the request body.
	Data any
	// Body is an already-serialized request body. Ignored when Data is set.
	Body []byte

	// Raw returns the buffered response untouched instead of decoding it.
	Raw bool
	// SkipNonce disables nonce injection for this request.
	SkipNonce bool
	// BatchAs groups mutating requests into a single batch call.
	BatchAs string

	// Credentials defaults to CredentialsInclude.
	Credentials Credentials
}

// Clone returns a shallow copy of r with its own header map. Body and Data are
// shared and must not be modified in place.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	return &c
}

// EffectiveMethod returns the upper-cased method, defaulting to GET.
func (r *Request) EffectiveMethod() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// Target returns URL if set, else Path.
func (r *Request) Target() string {
	if r.URL != "" {
		return r.URL
	}
	return r.Path
}

// HasHeader reports whether a header named name is present, comparing names
// case-insensitively. Header maps built by hand may hold non-canonical keys.
func (r *Request) HasHeader(name string) bool {
	for k := range r.Header {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// WithHeader returns a copy of r with the header key set to value.
func (r *Request) WithHeader(key, value string) *Request {
	c := r.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	c.Header.Set(key, value)
	return c
}
