package model

import (
	"net/http"
	"net/url"
)

// ProxyRequest is an inbound /wp-json/ request to be sent through the
// pipeline.
type ProxyRequest struct {
	Method string
	// Path is the API route below /wp-json, e.g. /wp/v2/posts.
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}
