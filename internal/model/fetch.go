// Package model defines the wire types of the gateway's JSON API.
package model

import "encoding/json"

// FetchRequest is the JSON body of POST /fetch. It mirrors the pipeline's
// request descriptor.
type FetchRequest struct {
	Path      string            `json:"path,omitempty"`
	URL       string            `json:"url,omitempty"`
	Namespace string            `json:"namespace,omitempty"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Data      json.RawMessage   `json:"data,omitempty"`
	// Parse defaults to true. false returns the upstream response as is,
	// error statuses included.
	Parse     *bool  `json:"parse,omitempty"`
	BatchAs   string `json:"batchAs,omitempty"`
	SkipNonce bool   `json:"skipNonce,omitempty"`
}

// Raw reports whether the caller asked for the unparsed response.
func (r *FetchRequest) Raw() bool {
	return r.Parse != nil && !*r.Parse
}

// FetchResponse is the JSON envelope returned by POST /fetch.
type FetchResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	// Body holds the JSON document, or the text of a raw non-JSON body.
	Body json.RawMessage `json:"body,omitempty"`
}

// ErrorResponse is the body returned for failed requests. It keeps the REST
// API's own error shape.
type ErrorResponse struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
