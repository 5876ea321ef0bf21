package apifetch

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// Response is a fully buffered HTTP response.
//
// For parsed requests Body holds a valid JSON document, or is nil when the
// server answered 204 No Content.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the body into v. A nil body decodes as JSON null and leaves v
// untouched.
func (r *Response) JSON(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// OK reports whether the status is in [200, 300).
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ParseResponse normalizes a successful response. Raw requests get resp back
// untouched; parsed requests get a nil body for 204 and an invalid_json error
// when the body is not JSON.
func ParseResponse(resp *Response, raw bool) (*Response, error) {
	if raw {
		return resp, nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header}, nil
	}
	if !json.Valid(resp.Body) {
		return nil, &Error{Code: CodeInvalidJSON, Message: msgInvalidJSON, Status: resp.StatusCode}
	}
	return resp, nil
}

// ParseError converts a failed response into the error handed to callers.
// Raw requests receive a *ResponseError; parsed requests receive the server's
// JSON error body, or a synthesized invalid_json / unknown_error.
func ParseError(resp *Response, raw bool) error {
	if raw {
		return &ResponseError{Response: resp}
	}
	if !json.Valid(resp.Body) {
		return &Error{Code: CodeInvalidJSON, Message: msgInvalidJSON, Status: resp.StatusCode}
	}

	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 || body[0] != '{' {
		// null, false, 0, "" and arrays carry no usable error payload.
		return &Error{Code: CodeUnknownError, Message: msgUnknown, Status: resp.StatusCode, Data: json.RawMessage(body)}
	}

	var e Error
	if err := json.Unmarshal(body, &e); err != nil {
		return &Error{Code: CodeUnknownError, Message: msgUnknown, Status: resp.StatusCode}
	}
	e.Status = resp.StatusCode
	return &e
}

// Normalize routes resp through ParseResponse or ParseError depending on its
// status.
func Normalize(resp *Response, raw bool) (*Response, error) {
	if !resp.OK() {
		return nil, ParseError(resp, raw)
	}
	return ParseResponse(resp, raw)
}
