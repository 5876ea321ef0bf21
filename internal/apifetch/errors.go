package apifetch

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes produced by the pipeline itself. Any other code comes verbatim
// from the server.
const (
	CodeFetchError   = "fetch_error"
	CodeInvalidJSON  = "invalid_json"
	CodeUnknownError = "unknown_error"
	CodeInvalidNonce = "rest_cookie_invalid_nonce"
	CodePostProcess  = "post_process"
)

const (
	msgOffline     = "You are probably offline."
	msgInvalidJSON = "The response is not a valid JSON response."
	msgUnknown     = "An unknown error occurred."
)

// Error is the normalized error shape returned for parsed requests.
type Error struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	// Status is the HTTP status of the failed response, 0 when none was
	// received.
	Status int `json:"-"`
	// Err is the underlying cause, set for fetch_error.
	Err error `json:"-"`
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ResponseError is returned for non-2xx responses to Raw requests. The
// response is passed back uninterpreted.
type ResponseError struct {
	Response *Response
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("apifetch: unexpected status %d", e.Response.StatusCode)
}

// ErrorCode returns the code of the first *Error in err's chain, or "".
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ResponseOf returns the response carried by a *ResponseError in err's chain.
func ResponseOf(err error) (*Response, bool) {
	var re *ResponseError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response, true
	}
	return nil, false
}
