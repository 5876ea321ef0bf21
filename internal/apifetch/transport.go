package apifetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const defaultAccept = "application/json, */*;q=0.1"

// Doer sends an HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TransportOptions configures the default fetch handler.
type TransportOptions struct {
	// Location plays the role of the current page address: it is the target
	// of a request with neither URL nor Path, the base for relative targets,
	// and the origin for same-origin credentials.
	Location string
	// Jar stores cookies between requests. Nil disables cookie handling.
	Jar http.CookieJar
}

// Transport is the default fetch handler. It sends requests through a Doer
// and normalizes responses and failures.
type Transport struct {
	doer     Doer
	location *url.URL
	jar      http.CookieJar
}

// NewTransport creates a Transport sending through doer.
func NewTransport(doer Doer, opts TransportOptions) (*Transport, error) {
	t := &Transport{doer: doer, jar: opts.Jar}
	if opts.Location != "" {
		u, err := url.Parse(opts.Location)
		if err != nil {
			return nil, fmt.Errorf("apifetch: parse location: %w", err)
		}
		if !u.IsAbs() {
			return nil, fmt.Errorf("apifetch: location %q is not absolute", opts.Location)
		}
		t.location = u
	}
	return t, nil
}

// Handle is the Handler implementation of the transport.
func (t *Transport) Handle(ctx context.Context, req *Request) (*Response, error) {
	target, err := t.resolve(req.Target())
	if err != nil {
		return nil, err
	}

	header := http.Header{"Accept": {defaultAccept}}
	for k, v := range req.Header {
		header[http.CanonicalHeaderKey(k)] = v
	}

	body := req.Body
	if req.Data != nil {
		body, err = json.Marshal(req.Data)
		if err != nil {
			return nil, fmt.Errorf("apifetch: encode data: %w", err)
		}
		header.Set("Content-Type", "application/json")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.EffectiveMethod(), target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("apifetch: build request: %w", err)
	}
	hreq.Header = header
	t.attachCookies(hreq, target, req.Credentials)

	hresp, err := t.doer.Do(hreq)
	if err != nil {
		return nil, networkError(ctx, err)
	}
	defer func() { _ = hresp.Body.Close() }()

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, networkError(ctx, err)
	}
	t.storeCookies(target, hresp, req.Credentials)

	return Normalize(&Response{
		StatusCode: hresp.StatusCode,
		Header:     hresp.Header,
		Body:       data,
	}, req.Raw)
}

// networkError maps a failure that produced no HTTP response. Cancellation is
// passed through unchanged so callers can tell it apart from being offline.
func networkError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Code: CodeFetchError, Message: msgOffline, Err: err}
}

func (t *Transport) resolve(target string) (*url.URL, error) {
	if target == "" {
		if t.location == nil {
			return nil, errors.New("apifetch: request has no target and no location is configured")
		}
		u := *t.location
		return &u, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("apifetch: parse target: %w", err)
	}
	if u.IsAbs() {
		return u, nil
	}
	if t.location == nil {
		return nil, fmt.Errorf("apifetch: relative target %q and no location is configured", target)
	}
	return t.location.ResolveReference(u), nil
}

func (t *Transport) sendsCredentials(target *url.URL, mode Credentials) bool {
	switch mode {
	case CredentialsOmit:
		return false
	case CredentialsSameOrigin:
		return t.location != nil && SameOrigin(target, t.location)
	default:
		return true
	}
}

func (t *Transport) attachCookies(hreq *http.Request, target *url.URL, mode Credentials) {
	if t.jar == nil || !t.sendsCredentials(target, mode) {
		return
	}
	for _, c := range t.jar.Cookies(target) {
		hreq.AddCookie(c)
	}
}

func (t *Transport) storeCookies(target *url.URL, hresp *http.Response, mode Credentials) {
	if t.jar == nil || !t.sendsCredentials(target, mode) {
		return
	}
	if cookies := hresp.Cookies(); len(cookies) > 0 {
		t.jar.SetCookies(target, cookies)
	}
}

// SameOrigin reports whether a and b share scheme and host.
func SameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Host == b.Host
}
