package apifetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// doerFunc adapts a function to Doer.
type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

func stubResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestTransport(t *testing.T, doer Doer, location string) *Transport {
	t.Helper()
	tr, err := NewTransport(doer, TransportOptions{Location: location})
	if err != nil {
		t.Fatalf("NewTransport() error = %v", err)
	}
	return tr
}

func TestTransport_DefaultHeadersAndJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != defaultAccept {
			t.Errorf("Accept = %q, want %q", got, defaultAccept)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want %q", got, "application/json")
		}
		if got := r.Header.Get("X-Custom"); got != "yes" {
			t.Errorf("X-Custom = %q, want %q", got, "yes")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"title":"Hello"}` {
			t.Errorf("body = %q, want %q", body, `{"title":"Hello"}`)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer srv.Close()

	tr := newTestTransport(t, srv.Client(), srv.URL)
	resp, err := tr.Handle(context.Background(), &Request{
		Path:   "/wp/v2/posts",
		Method: http.MethodPost,
		Header: http.Header{"x-custom": {"yes"}},
		Data:   map[string]string{"title": "Hello"},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if resp.Text() != `{"id":7}` {
		t.Errorf("body = %q, want %q", resp.Text(), `{"id":7}`)
	}
}

func TestTransport_ExplicitAcceptWins(t *testing.T) {
	doer := doerFunc(func(r *http.Request) (*http.Response, error) {
		if got := r.Header.Get("Accept"); got != "text/plain" {
			t.Errorf("Accept = %q, want %q", got, "text/plain")
		}
		return stubResponse(200, `"ok"`), nil
	})
	tr := newTestTransport(t, doer, "https://example.com/")
	if _, err := tr.Handle(context.Background(), &Request{Path: "/x", Header: http.Header{"Accept": {"text/plain"}}}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
}

func TestTransport_TargetResolution(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
		want string
	}{
		{"url wins", &Request{URL: "https://api.example.org/a", Path: "/b"}, "https://api.example.org/a"},
		{"path resolved", &Request{Path: "/wp-json/wp/v2/posts?page=2"}, "https://example.com/wp-json/wp/v2/posts?page=2"},
		{"location fallback", &Request{}, "https://example.com/wp-admin/post.php"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			doer := doerFunc(func(r *http.Request) (*http.Response, error) {
				got = r.URL.String()
				return stubResponse(200, "{}"), nil
			})
			tr := newTestTransport(t, doer, "https://example.com/wp-admin/post.php")
			if _, err := tr.Handle(context.Background(), tt.req); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("target = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransport_RelativeWithoutLocation(t *testing.T) {
	tr := newTestTransport(t, doerFunc(func(*http.Request) (*http.Response, error) {
		t.Fatal("doer should not be called")
		return nil, nil
	}), "")
	if _, err := tr.Handle(context.Background(), &Request{Path: "/x"}); err == nil {
		t.Fatal("Handle() expected error for relative path without location, got nil")
	}
}

func TestTransport_Statuses(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		raw      bool
		wantBody string
		wantCode string
	}{
		{"ok", 200, `[{"id":1}]`, false, `[{"id":1}]`, ""},
		{"no content", 204, "", false, "", ""},
		{"server error body", 400, `{"code":"bad_request","message":"Bad Request"}`, false, "", "bad_request"},
		{"html error", 500, "<h1>fatal</h1>", false, "", CodeInvalidJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := doerFunc(func(*http.Request) (*http.Response, error) {
				return stubResponse(tt.status, tt.body), nil
			})
			tr := newTestTransport(t, doer, "https://example.com/")
			resp, err := tr.Handle(context.Background(), &Request{Path: "/wp/v2/posts", Raw: tt.raw})
			if tt.wantCode != "" {
				if code := ErrorCode(err); code != tt.wantCode {
					t.Fatalf("code = %q, want %q", code, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if resp.Text() != tt.wantBody {
				t.Errorf("body = %q, want %q", resp.Text(), tt.wantBody)
			}
		})
	}
}

func TestTransport_RawNon2xx(t *testing.T) {
	doer := doerFunc(func(*http.Request) (*http.Response, error) {
		return stubResponse(503, "down"), nil
	})
	tr := newTestTransport(t, doer, "https://example.com/")
	_, err := tr.Handle(context.Background(), &Request{Path: "/x", Raw: true})
	resp, ok := ResponseOf(err)
	if !ok {
		t.Fatalf("err = %v, want *ResponseError", err)
	}
	if resp.StatusCode != 503 || resp.Text() != "down" {
		t.Errorf("response = %d %q, want 503 %q", resp.StatusCode, resp.Text(), "down")
	}
}

func TestTransport_OfflineError(t *testing.T) {
	netErr := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	doer := doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, netErr
	})
	tr := newTestTransport(t, doer, "https://example.com/")
	_, err := tr.Handle(context.Background(), &Request{Path: "/x"})

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err = %T, want *Error", err)
	}
	if e.Code != CodeFetchError || e.Message != msgOffline {
		t.Errorf("error = %q/%q, want %q/%q", e.Code, e.Message, CodeFetchError, msgOffline)
	}
	if !errors.Is(err, netErr) {
		t.Error("fetch_error does not wrap the network error")
	}
}

func TestTransport_AbortPassesThrough(t *testing.T) {
	doer := doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, context.Canceled
	})
	tr := newTestTransport(t, doer, "https://example.com/")
	_, err := tr.Handle(context.Background(), &Request{Path: "/x"})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled unchanged", err)
	}
	if ErrorCode(err) != "" {
		t.Errorf("abort was converted to %q", ErrorCode(err))
	}
}

func TestTransport_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := newTestTransport(t, srv.Client(), srv.URL)
	_, err := tr.Handle(ctx, &Request{Path: "/slow"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if ErrorCode(err) == CodeFetchError {
		t.Error("canceled request reported as offline")
	}
}

func TestTransport_Credentials(t *testing.T) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	site, _ := url.Parse("https://example.com/")
	other, _ := url.Parse("https://cdn.example.net/")
	jar.SetCookies(site, []*http.Cookie{{Name: "session", Value: "abc"}})
	jar.SetCookies(other, []*http.Cookie{{Name: "session", Value: "xyz"}})

	tests := []struct {
		name   string
		req    *Request
		wantOK bool
	}{
		{"include", &Request{Path: "/x"}, true},
		{"omit", &Request{Path: "/x", Credentials: CredentialsOmit}, false},
		{"same-origin match", &Request{Path: "/x", Credentials: CredentialsSameOrigin}, true},
		{"same-origin other host", &Request{URL: "https://cdn.example.net/x", Credentials: CredentialsSameOrigin}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sent bool
			doer := doerFunc(func(r *http.Request) (*http.Response, error) {
				_, err := r.Cookie("session")
				sent = err == nil
				return stubResponse(200, "{}"), nil
			})
			tr, err := NewTransport(doer, TransportOptions{Location: site.String(), Jar: jar})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := tr.Handle(context.Background(), tt.req); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if sent != tt.wantOK {
				t.Errorf("cookie sent = %v, want %v", sent, tt.wantOK)
			}
		})
	}
}

func TestNewTransport_RejectsRelativeLocation(t *testing.T) {
	if _, err := NewTransport(http.DefaultClient, TransportOptions{Location: "/wp-admin/"}); err == nil {
		t.Fatal("NewTransport() expected error for relative location, got nil")
	}
}
