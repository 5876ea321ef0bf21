package apifetch

import (
	"net/url"
	"testing"
)

func TestStablePath_Permutations(t *testing.T) {
	perms := []string{
		"/foo/bar?a=5&b=1&c=2",
		"/foo/bar?a=5&c=2&b=1",
		"/foo/bar?b=1&a=5&c=2",
		"/foo/bar?b=1&c=2&a=5",
		"/foo/bar?c=2&a=5&b=1",
		"/foo/bar?c=2&b=1&a=5",
	}
	want := "/foo/bar?a=5&b=1&c=2"
	for _, p := range perms {
		if got := StablePath(p); got != want {
			t.Errorf("StablePath(%q) = %q, want %q", p, got, want)
		}
	}
}

func TestStablePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/foo/bar", "/foo/bar"},
		{"/foo/bar?", "/foo/bar"},
		{"/foo?b=2&a=1&b=1", "/foo?a=1&b=2&b=1"},
		{"/foo?context=edit&_fields=id%2Ctitle", "/foo?_fields=id%2Ctitle&context=edit"},
		{"/foo?q=hello%20world", "/foo?q=hello%20world"},
		{"/foo?flag&a=1", "/foo?a=1&flag"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := StablePath(tt.path); got != tt.want {
				t.Errorf("StablePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestAddQueryArgs(t *testing.T) {
	tests := []struct {
		name   string
		target string
		args   url.Values
		want   string
	}{
		{"no query", "/wp/v2/posts", url.Values{"page": {"2"}}, "/wp/v2/posts?page=2"},
		{"replace", "/wp/v2/posts?page=1&per_page=100", url.Values{"page": {"3"}}, "/wp/v2/posts?page=3&per_page=100"},
		{"absolute", "https://example.com/wp-json/wp/v2/posts", url.Values{"_locale": {"user"}}, "https://example.com/wp-json/wp/v2/posts?_locale=user"},
		{"no args", "/wp/v2/posts?b=1&a=2", nil, "/wp/v2/posts?b=1&a=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AddQueryArgs(tt.target, tt.args); got != tt.want {
				t.Errorf("AddQueryArgs() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQueryArg(t *testing.T) {
	if v, ok := QueryArg("/x?a=1&b=", "b"); !ok || v != "" {
		t.Errorf("QueryArg(b) = %q, %v; want \"\", true", v, ok)
	}
	if v, ok := QueryArg("/x?a=1", "a"); !ok || v != "1" {
		t.Errorf("QueryArg(a) = %q, %v; want \"1\", true", v, ok)
	}
	if HasQueryArg("/x?a=1", "c") {
		t.Error("HasQueryArg(c) = true, want false")
	}
}

func TestRemoveQueryArgs(t *testing.T) {
	if got := RemoveQueryArgs("/x?a=1&b=2", "a"); got != "/x?b=2" {
		t.Errorf("RemoveQueryArgs() = %q, want %q", got, "/x?b=2")
	}
	if got := RemoveQueryArgs("/x?a=1", "a"); got != "/x" {
		t.Errorf("RemoveQueryArgs() = %q, want %q", got, "/x")
	}
	if got := RemoveQueryArgs("/x", "a"); got != "/x" {
		t.Errorf("RemoveQueryArgs() = %q, want %q", got, "/x")
	}
}
