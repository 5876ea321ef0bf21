package apifetch

import (
	"net/url"
	"sort"
	"strings"
)

// splitQuery splits target at the first '?'.
func splitQuery(target string) (base, query string) {
	base, query, _ = strings.Cut(target, "?")
	return base, query
}

// QueryArgs returns the parsed query string of a path or URL.
func QueryArgs(target string) url.Values {
	_, query := splitQuery(target)
	v, _ := url.ParseQuery(query)
	if v == nil {
		v = url.Values{}
	}
	return v
}

// QueryArg returns the first value of key and whether key was present.
func QueryArg(target, key string) (string, bool) {
	vals, ok := QueryArgs(target)[key]
	if !ok {
		return "", false
	}
	if len(vals) == 0 {
		return "", true
	}
	return vals[0], true
}

// HasQueryArg reports whether key appears in target's query string.
func HasQueryArg(target, key string) bool {
	_, ok := QueryArg(target, key)
	return ok
}

// AddQueryArgs merges args into target's query string, replacing existing
// values for the same keys.
func AddQueryArgs(target string, args url.Values) string {
	if len(args) == 0 {
		return target
	}
	base, _ := splitQuery(target)
	q := QueryArgs(target)
	for k, v := range args {
		q[k] = v
	}
	return base + "?" + q.Encode()
}

// RemoveQueryArgs drops keys from target's query string.
func RemoveQueryArgs(target string, keys ...string) string {
	base, query := splitQuery(target)
	if query == "" {
		return target
	}
	q := QueryArgs(target)
	for _, k := range keys {
		q.Del(k)
	}
	if len(q) == 0 {
		return base
	}
	return base + "?" + q.Encode()
}

// StablePath returns path with its query parameters stably sorted by key, so
// that two spellings of the same request map to one cache key. Values of
// repeated keys keep their relative order. A path without a query string is
// returned unchanged.
func StablePath(path string) string {
	base, query := splitQuery(path)
	if query == "" {
		return base
	}

	entries := strings.Split(query, "&")
	pairs := make([][]string, 0, len(entries))
	for _, entry := range entries {
		parts := strings.Split(entry, "=")
		for i, p := range parts {
			parts[i] = decodeURIComponent(p)
		}
		pairs = append(pairs, parts)
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i][0] < pairs[j][0]
	})

	out := make([]string, len(pairs))
	for i, pair := range pairs {
		enc := make([]string, len(pair))
		for j, p := range pair {
			enc[j] = encodeURIComponent(p)
		}
		out[i] = strings.Join(enc, "=")
	}
	return base + "?" + strings.Join(out, "&")
}

func decodeURIComponent(s string) string {
	d, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return d
}

// encodeURIComponent escapes everything except the characters left alone by
// the browser function of the same name.
func encodeURIComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&15])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}
