package apifetch

import "sync/atomic"

// NonceHeader carries the anti-CSRF token.
const NonceHeader = "X-WP-Nonce"

// Nonce holds the current nonce value. Any number of in-flight requests read
// it; the nonce refresh path is the only writer.
type Nonce struct {
	v atomic.Pointer[string]
}

// NewNonce returns a cell holding value.
func NewNonce(value string) *Nonce {
	n := &Nonce{}
	n.Set(value)
	return n
}

// Get returns the current value.
func (n *Nonce) Get() string {
	if p := n.v.Load(); p != nil {
		return *p
	}
	return ""
}

// Set replaces the current value.
func (n *Nonce) Set(value string) {
	n.v.Store(&value)
}
