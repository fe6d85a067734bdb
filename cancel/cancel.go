// Package cancel provides the cooperative stop flag shared by the Search
// Engine and the Replacer: a cancel token polled between inner iterations
// rather than a context that can forcibly abort a goroutine mid-flight.
package cancel

import "go.uber.org/atomic"

// Token is a cancel flag shared by pointer: a Token copied by value
// carries its own independent flag. The zero value is a valid,
// not-yet-cancelled token.
type Token struct {
	flag atomic.Bool
}

// New returns a fresh, not-cancelled Token.
func New() *Token {
	return &Token{}
}

// Cancel requests cooperative cancellation. Safe to call from any
// goroutine, any number of times.
func (t *Token) Cancel() {
	t.flag.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	return t.flag.Load()
}
