// Package backoff provides the deterministic retry-delay policy used by the
// socket transport when scheduling reconnects.
package backoff

import "time"

// Default policy bounds for socket reconnection.
const (
	DefaultBase = 1 * time.Second
	DefaultMax  = 60 * time.Second
)

// Policy produces a non-decreasing, Fibonacci-shaped sequence of delays.
// Next advances through the sequence; Reset rewinds to the start. The policy
// holds pure state and performs no I/O; callers that share one instance
// across goroutines must serialize access themselves.
type Policy struct {
	base time.Duration
	max  time.Duration
	prev time.Duration
	cur  time.Duration
}

// New creates a policy that starts at base and grows along the Fibonacci
// sequence until it saturates at max. Non-positive base falls back to
// DefaultBase; a max below base is raised to base.
func New(base, max time.Duration) *Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if max < base {
		max = base
	}
	p := &Policy{base: base, max: max}
	p.Reset()
	return p
}

// Next returns the next delay in the sequence and advances position.
func (p *Policy) Next() time.Duration {
	d := p.cur
	if d >= p.max {
		return p.max
	}
	next := p.prev + p.cur
	if next > p.max {
		next = p.max
	}
	p.prev, p.cur = p.cur, next
	return d
}

// Reset rewinds the sequence so the following Next returns the base delay
// again. Called after a connection is fully reestablished.
func (p *Policy) Reset() {
	p.prev = 0
	p.cur = p.base
}
