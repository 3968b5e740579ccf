// Package backoff implements the bounded exponential retry state machine used
// by the commit protocols and the change dispatcher.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"

	"pkt.systems/peersetd/internal/clock"
)

// Policy defaults.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 50 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
	DefaultMultiplier  = 2.0
)

// Policy controls retry behaviour.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter adds up to this fraction of each delay at random (0 disables).
	Jitter float64
}

// WithDefaults fills zero fields with package defaults.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Start returns a fresh retry state for p. The first attempt is already
// counted.
func (p Policy) Start() *Retrier {
	p = p.WithDefaults()
	return &Retrier{policy: p, attempt: 1, delay: p.BaseDelay}
}

// Retrier tracks one retry sequence. It is not safe for concurrent use.
type Retrier struct {
	policy  Policy
	attempt int
	delay   time.Duration
}

// Attempt returns the 1-based number of the current attempt.
func (r *Retrier) Attempt() int {
	return r.attempt
}

// Exhausted reports whether no attempts remain.
func (r *Retrier) Exhausted() bool {
	return r.attempt >= r.policy.MaxAttempts
}

// Next advances to the following attempt and returns the delay to wait before
// it. ok is false once MaxAttempts has been reached.
func (r *Retrier) Next() (delay time.Duration, ok bool) {
	if r.Exhausted() {
		return 0, false
	}
	delay = r.delay
	if r.policy.Jitter > 0 && delay > 0 {
		delay += time.Duration(rand.Int64N(int64(float64(delay)*r.policy.Jitter) + 1))
	}
	next := time.Duration(float64(r.delay) * r.policy.Multiplier)
	if next > r.policy.MaxDelay {
		next = r.policy.MaxDelay
	}
	r.delay = next
	r.attempt++
	return delay, true
}

// Reset rewinds the sequence to its first attempt.
func (r *Retrier) Reset() {
	r.attempt = 1
	r.delay = r.policy.BaseDelay
}

// Wait blocks for d on clk or until ctx is done.
func Wait(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}

// Do runs fn until it succeeds, retryable reports false, attempts run out or
// ctx ends. The last error is returned.
func Do(ctx context.Context, clk clock.Clock, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	r := p.Start()
	for {
		err := fn(ctx, r.Attempt())
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		delay, ok := r.Next()
		if !ok {
			return err
		}
		if waitErr := Wait(ctx, clk, delay); waitErr != nil {
			return err
		}
	}
}
