// Package ratelimit implements a fixed window request limiter keyed by
// client address.
//
// A window opens with the first hit of a key and lasts Window, after that
// the count starts from zero again. Counters live in a CounterStore which is
// handed to the limiter explicitly, the in-memory one is scoped to the
// process lifetime.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Clock returns the current time, tests replace it to move windows.
	Clock func() time.Time

	// CounterStore records hits. Incr must be atomic per key: concurrent
	// calls for one key observe distinct counts.
	CounterStore interface {
		Incr(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, windowStart time.Time, err error)
	}

	Limiter struct {
		limit  int64
		window time.Duration
		store  CounterStore
		clock  Clock
	}

	Decision struct {
		Allowed    bool
		Remaining  int64
		RetryAfter time.Duration
		ResetAt    time.Time
	}
)

var (
	ErrRateLimited = errors.New("rate limit exceeded")
)

// New returns a limiter allowing limit hits per window for every key.
// A nil clock means time.Now.
func New(limit int, window time.Duration, store CounterStore, clock Clock) (*Limiter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %v", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive, got %v", window)
	}
	if store == nil {
		return nil, errors.New("rate limit counter store is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		limit:  int64(limit),
		window: window,
		store:  store,
		clock:  clock,
	}, nil
}

// Allow records one hit for key and decides whether it fits in the current
// window.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.clock()
	count, start, err := l.store.Incr(ctx, key, l.window, now)
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("unable to count hit, cause %w", err)
	}
	reset := start.Add(l.window)
	d := Decision{
		Allowed: count <= l.limit,
		ResetAt: reset,
	}
	if d.Allowed {
		d.Remaining = l.limit - count
		return d, nil
	}
	d.RetryAfter = reset.Sub(now)
	if d.RetryAfter < 0 {
		d.RetryAfter = 0
	}
	return d, nil
}

func (l *Limiter) Limit() int {
	return int(l.limit)
}

func (l *Limiter) Window() time.Duration {
	return l.window
}
