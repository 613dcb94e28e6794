// Package ratelimit implements fixed-window admission control per operation
// type. Every operation class gets an independent counter and limit; sandbox
// creation is scarce and capped far below general command execution.
//
// The limiter is a pure admission check: it never queues or retries. Callers
// that receive a denial decide whether to enqueue (see internal/jobs).
//
// Window state lives behind the Store interface so that the serving tier can
// stay stateless: the Redis store is the production backend, shared by every
// replica; the memory store exists for tests and single-process deployments.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimited is returned by Admit when the current window is exhausted.
var ErrRateLimited = errors.New("rate limit exceeded")

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // time remaining in the window when denied
	Remaining  int           // admissions left in the window when allowed
}

// Store atomically maintains one counter per operation type per window.
// Implementations must make Incr a single atomic read-modify-write so two
// concurrent callers can never both observe the last slot as free.
type Store interface {
	// Incr increments op's counter for the current window, resetting it
	// first if the window has expired. It returns the post-increment count
	// and the time remaining until the window resets.
	Incr(ctx context.Context, op string, window time.Duration) (count int64, remaining time.Duration, err error)

	// Count returns op's current counter without incrementing it.
	Count(ctx context.Context, op string, window time.Duration) (int64, error)
}

// Limiter performs fixed-window admission per operation type.
type Limiter struct {
	store        Store
	window       time.Duration
	limits       map[string]int
	defaultLimit int
}

// Usage is a point-in-time snapshot of one operation's window, used by the
// operational health view.
type Usage struct {
	Count int64 `json:"count"`
	Limit int   `json:"limit"`
}

// New creates a limiter with per-operation limits over a shared window
// duration. Operations absent from limits fall back to defaultLimit.
func New(store Store, window time.Duration, limits map[string]int, defaultLimit int) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if defaultLimit <= 0 {
		defaultLimit = 60
	}
	return &Limiter{
		store:        store,
		window:       window,
		limits:       limits,
		defaultLimit: defaultLimit,
	}
}

// LimitFor returns the configured window limit for an operation type.
func (l *Limiter) LimitFor(op string) int {
	if limit, ok := l.limits[op]; ok && limit > 0 {
		return limit
	}
	return l.defaultLimit
}

// Admit checks whether one operation of the given type may proceed now.
// The counter increment and the comparison happen atomically in the store,
// so concurrent callers cannot both be admitted past the limit.
func (l *Limiter) Admit(ctx context.Context, op string) (Decision, error) {
	count, remaining, err := l.store.Incr(ctx, op, l.window)
	if err != nil {
		return Decision{}, err
	}

	limit := l.LimitFor(op)
	if count > int64(limit) {
		return Decision{Allowed: false, RetryAfter: remaining}, nil
	}
	return Decision{Allowed: true, Remaining: limit - int(count)}, nil
}

// Remaining reports how many admissions are left in op's current window
// without consuming one. The job sweep uses this to cap how much queued work
// it replays per pass.
func (l *Limiter) Remaining(ctx context.Context, op string) (int, error) {
	count, err := l.store.Count(ctx, op, l.window)
	if err != nil {
		return 0, err
	}
	left := l.LimitFor(op) - int(count)
	if left < 0 {
		left = 0
	}
	return left, nil
}

// UsageByOperation snapshots every configured operation's window for the
// health endpoint.
func (l *Limiter) UsageByOperation(ctx context.Context) (map[string]Usage, error) {
	out := make(map[string]Usage, len(l.limits))
	for op := range l.limits {
		count, err := l.store.Count(ctx, op, l.window)
		if err != nil {
			return nil, err
		}
		out[op] = Usage{Count: count, Limit: l.LimitFor(op)}
	}
	return out, nil
}
