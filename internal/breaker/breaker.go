// Package breaker implements a three-state circuit breaker for the remote
// sandbox service. State is shared across all replicas of the serving tier
// through the Store interface; the Redis store is the production backend.
//
// Closed passes calls through and counts consecutive failures. Open
// short-circuits every call without touching the upstream until a cooldown
// elapses. After the cooldown exactly one caller is admitted as the HalfOpen
// probe; everyone else keeps getting short-circuited until the probe reports
// back. Probe admission is an atomic claim, not a state check, so concurrent
// callers on every replica cannot stampede a recovering upstream.
package breaker

import (
	"context"
	"errors"
	"time"

	"appforge/internal/telemetry"
)

// ErrCircuitOpen is returned when a call is short-circuited.
var ErrCircuitOpen = errors.New("circuit open")

// State is the breaker's position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Snapshot is a point-in-time view of breaker state, shared by all callers.
type Snapshot struct {
	State       State         `json:"state"`
	Failures    int           `json:"consecutive_failures"`
	OpenedAt    time.Time     `json:"opened_at,omitempty"`
	NextProbeAt time.Time     `json:"next_probe_at,omitempty"`
	Cooldown    time.Duration `json:"-"`
}

// Store persists breaker state. Implementations must make ClaimProbe a
// single atomic claim: at most one caller may hold the probe at a time,
// across every process sharing the store.
type Store interface {
	Snapshot(ctx context.Context) (Snapshot, error)

	// IncrFailures atomically increments the consecutive-failure counter
	// and returns the new value.
	IncrFailures(ctx context.Context) (int, error)

	// Reset returns the breaker to Closed with zero failures and releases
	// any probe claim.
	Reset(ctx context.Context) error

	// Open moves the breaker to Open with the given schedule.
	Open(ctx context.Context, openedAt, nextProbeAt time.Time, cooldown time.Duration) error

	// ClaimProbe atomically claims the single HalfOpen probe slot, moving
	// the breaker to HalfOpen. The claim expires after ttl so a crashed
	// probe holder cannot wedge the breaker. Returns false if another
	// caller holds the claim.
	ClaimProbe(ctx context.Context, ttl time.Duration) (bool, error)

	// ReleaseProbe drops the probe claim without changing state.
	ReleaseProbe(ctx context.Context) error
}

// Config tunes the breaker.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // initial Open duration
	MaxCooldown      time.Duration // backoff cap after repeated failed probes
	ProbeTTL         time.Duration // probe claim expiry
}

// Breaker gates calls to one upstream dependency.
type Breaker struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// New creates a breaker over the given store.
func New(store Store, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Minute
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = 8 * cfg.Cooldown
	}
	if cfg.ProbeTTL <= 0 {
		cfg.ProbeTTL = 30 * time.Second
	}
	return &Breaker{store: store, cfg: cfg, now: time.Now}
}

// Allow decides whether a call may proceed. The returned probe flag is true
// when this caller holds the single HalfOpen trial slot and must report the
// outcome via OnSuccess or OnFailure with probe=true.
func (b *Breaker) Allow(ctx context.Context) (probe bool, err error) {
	snap, err := b.store.Snapshot(ctx)
	if err != nil {
		return false, err
	}

	switch snap.State {
	case StateClosed:
		return false, nil
	case StateOpen, StateHalfOpen:
		if b.now().Before(snap.NextProbeAt) {
			return false, ErrCircuitOpen
		}
		// Cooldown elapsed: compete for the single probe slot. Losers are
		// treated as Open; the claim TTL guards against a dead holder.
		claimed, err := b.store.ClaimProbe(ctx, b.cfg.ProbeTTL)
		if err != nil {
			return false, err
		}
		if !claimed {
			return false, ErrCircuitOpen
		}
		telemetry.RecordBreakerState(string(StateHalfOpen))
		return true, nil
	default:
		return false, nil
	}
}

// OnSuccess records a successful upstream call.
func (b *Breaker) OnSuccess(ctx context.Context, probe bool) error {
	// A success, probe or not, means the upstream is healthy: close and
	// clear the failure streak.
	if err := b.store.Reset(ctx); err != nil {
		return err
	}
	if probe {
		telemetry.RecordBreakerState(string(StateClosed))
	}
	return nil
}

// OnFailure records a failed upstream call. A failed probe reopens with
// doubled cooldown; a failure while Closed counts toward the threshold.
func (b *Breaker) OnFailure(ctx context.Context, probe bool) error {
	now := b.now()

	if probe {
		snap, err := b.store.Snapshot(ctx)
		if err != nil {
			return err
		}
		cooldown := snap.Cooldown * 2
		if cooldown <= 0 {
			cooldown = b.cfg.Cooldown
		}
		if cooldown > b.cfg.MaxCooldown {
			cooldown = b.cfg.MaxCooldown
		}
		if err := b.store.Open(ctx, now, now.Add(cooldown), cooldown); err != nil {
			return err
		}
		telemetry.RecordBreakerState(string(StateOpen))
		return b.store.ReleaseProbe(ctx)
	}

	failures, err := b.store.IncrFailures(ctx)
	if err != nil {
		return err
	}
	if failures >= b.cfg.FailureThreshold {
		if err := b.store.Open(ctx, now, now.Add(b.cfg.Cooldown), b.cfg.Cooldown); err != nil {
			return err
		}
		telemetry.RecordBreakerState(string(StateOpen))
	}
	return nil
}

// Execute runs op under breaker protection. An op error counts as an
// upstream failure; callers must only return errors for transport-level
// faults (a command that ran and exited non-zero is an upstream success).
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	probe, err := b.Allow(ctx)
	if err != nil {
		return err
	}

	if opErr := op(ctx); opErr != nil {
		if recErr := b.OnFailure(ctx, probe); recErr != nil {
			return errors.Join(opErr, recErr)
		}
		return opErr
	}
	return b.OnSuccess(ctx, probe)
}

// Snapshot exposes current state for the health view.
func (b *Breaker) Snapshot(ctx context.Context) (Snapshot, error) {
	return b.store.Snapshot(ctx)
}
