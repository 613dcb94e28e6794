package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// claimScript takes the single probe slot and flips the state hash to
// half_open in one atomic step. SET NX is the mutual exclusion: whichever
// replica wins the SET owns the probe until it reports back or the TTL fires.
var claimScript = redis.NewScript(`
if redis.call('SET', KEYS[2], ARGV[1], 'NX', 'PX', ARGV[2]) then
  redis.call('HSET', KEYS[1], 'state', 'half_open')
  return 1
end
return 0
`)

// RedisStore persists breaker state in a Redis hash plus a probe-claim key,
// shared by every replica of the serving tier.
type RedisStore struct {
	client   redis.UniversalClient
	stateKey string
	probeKey string
}

// NewRedisStore creates a Redis-backed breaker store for the named upstream.
func NewRedisStore(client redis.UniversalClient, upstream string) *RedisStore {
	base := "forge:breaker:" + upstream
	return &RedisStore{
		client:   client,
		stateKey: base,
		probeKey: base + ":probe",
	}
}

// Snapshot implements Store.
func (s *RedisStore) Snapshot(ctx context.Context) (Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.stateKey).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("breaker snapshot: %w", err)
	}
	if len(fields) == 0 {
		return Snapshot{State: StateClosed}, nil
	}

	snap := Snapshot{State: StateClosed}
	if v, ok := fields["state"]; ok && v != "" {
		snap.State = State(v)
	}
	if v, ok := fields["failures"]; ok {
		snap.Failures, _ = strconv.Atoi(v)
	}
	if v, ok := fields["opened_at"]; ok {
		snap.OpenedAt = parseUnixNano(v)
	}
	if v, ok := fields["next_probe_at"]; ok {
		snap.NextProbeAt = parseUnixNano(v)
	}
	if v, ok := fields["cooldown_ms"]; ok {
		ms, _ := strconv.ParseInt(v, 10, 64)
		snap.Cooldown = time.Duration(ms) * time.Millisecond
	}
	return snap, nil
}

// IncrFailures implements Store.
func (s *RedisStore) IncrFailures(ctx context.Context) (int, error) {
	n, err := s.client.HIncrBy(ctx, s.stateKey, "failures", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("breaker incr failures: %w", err)
	}
	return int(n), nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.stateKey,
		"state", string(StateClosed),
		"failures", 0,
		"opened_at", 0,
		"next_probe_at", 0,
		"cooldown_ms", 0,
	)
	pipe.Del(ctx, s.probeKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("breaker reset: %w", err)
	}
	return nil
}

// Open implements Store.
func (s *RedisStore) Open(ctx context.Context, openedAt, nextProbeAt time.Time, cooldown time.Duration) error {
	err := s.client.HSet(ctx, s.stateKey,
		"state", string(StateOpen),
		"opened_at", openedAt.UnixNano(),
		"next_probe_at", nextProbeAt.UnixNano(),
		"cooldown_ms", cooldown.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("breaker open: %w", err)
	}
	return nil
}

// ClaimProbe implements Store.
func (s *RedisStore) ClaimProbe(ctx context.Context, ttl time.Duration) (bool, error) {
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.stateKey, s.probeKey},
		time.Now().UnixNano(), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("breaker claim probe: %w", err)
	}
	return res == 1, nil
}

// ReleaseProbe implements Store.
func (s *RedisStore) ReleaseProbe(ctx context.Context) error {
	if err := s.client.Del(ctx, s.probeKey).Err(); err != nil {
		return fmt.Errorf("breaker release probe: %w", err)
	}
	return nil
}

func parseUnixNano(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
