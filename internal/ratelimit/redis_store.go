package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// incrScript increments the window counter and stamps the window TTL on
// first use. Running it as a single Lua script makes the reset-increment-read
// sequence atomic against concurrent callers on other replicas.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore keeps window counters in Redis, shared across all replicas of
// the serving tier. Window expiry is handled by key TTL: an expired key is
// simply gone, so the next Incr starts a fresh window.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a Redis-backed window store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, keyPrefix: "forge:ratelimit:"}
}

func (s *RedisStore) key(op string) string {
	return s.keyPrefix + op
}

// Incr implements Store.
func (s *RedisStore) Incr(ctx context.Context, op string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, s.client, []string{s.key(op)}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit incr: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("ratelimit incr: unexpected script result %T", res)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

// Count implements Store.
func (s *RedisStore) Count(ctx context.Context, op string, _ time.Duration) (int64, error) {
	count, err := s.client.Get(ctx, s.key(op)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit count: %w", err)
	}
	return count, nil
}
