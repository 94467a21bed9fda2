package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// CounterStore is the window-counter backend contract. Incr atomically
// increments the counter for a key, creating it with the window duration
// as expiry; TTL reports the remaining window.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// RedisStore backs counters with redis, shared across all instances
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a redis-backed counter store
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// incrScript pairs INCR with PEXPIRE in one atomic step. The expiry is
// set when the key is created and never pushed forward on later hits,
// which would slide the window instead of keeping it fixed. The PTTL
// check repairs keys left without an expiry by an interrupted increment;
// such a key would otherwise count upward forever and never reset.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 or redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Incr atomically increments the counter, creating it with the window
// duration as expiry
func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := incrScript.Run(ctx, s.client, []string{s.key(key)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return count, nil
}

// TTL reports the remaining window for a key
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl: %w", err)
	}
	return ttl, nil
}

func (s *RedisStore) key(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}
