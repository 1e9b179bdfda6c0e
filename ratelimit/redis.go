package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	RedisStore struct {
		client redis.UniversalClient
		prefix string
	}
)

// INCR and PEXPIRE run as one script so a key can never be left without a
// TTL, the reply carries the count and the remaining window in milliseconds.
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

// NewRedisStore keeps counters in redis under prefix, an empty prefix means
// "openx:rl:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "openx:rl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	res, err := incrScript.Run(ctx, r.client, []string{r.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("unable to increment redis counter, cause %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected redis counter reply %v", res)
	}
	remaining := time.Duration(res[1]) * time.Millisecond
	return res[0], now.Add(remaining - window), nil
}
