package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript counts a request only while the window is below the
// ceiling, so a rejected call leaves the stored counter unchanged.
//
// KEYS[1] window key, ARGV[1] window ms, ARGV[2] ceiling.
// Returns {allowed, count, pttl}.
const fixedWindowScript = `
local c = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[2])
if c >= limit then
  return {0, c, redis.call('PTTL', KEYS[1])}
end
c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {1, c, redis.call('PTTL', KEYS[1])}
`

// RedisWindow shares fixed-window counters between instances.
type RedisWindow struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

// NewRedisWindow connects to addr and verifies the server is reachable.
func NewRedisWindow(ctx context.Context, addr string) (*RedisWindow, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		ReadTimeout:  sharedTimeout,
		WriteTimeout: sharedTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisWindow{
		client: client,
		script: redis.NewScript(fixedWindowScript),
		prefix: "okrai:ratelimit:",
	}, nil
}

// Take implements Shared.
func (r *RedisWindow) Take(ctx context.Context, identity string, ceiling int, window time.Duration) (bool, int, time.Duration, error) {
	res, err := r.script.Run(ctx, r.client, []string{r.prefix + identity}, window.Milliseconds(), ceiling).Result()
	if err != nil {
		return false, 0, 0, fmt.Errorf("running window script: %w", err)
	}
	return parseScriptResult(res, window)
}

// Close releases the redis connection pool.
func (r *RedisWindow) Close() error {
	return r.client.Close()
}

func parseScriptResult(res any, window time.Duration) (bool, int, time.Duration, error) {
	values, ok := res.([]any)
	if !ok || len(values) != 3 {
		return false, 0, 0, errors.New("invalid window script response")
	}

	nums := make([]int64, 3)
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return false, 0, 0, fmt.Errorf("invalid window script value at %d", i)
		}
		nums[i] = n
	}

	resetIn := time.Duration(nums[2]) * time.Millisecond
	if nums[2] < 0 {
		// Key without TTL or already gone: treat as a full window ahead.
		resetIn = window
	}
	return nums[0] == 1, int(nums[1]), resetIn, nil
}
