package ratelimit

import (
	"context"
	"errors"
	"time"

	"countersign/internal/domain"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "countersign:rl:"

// fixedWindow increments the counter and starts the window on first use.
var fixedWindow = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {current, redis.call("PTTL", KEYS[1])}
`)

// Redis shares windows between replicas.
type Redis struct {
	client redis.UniversalClient
	now    func() time.Time
}

var _ domain.RateLimiter = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, now func() time.Time) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Redis{client: client, now: now}, nil
}

func (r *Redis) Allow(ctx context.Context, key string, limit int, span time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	millis := span.Milliseconds()
	if millis <= 0 {
		millis = 1000
	}
	values, err := fixedWindow.Run(ctx, r.client, []string{keyPrefix + key}, millis).Int64Slice()
	if err != nil {
		return domain.RateLimitDecision{}, err
	}
	if len(values) < 2 {
		return domain.RateLimitDecision{}, errors.New("unexpected redis rate limit response")
	}
	current, ttl := values[0], values[1]
	resetAt := r.now()
	if ttl > 0 {
		resetAt = resetAt.Add(time.Duration(ttl) * time.Millisecond)
	}
	remaining := limit - int(current)
	if remaining < 0 {
		remaining = 0
	}
	return domain.RateLimitDecision{
		Allowed:   current <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
