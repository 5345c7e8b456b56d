package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAttemptLimiter counts contribute attempts per participant and enrollment in
// fixed windows shared by every API replica. Each window gets its own key, which
// expires shortly after the window closes.
type RedisAttemptLimiter struct {
	client redis.Cmdable
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisAttemptLimiter allows limit attempts per window. A non-positive limit
// disables throttling.
func NewRedisAttemptLimiter(client redis.Cmdable, prefix string, limit int, window time.Duration) *RedisAttemptLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "goldscheme"
	}
	if window < time.Second {
		window = time.Second
	}
	return &RedisAttemptLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records one attempt. It returns an *AttemptLimitError once the current
// window already holds limit attempts; any other error means Redis failed.
func (r *RedisAttemptLimiter) Allow(ctx context.Context, userID, enrollmentID string) error {
	if r == nil || r.client == nil || r.limit <= 0 {
		return nil
	}

	now := r.now()
	windowStart := now.Truncate(r.window)
	windowEnd := windowStart.Add(r.window)
	key := r.key(userID, enrollmentID, windowStart)

	var attempts *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		attempts = pipe.Incr(ctx, key)
		pipe.ExpireAt(ctx, key, windowEnd.Add(time.Second))
		return nil
	})
	if err != nil {
		return fmt.Errorf("contribute attempt limiter: %w", err)
	}

	if attempts.Val() <= int64(r.limit) {
		return nil
	}
	return &AttemptLimitError{Attempts: int(attempts.Val()), RetryAfter: windowEnd.Sub(now)}
}

func (r *RedisAttemptLimiter) key(userID, enrollmentID string, windowStart time.Time) string {
	return fmt.Sprintf("%s:contribute_attempts:%s:%s:%d",
		r.prefix, strings.TrimSpace(userID), strings.TrimSpace(enrollmentID), windowStart.Unix())
}
