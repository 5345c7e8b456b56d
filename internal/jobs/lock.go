package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Release only deletes the key while it still holds this run's token.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLock keeps two scheduler replicas from processing the same batch at once.
type RunLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// RedisRunLock is a SET NX PX lock.
type RedisRunLock struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRunLock(client redis.UniversalClient, prefix string) *RedisRunLock {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "goldscheme"
	}
	return &RedisRunLock{client: client, prefix: trimmed + ":job_lock"}
}

func (l *RedisRunLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	fullKey := l.prefix + ":" + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseLockScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err()
	}
	return release, true, nil
}
