package custody

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if this holder still owns it.
// KEYS[1] = lock key
// ARGV[1] = holder token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a Lock shared by every API replica talking to the same ledger.
// Keys expire after ttl so a crashed holder cannot wedge custody forever.
type RedisLock struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisLock(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLock {
	if prefix == "" {
		prefix = "escrow:custody"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLock{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context, key string) (func(), error) {
	fullKey := fmt.Sprintf("%s:%s", l.prefix, key)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("custody: acquire %s: %w", fullKey, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s already held", ErrReentrant, fullKey)
	}

	return func() {
		// the caller's context may already be cancelled by the time we release
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err(); err != nil {
			slog.Warn("custody: release lock failed", "key", fullKey, "error", err)
		}
	}, nil
}
