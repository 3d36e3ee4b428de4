// Package lock provides a named distributed mutex over Redis, built on
// set-if-absent with TTL.
package lock

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/deep-research-backend/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// releaseScript deletes the key only if this holder still owns it, so an
// expired-and-reacquired lock is never released by the old holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLocker implements domain.Locker. Acquisition retries a fixed
// number of times with linear backoff; exhausting the budget returns
// ErrLockNotAcquired and the caller must fail its write.
type RedisLocker struct {
	rdb        *redis.Client
	script     *redis.Script
	retries    int
	retryDelay time.Duration
}

// New builds a locker with the given retry budget (retries attempts,
// linear backoff starting at retryDelay).
func New(rdb *redis.Client, retries int, retryDelay time.Duration) *RedisLocker {
	if retries <= 0 {
		retries = 10
	}
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	return &RedisLocker{
		rdb:        rdb,
		script:     redis.NewScript(releaseScript),
		retries:    retries,
		retryDelay: retryDelay,
	}
}

// Acquire takes the named lock. The returned release func is safe to
// call after the TTL expired; it only deletes the key while this holder
// still owns it.
func (l *RedisLocker) Acquire(ctx domain.Context, name string, ttl time.Duration) (func(ctx domain.Context) error, error) {
	token := uuid.New().String()
	for attempt := 0; attempt < l.retries; attempt++ {
		ok, err := l.rdb.SetNX(ctx, name, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("op=lock.acquire name=%s: %w", name, err)
		}
		if ok {
			release := func(ctx domain.Context) error {
				if err := l.script.Run(ctx, l.rdb, []string{name}, token).Err(); err != nil && err != redis.Nil {
					return fmt.Errorf("op=lock.release name=%s: %w", name, err)
				}
				return nil
			}
			return release, nil
		}
		// linear backoff: delay, 2*delay, 3*delay, ...
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("op=lock.acquire name=%s: %w", name, ctx.Err())
		case <-time.After(time.Duration(attempt+1) * l.retryDelay):
		}
	}
	observability.LockAcquireFailures.Inc()
	slog.Warn("lock acquisition exhausted retries", slog.String("name", name), slog.Int("retries", l.retries))
	return nil, fmt.Errorf("op=lock.acquire name=%s: %w", name, domain.ErrLockNotAcquired)
}

// ConversationStateLock is the lock name guarding uploadedDatasets
// mutation on one conversation state.
func ConversationStateLock(conversationStateID string) string {
	return "lock:conversation_state:" + conversationStateID
}
