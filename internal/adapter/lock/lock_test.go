package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/deep-research-backend/internal/adapter/lock"
	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

func newLocker(t *testing.T, retries int, delay time.Duration) (*lock.RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return lock.New(rdb, retries, delay), mr
}

func TestAcquireRelease(t *testing.T) {
	l, mr := newLocker(t, 3, time.Millisecond)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "lock:conversation_state:s1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:conversation_state:s1"))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("lock:conversation_state:s1"))
}

func TestAcquire_ContendedFailsAfterBudget(t *testing.T) {
	l, _ := newLocker(t, 3, time.Millisecond)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "lock:x", 30*time.Second)
	require.NoError(t, err)
	defer func() { _ = release(ctx) }()

	_, err = l.Acquire(ctx, "lock:x", 30*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)
}

func TestAcquire_SucceedsAfterTTLExpiry(t *testing.T) {
	l, mr := newLocker(t, 5, time.Millisecond)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "lock:x", 50*time.Millisecond)
	require.NoError(t, err)

	// miniredis time is manual; expire the holder
	mr.FastForward(100 * time.Millisecond)

	release, err := l.Acquire(ctx, "lock:x", time.Second)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestRelease_DoesNotDeleteNewHolder(t *testing.T) {
	l, mr := newLocker(t, 3, time.Millisecond)
	ctx := context.Background()

	release1, err := l.Acquire(ctx, "lock:x", 50*time.Millisecond)
	require.NoError(t, err)
	mr.FastForward(100 * time.Millisecond)

	_, err = l.Acquire(ctx, "lock:x", time.Second)
	require.NoError(t, err)

	// stale holder's release must be a no-op
	require.NoError(t, release1(ctx))
	assert.True(t, mr.Exists("lock:x"))
}

func TestConversationStateLockName(t *testing.T) {
	assert.Equal(t, "lock:conversation_state:abc", lock.ConversationStateLock("abc"))
}
