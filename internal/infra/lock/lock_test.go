package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/totegamma/profilesync/internal/domain"
)

func newRedisLocker(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb, ttl, zap.NewNop()), mr
}

func testLocker(t *testing.T, locker Locker) {
	ctx := context.Background()

	release, err := locker.TryLock(ctx, "identity-a")
	require.NoError(t, err)

	_, err = locker.TryLock(ctx, "identity-a")
	assert.ErrorIs(t, err, domain.ErrSagaInProgress)

	other, err := locker.TryLock(ctx, "identity-b")
	require.NoError(t, err)
	other()

	release()
	release()

	again, err := locker.TryLock(ctx, "identity-a")
	require.NoError(t, err)
	again()
}

func TestLocalLocker(t *testing.T) {
	testLocker(t, NewLocal())
}

func TestRedisLocker(t *testing.T) {
	locker, _ := newRedisLocker(t, time.Second)
	testLocker(t, locker)
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	locker, mr := newRedisLocker(t, time.Second)
	ctx := context.Background()

	release, err := locker.TryLock(ctx, "identity-c")
	require.NoError(t, err)

	// the lock expired and someone else took it
	mr.Set("profilesync:lock:identity-c", "someone-else")
	release()

	value, err := mr.Get("profilesync:lock:identity-c")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", value)
}

func TestRedisLockerReportsLostLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	core, logs := observer.New(zapcore.WarnLevel)
	locker := NewRedis(rdb, 150*time.Millisecond, zap.New(core))

	release, err := locker.TryLock(context.Background(), "identity-d")
	require.NoError(t, err)
	defer release()

	mr.Set("profilesync:lock:identity-d", "someone-else")

	require.Eventually(t, func() bool {
		return logs.FilterMessage("lock lost while held").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, zapcore.ErrorLevel, logs.FilterMessage("lock lost while held").All()[0].Level)
}
