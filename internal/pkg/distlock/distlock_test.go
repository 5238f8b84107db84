package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisLock_ExcludesSecondHolder(t *testing.T) {
	client, mr := newTestRedis(t)
	ctx := context.Background()

	first := NewRedisLock(client, "job:abc", 5*time.Second)
	second := NewRedisLock(client, "job:abc", 5*time.Second)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("lock:job:abc"))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// A non-owner release must not free the lock
	require.NoError(t, second.Release(ctx))
	assert.True(t, mr.Exists("lock:job:abc"))

	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists("lock:job:abc"))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiresAfterTTL(t *testing.T) {
	client, mr := newTestRedis(t)
	ctx := context.Background()

	holder := NewRedisLock(client, "k", time.Second)
	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	other := NewRedisLock(client, "k", time.Second)
	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, holder.Extend(ctx, time.Second), "expired holder cannot extend")
	assert.NoError(t, other.Extend(ctx, 10*time.Second))
}

func TestLocalFactory(t *testing.T) {
	f := NewLocalFactory()
	ctx := context.Background()

	a := f.NewLock("job-1")
	b := f.NewLock("job-1")
	c := f.NewLock("job-2")

	ok, _ := a.Acquire(ctx)
	assert.True(t, ok)
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok)
	ok, _ = c.Acquire(ctx)
	assert.True(t, ok, "different keys do not contend")

	require.NoError(t, b.Release(ctx))
	ok, _ = b.Acquire(ctx)
	assert.False(t, ok, "release by a non-owner is a no-op")

	require.NoError(t, a.Release(ctx))
	ok, _ = b.Acquire(ctx)
	assert.True(t, ok)
}

func TestAcquireWait(t *testing.T) {
	f := NewLocalFactory()
	holder := f.NewLock("k")
	ok, _ := holder.Acquire(context.Background())
	require.True(t, ok)

	go func() {
		time.Sleep(30 * time.Millisecond)
		holder.Release(context.Background())
	}()

	waiter := f.NewLock("k")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, AcquireWait(ctx, waiter, 5*time.Millisecond))
}

func TestAcquireWait_TimesOut(t *testing.T) {
	f := NewLocalFactory()
	holder := f.NewLock("k")
	holder.Acquire(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := AcquireWait(ctx, f.NewLock("k"), 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewFactory(t *testing.T) {
	client, _ := newTestRedis(t)
	_, isRedis := NewFactory(client, time.Second).(*redisFactory)
	assert.True(t, isRedis)
	_, isLocal := NewFactory(nil, time.Second).(*LocalFactory)
	assert.True(t, isLocal)
}

func TestKeepAlive_OutlivesTTL(t *testing.T) {
	client, mr := newTestRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(client, "run", 100*time.Millisecond)
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	stop := KeepAlive(ctx, lock, 20*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.True(t, mr.Exists("lock:run"), "refreshed lock must survive past its TTL")

	stop()
	require.NoError(t, lock.Release(ctx))
	assert.False(t, mr.Exists("lock:run"))
}

func TestLocalLock_Refresh(t *testing.T) {
	f := NewLocalFactory()
	l := f.NewLock("k")
	assert.Error(t, l.Refresh(context.Background()))

	ok, _ := l.Acquire(context.Background())
	require.True(t, ok)
	assert.NoError(t, l.Refresh(context.Background()))
}
