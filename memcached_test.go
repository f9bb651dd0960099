package sqlsession

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemcachedLocker(t *testing.T) *MemcachedLocker {
	t.Helper()
	addr := os.Getenv("MEMCACHED_TEST_ADDR")
	if addr == "" {
		addr = "localhost:11211"
	}
	locker := NewMemcachedLockerWithConfig(MemcachedConfig{
		Servers:      []string{addr},
		Lease:        time.Minute,
		PollInterval: 10 * time.Millisecond,
		Timeout:      time.Second,
	})
	if err := locker.client.Ping(); err != nil {
		t.Skipf("Skipping Memcached test: %v (is Memcached running?)", err)
	}
	return locker
}

func TestMemcachedLocker(t *testing.T) {
	locker := newTestMemcachedLocker(t)
	ctx := context.Background()
	name := "session_memcached_" + t.Name()

	first, err := locker.Acquire(ctx, nil, name, time.Second)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, nil, name, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, first.Release(ctx))
	assert.ErrorIs(t, first.Release(ctx), ErrLockNotHeld)

	second, err := locker.Acquire(ctx, nil, name, 0)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestMemcachedLockerWithStore(t *testing.T) {
	locker := newTestMemcachedLocker(t)
	store := newTestSQLiteStore(t, "", Options{
		Locker:      locker,
		LockTimeout: 100 * time.Millisecond,
	})
	ctx := context.Background()
	id := "memcached-" + t.Name()

	holder := store.NewHandler()
	require.Equal(t, LockAcquired, holder.Open(ctx, id))
	require.NoError(t, holder.Write(ctx, id, []byte("locked by memcached")))

	contender := store.NewHandler()
	assert.Equal(t, LockTimedOut, contender.Open(ctx, id))
	contender.Close(ctx)

	holder.Close(ctx)

	after := store.NewHandler()
	require.Equal(t, LockAcquired, after.Open(ctx, id))
	defer after.Close(ctx)
	got, err := after.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("locked by memcached"), got)
}
