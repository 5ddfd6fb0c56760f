package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_TryAcquire(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	l, err := m.TryAcquire(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, l.Lost(), "in-process leases are never lost")

	_, err = m.TryAcquire(ctx, "c1")
	assert.ErrorIs(t, err, ErrLocked)

	other, err := m.TryAcquire(ctx, "c2")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))

	again, err := m.TryAcquire(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, client
}

func TestRedis_TryAcquire(t *testing.T) {
	ctx := context.Background()
	s, client := newTestRedis(t)
	locker := NewRedis(client, "test:", time.Minute)

	l, err := locker.TryAcquire(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, s.Exists("test:c1"))

	_, err = locker.TryAcquire(ctx, "c1")
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l.Release(ctx))
	assert.False(t, s.Exists("test:c1"))

	again, err := locker.TryAcquire(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedis_ReleaseDoesNotDeleteForeignLease(t *testing.T) {
	ctx := context.Background()
	s, client := newTestRedis(t)
	locker := NewRedis(client, "test:", time.Minute)

	l, err := locker.TryAcquire(ctx, "c1")
	require.NoError(t, err)

	// simulate expiry and takeover by another replica
	s.Del("test:c1")
	require.NoError(t, s.Set("test:c1", "someone-else"))

	require.NoError(t, l.Release(ctx))
	got, err := s.Get("test:c1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedis_LostLeaseIsReported(t *testing.T) {
	ctx := context.Background()
	s, client := newTestRedis(t)
	locker := NewRedis(client, "test:", 30*time.Millisecond)

	l, err := locker.TryAcquire(ctx, "c1")
	require.NoError(t, err)
	defer l.Release(ctx)

	select {
	case <-l.Lost():
		t.Fatal("lease reported lost while held")
	case <-time.After(50 * time.Millisecond):
	}

	s.Del("test:c1")
	require.NoError(t, s.Set("test:c1", "someone-else"))

	select {
	case <-l.Lost():
	case <-time.After(time.Second):
		t.Fatal("lost lease was not reported")
	}
}
