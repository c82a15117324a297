package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStoreFromClient(client), mr
}

func TestGetMissingKey(t *testing.T) {
	s, _ := newTestStore(t)

	val, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestSetGetWithTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	assert.Greater(t, mr.TTL("k"), time.Duration(0))

	mr.FastForward(2 * time.Minute)
	val, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestSetNX(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "k", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "k", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), val)
}

func TestDeleteCountsExisting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), 0))

	n, err := s.Delete(ctx, "a", "b", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.Delete(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListOperations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.ListPush(ctx, "list", []byte(v)))
	}
	require.NoError(t, s.ListTrimToTail(ctx, "list", 2))

	entries, err := s.ListRange(ctx, "list")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("c"), entries[0])
	assert.Equal(t, []byte("d"), entries[1])
}

func TestCounters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.Decr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestScanMatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "room:AAA:state", []byte("1"), 0))
	require.NoError(t, s.Set(ctx, "room:AAA:chat", []byte("2"), 0))
	require.NoError(t, s.Set(ctx, "room:BBB:state", []byte("3"), 0))

	keys, err := s.ScanMatch(ctx, "room:AAA:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"room:AAA:state", "room:AAA:chat"}, keys)
}

func TestLockContention(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	handle, err := s.Lock(ctx, "lock:room", "holder", time.Minute, 0)
	require.NoError(t, err)
	require.NotNil(t, handle)

	_, err = s.Lock(ctx, "lock:room", "contender", time.Minute, 0)
	require.ErrorIs(t, err, ErrLockUnavailable)

	s.Unlock(ctx, handle)
	handle2, err := s.Lock(ctx, "lock:room", "contender", time.Minute, 0)
	require.NoError(t, err)
	s.Unlock(ctx, handle2)
}

func TestUnlockOnlyReleasesOwnToken(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	handle, err := s.Lock(ctx, "lock:room", "holder", time.Minute, 0)
	require.NoError(t, err)

	// The lock TTL expired and someone else took it; our release must not
	// steal theirs.
	require.NoError(t, mr.Set("lock:room", "other"))
	s.Unlock(ctx, handle)

	val, err := s.Get(ctx, "lock:room")
	require.NoError(t, err)
	assert.Equal(t, []byte("other"), val)
}

func TestNilStoreDegradesGracefully(t *testing.T) {
	var s *Store
	ctx := context.Background()

	assert.True(t, s.Degraded())
	assert.NoError(t, s.Set(ctx, "k", []byte("v"), 0))

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, val)

	ok, err := s.SetNX(ctx, "k", []byte("v"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	handle, err := s.Lock(ctx, "lock", "token", time.Minute, time.Second)
	require.NoError(t, err)
	require.NotNil(t, handle)
	s.Unlock(ctx, handle)

	assert.NoError(t, s.Ping(ctx))
	assert.NoError(t, s.Close())
}
