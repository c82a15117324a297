package game

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sketchparty/server/internal/v1/config"
	"github.com/sketchparty/server/internal/v1/kv"
)

func newRedisStateStore(t *testing.T) (*StateStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Default()
	cfg.RedisLockWaitSecs = 0
	cfg.ChatHistoryLimit = 2
	return NewStateStore(kv.NewStoreFromClient(client), cfg), mr, client
}

func TestStateStoreSaveLoad(t *testing.T) {
	ss, mr, _ := newRedisStateStore(t)
	ctx := context.Background()

	st := newGameState("ABCD12", 10, 120)
	st.Status = StatusRunning
	st.RoundIndex = 2
	st.DrawerID = 7
	st.Word = "guitar"
	st.Scores[7] = 10
	st.Guessed.Insert(11)
	require.NoError(t, ss.Save(ctx, "ABCD12", st))

	restored := newGameState("ABCD12", 10, 120)
	found, err := ss.Load(ctx, "ABCD12", restored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusRunning, restored.Status)
	assert.Equal(t, 2, restored.RoundIndex)
	assert.Equal(t, "guitar", restored.Word)
	assert.True(t, restored.Guessed.Has(11))

	// Idle rooms expire out of the shared store.
	assert.Greater(t, mr.TTL(stateKey("ABCD12")), time.Duration(0))
}

func TestStateStoreLoadMissing(t *testing.T) {
	ss, _, _ := newRedisStateStore(t)

	st := newGameState("NOPE01", 10, 120)
	found, err := ss.Load(context.Background(), "NOPE01", st)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStateStoreLoadDiscardsCorruptSnapshot(t *testing.T) {
	ss, mr, _ := newRedisStateStore(t)
	require.NoError(t, mr.Set(stateKey("ABCD12"), "{not json"))

	st := newGameState("ABCD12", 10, 120)
	found, err := ss.Load(context.Background(), "ABCD12", st)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestWithLockContention(t *testing.T) {
	ss, _, client := newRedisStateStore(t)
	ctx := context.Background()

	// Somebody else holds the room lock and the wait window is zero.
	require.NoError(t, client.Set(ctx, lockKey("ABCD12"), "other-instance", time.Minute).Err())

	ran := false
	err := ss.WithLock(ctx, "ABCD12", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, kv.ErrLockUnavailable)
	assert.False(t, ran)
}

func TestWithLockReleasesOnReturn(t *testing.T) {
	ss, mr, _ := newRedisStateStore(t)
	ctx := context.Background()

	require.NoError(t, ss.WithLock(ctx, "ABCD12", func(ctx context.Context) error {
		assert.True(t, mr.Exists(lockKey("ABCD12")))
		return nil
	}))
	assert.False(t, mr.Exists(lockKey("ABCD12")))

	// And the next caller gets in immediately.
	require.NoError(t, ss.WithLock(ctx, "ABCD12", func(ctx context.Context) error { return nil }))
}

func TestTimerOwnerClaimAndSupersede(t *testing.T) {
	ss, _, _ := newRedisStateStore(t)
	ctx := context.Background()

	ok, err := ss.ClaimTimerOwner(ctx, "ABCD12", "instance-a", 1, 100.5)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same round instance: first writer keeps the claim.
	ok, err = ss.ClaimTimerOwner(ctx, "ABCD12", "instance-b", 1, 100.5)
	require.NoError(t, err)
	assert.False(t, ok)

	owns, err := ss.IsTimerOwner(ctx, "ABCD12", "instance-a")
	require.NoError(t, err)
	assert.True(t, owns)
	owns, err = ss.IsTimerOwner(ctx, "ABCD12", "instance-b")
	require.NoError(t, err)
	assert.False(t, owns)

	// A claim for a newer round supersedes the stale record.
	ok, err = ss.ClaimTimerOwner(ctx, "ABCD12", "instance-b", 2, 200.5)
	require.NoError(t, err)
	assert.True(t, ok)
	owns, err = ss.IsTimerOwner(ctx, "ABCD12", "instance-a")
	require.NoError(t, err)
	assert.False(t, owns)

	// Re-claiming the round you already own is a no-op success.
	ok, err = ss.ClaimTimerOwner(ctx, "ABCD12", "instance-b", 2, 200.5)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTimerOwnerRelease(t *testing.T) {
	ss, mr, _ := newRedisStateStore(t)
	ctx := context.Background()

	_, err := ss.ClaimTimerOwner(ctx, "ABCD12", "instance-a", 1, 100.5)
	require.NoError(t, err)

	// A non-owner release does not steal the record.
	require.NoError(t, ss.ReleaseTimerOwner(ctx, "ABCD12", "instance-b"))
	assert.True(t, mr.Exists(timerOwnerKey("ABCD12")))

	require.NoError(t, ss.ReleaseTimerOwner(ctx, "ABCD12", "instance-a"))
	assert.False(t, mr.Exists(timerOwnerKey("ABCD12")))
}

func TestTimerOwnerRenewExtendsTTL(t *testing.T) {
	ss, mr, _ := newRedisStateStore(t)
	ctx := context.Background()

	_, err := ss.ClaimTimerOwner(ctx, "ABCD12", "instance-a", 1, 100.5)
	require.NoError(t, err)

	require.NoError(t, ss.RenewTimerOwner(ctx, "ABCD12", "instance-a", 90))
	ttl := mr.TTL(timerOwnerKey("ABCD12"))
	assert.Greater(t, ttl, 90*time.Second)
}

func TestConnCounting(t *testing.T) {
	ss, _, _ := newRedisStateStore(t)
	ctx := context.Background()

	n, err := ss.IncrConn(ctx, "ABCD12", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = ss.IncrConn(ctx, "ABCD12", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = ss.ConnCount(ctx, "ABCD12", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = ss.DecrConn(ctx, "ABCD12", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = ss.DecrConn(ctx, "ABCD12", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// The counter never goes negative, even on a missed increment.
	n, err = ss.DecrConn(ctx, "ABCD12", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = ss.ConnCount(ctx, "ABCD12", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestResetConn(t *testing.T) {
	ss, mr, _ := newRedisStateStore(t)
	ctx := context.Background()

	_, err := ss.IncrConn(ctx, "ABCD12", 7)
	require.NoError(t, err)
	require.NoError(t, ss.ResetConn(ctx, "ABCD12", 7))
	assert.False(t, mr.Exists(connKey("ABCD12", 7)))
}

func TestChatHistoryKeepsTail(t *testing.T) {
	ss, mr, _ := newRedisStateStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		entry := fmt.Sprintf(`{"message":"line %d"}`, i)
		require.NoError(t, ss.AppendChat(ctx, "ABCD12", []byte(entry)))
	}

	history, err := ss.ChatHistory(ctx, "ABCD12")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.JSONEq(t, `{"message":"line 2"}`, string(history[0]))
	assert.JSONEq(t, `{"message":"line 3"}`, string(history[1]))
	assert.Greater(t, mr.TTL(chatKey("ABCD12")), time.Duration(0))
}

func TestDrawHistoryAppendAndClear(t *testing.T) {
	ss, _, _ := newRedisStateStore(t)
	ctx := context.Background()

	require.NoError(t, ss.AppendDraw(ctx, "ABCD12", []byte(`{"x":1}`)))
	require.NoError(t, ss.AppendDraw(ctx, "ABCD12", []byte(`{"x":2}`)))

	strokes, err := ss.DrawHistory(ctx, "ABCD12")
	require.NoError(t, err)
	assert.Len(t, strokes, 2)

	require.NoError(t, ss.ClearDrawHistory(ctx, "ABCD12"))
	strokes, err = ss.DrawHistory(ctx, "ABCD12")
	require.NoError(t, err)
	assert.Empty(t, strokes)
}

func TestPurgeRoomKeys(t *testing.T) {
	ss, mr, _ := newRedisStateStore(t)
	ctx := context.Background()

	st := newGameState("ABCD12", 10, 120)
	require.NoError(t, ss.Save(ctx, "ABCD12", st))
	require.NoError(t, ss.AppendChat(ctx, "ABCD12", []byte(`{"message":"hi"}`)))
	require.NoError(t, ss.AppendDraw(ctx, "ABCD12", []byte(`{"x":1}`)))
	_, err := ss.IncrConn(ctx, "ABCD12", 7)
	require.NoError(t, err)

	// Another room's keys must survive the purge.
	other := newGameState("ZZTOP1", 10, 120)
	require.NoError(t, ss.Save(ctx, "ZZTOP1", other))

	require.NoError(t, ss.PurgeRoomKeys(ctx, "ABCD12"))

	for _, key := range []string{stateKey("ABCD12"), chatKey("ABCD12"), drawKey("ABCD12"), connKey("ABCD12", 7)} {
		assert.False(t, mr.Exists(key), "key %s should be gone", key)
	}
	assert.True(t, mr.Exists(stateKey("ZZTOP1")))
}

func TestSingleInstanceModeTimerOwnership(t *testing.T) {
	cfg := config.Default()
	ss := NewStateStore(nil, cfg)
	ctx := context.Background()

	ok, err := ss.ClaimTimerOwner(ctx, "ABCD12", "only-instance", 1, 100.5)
	require.NoError(t, err)
	assert.True(t, ok)

	owns, err := ss.IsTimerOwner(ctx, "ABCD12", "only-instance")
	require.NoError(t, err)
	assert.True(t, owns)
}
