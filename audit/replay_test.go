package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/schedule-engine/audit"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisDeadLetters_FIFO(t *testing.T) {
	ctx := context.Background()
	dead := audit.NewRedisDeadLetters(newRedis(t), "")

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, dead.Put(ctx, audit.DeadLetter{Record: rec(id), Reason: "x", Attempts: 1}))
	}
	n, err := dead.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	got, err := dead.Take(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].Record.ID)
	assert.Equal(t, "r2", got[1].Record.ID)

	got, err = dead.Take(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = dead.Take(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisDeadLetters_TakenLettersStayPendingUntilAck(t *testing.T) {
	ctx := context.Background()
	dead := audit.NewRedisDeadLetters(newRedis(t), "")
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, dead.Put(ctx, audit.DeadLetter{Record: rec(id)}))
	}

	got, err := dead.Take(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NoError(t, dead.Ack(ctx, got[0]))

	// r2 was taken but never acknowledged
	n, err := dead.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := dead.Take(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "r2", left[0].Record.ID)
	assert.Equal(t, "r3", left[1].Record.ID)
}

func TestReplayer_RecoversLettersFromInterruptedRun(t *testing.T) {
	// GIVEN: an earlier replay took two letters and died before writing them
	// WHEN: the next replay runs
	// THEN: all three letters reach the sink in their original order

	ctx := context.Background()
	rdb := newRedis(t)
	dead := audit.NewRedisDeadLetters(rdb, "")
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, dead.Put(ctx, audit.DeadLetter{Record: rec(id), Attempts: 5}))
	}
	_, err := dead.Take(ctx, 2)
	require.NoError(t, err)

	sink := &collectSink{}
	r := &audit.Replayer{Locker: redislock.New(rdb), Dead: dead, Sink: sink, Log: zap.NewNop()}
	res, err := r.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, audit.ReplayResult{Replayed: 3}, res)
	assert.Equal(t, []string{"r1", "r2", "r3"}, sink.ids())

	n, err := dead.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "every replayed letter was acknowledged")
}

func TestReplayer_RedrivesAndRequeuesFailures(t *testing.T) {
	// GIVEN: three dead letters and a sink that fails its first call
	// WHEN: replay runs
	// THEN: two land, one goes back with its attempt count bumped

	ctx := context.Background()
	rdb := newRedis(t)
	dead := audit.NewRedisDeadLetters(rdb, "")
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, dead.Put(ctx, audit.DeadLetter{Record: rec(id), Attempts: 5}))
	}
	sink := &collectSink{failN: 1}
	r := &audit.Replayer{Locker: redislock.New(rdb), Dead: dead, Sink: sink, Log: zap.NewNop()}

	res, err := r.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, audit.ReplayResult{Replayed: 2, Failed: 1}, res)
	assert.Equal(t, []string{"r2", "r3"}, sink.ids())

	left, err := dead.Take(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "r1", left[0].Record.ID)
	assert.Equal(t, 6, left[0].Attempts)
}

func TestReplayer_SingleRunner(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	locker := redislock.New(rdb)

	held, err := locker.Obtain(ctx, audit.DefaultReplayLockKey, time.Minute, nil)
	require.NoError(t, err)

	r := &audit.Replayer{Locker: locker, Dead: audit.NewMemoryDeadLetters(), Sink: &collectSink{}}
	_, err = r.Replay(ctx)
	assert.ErrorIs(t, err, audit.ErrReplayInProgress)

	require.NoError(t, held.Release(ctx))
	_, err = r.Replay(ctx)
	assert.NoError(t, err)
}
