package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/schedule-engine/audit"
	"go.uber.org/zap"
)

func TestReplayScheduler_RunOnce(t *testing.T) {
	// GIVEN: two dead letters and a healthy sink
	ctx := context.Background()
	rdb := newRedis(t)
	dead := audit.NewRedisDeadLetters(rdb, "")
	for _, id := range []string{"r1", "r2"} {
		require.NoError(t, dead.Put(ctx, audit.DeadLetter{Record: rec(id)}))
	}
	sink := &collectSink{}
	r := &audit.Replayer{Locker: redislock.New(rdb), Dead: dead, Sink: sink}

	// WHEN: one pass runs
	audit.NewReplayScheduler(r, time.Second, zap.NewNop()).RunOnce(ctx)

	// THEN: the queue is drained
	assert.Equal(t, []string{"r1", "r2"}, sink.ids())
	n, err := dead.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplayScheduler_TicksUntilStopped(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	dead := audit.NewRedisDeadLetters(rdb, "")
	require.NoError(t, dead.Put(ctx, audit.DeadLetter{Record: rec("r1")}))
	sink := &collectSink{}
	r := &audit.Replayer{Locker: redislock.New(rdb), Dead: dead, Sink: sink}

	s := audit.NewReplayScheduler(r, 10*time.Millisecond, nil)
	s.Start()
	s.Start()

	assert.Eventually(t, func() bool { return len(sink.ids()) == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	require.NoError(t, dead.Put(ctx, audit.DeadLetter{Record: rec("r2")}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"r1"}, sink.ids())
}
