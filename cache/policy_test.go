package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/schedule-engine/cache"
	"github.com/warp/schedule-engine/schedule"
	"github.com/warp/schedule-engine/schedule/store"
	"go.uber.org/zap"
)

var manager = schedule.Caller{UserID: "mgr-1", TenantID: "t1", Roles: []string{schedule.RoleManager}}

type env struct {
	ctx    context.Context
	mr     *miniredis.Miniredis
	store  *store.Memory
	cache  *cache.RedisPolicies
	engine *schedule.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	e := &env{ctx: context.Background(), mr: mr, store: store.NewMemory()}
	e.cache = cache.NewRedisPolicies(rdb, time.Minute, zap.NewNop())
	e.engine = schedule.NewEngine(e.store, schedule.WithPolicySource(e.cache))
	return e
}

func (e *env) resolve(t *testing.T, siteID string) schedule.SchedulePolicy {
	t.Helper()
	p, err := e.cache.Policy(e.ctx, e.store, "t1", siteID)
	require.NoError(t, err)
	return p
}

func TestRedisPolicies_ReadThroughAndTTL(t *testing.T) {
	e := newEnv(t)

	p := e.resolve(t, "site-1")
	assert.True(t, p.MinRestHours.Equal(decimal.NewFromInt(8)), "defaults when nothing is configured")
	assert.True(t, e.mr.Exists("schedule:policy:t1:site-1"))
	assert.Equal(t, time.Minute, e.mr.TTL("schedule:policy:t1:site-1"))

	e.mr.FastForward(2 * time.Minute)
	assert.False(t, e.mr.Exists("schedule:policy:t1:site-1"))
}

func TestRedisPolicies_ZeroTTLStillExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c := cache.NewRedisPolicies(rdb, 0, zap.NewNop())

	_, err := c.Policy(context.Background(), store.NewMemory(), "t1", "")
	require.NoError(t, err)
	assert.Equal(t, cache.DefaultTTL, mr.TTL("schedule:policy:t1:"))
}

func TestRedisPolicies_ServesCachedValue(t *testing.T) {
	// GIVEN: a cached policy and a store write that bypasses the engine
	// WHEN: the policy is resolved again
	// THEN: the cached value is served until it is invalidated

	e := newEnv(t)
	e.resolve(t, "")

	direct := schedule.DefaultPolicy("t1")
	direct.ID, direct.Version = "direct", 1
	direct.MaxWeeklyHours = decimal.NewFromInt(30)
	require.NoError(t, e.store.SupersedePolicy(e.ctx, direct, time.Now()))

	assert.True(t, e.resolve(t, "").MaxWeeklyHours.Equal(decimal.NewFromInt(40)))

	e.cache.Invalidate(e.ctx, "t1", "")
	assert.True(t, e.resolve(t, "").MaxWeeklyHours.Equal(decimal.NewFromInt(30)))
}

func TestRedisPolicies_TenantChangeDropsSiteEntries(t *testing.T) {
	e := newEnv(t)
	e.resolve(t, "site-1")
	e.resolve(t, "site-2")
	e.resolve(t, "")

	p := schedule.DefaultPolicy("t1")
	p.RestEnforcement = schedule.EnforceBlock
	_, err := e.engine.SavePolicy(e.ctx, manager, p)
	require.NoError(t, err)

	assert.False(t, e.mr.Exists("schedule:policy:t1:site-1"))
	assert.False(t, e.mr.Exists("schedule:policy:t1:site-2"))
	assert.Equal(t, schedule.EnforceBlock, e.resolve(t, "site-1").RestEnforcement, "site falls back to the new tenant policy")
}

func TestRedisPolicies_SiteChangeKeepsOtherSites(t *testing.T) {
	e := newEnv(t)
	e.resolve(t, "site-1")
	e.resolve(t, "site-2")

	p := schedule.DefaultPolicy("t1")
	p.SiteID = "site-1"
	p.MinRestHours = decimal.NewFromInt(11)
	_, err := e.engine.SavePolicy(e.ctx, manager, p)
	require.NoError(t, err)

	assert.False(t, e.mr.Exists("schedule:policy:t1:site-1"))
	assert.True(t, e.mr.Exists("schedule:policy:t1:site-2"))
	assert.True(t, e.resolve(t, "site-1").MinRestHours.Equal(decimal.NewFromInt(11)))
}

func TestRedisPolicies_RedisDownFallsBackToStore(t *testing.T) {
	e := newEnv(t)
	e.mr.Close()

	p := e.resolve(t, "")
	assert.Equal(t, "t1", p.TenantID)
	e.cache.Invalidate(e.ctx, "t1", "")
}
