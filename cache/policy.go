/*
Package cache provides a Redis read-through cache for schedule policies.

PURPOSE:
  Policy resolution runs on every conflict evaluation. RedisPolicies keeps
  the resolved policy per (tenant, site) in Redis for a bounded TTL so
  that repeated evaluations skip the store.

FRESHNESS:
  - Engine.SavePolicy calls Invalidate after commit.
  - A tenant-level change drops every cached site of that tenant, since
    sites without their own policy fall back to the tenant's.
  - TTL bounds staleness across instances that missed the invalidation.

  Redis is optional: any Redis error degrades to a direct store read.
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/schedule-engine/schedule"
	"go.uber.org/zap"
)

const keyPrefix = "schedule:policy:"

// DefaultTTL applies when no positive TTL is given; cached entries always expire.
const DefaultTTL = 5 * time.Minute

type RedisPolicies struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewRedisPolicies(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *RedisPolicies {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisPolicies{rdb: rdb, ttl: ttl, log: log.Named("policy_cache")}
}

func key(tenantID, siteID string) string {
	return keyPrefix + tenantID + ":" + siteID
}

func (c *RedisPolicies) Policy(ctx context.Context, s schedule.Store, tenantID, siteID string) (schedule.SchedulePolicy, error) {
	k := key(tenantID, siteID)
	raw, err := c.rdb.Get(ctx, k).Bytes()
	switch {
	case err == nil:
		var p schedule.SchedulePolicy
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			return p, nil
		}
		c.log.Warn("discarding undecodable cached policy", zap.String("key", k))
	case !errors.Is(err, redis.Nil):
		c.log.Warn("policy cache read failed", zap.String("key", k), zap.Error(err))
	}

	p, err := schedule.LoadPolicy(ctx, s, tenantID, siteID)
	if err != nil {
		return schedule.SchedulePolicy{}, err
	}
	if b, jerr := json.Marshal(p); jerr == nil {
		if serr := c.rdb.Set(ctx, k, b, c.ttl).Err(); serr != nil {
			c.log.Warn("policy cache write failed", zap.String("key", k), zap.Error(serr))
		}
	}
	return p, nil
}

func (c *RedisPolicies) Invalidate(ctx context.Context, tenantID, siteID string) {
	if siteID != "" {
		if err := c.rdb.Del(ctx, key(tenantID, siteID)).Err(); err != nil {
			c.log.Warn("policy cache invalidate failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
		return
	}
	iter := c.rdb.Scan(ctx, 0, keyPrefix+tenantID+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.log.Warn("policy cache scan failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	if len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn("policy cache invalidate failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

var _ schedule.PolicySource = (*RedisPolicies)(nil)
