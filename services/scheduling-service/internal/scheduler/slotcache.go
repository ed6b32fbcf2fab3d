package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// SlotCache caches free-slot listings between calendar refreshes.
type SlotCache interface {
	Get(ctx context.Context, q FreeSlotsQuery) ([]time.Time, bool)
	Set(ctx context.Context, q FreeSlotsQuery, slots []time.Time)
	Invalidate(ctx context.Context, tenantID, providerID string)
}

// RedisSlotCache keys entries by a per-provider version counter, so
// invalidation is a single INCR instead of a key scan.
type RedisSlotCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisSlotCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisSlotCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisSlotCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisSlotCache) Get(ctx context.Context, q FreeSlotsQuery) ([]time.Time, bool) {
	raw, err := c.client.Get(ctx, c.key(ctx, q)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("slot cache read failed", "err", err)
		}
		return nil, false
	}
	var slots []time.Time
	if err := json.Unmarshal(raw, &slots); err != nil {
		return nil, false
	}
	return slots, true
}

func (c *RedisSlotCache) Set(ctx context.Context, q FreeSlotsQuery, slots []time.Time) {
	raw, err := json.Marshal(slots)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(ctx, q), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("slot cache write failed", "err", err)
	}
}

func (c *RedisSlotCache) Invalidate(ctx context.Context, tenantID, providerID string) {
	if err := c.client.Incr(ctx, versionKey(tenantID, providerID)).Err(); err != nil {
		c.logger.Warn("slot cache invalidate failed", "err", err)
	}
}

func (c *RedisSlotCache) key(ctx context.Context, q FreeSlotsQuery) string {
	ver, err := c.client.Get(ctx, versionKey(q.TenantID, q.ProviderID)).Int64()
	if err != nil && err != redis.Nil {
		ver = -1
	}
	return fmt.Sprintf("slots:%s:%s:%d:%d:%d:%d:%d",
		q.TenantID, q.ProviderID, ver,
		q.From.Unix(), q.To.Unix(),
		int64(q.Duration/time.Minute), int64(q.Step/time.Minute))
}

func versionKey(tenantID, providerID string) string {
	return fmt.Sprintf("slots:ver:%s:%s", tenantID, providerID)
}
