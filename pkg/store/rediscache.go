package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyCache is a read-through Redis cache in front of a Store's
// idempotency lookups. Replays of hot keys skip the database; the durable
// store remains the source of truth and the uniqueness enforcement point.
type IdempotencyCache struct {
	Store
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewIdempotencyCache wraps inner with a Redis-backed lookup cache.
func NewIdempotencyCache(inner Store, client *redis.Client, ttl time.Duration) *IdempotencyCache {
	return &IdempotencyCache{
		Store:  inner,
		client: client,
		ttl:    ttl,
		logger: slog.Default().With("component", "idempotency-cache"),
	}
}

func cacheKey(tenantID, key string) string {
	return "nooterra:idem:" + tenantID + ":" + key
}

// LookupIdempotent checks Redis first; on miss it falls through to the
// durable store and backfills. Cache failures are logged and ignored.
func (c *IdempotencyCache) LookupIdempotent(ctx context.Context, tenantID, key string) (*IdempotencyRecord, error) {
	raw, err := c.client.Get(ctx, cacheKey(tenantID, key)).Bytes()
	if err == nil {
		var rec IdempotencyRecord
		if err := json.Unmarshal(raw, &rec); err == nil {
			return &rec, nil
		}
	} else if err != redis.Nil {
		c.logger.WarnContext(ctx, "redis lookup failed", "error", err)
	}

	rec, err := c.Store.LookupIdempotent(ctx, tenantID, key)
	if err != nil || rec == nil {
		return rec, err
	}
	if raw, err := json.Marshal(rec); err == nil {
		if err := c.client.Set(ctx, cacheKey(tenantID, key), raw, c.ttl).Err(); err != nil {
			c.logger.WarnContext(ctx, "redis backfill failed", "error", err)
		}
	}
	return rec, nil
}
