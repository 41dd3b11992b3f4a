package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"wallet_ledger/internal/utils"
)

// Cache is the redis read-through cache of wallet and history responses.
// A nil Cache disables caching, and redis errors only cost a cache miss.
type Cache struct {
	rdb redis.Cmdable
	ttl time.Duration
	log logrus.FieldLogger
}

// NewCache returns a Cache keeping entries for ttl
func NewCache(rdb redis.Cmdable, ttl time.Duration, log logrus.FieldLogger) *Cache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{rdb: rdb, ttl: ttl, log: log}
}

func (c *Cache) get(ctx context.Context, key string, dest any) bool {
	if c == nil {
		return false
	}
	found, err := utils.GetCache(ctx, c.rdb, key, dest)
	if err != nil {
		c.log.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("Cache read failed")
		return false
	}
	return found
}

func (c *Cache) set(ctx context.Context, key string, value any) {
	if c == nil {
		return
	}
	if err := utils.SetCache(ctx, c.rdb, key, value, c.ttl); err != nil {
		c.log.WithFields(logrus.Fields{"key": key, "error": err.Error()}).Warn("Cache write failed")
	}
}

func (c *Cache) invalidate(ctx context.Context, ownerIDs ...string) {
	if c == nil {
		return
	}
	if err := utils.InvalidateOwners(ctx, c.rdb, ownerIDs...); err != nil {
		c.log.WithFields(logrus.Fields{"owner_ids": ownerIDs, "error": err.Error()}).Warn("Cache invalidation failed")
	}
}
