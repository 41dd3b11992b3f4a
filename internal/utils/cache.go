package utils

import (
	"context"       // Context for Redis operations
	"encoding/json" // JSON encoding/decoding
	"errors"        // Joining delete errors
	"strconv"       // Key formatting
	"time"          // Time durations

	"github.com/redis/go-redis/v9" // Redis client
)

// WalletKey is the cache key of an owner's wallet
func WalletKey(ownerID string) string {
	return "wallet:user:" + ownerID
}

// HistoryKey is the cache key of one page of an owner's transaction history
func HistoryKey(ownerID string, page, pageSize int) string {
	return historyPrefix(ownerID) + "page:" + strconv.Itoa(page) + ":size:" + strconv.Itoa(pageSize)
}

func historyPrefix(ownerID string) string {
	return "txhistory:user:" + ownerID + ":"
}

// GetCache retrieves a value from Redis and unmarshals it into dest
func GetCache(ctx context.Context, rdb redis.Cmdable, key string, dest any) (bool, error) {
	val, err := rdb.Get(ctx, key).Result() // Get value from Redis
	if errors.Is(err, redis.Nil) {
		return false, nil // Key does not exist
	} else if err != nil {
		return false, err // Other Redis error
	}
	return true, json.Unmarshal([]byte(val), dest) // Unmarshal JSON into dest
}

// SetCache sets a value in Redis with a specified TTL
func SetCache(ctx context.Context, rdb redis.Cmdable, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value) // Marshal value to JSON
	if err != nil {
		return err // Return error if marshaling fails
	}
	return rdb.Set(ctx, key, b, ttl).Err() // Set value in Redis with TTL
}

// DeleteCache deletes keys from Redis
func DeleteCache(ctx context.Context, rdb redis.Cmdable, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return rdb.Del(ctx, keys...).Err() // Delete keys from Redis
}

// InvalidateOwners drops the cached wallet and every cached history page of
// each owner
func InvalidateOwners(ctx context.Context, rdb redis.Cmdable, ownerIDs ...string) error {
	var errs []error
	for _, id := range ownerIDs {
		if id == "" {
			continue
		}
		keys := []string{WalletKey(id)}
		iter := rdb.Scan(ctx, 0, historyPrefix(id)+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			errs = append(errs, err)
		}
		if err := DeleteCache(ctx, rdb, keys...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
