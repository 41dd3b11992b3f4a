package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions tunes a RedisLocker
type RedisOptions struct {
	Prefix        string        // Key prefix, e.g. "lock:wallet:"
	TTL           time.Duration // Expiry of a held key, bounds a crashed holder
	RetryInterval time.Duration // Pause between SET NX attempts
	MaxWait       time.Duration // Give up after this long, 0 waits for ctx only
}

// DefaultRedisOptions returns the stock lock settings
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Prefix:        "lock:wallet:",
		TTL:           10 * time.Second,
		RetryInterval: 20 * time.Millisecond,
		MaxWait:       5 * time.Second,
	}
}

// RedisLocker is a Locker shared by every engine instance talking to the
// same redis. Each key is SET NX with a per-call token.
type RedisLocker struct {
	client redis.Cmdable
	opts   RedisOptions
	log    logrus.FieldLogger
}

// NewRedisLocker returns a RedisLocker, filling unset options with defaults
func NewRedisLocker(client redis.Cmdable, opts RedisOptions, log logrus.FieldLogger) *RedisLocker {
	def := DefaultRedisOptions()
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RedisLocker{client: client, opts: opts, log: log}
}

// Acquire implements Locker
func (l *RedisLocker) Acquire(ctx context.Context, keys ...string) (Release, error) {
	if l.opts.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.MaxWait)
		defer cancel()
	}

	token := uuid.NewString()
	held := make([]string, 0, len(keys))
	for _, key := range keys {
		redisKey := l.opts.Prefix + key
		if err := l.acquireOne(ctx, redisKey, token); err != nil {
			l.release(held, token)
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		held = append(held, redisKey)
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(held, token) })
	}, nil
}

func (l *RedisLocker) acquireOne(ctx context.Context, key, token string) error {
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Join(ErrNotAcquired, ctx.Err())
			}
			return err
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(l.opts.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ErrNotAcquired, ctx.Err())
		case <-timer.C:
		}
	}
}

// release runs on a fresh context: the caller's may already be done
func (l *RedisLocker) release(held []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		if err := releaseScript.Run(ctx, l.client, []string{held[i]}, token).Err(); err != nil {
			l.log.WithFields(logrus.Fields{
				"lock_key": held[i],
				"error":    err.Error(),
			}).Warn("Failed to release wallet lock")
		}
	}
}

var _ Locker = (*RedisLocker)(nil)
