package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/revenue-reconciler/recon"
)

// Redis holds one redislock lock per key. Locks expire after TTL so a
// crashed process cannot block an entity forever.
type Redis struct {
	client  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
	retries int
	prefix  string
	log     logrus.FieldLogger
}

type RedisOption func(*Redis)

// WithRetry sets how long and how often Lock retries a busy key.
func WithRetry(backoff time.Duration, retries int) RedisOption {
	return func(r *Redis) {
		r.backoff = backoff
		r.retries = retries
	}
}

func WithPrefix(prefix string) RedisOption { return func(r *Redis) { r.prefix = prefix } }

func WithRedisLogger(log logrus.FieldLogger) RedisOption { return func(r *Redis) { r.log = log } }

func NewRedis(rdb redis.UniversalClient, ttl time.Duration, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  redislock.New(rdb),
		ttl:     ttl,
		backoff: 50 * time.Millisecond,
		retries: 40,
		prefix:  "recon:lock:",
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock obtains every key or none. A key still busy after the retries gives
// an error wrapping recon.ErrConcurrentModification.
func (r *Redis) Lock(ctx context.Context, keys []string) (func(), error) {
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(r.backoff), r.retries),
	}

	held := make([]*redislock.Lock, 0, len(keys))
	release := func() {
		// Release with a fresh context; the caller's may already be done.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Release(rctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.log.WithField("key", held[i].Key()).WithError(err).Warn("failed to release redis lock")
			}
		}
	}

	for _, k := range keys {
		l, err := r.client.Obtain(ctx, r.prefix+k, r.ttl, opts)
		if errors.Is(err, redislock.ErrNotObtained) {
			release()
			return nil, fmt.Errorf("%w: %s is locked", recon.ErrConcurrentModification, k)
		}
		if err != nil {
			release()
			return nil, fmt.Errorf("obtain redis lock %s: %w", k, err)
		}
		held = append(held, l)
	}
	return release, nil
}
