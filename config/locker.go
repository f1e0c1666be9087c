package config

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/warp/revenue-reconciler/lock"
	"github.com/warp/revenue-reconciler/recon"
)

// NewLocker returns the configured entity locker and a close func. The
// "none" driver returns a nil Locker; the executor then relies on version
// checks alone.
func NewLocker(ctx context.Context, cfg LockConfig, log logrus.FieldLogger) (recon.Locker, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Driver {
	case LockNone:
		return nil, noop, nil
	case LockLocal, "":
		return lock.NewLocal(), noop, nil
	case LockRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 20,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pctx).Err(); err != nil {
			rdb.Close()
			return nil, noop, fmt.Errorf("failed to connect redis at %s: %w", cfg.RedisAddr, err)
		}
		log.WithField("addr", cfg.RedisAddr).Info("connected to redis")
		return lock.NewRedis(rdb, cfg.TTL, lock.WithRedisLogger(log)), rdb.Close, nil
	}
	return nil, noop, fmt.Errorf("invalid lock driver: %s", cfg.Driver)
}
