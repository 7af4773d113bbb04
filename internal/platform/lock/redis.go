package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisConfig tunes the distributed locker.
type RedisConfig struct {
	TTL           time.Duration
	RetryInterval time.Duration
	WaitTimeout   time.Duration
}

// Redis holds one redis lease per key, refreshed while held, on top of a Local
// mutex so goroutines of the same process queue without polling redis.
type Redis struct {
	client *redislock.Client
	local  *Local
	cfg    RedisConfig
	logger *slog.Logger
}

// NewRedis builds a Redis locker on the given client.
func NewRedis(rdb redis.UniversalClient, cfg RedisConfig, logger *slog.Logger) *Redis {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = cfg.TTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: redislock.New(rdb), local: NewLocal(), cfg: cfg, logger: logger}
}

// Acquire obtains every key in sorted order, waiting up to WaitTimeout.
func (r *Redis) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.WaitTimeout)
	defer cancel()

	releaseLocal, err := r.local.Acquire(waitCtx, keys...)
	if err != nil {
		return nil, err
	}
	opts := &redislock.Options{RetryStrategy: redislock.LinearBackoff(r.cfg.RetryInterval)}
	leases := make([]*redislock.Lock, 0, len(keys))
	for _, key := range keys {
		lease, err := r.client.Obtain(waitCtx, key, r.cfg.TTL, opts)
		if err != nil {
			r.releaseLeases(leases)
			releaseLocal()
			if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
			}
			return nil, fmt.Errorf("platform/lock: obtain %s: %w", key, err)
		}
		leases = append(leases, lease)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.refresh(leases, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			r.releaseLeases(leases)
			releaseLocal()
		})
	}, nil
}

func (r *Redis) refresh(leases []*redislock.Lock, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.TTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, lease := range leases {
				ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TTL/2)
				if err := lease.Refresh(ctx, r.cfg.TTL, nil); err != nil {
					r.logger.Warn("refresh chain lock", slog.String("key", lease.Key()), slog.Any("error", err))
				}
				cancel()
			}
		}
	}
}

func (r *Redis) releaseLeases(leases []*redislock.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(leases) - 1; i >= 0; i-- {
		if err := leases[i].Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.logger.Warn("release chain lock", slog.String("key", leases[i].Key()), slog.Any("error", err))
		}
	}
}
