package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLocalSerialisesSameKey(t *testing.T) {
	l := NewLocal()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "chain:1:1")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside)
	require.Empty(t, l.slots)
}

func TestLocalHonoursContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Acquire(context.Background(), "a", "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "b")
	require.ErrorIs(t, err, ErrNotAcquired)

	release()
	release()
	again, err := l.Acquire(context.Background(), "b", "a", "b")
	require.NoError(t, err)
	again()
}

func TestLocalDifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	first, err := l.Acquire(context.Background(), "x")
	require.NoError(t, err)
	defer first()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	second, err := l.Acquire(ctx, "y")
	require.NoError(t, err)
	second()
}

func newRedisLocker(t *testing.T, mr *miniredis.Miniredis, wait time.Duration) *Redis {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, RedisConfig{TTL: time.Second, RetryInterval: 10 * time.Millisecond, WaitTimeout: wait}, nil)
}

func TestRedisExcludesOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRedisLocker(t, mr, 100*time.Millisecond)
	b := newRedisLocker(t, mr, 100*time.Millisecond)

	release, err := a.Acquire(context.Background(), "ledger:chain:1:2:lock")
	require.NoError(t, err)
	require.True(t, mr.Exists("ledger:chain:1:2:lock"))

	_, err = b.Acquire(context.Background(), "ledger:chain:1:2:lock")
	require.ErrorIs(t, err, ErrNotAcquired)

	release()
	require.False(t, mr.Exists("ledger:chain:1:2:lock"))

	again, err := b.Acquire(context.Background(), "ledger:chain:1:2:lock")
	require.NoError(t, err)
	again()
}

func TestRedisPartialAcquireRollsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newRedisLocker(t, mr, 100*time.Millisecond)
	b := newRedisLocker(t, mr, 100*time.Millisecond)

	held, err := a.Acquire(context.Background(), "k2")
	require.NoError(t, err)
	defer held()

	_, err = b.Acquire(context.Background(), "k1", "k2")
	require.ErrorIs(t, err, ErrNotAcquired)
	require.False(t, mr.Exists("k1"))
}
