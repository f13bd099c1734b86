package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// StockLockKey builds redis keys for the depletion critical section.
func StockLockKey(productID, locationID int64) string {
	return fmt.Sprintf("costing:stock:%d:%d:lock", productID, locationID)
}

// CycleLockKey builds redis keys guarding a daily cycle run.
func CycleLockKey(date time.Time, scope string) string {
	return fmt.Sprintf("cycle:%s:%s:lock", date.Format("2006-01-02"), scope)
}

// KeyedLocker serialises mutations on a shared resource identified by key.
// Acquisition is bounded: after the retry budget is spent the caller gets
// ErrLockBusy instead of blocking indefinitely.
type KeyedLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
	retries int
}

// NewKeyedLocker wraps a redis client with lock settings.
func NewKeyedLocker(client redis.UniversalClient, ttl, backoff time.Duration, retries int) *KeyedLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	if retries <= 0 {
		retries = 20
	}
	return &KeyedLocker{
		client:  redislock.New(client),
		ttl:     ttl,
		backoff: backoff,
		retries: retries,
	}
}

// Acquire obtains the lock for key or returns ErrLockBusy.
// The returned release func must be called on completion.
func (l *KeyedLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.backoff), l.retries),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("shared: obtain lock %s: %w", key, err)
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}
	return release, nil
}
