// Package distlock serializes work on a key, either inside one process or
// across processes sharing a Redis instance.
package distlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/capi-uploader/internal/pkg/logger"
)

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
	// Refresh renews the hold for another TTL. It fails once the lock
	// has been lost.
	Refresh(ctx context.Context) error
}

// Factory hands out lock instances for keys.
type Factory interface {
	NewLock(key string) DistLock
}

// NewFactory returns a Redis-backed factory when redisClient is non-nil and
// an in-process one otherwise.
func NewFactory(redisClient *redis.Client, ttl time.Duration) Factory {
	if redisClient != nil {
		return &redisFactory{client: redisClient, ttl: ttl}
	}
	return NewLocalFactory()
}

type redisFactory struct {
	client *redis.Client
	ttl    time.Duration
}

func (f *redisFactory) NewLock(key string) DistLock {
	return NewRedisLock(f.client, key, f.ttl)
}

// AcquireWait polls Acquire every interval until the lock is held or ctx is
// done.
func AcquireWait(ctx context.Context, l DistLock, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	for {
		ok, err := l.Acquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("waiting for lock: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// KeepAlive refreshes l every interval until the returned stop function is
// called or ctx is done. A failed refresh is logged and retried on the next
// tick.
func KeepAlive(ctx context.Context, l DistLock, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Refresh(ctx); err != nil && ctx.Err() == nil {
					logger.Warn("distlock: refresh failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// =============================================================================
// In-process lock (used when no Redis is configured)
// =============================================================================

// LocalFactory issues locks that only exclude goroutines of this process.
type LocalFactory struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalFactory creates an empty in-process lock table.
func NewLocalFactory() *LocalFactory {
	return &LocalFactory{held: make(map[string]bool)}
}

// NewLock returns a lock on key.
func (f *LocalFactory) NewLock(key string) DistLock {
	return &localLock{factory: f, key: key}
}

type localLock struct {
	factory *LocalFactory
	key     string
	owned   bool
}

func (l *localLock) Acquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.factory.mu.Lock()
	defer l.factory.mu.Unlock()
	if l.factory.held[l.key] {
		return false, nil
	}
	l.factory.held[l.key] = true
	l.owned = true
	return true, nil
}

func (l *localLock) Release(context.Context) error {
	l.factory.mu.Lock()
	defer l.factory.mu.Unlock()
	if l.owned {
		delete(l.factory.held, l.key)
		l.owned = false
	}
	return nil
}

func (l *localLock) Refresh(context.Context) error {
	l.factory.mu.Lock()
	defer l.factory.mu.Unlock()
	if !l.owned {
		return fmt.Errorf("lock %s is not held", l.key)
	}
	return nil
}
