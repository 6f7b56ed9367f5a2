package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const lockKeyPrefix = "sitewise:lock:"

// Mutex is a named cross-process lock built on the KV surface. Acquisition is
// a SETNX with an owner token and a TTL; release deletes the key only while
// it still holds that token. The TTL doubles as the reclaim grace period: a
// worker that dies without releasing stops blocking others once it expires.
type Mutex struct {
	kv     KV
	logger *zap.Logger
}

// NewMutex returns a lock provider over the given key-value store.
func NewMutex(kv KV, logger *zap.Logger) *Mutex {
	return &Mutex{kv: kv, logger: logger}
}

// TryAcquire attempts to take the named lock without waiting. Returns
// ok=false when another owner holds it. The returned release func is safe to
// call after the lock expired; releasing someone else's re-acquisition is
// impossible because the token no longer matches.
func (m *Mutex) TryAcquire(ctx context.Context, name string, ttl time.Duration) (func(ctx context.Context) error, bool, error) {
	key := lockKeyPrefix + name
	token := uuid.NewString()

	ok, err := m.kv.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		released, err := m.kv.DelIfEquals(ctx, key, token)
		if err != nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		if !released {
			m.logger.Warn("Lock already expired or taken over at release",
				zap.String("lock", name))
		}
		return nil
	}
	return release, true, nil
}

// Acquire waits for the named lock, polling until maxWait elapses or the
// context is cancelled. Lock contention is not an error; callers decide
// whether to fall back to stale data when ok=false.
func (m *Mutex) Acquire(ctx context.Context, name string, ttl, maxWait time.Duration) (func(ctx context.Context) error, bool, error) {
	deadline := time.Now().Add(maxWait)
	pollEvery := 100 * time.Millisecond

	for {
		release, ok, err := m.TryAcquire(ctx, name, ttl)
		if err != nil || ok {
			return release, ok, err
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(pollEvery):
		}
	}
}
