package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeKV is an in-memory KV with real SETNX/compare-and-delete semantics.
type fakeKV struct {
	mu      sync.Mutex
	data    map[string]string
	expires map[string]time.Time
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}, expires: map[string]time.Time{}}
}

func (f *fakeKV) expired(key string) bool {
	exp, ok := f.expires[key]
	return ok && time.Now().After(exp)
}

func (f *fakeKV) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired(key) {
		delete(f.data, key)
		delete(f.expires, key)
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	delete(f.expires, key)
	return nil
}

func (f *fakeKV) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	delete(f.expires, key)
	return nil
}

func (f *fakeKV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired(key) {
		delete(f.data, key)
		delete(f.expires, key)
	}
	if _, exists := f.data[key]; exists {
		return false, nil
	}
	f.data[key] = value
	if ttl > 0 {
		f.expires[key] = time.Now().Add(ttl)
	}
	return true, nil
}

func (f *fakeKV) DelIfEquals(_ context.Context, key, value string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data[key] != value {
		return false, nil
	}
	delete(f.data, key)
	delete(f.expires, key)
	return true, nil
}

var _ KV = (*fakeKV)(nil)

func newTestList(t *testing.T, name string) (*DistributedList, *fakeKV) {
	kv := newFakeKV()
	logger := zaptest.NewLogger(t)
	return NewDistributedList(name, kv, NewMutex(kv, logger), logger), kv
}

func TestDistributedListAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	list, _ := newTestList(t, "test")

	require.NoError(t, list.Add(ctx, "a"))
	require.NoError(t, list.Add(ctx, "a"))
	require.NoError(t, list.Add(ctx, "b"))

	entries, err := list.GetAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, entries)
}

func TestDistributedListRemove(t *testing.T) {
	ctx := context.Background()
	list, _ := newTestList(t, "test")

	require.NoError(t, list.Add(ctx, "a"))
	require.NoError(t, list.Add(ctx, "b"))
	require.NoError(t, list.Remove(ctx, "a"))
	require.NoError(t, list.Remove(ctx, "missing"))

	entries, err := list.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, entries)

	require.NoError(t, list.RemoveAll(ctx))
	entries, err = list.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// Concurrent producers all mutate under the list lock, so no update is lost.
func TestDistributedListConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	list, _ := newTestList(t, "concurrent")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, list.Add(ctx, string(rune('a'+n))))
		}(i)
	}
	wg.Wait()

	entries, err := list.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestMutexExcludes(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	m := NewMutex(kv, zaptest.NewLogger(t))

	release, ok, err := m.TryAcquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = m.TryAcquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be granted twice")

	require.NoError(t, release(ctx))

	release2, ok, err := m.TryAcquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released lock is free again")
	require.NoError(t, release2(ctx))
}

// A crashed owner's lock frees itself via the TTL, and the stale release
// cannot steal it from the next owner.
func TestMutexExpiryAndStaleRelease(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	m := NewMutex(kv, zaptest.NewLogger(t))

	staleRelease, ok, err := m.TryAcquire(ctx, "job", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	release2, ok, err := m.TryAcquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lock is reclaimable")

	// The first owner's release is a no-op now: its token no longer matches.
	require.NoError(t, staleRelease(ctx))
	_, ok, err = m.TryAcquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second owner still holds the lock")
	require.NoError(t, release2(ctx))
}

func TestAcquireWaits(t *testing.T) {
	ctx := context.Background()
	kv := newFakeKV()
	m := NewMutex(kv, zaptest.NewLogger(t))

	release, ok, err := m.TryAcquire(ctx, "job", 150*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	_ = release

	// The holder's TTL elapses while we poll, so the wait succeeds.
	release2, ok, err := m.Acquire(ctx, "job", time.Minute, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, release2(ctx))
}
