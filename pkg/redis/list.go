package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

const (
	listKeyPrefix = "sitewise:list:"

	listLockTTL     = 10 * time.Second
	listLockMaxWait = 5 * time.Second
)

// ReArchiveListName is the shared list of site-id tokens queued for
// re-archiving, produced by admin actions and consumed by the orchestrator.
const ReArchiveListName = "ReArchiveList"

// DistributedList is a persisted, process-shared set of string entries stored
// in a single named slot. Every mutation is a read-modify-write under the
// list's named lock, so concurrent producers and consumers never lose an
// update. Store failures surface as errors; there is no silent partial list.
type DistributedList struct {
	name   string
	kv     KV
	mutex  *Mutex
	logger *zap.Logger
}

// NewDistributedList returns the list stored under the given name.
func NewDistributedList(name string, kv KV, mutex *Mutex, logger *zap.Logger) *DistributedList {
	return &DistributedList{name: name, kv: kv, mutex: mutex, logger: logger}
}

func (l *DistributedList) key() string {
	return listKeyPrefix + l.name
}

func (l *DistributedList) lockName() string {
	return "list." + l.name
}

func (l *DistributedList) load(ctx context.Context) (map[string]struct{}, error) {
	raw, ok, err := l.kv.Get(ctx, l.key())
	if err != nil {
		return nil, fmt.Errorf("read list %s: %w", l.name, err)
	}
	entries := map[string]struct{}{}
	if !ok || raw == "" {
		return entries, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode list %s: %w", l.name, err)
	}
	for _, it := range items {
		entries[it] = struct{}{}
	}
	return entries, nil
}

func (l *DistributedList) store(ctx context.Context, entries map[string]struct{}) error {
	items := make([]string, 0, len(entries))
	for it := range entries {
		items = append(items, it)
	}
	sort.Strings(items)
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode list %s: %w", l.name, err)
	}
	if err := l.kv.Set(ctx, l.key(), string(raw)); err != nil {
		return fmt.Errorf("write list %s: %w", l.name, err)
	}
	return nil
}

func (l *DistributedList) withLock(ctx context.Context, fn func(entries map[string]struct{}) (changed bool, err error)) error {
	release, ok, err := l.mutex.Acquire(ctx, l.lockName(), listLockTTL, listLockMaxWait)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("list %s: lock not acquired within %s", l.name, listLockMaxWait)
	}
	defer func() {
		if relErr := release(ctx); relErr != nil {
			l.logger.Warn("Failed to release list lock", zap.String("list", l.name), zap.Error(relErr))
		}
	}()

	entries, err := l.load(ctx)
	if err != nil {
		return err
	}
	changed, err := fn(entries)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return l.store(ctx, entries)
}

// Add inserts an entry. Idempotent: adding an existing entry is a no-op.
func (l *DistributedList) Add(ctx context.Context, entry string) error {
	return l.withLock(ctx, func(entries map[string]struct{}) (bool, error) {
		if _, exists := entries[entry]; exists {
			return false, nil
		}
		entries[entry] = struct{}{}
		return true, nil
	})
}

// GetAll returns the current entries in indeterminate order.
func (l *DistributedList) GetAll(ctx context.Context) ([]string, error) {
	entries, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]string, 0, len(entries))
	for it := range entries {
		items = append(items, it)
	}
	return items, nil
}

// Remove deletes one entry if present.
func (l *DistributedList) Remove(ctx context.Context, entry string) error {
	return l.withLock(ctx, func(entries map[string]struct{}) (bool, error) {
		if _, exists := entries[entry]; !exists {
			return false, nil
		}
		delete(entries, entry)
		return true, nil
	})
}

// RemoveAll empties the list.
func (l *DistributedList) RemoveAll(ctx context.Context) error {
	if err := l.kv.Del(ctx, l.key()); err != nil {
		return fmt.Errorf("clear list %s: %w", l.name, err)
	}
	return nil
}
