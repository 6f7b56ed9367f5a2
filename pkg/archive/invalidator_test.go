package archive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/period"
	"github.com/sitewise/sitewise/pkg/segment"
)

// fakeInvalidationStore implements archives.InvalidationStore in memory.
type fakeInvalidationStore struct {
	entries []archives.Invalidation
	nextID  int
	failAll bool
}

func (f *fakeInvalidationStore) RecordInvalidation(_ context.Context, inv *archives.Invalidation) error {
	if f.failAll {
		return errors.New("store down")
	}
	if inv.ID == "" {
		f.nextID++
		inv.ID = fmt.Sprintf("inv-%d", f.nextID)
	}
	if inv.Status == "" {
		inv.Status = archives.InvalidationQueued
	}
	if inv.RequestedAt.IsZero() {
		inv.RequestedAt = time.Now().UTC()
	}
	for i := range f.entries {
		if f.entries[i].ID == inv.ID {
			f.entries[i] = *inv
			return nil
		}
	}
	f.entries = append(f.entries, *inv)
	return nil
}

func (f *fakeInvalidationStore) PendingInvalidations(_ context.Context, siteID uint64) ([]archives.Invalidation, error) {
	if f.failAll {
		return nil, errors.New("store down")
	}
	var out []archives.Invalidation
	for _, e := range f.entries {
		if e.Status != archives.InvalidationQueued {
			continue
		}
		if siteID != 0 && e.SiteID != siteID && e.SiteID != 0 {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeInvalidationStore) SetInvalidationStatus(_ context.Context, ids []string, status string) error {
	if f.failAll {
		return errors.New("store down")
	}
	for _, id := range ids {
		for i := range f.entries {
			if f.entries[i].ID == id {
				f.entries[i].Status = status
			}
		}
	}
	return nil
}

// fakeTokenList implements TokenList in memory, optionally failing writes.
type fakeTokenList struct {
	tokens []string
	addErr error
}

func (f *fakeTokenList) Add(_ context.Context, entry string) error {
	if f.addErr != nil {
		return f.addErr
	}
	for _, t := range f.tokens {
		if t == entry {
			return nil
		}
	}
	f.tokens = append(f.tokens, entry)
	return nil
}

func (f *fakeTokenList) GetAll(_ context.Context) ([]string, error) {
	return append([]string(nil), f.tokens...), nil
}

func (f *fakeTokenList) Remove(_ context.Context, entry string) error {
	for i, t := range f.tokens {
		if t == entry {
			f.tokens = append(f.tokens[:i], f.tokens[i+1:]...)
			return nil
		}
	}
	return nil
}

func newTestInvalidator(t *testing.T) (*Invalidator, *fakeInvalidationStore, *fakeTokenList) {
	store := &fakeInvalidationStore{}
	list := &fakeTokenList{}
	return NewInvalidator(store, list, zaptest.NewLogger(t)), store, list
}

func TestScheduleReArchivingIdempotent(t *testing.T) {
	ctx := context.Background()
	iv, store, _ := newTestInvalidator(t)
	start := time.Now().UTC().AddDate(0, 0, -10)

	require.NoError(t, iv.ScheduleReArchiving(ctx, 1, "", segment.None, start))
	require.NoError(t, iv.ScheduleReArchiving(ctx, 1, "", segment.None, start))
	// A narrower request inside the recorded range changes nothing either.
	require.NoError(t, iv.ScheduleReArchiving(ctx, 1, "Goals", segment.None, start.AddDate(0, 0, 5)))

	pending, err := store.PendingInvalidations(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestScheduleReArchivingWidensRange(t *testing.T) {
	ctx := context.Background()
	iv, store, _ := newTestInvalidator(t)
	now := time.Now().UTC()

	require.NoError(t, iv.ScheduleReArchiving(ctx, 1, "Goals", segment.None, now.AddDate(0, 0, -3)))
	require.NoError(t, iv.ScheduleReArchiving(ctx, 1, "", segment.None, now.AddDate(0, 0, -30)))

	pending, err := store.PendingInvalidations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, period.Day(now.AddDate(0, 0, -30)).Start, pending[0].DateStart)
	assert.Empty(t, pending[0].Plugin, "all-plugins scope wins the merge")

	// The folded entry was superseded, not deleted.
	superseded := 0
	for _, e := range store.entries {
		if e.Status == archives.InvalidationSuperseded {
			superseded++
		}
	}
	assert.Equal(t, 1, superseded)
}

func TestSeparateScopesDoNotMerge(t *testing.T) {
	ctx := context.Background()
	iv, store, _ := newTestInvalidator(t)
	seg, _ := segment.New("device_type==mobile")
	start := time.Now().UTC().AddDate(0, 0, -5)

	require.NoError(t, iv.ScheduleReArchiving(ctx, 1, "", segment.None, start))
	require.NoError(t, iv.ScheduleReArchiving(ctx, 1, "", seg, start))
	require.NoError(t, iv.ScheduleReArchiving(ctx, 2, "", segment.None, start))

	pending, err := store.PendingInvalidations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

// Ingestion keeps working when the bookkeeping store is unavailable.
func TestRememberToInvalidateLaterNeverFails(t *testing.T) {
	ctx := context.Background()
	store := &fakeInvalidationStore{}
	list := &fakeTokenList{addErr: errors.New("redis down")}
	iv := NewInvalidator(store, list, zaptest.NewLogger(t))

	iv.RememberToInvalidateLater(ctx, 1, time.Now().UTC().AddDate(0, 0, -1))
	assert.Empty(t, list.tokens)
}

func TestConsumeRemembered(t *testing.T) {
	ctx := context.Background()
	iv, store, list := newTestInvalidator(t)

	list.tokens = []string{"1|2026-08-05", "not-a-token", "2|2026-08-06"}

	require.NoError(t, iv.ConsumeRemembered(ctx))

	pending, err := store.PendingInvalidations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	assert.Empty(t, list.tokens, "consumed and malformed tokens are removed")
}

func TestConsumeReArchiveList(t *testing.T) {
	ctx := context.Background()
	iv, store, _ := newTestInvalidator(t)

	list := &fakeTokenList{}
	start := time.Now().UTC().AddDate(0, 0, -7)
	require.NoError(t, list.Add(ctx, ReArchiveToken(3, "Goals", start)))
	require.NoError(t, list.Add(ctx, "garbage"))

	require.NoError(t, iv.ConsumeReArchiveList(ctx, list))

	pending, err := store.PendingInvalidations(ctx, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Goals", pending[0].Plugin)
	assert.Equal(t, uint64(3), pending[0].SiteID)
	assert.Empty(t, list.tokens)
}

func TestParseReArchiveToken(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	siteID, plugin, parsed, err := ParseReArchiveToken(ReArchiveToken(7, "", start))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), siteID)
	assert.Empty(t, plugin)
	assert.Equal(t, start, parsed)

	_, _, _, err = ParseReArchiveToken("7|plugin")
	assert.Error(t, err)
}

func TestTargetsCascadeUp(t *testing.T) {
	inv := &archives.Invalidation{
		PeriodType: string(period.TypeDay),
		DateStart:  time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC),
		DateEnd:    time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC),
		Cascade:    1,
	}

	targets := Targets(inv)

	keys := map[string]bool{}
	for _, p := range targets {
		keys[p.Key()] = true
	}
	// Two days, one shared week, one month, one year.
	assert.True(t, keys["day:2026-08-04"])
	assert.True(t, keys["day:2026-08-05"])
	assert.True(t, keys["week:2026-08-03"])
	assert.True(t, keys["month:2026-08-01"])
	assert.True(t, keys["year:2026-01-01"])
	assert.Len(t, targets, 5)
}

func TestTargetsCoarseCascadeDown(t *testing.T) {
	inv := &archives.Invalidation{
		PeriodType: string(period.TypeMonth),
		DateStart:  time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		DateEnd:    time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
		Cascade:    1,
	}

	targets := Targets(inv)

	days := 0
	months := 0
	years := 0
	for _, p := range targets {
		switch p.Type {
		case period.TypeDay:
			days++
		case period.TypeMonth:
			months++
		case period.TypeYear:
			years++
		}
	}
	assert.Equal(t, 28, days, "cascade reaches every day of the month")
	assert.Equal(t, 1, months)
	assert.Equal(t, 1, years)
}
