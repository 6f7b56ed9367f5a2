package archiver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sitewise/sitewise/pkg/archive"
	"github.com/sitewise/sitewise/pkg/climulti"
	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/db/logs"
	"github.com/sitewise/sitewise/pkg/db/sites"
	"github.com/sitewise/sitewise/pkg/period"
	"github.com/sitewise/sitewise/pkg/redis"
	"github.com/sitewise/sitewise/pkg/segment"
)

// memKV is an in-memory redis.KV for the option store.
type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]string{}
	}
	m.data[key] = value
	return nil
}

func (m *memKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) SetNX(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]string{}
	}
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *memKV) DelIfEquals(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[key] != value {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

type memSites struct {
	list []sites.Site
}

func (m *memSites) ListSites(context.Context, bool) ([]sites.Site, error) {
	return append([]sites.Site(nil), m.list...), nil
}

func (m *memSites) GetSite(_ context.Context, siteID uint64) (*sites.Site, error) {
	for i := range m.list {
		if m.list[i].SiteID == siteID {
			cp := m.list[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memSites) UpsertSite(_ context.Context, s *sites.Site) error {
	m.list = append(m.list, *s)
	return nil
}

// memInvalidations keeps the invalidation log in memory with the queued-only
// pending query of the real store.
type memInvalidations struct {
	mu      sync.Mutex
	entries []*archives.Invalidation
	nextID  int
}

func (m *memInvalidations) RecordInvalidation(_ context.Context, inv *archives.Invalidation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv.ID == "" {
		m.nextID++
		inv.ID = fmt.Sprintf("inv-%d", m.nextID)
	}
	if inv.Status == "" {
		inv.Status = archives.InvalidationQueued
	}
	if inv.RequestedAt.IsZero() {
		inv.RequestedAt = time.Now().UTC()
	}
	cp := *inv
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *memInvalidations) PendingInvalidations(_ context.Context, siteID uint64) ([]archives.Invalidation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []archives.Invalidation
	for _, e := range m.entries {
		if e.Status != archives.InvalidationQueued {
			continue
		}
		if siteID != 0 && e.SiteID != siteID && e.SiteID != 0 {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (m *memInvalidations) SetInvalidationStatus(_ context.Context, ids []string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		for _, e := range m.entries {
			if e.ID == id {
				e.Status = status
			}
		}
	}
	return nil
}

func (m *memInvalidations) statusOf(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e.Status
		}
	}
	return ""
}

type memTokens struct {
	mu      sync.Mutex
	entries []string
}

func (m *memTokens) Add(_ context.Context, entry string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memTokens) GetAll(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.entries...), nil
}

func (m *memTokens) Remove(_ context.Context, entry string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e == entry {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

type recordedEvent struct {
	channel string
	message interface{}
}

type memEvents struct {
	mu        sync.Mutex
	published []recordedEvent
}

func (m *memEvents) Publish(_ context.Context, channel string, message interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, recordedEvent{channel: channel, message: message})
}

func (m *memEvents) count(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.published {
		if e.channel == channel {
			n++
		}
	}
	return n
}

// memArchiveStore mirrors the real store's latest-status-row semantics,
// counting allocations so tests can tell recomputes from cache hits.
type memArchiveStore struct {
	mu          sync.Mutex
	statuses    map[string]*archives.StatusInfo
	stored      map[string]*archives.Archive
	nextID      uint64
	allocations int
}

func newMemArchiveStore() *memArchiveStore {
	return &memArchiveStore{
		statuses: map[string]*archives.StatusInfo{},
		stored:   map[string]*archives.Archive{},
	}
}

func (m *memArchiveStore) AllocateArchiveID(_ context.Context, key archives.Key) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.allocations++
	m.statuses[key.String()] = &archives.StatusInfo{
		IDArchive: m.nextID, Status: archives.StatusInProgress, TsArchived: time.Now().UTC(),
	}
	return m.nextID, nil
}

func (m *memArchiveStore) MarkError(_ context.Context, key archives.Key, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[key.String()] = &archives.StatusInfo{
		IDArchive: id, Status: archives.StatusDoneError, TsArchived: time.Now().UTC(),
	}
	return nil
}

func (m *memArchiveStore) MarkInvalidated(_ context.Context, key archives.Key, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[key.String()] = &archives.StatusInfo{
		IDArchive: id, Status: archives.StatusInvalidated, TsArchived: time.Now().UTC(),
	}
	return nil
}

func (m *memArchiveStore) Finalize(_ context.Context, a *archives.Archive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.stored[a.Key.String()] = &cp
	m.statuses[a.Key.String()] = &archives.StatusInfo{
		IDArchive: a.IDArchive, Status: archives.StatusDoneOK, TsArchived: a.TsArchived,
	}
	return nil
}

func (m *memArchiveStore) LatestStatus(_ context.Context, key archives.Key) (*archives.StatusInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[key.String()]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (m *memArchiveStore) ReadArchive(_ context.Context, key archives.Key) (*archives.Archive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[key.String()]
	if !ok || !st.Status.IsUsable() {
		return nil, nil
	}
	a, ok := m.stored[key.String()]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memArchiveStore) PurgeSuperseded(context.Context, archives.Key, uint64) error {
	return nil
}

func (m *memArchiveStore) allocated() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocations
}

var _ archives.Store = (*memArchiveStore)(nil)

type memLogStore struct {
	visitsByDay map[string][]logs.Visit
}

func (m *memLogStore) InsertVisit(context.Context, *logs.Visit) error { return nil }

func (m *memLogStore) ReadVisits(_ context.Context, _ uint64, day period.Period, _ segment.Segment) ([]logs.Visit, error) {
	return m.visitsByDay[day.Key()], nil
}

// grantLocks hands out every lock, refusing only a name already held.
type grantLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (g *grantLocks) Acquire(_ context.Context, name string, _, _ time.Duration) (func(ctx context.Context) error, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held == nil {
		g.held = map[string]bool{}
	}
	if g.held[name] {
		return nil, false, nil
	}
	g.held[name] = true
	return func(context.Context) error {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.held, name)
		return nil
	}, true, nil
}

// scriptLauncher counts attempts per key and runs a canned behavior.
type scriptLauncher struct {
	mu       sync.Mutex
	attempts map[string]int
	behave   map[string]func(ctx context.Context) ([]byte, error)
}

func (l *scriptLauncher) Launch(ctx context.Context, req climulti.Request) ([]byte, error) {
	l.mu.Lock()
	if l.attempts == nil {
		l.attempts = map[string]int{}
	}
	l.attempts[req.Key.String()]++
	fn := l.behave[req.Key.String()]
	l.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx)
}

func (l *scriptLauncher) count(key archives.Key) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[key.String()]
}

func runPolicy() archive.Policy {
	return archive.Policy{
		TodayTTL:                24 * time.Hour,
		AntiStampedeWindow:      30 * time.Second,
		InProgressGrace:         time.Hour,
		CronEnabled:             true,
		BrowserArchivingEnabled: true,
	}
}

// newTestApp wires an App around the given launcher and stores, with every
// external system replaced by an in-memory fake.
func newTestApp(t *testing.T, launcher climulti.Launcher, store *memArchiveStore, inv *memInvalidations, concurrency int, timeout time.Duration) (*App, *memEvents) {
	logger := zaptest.NewLogger(t)
	events := &memEvents{}
	app := &App{
		Config:      Config{BackDays: 1},
		Logger:      logger,
		Sites:       &memSites{list: []sites.Site{{SiteID: 1, Name: "shop"}}},
		Archives:    store,
		Invalidator: archive.NewInvalidator(inv, &memTokens{}, logger),
		Policy:      runPolicy(),
		Runner:      climulti.NewRunner(launcher, climulti.Config{Concurrency: concurrency, RequestTimeout: timeout}, logger),
		Events:      events,
		Options:     redis.NewOptions(&memKV{}),
		ReArchive:   &memTokens{},
	}
	return app, events
}

// newProcessorApp backs the runner with the real processor over the fakes.
func newProcessorApp(t *testing.T, store *memArchiveStore, logStore *memLogStore, inv *memInvalidations) (*App, *memEvents) {
	processor := archive.NewProcessor(store, logStore, archive.DefaultRegistry(), runPolicy(),
		&grantLocks{}, archive.ProcessorConfig{LockTTL: time.Minute, LockMaxWait: time.Second},
		zaptest.NewLogger(t))
	// One worker keeps coarse periods from racing their own sub-period tasks.
	return newTestApp(t, &climulti.ProcessorLauncher{Processor: processor}, store, inv, 1, time.Minute)
}

func archivePayload(t *testing.T, key archives.Key, ts time.Time) []byte {
	b, err := json.Marshal(&archives.Archive{
		Key: key, IDArchive: 1, Status: archives.StatusDoneOK, TsArchived: ts,
	})
	require.NoError(t, err)
	return b
}

// A batch keeps going when one unit times out: the other units finish, the
// failed one gets exactly one more attempt, and the run records one error.
func TestDispatchIsolatesAndRetriesOnce(t *testing.T) {
	now := time.Now().UTC()
	launcher := &scriptLauncher{behave: map[string]func(ctx context.Context) ([]byte, error){}}

	var items []workItem
	var slowKey archives.Key
	for i := 0; i < 10; i++ {
		key := archives.Key{SiteID: 1, Period: period.Day(time.Date(2020, 9, 1+i, 0, 0, 0, 0, time.UTC))}
		items = append(items, workItem{key: key, priority: priorityScheduledDay})
		if i == 4 {
			slowKey = key
			launcher.behave[key.String()] = func(ctx context.Context) ([]byte, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			continue
		}
		payload := archivePayload(t, key, now)
		launcher.behave[key.String()] = func(context.Context) ([]byte, error) {
			return payload, nil
		}
	}

	app, _ := newTestApp(t, launcher, newMemArchiveStore(), &memInvalidations{}, 4, 25*time.Millisecond)
	summary := &RunSummary{StartedAt: now}
	app.dispatch(context.Background(), items, summary)

	assert.Equal(t, 9, summary.Processed)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "timed out")

	assert.Equal(t, 2, launcher.count(slowKey), "a failed unit gets one retry, no more")
	for _, item := range items {
		if item.key == slowKey {
			continue
		}
		assert.Equal(t, 1, launcher.count(item.key))
	}
}

// Invalidation entries settle only when their targets produced a generation
// at least as new as the invalidation. Stale or skipped targets leave the
// entry queued for the next run.
func TestDispatchSettlesOnlyRecomputedInvalidations(t *testing.T) {
	now := time.Now().UTC()
	requested := now.Add(-time.Hour)

	inv := &memInvalidations{}
	day := func(d int) archives.Key {
		return archives.Key{SiteID: 1, Period: period.Day(time.Date(2020, 7, d, 0, 0, 0, 0, time.UTC))}
	}
	for _, id := range []string{"inv-fresh", "inv-stale", "inv-skip"} {
		require.NoError(t, inv.RecordInvalidation(context.Background(), &archives.Invalidation{
			ID: id, SiteID: 1, PeriodType: string(period.TypeDay), RequestedAt: requested,
		}))
	}

	launcher := &scriptLauncher{behave: map[string]func(ctx context.Context) ([]byte, error){}}
	fresh := archivePayload(t, day(1), now)
	stale := archivePayload(t, day(2), requested.Add(-time.Hour))
	launcher.behave[day(1).String()] = func(context.Context) ([]byte, error) { return fresh, nil }
	launcher.behave[day(2).String()] = func(context.Context) ([]byte, error) { return stale, nil }

	items := []workItem{
		{key: day(1), priority: priorityInvalidatedSite, invalidatedAt: requested, invIDs: []string{"inv-fresh"}},
		{key: day(2), priority: priorityInvalidatedSite, invalidatedAt: requested, invIDs: []string{"inv-stale"}},
		{key: day(3), priority: priorityInvalidatedSite, invalidatedAt: requested, invIDs: []string{"inv-skip"}},
	}

	app, _ := newTestApp(t, launcher, newMemArchiveStore(), inv, 4, time.Minute)
	summary := &RunSummary{StartedAt: now}
	app.dispatch(context.Background(), items, summary)

	assert.Equal(t, archives.InvalidationDone, inv.statusOf("inv-fresh"))
	assert.Equal(t, archives.InvalidationQueued, inv.statusOf("inv-stale"),
		"a generation older than the invalidation settles nothing")
	assert.Equal(t, archives.InvalidationQueued, inv.statusOf("inv-skip"),
		"a skipped target settles nothing")
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
}

// Back-to-back runs over unchanged data allocate nothing on the second pass.
func TestRunSecondPassIsNoOp(t *testing.T) {
	today := period.Day(time.Now().UTC())
	store := newMemArchiveStore()
	logStore := &memLogStore{visitsByDay: map[string][]logs.Visit{
		today.Key(): {
			{VisitorID: "a", Actions: 2, DurationSec: 30, DeviceType: "mobile"},
			{VisitorID: "b", Actions: 1, DurationSec: 10, DeviceType: "desktop"},
		},
	}}
	app, events := newProcessorApp(t, store, logStore, &memInvalidations{})

	first := app.Run(context.Background())
	require.Empty(t, first.Errors)
	assert.Equal(t, 1, first.Sites)
	assert.Greater(t, first.Processed, 0)
	computed := store.allocated()
	require.Greater(t, computed, 0)

	second := app.Run(context.Background())
	require.Empty(t, second.Errors)
	assert.Equal(t, computed, store.allocated(), "nothing changed, nothing recomputes")
	assert.Greater(t, second.Processed, 0, "cached generations are still served")

	assert.Equal(t, 2, events.count(RunsChannel))
}

// The one-shot path archives an inclusive date range, reversed bounds
// included, and force invalidates existing generations before recomputing.
func TestRunSiteRangeForce(t *testing.T) {
	store := newMemArchiveStore()
	logStore := &memLogStore{visitsByDay: map[string][]logs.Visit{
		"day:2020-08-03": {{VisitorID: "a", Actions: 1, DurationSec: 10, DeviceType: "mobile"}},
		"day:2020-08-04": {{VisitorID: "b", Actions: 3, DurationSec: 60, DeviceType: "desktop"}},
	}}
	app, _ := newProcessorApp(t, store, logStore, &memInvalidations{})

	start := time.Date(2020, 8, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2020, 8, 3, 0, 0, 0, 0, time.UTC)

	summary := app.RunSite(context.Background(), 1, start, end, false)
	require.Empty(t, summary.Errors)
	assert.Equal(t, 1, summary.Sites)
	assert.Greater(t, summary.Processed, 0)

	dayKey := archives.Key{SiteID: 1, Period: period.Day(end)}
	before, err := store.ReadArchive(context.Background(), dayKey)
	require.NoError(t, err)
	require.NotNil(t, before, "reversed bounds still cover the earlier day")

	// Elapsed periods are immutable: a second pass recomputes nothing.
	computed := store.allocated()
	rerun := app.RunSite(context.Background(), 1, start, end, false)
	require.Empty(t, rerun.Errors)
	assert.Equal(t, computed, store.allocated())

	// Force flags every covered generation stale and recomputes it.
	forced := app.RunSite(context.Background(), 1, start, end, true)
	require.Empty(t, forced.Errors)
	assert.Greater(t, store.allocated(), computed)

	after, err := store.ReadArchive(context.Background(), dayKey)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Greater(t, after.IDArchive, before.IDArchive)
}

func TestRunSiteUnknownSite(t *testing.T) {
	app, _ := newTestApp(t, &scriptLauncher{}, newMemArchiveStore(), &memInvalidations{}, 1, time.Minute)

	day := time.Date(2020, 8, 3, 0, 0, 0, 0, time.UTC)
	summary := app.RunSite(context.Background(), 99, day, day, false)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "site 99 not found")
	assert.Equal(t, 0, summary.Processed)
}

// Browser-only segments are archived on user request only; their pending
// invalidations never enter the cron work list.
func TestBuildWorkSkipsBrowserOnlySegments(t *testing.T) {
	day := time.Date(2020, 8, 3, 0, 0, 0, 0, time.UTC)
	inv := &memInvalidations{}
	for id, seg := range map[string]string{"inv-browser": "country==de", "inv-cron": ""} {
		require.NoError(t, inv.RecordInvalidation(context.Background(), &archives.Invalidation{
			ID: id, SiteID: 1, PeriodType: string(period.TypeDay),
			DateStart: day, DateEnd: day, Segment: seg, Cascade: 1,
		}))
	}

	app, _ := newTestApp(t, &scriptLauncher{}, newMemArchiveStore(), inv, 1, time.Minute)
	app.Policy.BrowserOnlySegments = []string{"country==de"}
	app.Config.BackDays = 0

	items, err := app.buildWork(context.Background(), []sites.Site{{SiteID: 1}})
	require.NoError(t, err)
	require.NotEmpty(t, items)

	var cronSettles bool
	for _, item := range items {
		assert.NotEqual(t, "country==de", item.key.Segment.Definition)
		for _, id := range item.invIDs {
			assert.NotEqual(t, "inv-browser", id)
			if id == "inv-cron" {
				cronSettles = true
			}
		}
	}
	assert.True(t, cronSettles, "segmentless entries stay on the cron path")
}
