package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sitewise/sitewise/pkg/archive"
	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/db/logs"
	"github.com/sitewise/sitewise/pkg/db/sites"
	"github.com/sitewise/sitewise/pkg/period"
	"github.com/sitewise/sitewise/pkg/segment"
)

type fakeSiteStore struct {
	sites map[uint64]*sites.Site
}

func (s *fakeSiteStore) ListSites(ctx context.Context, includeDeleted bool) ([]sites.Site, error) {
	out := make([]sites.Site, 0, len(s.sites))
	for _, site := range s.sites {
		out = append(out, *site)
	}
	return out, nil
}

func (s *fakeSiteStore) GetSite(ctx context.Context, siteID uint64) (*sites.Site, error) {
	return s.sites[siteID], nil
}

func (s *fakeSiteStore) UpsertSite(ctx context.Context, site *sites.Site) error {
	s.sites[site.SiteID] = site
	return nil
}

type fakeLogStore struct {
	inserted  []logs.Visit
	insertErr error
}

func (s *fakeLogStore) InsertVisit(ctx context.Context, v *logs.Visit) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, *v)
	return nil
}

func (s *fakeLogStore) ReadVisits(ctx context.Context, siteID uint64, day period.Period, seg segment.Segment) ([]logs.Visit, error) {
	return nil, nil
}

// brokenInvalidationStore fails every call, standing in for an unreachable
// invalidation queue.
type brokenInvalidationStore struct{}

func (brokenInvalidationStore) RecordInvalidation(ctx context.Context, inv *archives.Invalidation) error {
	return errors.New("invalidation queue unreachable")
}

func (brokenInvalidationStore) PendingInvalidations(ctx context.Context, siteID uint64) ([]archives.Invalidation, error) {
	return nil, errors.New("invalidation queue unreachable")
}

func (brokenInvalidationStore) SetInvalidationStatus(ctx context.Context, ids []string, status string) error {
	return errors.New("invalidation queue unreachable")
}

type brokenTokenList struct{}

func (brokenTokenList) Add(ctx context.Context, entry string) error {
	return errors.New("list store unreachable")
}

func (brokenTokenList) GetAll(ctx context.Context) ([]string, error) {
	return nil, errors.New("list store unreachable")
}

func (brokenTokenList) Remove(ctx context.Context, entry string) error {
	return errors.New("list store unreachable")
}

type recordingEvents struct {
	streams []string
}

func (e *recordingEvents) XAdd(ctx context.Context, stream string, values map[string]interface{}) string {
	e.streams = append(e.streams, stream)
	return "1-0"
}

func newTestApp(t *testing.T, logStore logs.Store) (*App, *recordingEvents) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	events := &recordingEvents{}
	app := &App{
		Logger:      logger,
		Sites:       &fakeSiteStore{sites: map[uint64]*sites.Site{7: {SiteID: 7, Name: "seven"}}},
		Logs:        logStore,
		Invalidator: archive.NewInvalidator(brokenInvalidationStore{}, brokenTokenList{}, logger),
		Events:      events,
	}
	return app, events
}

func trackRequest(t *testing.T, app *App, visit logs.Visit) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(visit)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/track", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	app.HandleTrack(rec, req)
	return rec
}

func TestTrackSurvivesBookkeepingOutage(t *testing.T) {
	logStore := &fakeLogStore{}
	app, events := newTestApp(t, logStore)

	// Past-date visit takes the invalidation bookkeeping path, and every
	// bookkeeping collaborator is broken. Only the insert may fail a request.
	visit := logs.Visit{
		SiteID:    7,
		VisitorID: "v1",
		VisitTime: time.Now().UTC().AddDate(0, 0, -3),
		Actions:   2,
	}
	rec := trackRequest(t, app, visit)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, logStore.inserted, 1)
	require.Equal(t, uint64(7), logStore.inserted[0].SiteID)
	require.NotEmpty(t, logStore.inserted[0].VisitID)
	require.Len(t, events.streams, 1)
}

func TestTrackTodayVisitSkipsInvalidation(t *testing.T) {
	logStore := &fakeLogStore{}
	app, events := newTestApp(t, logStore)

	rec := trackRequest(t, app, logs.Visit{SiteID: 7, VisitorID: "v1", Actions: 1})

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, logStore.inserted, 1)
	require.Empty(t, events.streams)
}

func TestTrackRejectsBadRequests(t *testing.T) {
	logStore := &fakeLogStore{}
	app, _ := newTestApp(t, logStore)

	rec := trackRequest(t, app, logs.Visit{VisitorID: "v1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = trackRequest(t, app, logs.Visit{SiteID: 99, VisitorID: "v1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Empty(t, logStore.inserted)
}

func TestTrackInsertFailureFailsRequest(t *testing.T) {
	logStore := &fakeLogStore{insertErr: errors.New("clickhouse down")}
	app, _ := newTestApp(t, logStore)

	rec := trackRequest(t, app, logs.Visit{SiteID: 7, VisitorID: "v1"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
