package controller

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sitewise/sitewise/pkg/archive"
	"github.com/sitewise/sitewise/pkg/period"
	"github.com/sitewise/sitewise/pkg/segment"
)

type invalidateRequest struct {
	SiteID    uint64 `json:"site_id"`
	Plugin    string `json:"plugin,omitempty"`
	Segment   string `json:"segment,omitempty"`
	StartDate string `json:"start_date"`
}

// ListInvalidations returns the queued invalidation entries, optionally
// filtered by ?site_id=.
func (c *Controller) ListInvalidations(w http.ResponseWriter, r *http.Request) {
	var siteID uint64
	if v := r.URL.Query().Get("site_id"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid site_id")
			return
		}
		siteID = parsed
	}

	pending, err := c.App.Invalidator.Pending(r.Context(), siteID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// Invalidate records an invalidation covering start_date through today for
// the given scope. site_id 0 targets every site.
func (c *Controller) Invalidate(w http.ResponseWriter, r *http.Request) {
	req, seg, start, ok := c.decodeScope(w, r)
	if !ok {
		return
	}

	err := c.App.Invalidator.ScheduleReArchiving(r.Context(), req.SiteID, req.Plugin, seg, start)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "invalidation recorded"})
}

// ScheduleReArchive appends a token to the distributed re-archive list; the
// archiver folds it into the invalidation queue on its next run.
func (c *Controller) ScheduleReArchive(w http.ResponseWriter, r *http.Request) {
	req, _, start, ok := c.decodeScope(w, r)
	if !ok {
		return
	}

	token := archive.ReArchiveToken(req.SiteID, req.Plugin, start)
	if err := c.App.ReArchive.Add(r.Context(), token); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "re-archiving scheduled", "token": token})
}

func (c *Controller) decodeScope(w http.ResponseWriter, r *http.Request) (invalidateRequest, segment.Segment, time.Time, bool) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return req, segment.None, time.Time{}, false
	}
	seg, err := segment.New(req.Segment)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, segment.None, time.Time{}, false
	}
	start, err := period.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, segment.None, time.Time{}, false
	}
	return req, seg, start, true
}
