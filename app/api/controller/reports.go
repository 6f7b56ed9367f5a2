package controller

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sitewise/sitewise/pkg/archive"
	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/period"
	"github.com/sitewise/sitewise/pkg/segment"
)

// reportResponse is one served report: the persisted metrics, the derived
// rates computed at read time, and the label-keyed sub-reports.
type reportResponse struct {
	SiteID     uint64                            `json:"site_id"`
	Period     string                            `json:"period"`
	DateStart  string                            `json:"date_start"`
	DateEnd    string                            `json:"date_end"`
	Segment    string                            `json:"segment,omitempty"`
	IDArchive  uint64                            `json:"idarchive"`
	TsArchived time.Time                         `json:"ts_archived"`
	Metrics    map[string]float64                `json:"metrics"`
	Reports    map[string][]archive.DataTableRow `json:"reports,omitempty"`
}

// GetReport serves the archive for ?period=&date=&segment=&plugin=,
// computing it on demand when the browser-archiving rules allow. Responds
// 202 when the data is not available yet.
func (c *Controller) GetReport(w http.ResponseWriter, r *http.Request) {
	siteID, err := siteIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid site id")
		return
	}

	p, err := periodFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	seg, err := segment.New(r.URL.Query().Get("segment"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := archives.Key{
		SiteID:  siteID,
		Period:  p,
		Segment: seg,
		Plugin:  r.URL.Query().Get("plugin"),
	}

	a, err := c.App.Loader.Load(r.Context(), key, archive.TriggerBrowser)
	if errors.Is(err, archive.ErrNotYetAvailable) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "data not yet available"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := reportResponse{
		SiteID:     siteID,
		Period:     string(p.Type),
		DateStart:  p.Start.Format(period.DateLayout),
		DateEnd:    p.End.Format(period.DateLayout),
		Segment:    seg.Definition,
		IDArchive:  a.IDArchive,
		TsArchived: a.TsArchived,
		Metrics:    map[string]float64{},
	}
	for _, n := range a.Numerics {
		resp.Metrics[n.Name] = n.Value
	}
	resp.Metrics["bounce_rate"] = archive.BounceRate(a)
	resp.Metrics["conversion_rate"] = archive.ConversionRate(a)
	resp.Metrics["avg_time_on_site"] = archive.AvgTimeOnSite(a)
	resp.Metrics["actions_per_visit"] = archive.ActionsPerVisit(a)

	if len(a.Blobs) > 0 {
		resp.Reports = map[string][]archive.DataTableRow{}
		for _, b := range a.Blobs {
			t, err := archive.DeserializeDataTable(b.Data)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp.Reports[b.Name] = t.Rows
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// periodFromQuery builds the requested period. Ranges use
// date=YYYY-MM-DD,YYYY-MM-DD; everything else takes a single date, which
// defaults to today.
func periodFromQuery(r *http.Request) (period.Period, error) {
	typ, err := period.ParseType(defaultString(r.URL.Query().Get("period"), string(period.TypeDay)))
	if err != nil {
		return period.Period{}, err
	}

	dateParam := defaultString(r.URL.Query().Get("date"), time.Now().UTC().Format(period.DateLayout))

	if typ == period.TypeRange {
		parts := strings.SplitN(dateParam, ",", 2)
		if len(parts) != 2 {
			return period.Period{}, errors.New("range period requires date=start,end")
		}
		start, err := period.ParseDate(parts[0])
		if err != nil {
			return period.Period{}, err
		}
		end, err := period.ParseDate(parts[1])
		if err != nil {
			return period.Period{}, err
		}
		if end.Before(start) {
			return period.Period{}, errors.New("range end precedes start")
		}
		return period.Range(start, end), nil
	}

	date, err := period.ParseDate(dateParam)
	if err != nil {
		return period.Period{}, err
	}
	return period.New(typ, date)
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
