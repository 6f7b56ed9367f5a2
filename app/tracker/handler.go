package tracker

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sitewise/sitewise/pkg/db/logs"
	"github.com/sitewise/sitewise/pkg/period"
	"github.com/sitewise/sitewise/pkg/redis"
	"github.com/sitewise/sitewise/pkg/utils"
)

func (a *App) setupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3003")

	r := mux.NewRouter()
	r.HandleFunc("/health", a.HandleHealth).Methods("GET")
	r.HandleFunc("/track", a.HandleTrack).Methods("POST")

	a.Server = &http.Server{Addr: addr, Handler: r}
}

// HandleHealth reports liveness of the visit log.
func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.CH.Db.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleTrack records one visit. The insert is the only operation that can
// fail the request; invalidation bookkeeping and the stream notification are
// best effort.
func (a *App) HandleTrack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var visit logs.Visit
	if err := json.NewDecoder(r.Body).Decode(&visit); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid visit payload"})
		return
	}
	if visit.SiteID == 0 {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "site_id is required"})
		return
	}

	site, err := a.Sites.GetSite(ctx, visit.SiteID)
	if err != nil || site == nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown site"})
		return
	}

	now := time.Now().UTC()
	if visit.VisitTime.IsZero() {
		visit.VisitTime = now
	}
	if visit.VisitID == "" {
		visit.VisitID = uuid.NewString()
	}

	if err := a.Logs.InsertVisit(ctx, &visit); err != nil {
		a.Logger.Error("Failed to insert visit",
			zap.Uint64("site_id", visit.SiteID), zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "insert failed"})
		return
	}

	// A visit on a past date lands on archives that already exist; today's
	// archives expire through their TTL instead.
	visitDay := period.Day(visit.VisitTime)
	if visitDay.Start.Before(period.Day(now).Start) {
		a.Invalidator.RememberToInvalidateLater(ctx, visit.SiteID, visit.VisitTime)
		a.Events.XAdd(ctx, redis.TrackingStream, map[string]interface{}{
			"site_id": visit.SiteID,
			"date":    visitDay.Start.Format(period.DateLayout),
		})
	}

	w.WriteHeader(http.StatusNoContent)
}
