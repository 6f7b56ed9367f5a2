package controller

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sitewise/sitewise/app/api/types"
)

// Controller holds the handlers for the report API.
type Controller struct {
	App *types.App
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	return &Controller{App: app}
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.HandleFunc("/health", c.HandleHealth).Methods("GET")
	r.HandleFunc("/diagnostics", c.HandleDiagnostics).Methods("GET")

	r.HandleFunc("/sites", c.ListSites).Methods("GET")
	r.HandleFunc("/sites", c.UpsertSite).Methods("POST")
	r.HandleFunc("/sites/{id}", c.GetSite).Methods("GET")
	r.HandleFunc("/sites/{id}/report", c.GetReport).Methods("GET")

	r.HandleFunc("/invalidations", c.ListInvalidations).Methods("GET")
	r.HandleFunc("/invalidations", c.Invalidate).Methods("POST")
	r.HandleFunc("/rearchive", c.ScheduleReArchive).Methods("POST")

	return r, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
