package controller

import (
	"net/http"
)

// HandleHealth reports liveness of the backing stores.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := c.App.CH.Db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": "database connection error"})
		return
	}
	if err := c.App.Redis.Health(ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": "redis connection error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
