package controller

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/sitewise/sitewise/pkg/db/sites"
)

// ListSites returns the registered sites, deleted ones excluded.
func (c *Controller) ListSites(w http.ResponseWriter, r *http.Request) {
	list, err := c.App.Sites.ListSites(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetSite returns one site by id.
func (c *Controller) GetSite(w http.ResponseWriter, r *http.Request) {
	siteID, err := siteIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid site id")
		return
	}

	site, err := c.App.Sites.GetSite(r.Context(), siteID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if site == nil {
		writeError(w, http.StatusNotFound, "site not found")
		return
	}
	writeJSON(w, http.StatusOK, site)
}

// UpsertSite creates or updates a site registration.
func (c *Controller) UpsertSite(w http.ResponseWriter, r *http.Request) {
	var site sites.Site
	if err := json.NewDecoder(r.Body).Decode(&site); err != nil {
		writeError(w, http.StatusBadRequest, "invalid site payload")
		return
	}
	if site.SiteID == 0 || site.Name == "" {
		writeError(w, http.StatusBadRequest, "site_id and name are required")
		return
	}

	if err := c.App.Sites.UpsertSite(r.Context(), &site); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func siteIDFromPath(r *http.Request) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
}
