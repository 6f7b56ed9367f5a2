package controller

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sitewise/sitewise/app/archiver"
	"github.com/sitewise/sitewise/pkg/climulti"
)

// diagnosticsResponse mirrors what operators need when archiving looks
// stuck: when the last run happened, whether background archiving is on,
// and what the last run complained about.
type diagnosticsResponse struct {
	LastRunStartedAt         *time.Time `json:"last_run_started_at,omitempty"`
	LastRunFinishedAt        *time.Time `json:"last_run_finished_at,omitempty"`
	LastRunErrors            []string   `json:"last_run_errors"`
	CronArchivingEnabled     bool       `json:"cron_archiving_enabled"`
	BrowserArchivingEnabled  bool       `json:"browser_archiving_enabled"`
	SupportsAsyncArchiving   bool       `json:"supports_async_archiving"`
	InvalidationQueueHealthy bool       `json:"invalidation_queue_healthy"`
}

// HandleDiagnostics reports archiving health.
func (c *Controller) HandleDiagnostics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := diagnosticsResponse{
		LastRunErrors:           []string{},
		CronArchivingEnabled:    c.App.Policy.CronEnabled,
		BrowserArchivingEnabled: c.App.Policy.BrowserArchivingEnabled,
		SupportsAsyncArchiving:  climulti.ConfigFromEnv().SupportsAsync(),
	}

	if ts, err := c.App.Options.GetTime(ctx, archiver.OptionLastRunStart); err == nil && !ts.IsZero() {
		resp.LastRunStartedAt = &ts
	}
	if ts, err := c.App.Options.GetTime(ctx, archiver.OptionLastRunFinish); err == nil && !ts.IsZero() {
		resp.LastRunFinishedAt = &ts
	}
	if raw, ok, err := c.App.Options.Get(ctx, archiver.OptionLastRunErrors); err == nil && ok {
		_ = json.Unmarshal([]byte(raw), &resp.LastRunErrors)
	}

	_, err := c.App.Invalidator.Pending(ctx, 0)
	resp.InvalidationQueueHealthy = err == nil

	writeJSON(w, http.StatusOK, resp)
}
