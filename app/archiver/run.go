package archiver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sitewise/sitewise/pkg/archive"
	"github.com/sitewise/sitewise/pkg/climulti"
	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/db/sites"
	"github.com/sitewise/sitewise/pkg/period"
	"github.com/sitewise/sitewise/pkg/retry"
	"github.com/sitewise/sitewise/pkg/segment"
	"github.com/sitewise/sitewise/pkg/utils"
)

// Work priorities. Lower runs first: invalidated data beats the standing
// schedule, and all-site invalidations beat site-specific ones so shared
// segments converge before per-site detail.
const (
	priorityInvalidatedAllSites = iota
	priorityInvalidatedSite
	priorityScheduledDay
	priorityScheduledCoarse
)

// RunSummary is the outcome of one archiving run, published on RunsChannel
// and surfaced by the diagnostics API.
type RunSummary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Sites      int       `json:"sites"`
	Processed  int       `json:"processed"`
	Skipped    int       `json:"skipped"`
	Errors     []string  `json:"errors,omitempty"`
}

// workItem is one deduplicated unit of archiving work with the invalidation
// entries it would settle.
type workItem struct {
	key           archives.Key
	priority      int
	invalidatedAt time.Time
	invIDs        []string
}

// Run executes one full archiving pass: drain the deferred-invalidation
// sources, build the prioritized work list, dispatch it, retry transient
// failures once, and settle the invalidation queue.
func (a *App) Run(ctx context.Context) *RunSummary {
	summary := &RunSummary{StartedAt: time.Now().UTC()}
	if err := a.Options.SetTime(ctx, OptionLastRunStart, summary.StartedAt); err != nil {
		a.Logger.Warn("Failed to record run start timestamp", zap.Error(err))
	}

	if err := a.Invalidator.ConsumeRemembered(ctx); err != nil {
		summary.Errors = append(summary.Errors, err.Error())
	}
	if err := a.Invalidator.ConsumeReArchiveList(ctx, a.ReArchive); err != nil {
		summary.Errors = append(summary.Errors, err.Error())
	}

	siteList, err := a.Sites.ListSites(ctx, false)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("list sites: %v", err))
		a.finishRun(ctx, summary)
		return summary
	}
	summary.Sites = len(siteList)

	items, err := a.buildWork(ctx, siteList)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
	}

	a.dispatch(ctx, items, summary)
	a.finishRun(ctx, summary)
	return summary
}

// RunSite archives a single site over an inclusive date range, the one-shot
// CLI path. When force is set, existing generations for every targeted
// period are marked invalidated first so the freshness rules recompute them.
func (a *App) RunSite(ctx context.Context, siteID uint64, start, end time.Time, force bool) *RunSummary {
	summary := &RunSummary{StartedAt: time.Now().UTC()}

	site, err := a.Sites.GetSite(ctx, siteID)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("load site %d: %v", siteID, err))
		summary.FinishedAt = time.Now().UTC()
		return summary
	}
	if site == nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("site %d not found", siteID))
		summary.FinishedAt = time.Now().UTC()
		return summary
	}
	summary.Sites = 1

	if end.Before(start) {
		start, end = end, start
	}

	var items []workItem
	seen := map[string]bool{}
	add := func(p period.Period, prio int) {
		key := archives.Key{SiteID: siteID, Period: p}
		if seen[key.String()] {
			return
		}
		seen[key.String()] = true
		items = append(items, workItem{key: key, priority: prio})
	}
	last := period.Day(end)
	for d := period.Day(start); !d.Start.After(last.Start); d = period.Day(d.Start.AddDate(0, 0, 1)) {
		add(d, priorityScheduledDay)
		for _, up := range d.ContainingPeriods() {
			add(up, priorityScheduledCoarse)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].priority < items[j].priority })

	if force {
		for _, item := range items {
			st, err := a.Archives.LatestStatus(ctx, item.key)
			if err != nil || st == nil || !st.Status.IsUsable() {
				continue
			}
			if err := a.Archives.MarkInvalidated(ctx, item.key, st.IDArchive); err != nil {
				a.Logger.Warn("Failed to invalidate generation before forced run",
					zap.String("key", item.key.String()), zap.Error(err))
			}
		}
	}

	a.dispatch(ctx, items, summary)
	summary.FinishedAt = time.Now().UTC()
	return summary
}

// buildWork assembles the deduplicated, prioritized work list: invalidation
// targets first, then the standing schedule for recent days and their
// containing periods.
func (a *App) buildWork(ctx context.Context, siteList []sites.Site) ([]workItem, error) {
	now := time.Now().UTC()
	merged := map[string]*workItem{}
	add := func(item workItem) {
		k := item.key.String()
		existing, ok := merged[k]
		if !ok {
			merged[k] = &item
			return
		}
		if item.priority < existing.priority {
			existing.priority = item.priority
		}
		if item.invalidatedAt.After(existing.invalidatedAt) {
			existing.invalidatedAt = item.invalidatedAt
		}
		existing.invIDs = append(existing.invIDs, item.invIDs...)
	}

	var firstErr error
	for _, site := range siteList {
		pending, err := a.Invalidator.Pending(ctx, site.SiteID)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("load pending invalidations for site %d: %w", site.SiteID, err)
			}
			continue
		}

		for i := range pending {
			inv := &pending[i]
			seg, err := segment.New(inv.Segment)
			if err != nil {
				a.Logger.Warn("Skipping invalidation with malformed segment",
					zap.String("id", inv.ID), zap.String("segment", inv.Segment))
				continue
			}
			// Browser-only segments are archived on user request, never by
			// cron; their entries stay queued for the browser path.
			if a.Policy.SegmentRequiresBrowser(seg) {
				continue
			}
			prio := priorityInvalidatedSite
			if inv.SiteID == 0 {
				prio = priorityInvalidatedAllSites
			}
			for _, p := range archive.Targets(inv) {
				add(workItem{
					key:           archives.Key{SiteID: site.SiteID, Period: p, Segment: seg, Plugin: inv.Plugin},
					priority:      prio,
					invalidatedAt: inv.RequestedAt,
					invIDs:        []string{inv.ID},
				})
			}
		}

		// Standing schedule: recent days plus the periods containing today.
		for back := 0; back < a.Config.BackDays; back++ {
			day := period.Day(now.AddDate(0, 0, -back))
			add(workItem{
				key:      archives.Key{SiteID: site.SiteID, Period: day},
				priority: priorityScheduledDay,
			})
		}
		for _, up := range period.Day(now).ContainingPeriods() {
			add(workItem{
				key:      archives.Key{SiteID: site.SiteID, Period: up},
				priority: priorityScheduledCoarse,
			})
		}
	}

	items := make([]workItem, 0, len(merged))
	for _, item := range merged {
		items = append(items, *item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].priority != items[j].priority {
			return items[i].priority < items[j].priority
		}
		return items[i].key.String() < items[j].key.String()
	})
	return items, firstErr
}

// dispatch runs the work list on the pool, giving failed requests one more
// attempt before recording them as run errors, and settles invalidation
// entries whose targets were all recomputed since they were requested.
func (a *App) dispatch(ctx context.Context, items []workItem, summary *RunSummary) {
	if len(items) == 0 {
		return
	}

	reqs := make([]climulti.Request, len(items))
	for i, item := range items {
		reqs[i] = climulti.Request{
			ID:            fmt.Sprintf("run-%d", i),
			Key:           item.key,
			Trigger:       archive.TriggerCron,
			InvalidatedAt: item.invalidatedAt,
		}
	}

	results := a.Runner.Run(ctx, reqs)

	failed := map[int]bool{}
	for i, res := range results {
		if res.Err != nil {
			failed[i] = true
		}
	}
	for i := range failed {
		i := i
		err := retry.WithBackoff(ctx, retry.OnceConfig(), a.Logger, "archive_retry", func() error {
			rs := a.Runner.Run(ctx, []climulti.Request{reqs[i]})
			if rs[0].Err != nil {
				return rs[0].Err
			}
			results[i] = rs[0]
			return nil
		})
		if err == nil {
			delete(failed, i)
		}
	}

	invBlocked := map[string]bool{}
	invAll := map[string]bool{}
	for i, item := range items {
		for _, id := range item.invIDs {
			invAll[id] = true
			// An entry settles only when every target actually produced a
			// generation at least as new as the invalidation. A skipped or
			// stale-served target leaves the entry queued for the next run.
			if failed[i] || !recomputedSince(results[i], item.invalidatedAt) {
				invBlocked[id] = true
			}
		}
		if failed[i] {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("%s: %v", item.key, results[i].Err))
			continue
		}
		if len(results[i].Payload) == 0 {
			summary.Skipped++
		} else {
			summary.Processed++
		}
	}

	var done []string
	for id := range invAll {
		if !invBlocked[id] {
			done = append(done, id)
		}
	}
	if len(done) > 0 {
		if err := a.Invalidator.MarkDone(ctx, done); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("settle invalidations: %v", err))
		}
	}
}

// recomputedSince reports whether a result carries a recomputed generation
// at least as new as the invalidation it would settle.
func recomputedSince(res climulti.Result, invalidatedAt time.Time) bool {
	if len(res.Payload) == 0 {
		return false
	}
	var a archives.Archive
	if err := json.Unmarshal(res.Payload, &a); err != nil {
		return false
	}
	return !a.TsArchived.Before(invalidatedAt)
}

// finishRun records the run outcome for diagnostics and publishes the
// summary, both best effort.
func (a *App) finishRun(ctx context.Context, summary *RunSummary) {
	summary.FinishedAt = time.Now().UTC()
	summary.Errors = utils.Dedup(summary.Errors)

	if err := a.Options.SetTime(ctx, OptionLastRunFinish, summary.FinishedAt); err != nil {
		a.Logger.Warn("Failed to record run finish timestamp", zap.Error(err))
	}
	errsJSON, err := json.Marshal(summary.Errors)
	if err == nil {
		if err := a.Options.Set(ctx, OptionLastRunErrors, string(errsJSON)); err != nil {
			a.Logger.Warn("Failed to record run errors", zap.Error(err))
		}
	}

	if payload, err := json.Marshal(summary); err == nil {
		a.Events.Publish(ctx, RunsChannel, string(payload))
	}

	a.Logger.Info("Archiving run finished",
		zap.Int("sites", summary.Sites),
		zap.Int("processed", summary.Processed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", len(summary.Errors)),
		zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)))
}
