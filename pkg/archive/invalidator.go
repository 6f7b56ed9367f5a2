package archive

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/period"
	"github.com/sitewise/sitewise/pkg/segment"
)

// RememberedList is the distributed list collecting (site, date) tokens from
// the ingestion path until the archiver converts them into invalidation
// entries.
const RememberedList = "RememberedInvalidations"

// TokenList is the minimal distributed-list surface the invalidator needs.
// Satisfied by redis.DistributedList.
type TokenList interface {
	Add(ctx context.Context, entry string) error
	GetAll(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, entry string) error
}

// Invalidator records which archives must be recomputed and why. The
// low-latency path (RememberToInvalidateLater) is called synchronously from
// ingestion and never propagates failures; everything else fails loudly.
type Invalidator struct {
	store      archives.InvalidationStore
	remembered TokenList
	logger     *zap.Logger
}

// NewInvalidator wires the invalidator to its stores.
func NewInvalidator(store archives.InvalidationStore, remembered TokenList, logger *zap.Logger) *Invalidator {
	return &Invalidator{store: store, remembered: remembered, logger: logger}
}

// ScheduleReArchiving records an invalidation covering startDate through now
// for the given site scope (0 = all sites), optionally restricted to one
// plugin. Safe to call repeatedly: overlapping pending entries are merged,
// the widest date range and the most permissive plugin scope winning.
func (iv *Invalidator) ScheduleReArchiving(ctx context.Context, siteID uint64, plugin string, seg segment.Segment, startDate time.Time) error {
	entry := &archives.Invalidation{
		SiteID:      siteID,
		PeriodType:  string(period.TypeDay),
		DateStart:   period.Day(startDate).Start,
		DateEnd:     period.Day(time.Now().UTC()).Start,
		Segment:     seg.Definition,
		Plugin:      plugin,
		Cascade:     1,
		RequestedBy: "schedule-rearchiving",
	}
	return iv.recordMerged(ctx, entry)
}

// recordMerged inserts an entry after folding it together with overlapping
// pending entries for the same scope.
func (iv *Invalidator) recordMerged(ctx context.Context, entry *archives.Invalidation) error {
	pending, err := iv.store.PendingInvalidations(ctx, entry.SiteID)
	if err != nil {
		return fmt.Errorf("schedule re-archiving: %w", err)
	}

	var superseded []string
	for i := range pending {
		p := &pending[i]
		if !mergeable(p, entry) {
			continue
		}
		// An existing entry already covers the new one.
		if covers(p, entry) {
			return nil
		}
		// Fold the overlapping entry into the new one.
		if p.DateStart.Before(entry.DateStart) {
			entry.DateStart = p.DateStart
		}
		if p.DateEnd.After(entry.DateEnd) {
			entry.DateEnd = p.DateEnd
		}
		if p.Plugin == "" {
			entry.Plugin = ""
		}
		if p.Cascade == 1 {
			entry.Cascade = 1
		}
		superseded = append(superseded, p.ID)
	}

	if err := iv.store.RecordInvalidation(ctx, entry); err != nil {
		return fmt.Errorf("schedule re-archiving: %w", err)
	}
	if err := iv.store.SetInvalidationStatus(ctx, superseded, archives.InvalidationSuperseded); err != nil {
		return fmt.Errorf("schedule re-archiving: supersede merged entries: %w", err)
	}
	return nil
}

// mergeable reports whether two entries belong to the same scope and their
// ranges touch. Plugins merge when equal or when either is the all-plugins
// scope.
func mergeable(a, b *archives.Invalidation) bool {
	if a.SiteID != b.SiteID || a.Segment != b.Segment || a.PeriodType != b.PeriodType {
		return false
	}
	if a.Plugin != b.Plugin && a.Plugin != "" && b.Plugin != "" {
		return false
	}
	// Adjacent days merge too, so a rolling daily schedule grows one entry.
	return a.Range().Overlaps(period.Range(b.DateStart.AddDate(0, 0, -1), b.DateEnd.AddDate(0, 0, 1)))
}

// covers reports whether existing fully subsumes candidate: at least as wide
// a range and an equal or more permissive plugin scope.
func covers(existing, candidate *archives.Invalidation) bool {
	if existing.DateStart.After(candidate.DateStart) || existing.DateEnd.Before(candidate.DateEnd) {
		return false
	}
	if existing.Plugin != "" && existing.Plugin != candidate.Plugin {
		return false
	}
	if existing.Cascade == 0 && candidate.Cascade == 1 {
		return false
	}
	return true
}

// RememberToInvalidateLater is the low-latency path called synchronously
// from data ingestion when a visit lands on an already-archived date.
// Failures are logged, never propagated: a tracked visit must be recorded
// even when bookkeeping is down.
func (iv *Invalidator) RememberToInvalidateLater(ctx context.Context, siteID uint64, date time.Time) {
	token := rememberedToken(siteID, date)
	if err := iv.remembered.Add(ctx, token); err != nil {
		iv.logger.Warn("Failed to remember archive invalidation, will rely on next scheduled pass",
			zap.Uint64("site_id", siteID),
			zap.String("date", date.Format(period.DateLayout)),
			zap.Error(err))
	}
}

func rememberedToken(siteID uint64, date time.Time) string {
	return fmt.Sprintf("%d|%s", siteID, date.UTC().Format(period.DateLayout))
}

// ConsumeRemembered drains the remembered-token list into real invalidation
// entries. Tokens are removed only after their entry is persisted, so a
// crash between the two at worst re-invalidates.
func (iv *Invalidator) ConsumeRemembered(ctx context.Context) error {
	tokens, err := iv.remembered.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("consume remembered invalidations: %w", err)
	}

	for _, token := range tokens {
		var siteID uint64
		var dateStr string
		if _, err := fmt.Sscanf(token, "%d|%s", &siteID, &dateStr); err != nil {
			iv.logger.Warn("Dropping malformed remembered invalidation token", zap.String("token", token))
			_ = iv.remembered.Remove(ctx, token)
			continue
		}
		date, err := period.ParseDate(dateStr)
		if err != nil {
			iv.logger.Warn("Dropping malformed remembered invalidation token", zap.String("token", token))
			_ = iv.remembered.Remove(ctx, token)
			continue
		}

		entry := &archives.Invalidation{
			SiteID:      siteID,
			PeriodType:  string(period.TypeDay),
			DateStart:   period.Day(date).Start,
			DateEnd:     period.Day(date).Start,
			Cascade:     1,
			RequestedBy: "tracker",
		}
		if err := iv.recordMerged(ctx, entry); err != nil {
			return err
		}
		if err := iv.remembered.Remove(ctx, token); err != nil {
			return fmt.Errorf("consume remembered invalidations: %w", err)
		}
	}
	return nil
}

// ReArchiveToken encodes an operator re-archiving request for the
// distributed re-archive list: site scope, plugin scope and start date.
func ReArchiveToken(siteID uint64, plugin string, startDate time.Time) string {
	return fmt.Sprintf("%d|%s|%s", siteID, plugin, startDate.UTC().Format(period.DateLayout))
}

// ParseReArchiveToken decodes a re-archive list entry.
func ParseReArchiveToken(token string) (siteID uint64, plugin string, startDate time.Time, err error) {
	parts := strings.SplitN(token, "|", 3)
	if len(parts) != 3 {
		return 0, "", time.Time{}, fmt.Errorf("malformed re-archive token %q", token)
	}
	siteID, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, "", time.Time{}, fmt.Errorf("malformed re-archive token %q: %w", token, err)
	}
	startDate, err = period.ParseDate(parts[2])
	if err != nil {
		return 0, "", time.Time{}, fmt.Errorf("malformed re-archive token %q: %w", token, err)
	}
	return siteID, parts[1], startDate, nil
}

// ConsumeReArchiveList drains operator re-archiving requests into
// invalidation entries. Malformed tokens are dropped with a warning.
func (iv *Invalidator) ConsumeReArchiveList(ctx context.Context, list TokenList) error {
	tokens, err := list.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("consume re-archive list: %w", err)
	}

	for _, token := range tokens {
		siteID, plugin, startDate, err := ParseReArchiveToken(token)
		if err != nil {
			iv.logger.Warn("Dropping malformed re-archive token", zap.String("token", token))
			_ = list.Remove(ctx, token)
			continue
		}
		if err := iv.ScheduleReArchiving(ctx, siteID, plugin, segment.Segment{}, startDate); err != nil {
			return err
		}
		if err := list.Remove(ctx, token); err != nil {
			return fmt.Errorf("consume re-archive list: %w", err)
		}
	}
	return nil
}

// Pending returns the queued invalidation entries for the orchestrator.
func (iv *Invalidator) Pending(ctx context.Context, siteID uint64) ([]archives.Invalidation, error) {
	return iv.store.PendingInvalidations(ctx, siteID)
}

// MarkDone consumes entries whose archives have been recomputed.
func (iv *Invalidator) MarkDone(ctx context.Context, ids []string) error {
	return iv.store.SetInvalidationStatus(ctx, ids, archives.InvalidationDone)
}

// Targets expands an invalidation entry into the concrete periods that must
// be recomputed. Every day in the range is stale, and so is every containing
// week, month and year (cascading up). Cascading down below day never
// happens since day is the finest unit; for coarser entry types the cascade
// flag controls whether sub-periods are included.
func Targets(inv *archives.Invalidation) []period.Period {
	rng := inv.Range()

	var out []period.Period
	seen := map[string]bool{}
	add := func(p period.Period) {
		if !seen[p.Key()] {
			seen[p.Key()] = true
			out = append(out, p)
		}
	}

	switch period.Type(inv.PeriodType) {
	case period.TypeDay:
		for _, d := range rng.Days() {
			add(d)
		}
		for _, d := range rng.Days() {
			for _, up := range d.ContainingPeriods() {
				add(up)
			}
		}
	case period.TypeWeek, period.TypeMonth, period.TypeYear:
		typ := period.Type(inv.PeriodType)
		for d := rng.Start; !d.After(rng.End); {
			p, _ := period.New(typ, d)
			add(p)
			if inv.Cascade == 1 {
				for _, sub := range p.Subperiods() {
					add(sub)
				}
			}
			for _, up := range p.ContainingPeriods() {
				add(up)
			}
			d = p.End.AddDate(0, 0, 1)
		}
	default:
		add(rng)
	}

	return out
}
