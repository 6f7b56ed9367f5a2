package archive

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/period"
)

// ErrNotYetAvailable signals that no archive exists for the key and none
// could be produced right now (archiving skipped or contended). Callers
// translate it into a "data not yet available" response rather than a failure.
var ErrNotYetAvailable = errors.New("archive not yet available")

// Loader is the read-side entry point: given a key it serves the cached
// archive or triggers computation, honoring the browser-archiving rules.
type Loader struct {
	processor   *Processor
	invalidator *Invalidator
	logger      *zap.Logger
}

// NewLoader wires a loader over the processor and the invalidation queue.
func NewLoader(processor *Processor, invalidator *Invalidator, logger *zap.Logger) *Loader {
	return &Loader{processor: processor, invalidator: invalidator, logger: logger}
}

// Load returns the archive for the key, computing it if the rules allow the
// given trigger to. Returns ErrNotYetAvailable when nothing can be served.
func (l *Loader) Load(ctx context.Context, key archives.Key, trigger Trigger) (*archives.Archive, error) {
	invalidatedAt, err := l.newestCovering(ctx, key)
	if err != nil {
		// The invalidation queue being unreachable must not take report
		// serving down with it.
		l.logger.Warn("Failed to check pending invalidations, serving without them",
			zap.String("key", key.String()), zap.Error(err))
		invalidatedAt = time.Time{}
	}

	a, err := l.processor.Process(ctx, Request{Key: key, Trigger: trigger, InvalidatedAt: invalidatedAt})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNotYetAvailable
	}
	return a, nil
}

// newestCovering returns the RequestedAt of the newest pending invalidation
// whose scope includes the key, or the zero time when none does.
func (l *Loader) newestCovering(ctx context.Context, key archives.Key) (time.Time, error) {
	pending, err := l.invalidator.Pending(ctx, key.SiteID)
	if err != nil {
		return time.Time{}, err
	}

	var newest time.Time
	for i := range pending {
		inv := &pending[i]
		if inv.Segment != "" && inv.Segment != key.Segment.Definition {
			continue
		}
		if inv.Plugin != "" && key.Plugin != "" && inv.Plugin != key.Plugin {
			continue
		}
		if !invalidationTouches(inv, key.Period) {
			continue
		}
		if inv.RequestedAt.After(newest) {
			newest = inv.RequestedAt
		}
	}
	return newest, nil
}

// invalidationTouches reports whether recomputing the entry's targets would
// include the given period.
func invalidationTouches(inv *archives.Invalidation, p period.Period) bool {
	if !inv.Range().Overlaps(p) {
		return false
	}
	if period.Type(inv.PeriodType) == p.Type {
		return true
	}
	// Day entries cascade upward to every containing period; coarser entries
	// reach down only when the cascade flag is set.
	if period.Type(inv.PeriodType) == period.TypeDay {
		return true
	}
	return inv.Cascade == 1
}
