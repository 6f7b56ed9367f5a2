package archive

import (
	"strings"
	"time"

	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/segment"
	"github.com/sitewise/sitewise/pkg/utils"
)

// Decision is the rules engine's verdict for one archive request.
type Decision int

const (
	// DecisionServeCached: a usable record exists and is fresh enough.
	DecisionServeCached Decision = iota
	// DecisionCompute: no record, an invalidated/errored record, or an open
	// period past its TTL. The caller must (re)compute now.
	DecisionCompute
	// DecisionSkipFresh: an attempt finished or started very recently.
	// Reuse whatever exists, even stale, rather than recompute on every
	// request (anti-stampede).
	DecisionSkipFresh
)

func (d Decision) String() string {
	switch d {
	case DecisionServeCached:
		return "serve_cached"
	case DecisionCompute:
		return "compute"
	case DecisionSkipFresh:
		return "skip_fresh"
	default:
		return "unknown"
	}
}

// Trigger distinguishes who is asking: the cron orchestrator or a
// user-facing report request.
type Trigger int

const (
	TriggerCron Trigger = iota
	TriggerBrowser
)

// Policy holds the TTL and triggering configuration. Past, fully elapsed
// periods are cached forever; only open periods age out.
type Policy struct {
	// TodayTTL is how long an open-period archive stays fresh.
	TodayTTL time.Duration
	// AntiStampedeWindow suppresses recomputation right after an attempt.
	AntiStampedeWindow time.Duration
	// InProgressGrace is how long an in_progress generation blocks a new
	// computation before it is considered abandoned and reclaimed.
	InProgressGrace time.Duration
	// CronEnabled reports whether the background archiver runs; when it
	// does, browser requests never trigger computation for unsegmented
	// reports and just serve what exists.
	CronEnabled bool
	// BrowserArchivingEnabled allows user-facing requests to compute
	// missing archives synchronously.
	BrowserArchivingEnabled bool
	// BrowserOnlySegments lists segment definitions archived only on
	// browser request, never by cron.
	BrowserOnlySegments []string
}

// PolicyFromEnv reads the policy from the environment. Defaults: 150s
// open-period TTL, 30s anti-stampede window, 1h in-progress reclaim grace.
// ARCHIVE_BROWSER_ONLY_SEGMENTS is a comma-separated list of segment
// definitions excluded from cron archiving.
func PolicyFromEnv() Policy {
	return Policy{
		TodayTTL:                utils.EnvDuration("ARCHIVE_TODAY_TTL", 150*time.Second),
		AntiStampedeWindow:      utils.EnvDuration("ARCHIVE_ANTI_STAMPEDE_WINDOW", 30*time.Second),
		InProgressGrace:         utils.EnvDuration("ARCHIVE_IN_PROGRESS_GRACE", time.Hour),
		CronEnabled:             utils.EnvBool("ARCHIVE_CRON_ENABLED", true),
		BrowserArchivingEnabled: utils.EnvBool("ARCHIVE_BROWSER_TRIGGER_ENABLED", true),
		BrowserOnlySegments:     utils.Dedup(strings.Split(utils.Env("ARCHIVE_BROWSER_ONLY_SEGMENTS", ""), ",")),
	}
}

// SegmentRequiresBrowser reports whether the segment is archived only on
// user request. The orchestrator skips these.
func (p Policy) SegmentRequiresBrowser(seg segment.Segment) bool {
	for _, def := range p.BrowserOnlySegments {
		if def == seg.Definition {
			return true
		}
	}
	return false
}

// Decide is the pure decision function for one key. status is the latest
// persisted generation (nil when never archived); invalidatedAt is the
// newest pending invalidation covering the key (zero when none).
func (p Policy) Decide(now time.Time, key archives.Key, status *archives.StatusInfo, invalidatedAt time.Time, trigger Trigger) Decision {
	computeAllowed := trigger == TriggerCron || p.BrowserArchivingEnabled || p.SegmentRequiresBrowser(key.Segment)
	// Browser-only segments are never computed by cron.
	if trigger == TriggerCron && p.SegmentRequiresBrowser(key.Segment) {
		computeAllowed = false
	}

	if status == nil {
		if !computeAllowed {
			return DecisionSkipFresh
		}
		return DecisionCompute
	}

	age := now.Sub(status.TsArchived)

	// Another worker started recently; its generation will land soon.
	if status.Status == archives.StatusInProgress {
		if age < p.InProgressGrace {
			return DecisionSkipFresh
		}
		// Abandoned by a crashed worker, reclaim.
		if !computeAllowed {
			return DecisionSkipFresh
		}
		return DecisionCompute
	}

	// An explicitly invalidated generation serves stale data while its
	// recompute is pending, and recomputes as soon as a worker is allowed
	// to, anti-stampede window included.
	if status.Status == archives.StatusInvalidated {
		if !computeAllowed {
			return DecisionServeCached
		}
		return DecisionCompute
	}

	// An attempt just finished. Reuse its outcome, stale or not.
	if age < p.AntiStampedeWindow {
		if status.Status.IsUsable() {
			return DecisionServeCached
		}
		return DecisionSkipFresh
	}

	if !status.Status.IsUsable() {
		if !computeAllowed {
			return DecisionSkipFresh
		}
		return DecisionCompute
	}

	// A pending invalidation newer than the record makes it stale.
	if !invalidatedAt.IsZero() && invalidatedAt.After(status.TsArchived) {
		if !computeAllowed {
			return DecisionServeCached
		}
		return DecisionCompute
	}

	// Immutable history: a fully elapsed period never expires.
	if key.Period.IsComplete(now) {
		return DecisionServeCached
	}

	// Open period: refresh once the TTL has passed.
	if age > p.TodayTTL {
		if !computeAllowed {
			return DecisionServeCached
		}
		return DecisionCompute
	}
	return DecisionServeCached
}
