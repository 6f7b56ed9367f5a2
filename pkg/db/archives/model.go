package archives

import (
	"fmt"
	"time"

	"github.com/sitewise/sitewise/pkg/period"
	"github.com/sitewise/sitewise/pkg/segment"
)

// Status is the lifecycle state of an archive row generation, stored as the
// value of the done-flag row. Append-only: a new status row with a later
// ts_archived supersedes earlier ones for the same key.
type Status uint8

const (
	StatusDoneOK      Status = 1
	StatusDoneError   Status = 2
	StatusInProgress  Status = 3
	StatusInvalidated Status = 4
	StatusDonePartial Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusDoneOK:
		return "done_ok"
	case StatusDoneError:
		return "done_error"
	case StatusInProgress:
		return "in_progress"
	case StatusInvalidated:
		return "invalidated"
	case StatusDonePartial:
		return "done_partial"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// IsUsable reports whether an archive in this state may be served to
// readers. Invalidated generations stay servable: they hold the last good
// data while a recompute is pending.
func (s Status) IsUsable() bool {
	return s == StatusDoneOK || s == StatusDonePartial || s == StatusInvalidated
}

// Key identifies one unit of aggregation work: the site, the period, the
// segment and the plugin whose records are archived. The empty plugin means
// the all-plugins archive.
type Key struct {
	SiteID  uint64
	Period  period.Period
	Segment segment.Segment
	Plugin  string
}

// DoneFlag returns the name of the status row for this key, encoding segment
// hash and plugin.
func (k Key) DoneFlag() string {
	return segment.DoneFlag(k.Segment, k.Plugin)
}

// LockName returns the per-key lock name serializing computation: at most
// one writer per (site, period, segment, plugin) anywhere in the system.
func (k Key) LockName() string {
	return fmt.Sprintf("archive.%d.%s.%s", k.SiteID, k.Period.Key(), k.DoneFlag())
}

func (k Key) String() string {
	return fmt.Sprintf("site %d %s %s", k.SiteID, k.Period.Key(), k.DoneFlag())
}

// NumericRecord is one named numeric value in an archive.
type NumericRecord struct {
	Name  string  `ch:"name" json:"name"`
	Value float64 `ch:"value" json:"value"`
}

// BlobRecord is one named serialized data table in an archive.
type BlobRecord struct {
	Name string `ch:"name" json:"name"`
	Data []byte `ch:"data" json:"data"`
}

// Archive is a fully computed result for one key, ready to persist or just
// read back.
type Archive struct {
	Key        Key
	IDArchive  uint64
	Status     Status
	TsArchived time.Time
	Numerics   []NumericRecord
	Blobs      []BlobRecord
}

// Numeric returns the named numeric value and whether it is present.
func (a *Archive) Numeric(name string) (float64, bool) {
	for _, n := range a.Numerics {
		if n.Name == name {
			return n.Value, true
		}
	}
	return 0, false
}

// StatusInfo is the latest persisted state for a key, consumed by the rules
// engine.
type StatusInfo struct {
	IDArchive  uint64
	Status     Status
	TsArchived time.Time
}
