package archives

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/sitewise/sitewise/pkg/period"
)

const (
	allocLockTTL     = 10 * time.Second
	allocLockMaxWait = 10 * time.Second
)

// tableSuffix maps a period to its physical partition: the year and month of
// the period's first day. A week straddling two months lands in the table of
// the month it starts in; a year archive lands in that year's January table.
func tableSuffix(p period.Period) string {
	return p.Start.Format("2006_01")
}

// NumericTable returns the numeric archive table name for a period.
func NumericTable(p period.Period) string {
	return "archive_numeric_" + tableSuffix(p)
}

// BlobTable returns the blob archive table name for a period.
func BlobTable(p period.Period) string {
	return "archive_blob_" + tableSuffix(p)
}

// EnsureTables creates the numeric and blob partitions for the period if
// they do not exist yet. A per-process registry of known partitions skips
// repeat DDL; the CREATE itself is IF NOT EXISTS so concurrent creators are
// harmless.
func (db *DB) EnsureTables(ctx context.Context, p period.Period) error {
	suffix := tableSuffix(p)
	if _, known := db.knownTables.Load(suffix); known {
		return nil
	}

	numericDDL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			site_id UInt64,
			idarchive UInt64,
			name String,
			value Float64,
			date_start Date,
			date_end Date,
			period String,
			ts_archived DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (site_id, date_start, period, name, idarchive)
	`, db.Name, NumericTable(p))
	if err := db.Exec(ctx, numericDDL); err != nil {
		return fmt.Errorf("create %s: %w", NumericTable(p), err)
	}

	blobDDL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."%s" (
			site_id UInt64,
			idarchive UInt64,
			name String,
			data String,
			date_start Date,
			date_end Date,
			period String,
			ts_archived DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (site_id, date_start, period, name, idarchive)
	`, db.Name, BlobTable(p))
	if err := db.Exec(ctx, blobDDL); err != nil {
		return fmt.Errorf("create %s: %w", BlobTable(p), err)
	}

	db.knownTables.Store(suffix, true)
	return nil
}

// AllocateArchiveID reserves the next archive id inside the key's partition
// and writes the key's in_progress row for it in the same critical section.
// The in_progress row is what raises max(idarchive), so it must land before
// the partition lock is released or two different keys in the partition
// could read the same max and end up sharing an id.
func (db *DB) AllocateArchiveID(ctx context.Context, key Key) (uint64, error) {
	p := key.Period
	if err := db.EnsureTables(ctx, p); err != nil {
		return 0, err
	}

	lockName := "archive_alloc." + tableSuffix(p)
	release, ok, err := db.locks.Acquire(ctx, lockName, allocLockTTL, allocLockMaxWait)
	if err != nil {
		return 0, fmt.Errorf("allocate archive id: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("allocate archive id: lock %s not acquired within %s", lockName, allocLockMaxWait)
	}
	defer func() {
		_ = release(ctx)
	}()

	query := fmt.Sprintf(`SELECT max(idarchive) FROM "%s"."%s"`, db.Name, NumericTable(p))
	var maxID uint64
	if err := db.QueryRow(ctx, query).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("read max archive id from %s: %w", NumericTable(p), err)
	}

	id := maxID + 1
	if err := db.insertStatusRow(ctx, key, id, StatusInProgress, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("reserve archive id %d for %s: %w", id, key, err)
	}
	return id, nil
}

func newKnownTables() *xsync.Map[string, bool] {
	return xsync.NewMap[string, bool]()
}
