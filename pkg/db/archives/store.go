package archives

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/sitewise/sitewise/pkg/db/clickhouse"
)

// LockProvider is the subset of the named-mutex surface the store needs for
// id allocation. Satisfied by redis.Mutex; tests substitute an in-process
// implementation.
type LockProvider interface {
	Acquire(ctx context.Context, name string, ttl, maxWait time.Duration) (func(ctx context.Context) error, bool, error)
}

// Store is the archive persistence surface consumed by the processor, the
// rules engine and report serving.
type Store interface {
	AllocateArchiveID(ctx context.Context, key Key) (uint64, error)
	MarkError(ctx context.Context, key Key, idArchive uint64) error
	MarkInvalidated(ctx context.Context, key Key, idArchive uint64) error
	Finalize(ctx context.Context, a *Archive) error
	LatestStatus(ctx context.Context, key Key) (*StatusInfo, error)
	ReadArchive(ctx context.Context, key Key) (*Archive, error)
	PurgeSuperseded(ctx context.Context, key Key, keepID uint64) error
}

// DB is the ClickHouse-backed archive store with month-partitioned numeric
// and blob tables.
type DB struct {
	clickhouse.Client
	Name        string
	locks       LockProvider
	knownTables *xsync.Map[string, bool]
}

var _ Store = (*DB)(nil)

// New returns an archive store in the given database. Partitions are created
// lazily as periods are first archived.
func New(client clickhouse.Client, dbName string, locks LockProvider, logger *zap.Logger) *DB {
	db := &DB{
		Client:      client,
		Name:        clickhouse.SanitizeName(dbName),
		locks:       locks,
		knownTables: newKnownTables(),
	}
	db.Logger = logger
	return db
}

// insertStatusRow appends a done-flag row. The latest row by ts_archived for
// a key's done flag is that key's current status.
func (db *DB) insertStatusRow(ctx context.Context, key Key, idArchive uint64, status Status, ts time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO "%s"."%s" (site_id, idarchive, name, value, date_start, date_end, period, ts_archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, db.Name, NumericTable(key.Period))

	return db.Exec(ctx, query,
		key.SiteID,
		idArchive,
		key.DoneFlag(),
		float64(status),
		key.Period.Start,
		key.Period.End,
		string(key.Period.Type),
		ts,
	)
}

// MarkError flips a generation to done_error after a failed computation.
func (db *DB) MarkError(ctx context.Context, key Key, idArchive uint64) error {
	if err := db.insertStatusRow(ctx, key, idArchive, StatusDoneError, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark done_error %s: %w", key, err)
	}
	return nil
}

// MarkInvalidated flags an existing generation stale. Readers keep serving
// it until a fresh generation lands; the rules engine recomputes it on the
// next eligible pass.
func (db *DB) MarkInvalidated(ctx context.Context, key Key, idArchive uint64) error {
	if err := db.insertStatusRow(ctx, key, idArchive, StatusInvalidated, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark invalidated %s: %w", key, err)
	}
	return nil
}

// Finalize persists a computed archive: all record rows first, the done-flag
// row last. Readers key on the done-flag row, so a crash mid-write leaves an
// invisible partial generation that PurgeSuperseded collects later, never a
// half-visible archive.
func (db *DB) Finalize(ctx context.Context, a *Archive) error {
	key := a.Key
	if a.TsArchived.IsZero() {
		a.TsArchived = time.Now().UTC()
	}
	if a.Status == 0 {
		a.Status = StatusDoneOK
	}

	if len(a.Numerics) > 0 {
		batch, err := db.PrepareBatch(ctx, fmt.Sprintf(
			`INSERT INTO "%s"."%s" (site_id, idarchive, name, value, date_start, date_end, period, ts_archived)`,
			db.Name, NumericTable(key.Period)))
		if err != nil {
			return fmt.Errorf("finalize %s: prepare numeric batch: %w", key, err)
		}
		for _, n := range a.Numerics {
			if err := batch.Append(key.SiteID, a.IDArchive, n.Name, n.Value,
				key.Period.Start, key.Period.End, string(key.Period.Type), a.TsArchived); err != nil {
				return fmt.Errorf("finalize %s: append numeric %s: %w", key, n.Name, err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("finalize %s: write numerics: %w", key, err)
		}
	}

	if len(a.Blobs) > 0 {
		batch, err := db.PrepareBatch(ctx, fmt.Sprintf(
			`INSERT INTO "%s"."%s" (site_id, idarchive, name, data, date_start, date_end, period, ts_archived)`,
			db.Name, BlobTable(key.Period)))
		if err != nil {
			return fmt.Errorf("finalize %s: prepare blob batch: %w", key, err)
		}
		for _, b := range a.Blobs {
			if err := batch.Append(key.SiteID, a.IDArchive, b.Name, string(b.Data),
				key.Period.Start, key.Period.End, string(key.Period.Type), a.TsArchived); err != nil {
				return fmt.Errorf("finalize %s: append blob %s: %w", key, b.Name, err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("finalize %s: write blobs: %w", key, err)
		}
	}

	if err := db.insertStatusRow(ctx, key, a.IDArchive, a.Status, a.TsArchived); err != nil {
		return fmt.Errorf("finalize %s: write done flag: %w", key, err)
	}

	return nil
}

// LatestStatus returns the current state for a key, or nil when the key has
// never been archived.
func (db *DB) LatestStatus(ctx context.Context, key Key) (*StatusInfo, error) {
	exists, err := db.TableExists(ctx, db.Name, NumericTable(key.Period))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT idarchive, value, ts_archived
		FROM "%s"."%s"
		WHERE site_id = ? AND name = ? AND period = ? AND date_start = ? AND date_end = ?
		ORDER BY ts_archived DESC, idarchive DESC
		LIMIT 1
	`, db.Name, NumericTable(key.Period))

	type statusRow struct {
		IDArchive  uint64    `ch:"idarchive"`
		Value      float64   `ch:"value"`
		TsArchived time.Time `ch:"ts_archived"`
	}
	var rows []statusRow
	err = db.Select(ctx, &rows, query,
		key.SiteID, key.DoneFlag(), string(key.Period.Type), key.Period.Start, key.Period.End)
	if err != nil {
		return nil, fmt.Errorf("latest status %s: %w", key, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &StatusInfo{
		IDArchive:  rows[0].IDArchive,
		Status:     Status(rows[0].Value),
		TsArchived: rows[0].TsArchived,
	}, nil
}

// ReadArchive returns the latest usable archive for a key, or nil when no
// done generation exists.
func (db *DB) ReadArchive(ctx context.Context, key Key) (*Archive, error) {
	info, err := db.LatestStatus(ctx, key)
	if err != nil {
		return nil, err
	}
	if info == nil || !info.Status.IsUsable() {
		return nil, nil
	}

	a := &Archive{Key: key, IDArchive: info.IDArchive, Status: info.Status, TsArchived: info.TsArchived}

	numericQuery := fmt.Sprintf(`
		SELECT name, value
		FROM "%s"."%s"
		WHERE site_id = ? AND idarchive = ? AND period = ? AND date_start = ? AND name != ?
		ORDER BY name
	`, db.Name, NumericTable(key.Period))
	if err := db.Select(ctx, &a.Numerics, numericQuery,
		key.SiteID, info.IDArchive, string(key.Period.Type), key.Period.Start, key.DoneFlag()); err != nil {
		return nil, fmt.Errorf("read numerics %s: %w", key, err)
	}

	blobTableExists, err := db.TableExists(ctx, db.Name, BlobTable(key.Period))
	if err != nil {
		return nil, err
	}
	if blobTableExists {
		blobQuery := fmt.Sprintf(`
			SELECT name, data
			FROM "%s"."%s"
			WHERE site_id = ? AND idarchive = ? AND period = ? AND date_start = ?
			ORDER BY name
		`, db.Name, BlobTable(key.Period))

		type blobRow struct {
			Name string `ch:"name"`
			Data string `ch:"data"`
		}
		var rows []blobRow
		if err := db.Select(ctx, &rows, blobQuery,
			key.SiteID, info.IDArchive, string(key.Period.Type), key.Period.Start); err != nil {
			return nil, fmt.Errorf("read blobs %s: %w", key, err)
		}
		for _, r := range rows {
			a.Blobs = append(a.Blobs, BlobRecord{Name: r.Name, Data: []byte(r.Data)})
		}
	}

	return a, nil
}

// PurgeSuperseded deletes all rows for a key's earlier generations once a
// newer generation is done. Only generations carrying this key's done flag
// are touched; other segments and plugins share the partition and keep
// theirs. Failure is not fatal: stale generations are invisible to readers
// and only cost space.
func (db *DB) PurgeSuperseded(ctx context.Context, key Key, keepID uint64) error {
	idsQuery := fmt.Sprintf(`
		SELECT DISTINCT idarchive
		FROM "%s"."%s"
		WHERE site_id = ? AND name = ? AND period = ? AND date_start = ? AND date_end = ? AND idarchive != ?
	`, db.Name, NumericTable(key.Period))

	var oldIDs []uint64
	if err := db.Select(ctx, &oldIDs, idsQuery,
		key.SiteID, key.DoneFlag(), string(key.Period.Type), key.Period.Start, key.Period.End, keepID); err != nil {
		return fmt.Errorf("purge superseded %s: list generations: %w", key, err)
	}
	if len(oldIDs) == 0 {
		return nil
	}

	numericQuery := fmt.Sprintf(`
		DELETE FROM "%s"."%s"
		WHERE site_id = ? AND period = ? AND date_start = ? AND idarchive IN (?)
	`, db.Name, NumericTable(key.Period))
	if err := db.Exec(ctx, numericQuery,
		key.SiteID, string(key.Period.Type), key.Period.Start, oldIDs); err != nil {
		return fmt.Errorf("purge superseded numerics %s: %w", key, err)
	}

	blobTableExists, err := db.TableExists(ctx, db.Name, BlobTable(key.Period))
	if err != nil {
		return err
	}
	if blobTableExists {
		blobQuery := fmt.Sprintf(`
			DELETE FROM "%s"."%s"
			WHERE site_id = ? AND period = ? AND date_start = ? AND idarchive IN (?)
		`, db.Name, BlobTable(key.Period))
		if err := db.Exec(ctx, blobQuery,
			key.SiteID, string(key.Period.Type), key.Period.Start, oldIDs); err != nil {
			return fmt.Errorf("purge superseded blobs %s: %w", key, err)
		}
	}

	return nil
}
