package archives

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sitewise/sitewise/pkg/period"
)

// Invalidation statuses. Queued entries are the orchestrator's work list;
// done and superseded entries remain for auditing until pruned.
const (
	InvalidationQueued     = "queued"
	InvalidationDone       = "done"
	InvalidationSuperseded = "superseded"
)

// Invalidation records that archives covering a date range must be
// recomputed. SiteID 0 means all sites; empty Segment and Plugin mean all
// segments and all plugins.
type Invalidation struct {
	ID          string    `ch:"id" json:"id"`
	SiteID      uint64    `ch:"site_id" json:"site_id"`
	PeriodType  string    `ch:"period" json:"period"`
	DateStart   time.Time `ch:"date_start" json:"date_start"`
	DateEnd     time.Time `ch:"date_end" json:"date_end"`
	Segment     string    `ch:"segment" json:"segment"`
	Plugin      string    `ch:"plugin" json:"plugin"`
	Cascade     uint8     `ch:"cascade" json:"cascade"`
	Status      string    `ch:"status" json:"status"`
	RequestedBy string    `ch:"requested_by" json:"requested_by"`
	RequestedAt time.Time `ch:"requested_at" json:"requested_at"`
	UpdatedAt   time.Time `ch:"updated_at" json:"updated_at"`
}

// Range returns the entry's date range as a period value for overlap checks.
func (inv *Invalidation) Range() period.Period {
	return period.Range(inv.DateStart, inv.DateEnd)
}

// InvalidationStore is the persistence surface of the archive invalidator.
type InvalidationStore interface {
	RecordInvalidation(ctx context.Context, inv *Invalidation) error
	PendingInvalidations(ctx context.Context, siteID uint64) ([]Invalidation, error)
	SetInvalidationStatus(ctx context.Context, ids []string, status string) error
}

// InitInvalidations creates the invalidation log table.
// Table: ReplacingMergeTree(updated_at) ORDER BY (id)
func (db *DB) InitInvalidations(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."archive_invalidations" (
			id String,
			site_id UInt64,
			period String,
			date_start Date,
			date_end Date,
			segment String,
			plugin String,
			cascade UInt8,
			status String DEFAULT 'queued',
			requested_by String,
			requested_at DateTime,
			updated_at DateTime
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY (id)
	`, db.Name)
	return db.Exec(ctx, query)
}

// RecordInvalidation inserts a new invalidation entry.
func (db *DB) RecordInvalidation(ctx context.Context, inv *Invalidation) error {
	now := time.Now().UTC()
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Status == "" {
		inv.Status = InvalidationQueued
	}
	if inv.RequestedAt.IsZero() {
		inv.RequestedAt = now
	}
	inv.UpdatedAt = now

	query := fmt.Sprintf(`
		INSERT INTO "%s"."archive_invalidations" (
			id, site_id, period, date_start, date_end, segment, plugin,
			cascade, status, requested_by, requested_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, db.Name)

	if err := db.Exec(ctx, query,
		inv.ID,
		inv.SiteID,
		inv.PeriodType,
		inv.DateStart,
		inv.DateEnd,
		inv.Segment,
		inv.Plugin,
		inv.Cascade,
		inv.Status,
		inv.RequestedBy,
		inv.RequestedAt,
		inv.UpdatedAt,
	); err != nil {
		return fmt.Errorf("record invalidation: %w", err)
	}
	return nil
}

// PendingInvalidations returns queued entries, oldest first. siteID filters
// to entries covering that site (including all-sites entries); pass 0 for
// everything.
func (db *DB) PendingInvalidations(ctx context.Context, siteID uint64) ([]Invalidation, error) {
	query := fmt.Sprintf(`
		SELECT id, site_id, period, date_start, date_end, segment, plugin,
			cascade, status, requested_by, requested_at, updated_at
		FROM "%s"."archive_invalidations" FINAL
		WHERE status = ?
	`, db.Name)
	args := []interface{}{InvalidationQueued}
	if siteID != 0 {
		query += " AND (site_id = ? OR site_id = 0)"
		args = append(args, siteID)
	}
	query += " ORDER BY requested_at"

	var out []Invalidation
	if err := db.Select(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("pending invalidations: %w", err)
	}
	return out, nil
}

// SetInvalidationStatus moves entries to a new status. ReplacingMergeTree
// keeps the row with the latest updated_at per id.
func (db *DB) SetInvalidationStatus(ctx context.Context, ids []string, status string) error {
	if len(ids) == 0 {
		return nil
	}

	// Re-insert with the new status and a later version timestamp.
	rows, err := db.selectInvalidationsByID(ctx, ids)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range rows {
		rows[i].Status = status
		rows[i].UpdatedAt = now
		if err := db.RecordInvalidation(ctx, &rows[i]); err != nil {
			return fmt.Errorf("set invalidation status %s: %w", rows[i].ID, err)
		}
	}
	return nil
}

func (db *DB) selectInvalidationsByID(ctx context.Context, ids []string) ([]Invalidation, error) {
	query := fmt.Sprintf(`
		SELECT id, site_id, period, date_start, date_end, segment, plugin,
			cascade, status, requested_by, requested_at, updated_at
		FROM "%s"."archive_invalidations" FINAL
		WHERE id IN (?)
	`, db.Name)

	var out []Invalidation
	if err := db.Select(ctx, &out, query, ids); err != nil {
		return nil, fmt.Errorf("select invalidations by id: %w", err)
	}
	return out, nil
}
