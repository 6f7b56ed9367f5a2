package sites

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sitewise/sitewise/pkg/db/clickhouse"
)

// Site is one tracked website.
type Site struct {
	SiteID    uint64    `ch:"site_id" json:"site_id"`
	Name      string    `ch:"name" json:"name"`
	MainURL   string    `ch:"main_url" json:"main_url"`
	Timezone  string    `ch:"timezone" json:"timezone"`
	Deleted   uint8     `ch:"deleted" json:"deleted"`
	CreatedAt time.Time `ch:"created_at" json:"created_at"`
	UpdatedAt time.Time `ch:"updated_at" json:"updated_at"`
}

// Store exposes the site registry operations the archiver and API need.
type Store interface {
	ListSites(ctx context.Context, includeDeleted bool) ([]Site, error)
	GetSite(ctx context.Context, siteID uint64) (*Site, error)
	UpsertSite(ctx context.Context, s *Site) error
}

// DB is the ClickHouse-backed site registry.
type DB struct {
	clickhouse.Client
	Name string
}

var _ Store = (*DB)(nil)

// New returns a site registry in the given database, creating its table if needed.
func New(ctx context.Context, client clickhouse.Client, dbName string, logger *zap.Logger) (*DB, error) {
	db := &DB{Client: client, Name: clickhouse.SanitizeName(dbName)}
	db.Logger = logger
	if err := db.initSites(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// initSites creates the sites table.
// Table: ReplacingMergeTree(updated_at) ORDER BY (site_id)
func (db *DB) initSites(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."sites" (
			site_id UInt64,
			name String,
			main_url String,
			timezone String DEFAULT 'UTC',
			deleted UInt8 DEFAULT 0,
			created_at DateTime,
			updated_at DateTime
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY (site_id)
	`, db.Name)
	return db.Exec(ctx, query)
}

// ListSites returns all sites, newest registration first.
func (db *DB) ListSites(ctx context.Context, includeDeleted bool) ([]Site, error) {
	query := fmt.Sprintf(`
		SELECT site_id, name, main_url, timezone, deleted, created_at, updated_at
		FROM "%s"."sites" FINAL
	`, db.Name)
	if !includeDeleted {
		query += " WHERE deleted = 0"
	}
	query += " ORDER BY created_at DESC"

	var out []Site
	if err := db.Select(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return out, nil
}

// GetSite returns one site, or nil when it does not exist.
func (db *DB) GetSite(ctx context.Context, siteID uint64) (*Site, error) {
	query := fmt.Sprintf(`
		SELECT site_id, name, main_url, timezone, deleted, created_at, updated_at
		FROM "%s"."sites" FINAL
		WHERE site_id = ?
		LIMIT 1
	`, db.Name)

	var out []Site
	if err := db.Select(ctx, &out, query, siteID); err != nil {
		return nil, fmt.Errorf("get site %d: %w", siteID, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// UpsertSite creates or updates a site. ReplacingMergeTree treats the same
// site_id as an upsert by latest updated_at.
func (db *DB) UpsertSite(ctx context.Context, s *Site) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.Name = strings.TrimSpace(s.Name)
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}

	query := fmt.Sprintf(`
		INSERT INTO "%s"."sites" (site_id, name, main_url, timezone, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, db.Name)

	return db.Exec(ctx, query,
		s.SiteID,
		s.Name,
		s.MainURL,
		s.Timezone,
		s.Deleted,
		s.CreatedAt,
		s.UpdatedAt,
	)
}
