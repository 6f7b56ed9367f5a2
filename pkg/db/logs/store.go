package logs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sitewise/sitewise/pkg/db/clickhouse"
	"github.com/sitewise/sitewise/pkg/period"
	"github.com/sitewise/sitewise/pkg/segment"
)

// Visit is one raw tracked visit. Day archives are folded from these rows;
// higher periods never touch them and sum day archives instead.
type Visit struct {
	SiteID       uint64    `ch:"site_id" json:"site_id"`
	VisitID      string    `ch:"visit_id" json:"visit_id"`
	VisitorID    string    `ch:"visitor_id" json:"visitor_id"`
	VisitTime    time.Time `ch:"visit_time" json:"visit_time"`
	Actions      uint32    `ch:"actions" json:"actions"`
	DurationSec  uint32    `ch:"duration_sec" json:"duration_sec"`
	ReferrerType string    `ch:"referrer_type" json:"referrer_type"`
	DeviceType   string    `ch:"device_type" json:"device_type"`
	Country      string    `ch:"country" json:"country"`
	Returning    uint8     `ch:"returning" json:"returning"`
	Conversions  uint32    `ch:"conversions" json:"conversions"`
	Revenue      float64   `ch:"revenue" json:"revenue"`
}

// Store is the raw-log query surface the archive processor consumes and the
// tracker writes to.
type Store interface {
	InsertVisit(ctx context.Context, v *Visit) error
	ReadVisits(ctx context.Context, siteID uint64, day period.Period, seg segment.Segment) ([]Visit, error)
}

// DB is the ClickHouse-backed visit log.
type DB struct {
	clickhouse.Client
	Name string
}

var _ Store = (*DB)(nil)

// New returns a visit log store in the given database, creating its table if needed.
func New(ctx context.Context, client clickhouse.Client, dbName string, logger *zap.Logger) (*DB, error) {
	db := &DB{Client: client, Name: clickhouse.SanitizeName(dbName)}
	db.Logger = logger
	if err := db.initVisits(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// initVisits creates the visit log table.
// Table: MergeTree ORDER BY (site_id, visit_time), partitioned by month so
// old raw data can be dropped independently of archives.
func (db *DB) initVisits(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."log_visits" (
			site_id UInt64,
			visit_id String,
			visitor_id String,
			visit_time DateTime,
			actions UInt32,
			duration_sec UInt32,
			referrer_type String,
			device_type String,
			country String,
			returning UInt8,
			conversions UInt32,
			revenue Float64
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(visit_time)
		ORDER BY (site_id, visit_time)
	`, db.Name)
	return db.Exec(ctx, query)
}

// InsertVisit appends one raw visit row.
func (db *DB) InsertVisit(ctx context.Context, v *Visit) error {
	query := fmt.Sprintf(`
		INSERT INTO "%s"."log_visits" (
			site_id, visit_id, visitor_id, visit_time, actions, duration_sec,
			referrer_type, device_type, country, returning, conversions, revenue
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, db.Name)

	return db.Exec(ctx, query,
		v.SiteID,
		v.VisitID,
		v.VisitorID,
		v.VisitTime,
		v.Actions,
		v.DurationSec,
		v.ReferrerType,
		v.DeviceType,
		v.Country,
		v.Returning,
		v.Conversions,
		v.Revenue,
	)
}

// segmentColumns whitelists the visit columns a segment condition may
// reference, keyed by the field name used in segment definitions.
var segmentColumns = map[string]string{
	"device_type":   "device_type",
	"country":       "country",
	"referrer_type": "referrer_type",
	"returning":     "returning",
}

// segmentWhere translates a segment definition into a WHERE fragment plus
// bind arguments. Unknown fields are an error so a typo never silently
// matches all visits.
func segmentWhere(seg segment.Segment) (string, []interface{}, error) {
	if seg.IsEmpty() {
		return "", nil, nil
	}

	var clauses []string
	var args []interface{}
	for _, cond := range strings.Split(seg.Definition, ";") {
		var op, sqlOp string
		switch {
		case strings.Contains(cond, "!="):
			op, sqlOp = "!=", "!="
		case strings.Contains(cond, "=="):
			op, sqlOp = "==", "="
		default:
			return "", nil, fmt.Errorf("unsupported segment condition %q", cond)
		}
		parts := strings.SplitN(cond, op, 2)
		col, ok := segmentColumns[parts[0]]
		if !ok {
			return "", nil, fmt.Errorf("unknown segment field %q", parts[0])
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", col, sqlOp))
		args = append(args, parts[1])
	}
	return " AND " + strings.Join(clauses, " AND "), args, nil
}

// ReadVisits returns all raw visits for one site and day matching the
// segment, oldest first.
func (db *DB) ReadVisits(ctx context.Context, siteID uint64, day period.Period, seg segment.Segment) ([]Visit, error) {
	where, segArgs, err := segmentWhere(seg)
	if err != nil {
		return nil, fmt.Errorf("read visits site %d: %w", siteID, err)
	}

	query := fmt.Sprintf(`
		SELECT site_id, visit_id, visitor_id, visit_time, actions, duration_sec,
			referrer_type, device_type, country, returning, conversions, revenue
		FROM "%s"."log_visits"
		WHERE site_id = ? AND visit_time >= ? AND visit_time < ?%s
		ORDER BY visit_time
	`, db.Name, where)

	args := append([]interface{}{siteID, day.Start, day.End.AddDate(0, 0, 1)}, segArgs...)

	var out []Visit
	if err := db.Select(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("read visits site %d day %s: %w", siteID, day.Key(), err)
	}
	return out, nil
}
