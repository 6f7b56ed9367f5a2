package period

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies a time granularity for an archive.
type Type string

const (
	TypeDay   Type = "day"
	TypeWeek  Type = "week"
	TypeMonth Type = "month"
	TypeYear  Type = "year"
	TypeRange Type = "range"
)

// DateLayout is the canonical date format used in archive keys and CLI flags.
const DateLayout = "2006-01-02"

// Period is one aggregation window: a granularity plus its first and last day.
// Start and End are UTC midnights; End is inclusive.
type Period struct {
	Type  Type
	Start time.Time
	End   time.Time
}

func midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Day returns the day period containing t.
func Day(t time.Time) Period {
	d := midnight(t)
	return Period{Type: TypeDay, Start: d, End: d}
}

// Week returns the ISO week (Monday through Sunday) containing t.
func Week(t time.Time) Period {
	d := midnight(t)
	offset := (int(d.Weekday()) + 6) % 7 // Monday = 0
	start := d.AddDate(0, 0, -offset)
	return Period{Type: TypeWeek, Start: start, End: start.AddDate(0, 0, 6)}
}

// Month returns the calendar month containing t.
func Month(t time.Time) Period {
	d := midnight(t)
	start := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Type: TypeMonth, Start: start, End: start.AddDate(0, 1, -1)}
}

// Year returns the calendar year containing t.
func Year(t time.Time) Period {
	d := midnight(t)
	start := time.Date(d.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	return Period{Type: TypeYear, Start: start, End: start.AddDate(1, 0, -1)}
}

// Range returns a custom date range. Start and end are both inclusive.
func Range(start, end time.Time) Period {
	return Period{Type: TypeRange, Start: midnight(start), End: midnight(end)}
}

// New builds the period of the given type containing t. Range periods cannot
// be built this way since they carry explicit bounds.
func New(typ Type, t time.Time) (Period, error) {
	switch typ {
	case TypeDay:
		return Day(t), nil
	case TypeWeek:
		return Week(t), nil
	case TypeMonth:
		return Month(t), nil
	case TypeYear:
		return Year(t), nil
	default:
		return Period{}, fmt.Errorf("cannot build %q period from a single date", typ)
	}
}

// Key returns a stable identifier, e.g. "day:2026-08-29" or
// "range:2026-08-01,2026-08-15". Used for locks and dedup.
func (p Period) Key() string {
	if p.Type == TypeRange {
		return fmt.Sprintf("%s:%s,%s", p.Type, p.Start.Format(DateLayout), p.End.Format(DateLayout))
	}
	return fmt.Sprintf("%s:%s", p.Type, p.Start.Format(DateLayout))
}

// Contains reports whether the given day falls inside this period.
func (p Period) Contains(t time.Time) bool {
	d := midnight(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

// Overlaps reports whether two periods share at least one day.
func (p Period) Overlaps(o Period) bool {
	return !p.End.Before(o.Start) && !o.End.Before(p.Start)
}

// IsComplete reports whether the period has fully elapsed at the given
// instant. A complete period's archive is immutable and cached forever.
func (p Period) IsComplete(now time.Time) bool {
	return !now.Before(p.End.AddDate(0, 0, 1))
}

// Subperiods returns the child periods whose archives are summed to produce
// this period's archive: days for week and month, months for year, days for a
// custom range. A day has no subperiods; it is computed from raw logs.
func (p Period) Subperiods() []Period {
	switch p.Type {
	case TypeDay:
		return nil
	case TypeYear:
		subs := make([]Period, 0, 12)
		for m := p.Start; !m.After(p.End); m = m.AddDate(0, 1, 0) {
			subs = append(subs, Month(m))
		}
		return subs
	default:
		subs := make([]Period, 0, int(p.End.Sub(p.Start).Hours()/24)+1)
		for d := p.Start; !d.After(p.End); d = d.AddDate(0, 0, 1) {
			subs = append(subs, Day(d))
		}
		return subs
	}
}

// ContainingPeriods returns the coarser periods whose archives become stale
// when this period's data changes: week, month and year for a day; month and
// year for a week; year for a month. Range periods have no containing
// periods since they are computed on demand.
func (p Period) ContainingPeriods() []Period {
	switch p.Type {
	case TypeDay:
		return []Period{Week(p.Start), Month(p.Start), Year(p.Start)}
	case TypeWeek:
		// A week can straddle two months. Both are stale.
		out := []Period{Month(p.Start)}
		if endMonth := Month(p.End); endMonth.Start != out[0].Start {
			out = append(out, endMonth)
		}
		out = append(out, Year(p.Start))
		if endYear := Year(p.End); endYear.Start.Year() != p.Start.Year() {
			out = append(out, endYear)
		}
		return out
	case TypeMonth:
		return []Period{Year(p.Start)}
	default:
		return nil
	}
}

// Days returns every day inside the period, oldest first.
func (p Period) Days() []Period {
	days := make([]Period, 0, int(p.End.Sub(p.Start).Hours()/24)+1)
	for d := p.Start; !d.After(p.End); d = d.AddDate(0, 0, 1) {
		days = append(days, Day(d))
	}
	return days
}

func (p Period) String() string {
	return p.Key()
}

// ParseType validates a period type string from config or CLI flags.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeDay:
		return TypeDay, nil
	case TypeWeek:
		return TypeWeek, nil
	case TypeMonth:
		return TypeMonth, nil
	case TypeYear:
		return TypeYear, nil
	case TypeRange:
		return TypeRange, nil
	default:
		return "", fmt.Errorf("unknown period type %q", s)
	}
}

// ParseDate parses a canonical YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}
