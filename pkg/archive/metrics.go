package archive

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/db/logs"
)

// Core numeric record names. Stored values are always raw counts; rates are
// derived at read time so rounding never compounds across aggregation levels.
const (
	MetricVisits        = "nb_visits"
	MetricUniqVisitors  = "nb_uniq_visitors"
	MetricActions       = "nb_actions"
	MetricVisitsBounced = "nb_visits_bounced"
	MetricSumVisitLen   = "sum_visit_length"
	MetricMaxActions    = "max_actions"
	MetricConversions   = "nb_conversions"
	MetricRevenue       = "revenue"
)

// summableMetric reports whether a record aggregates across sub-periods by
// summation. max_actions takes the maximum; unique visitors cannot be summed
// at all (summing day-level distinct counts overcounts returning visitors),
// so day archives carry the record and higher periods omit it.
func summableMetric(name string) bool {
	switch name {
	case MetricMaxActions, MetricUniqVisitors:
		return false
	default:
		return true
	}
}

// VisitsSummaryRecords folds raw visits into the base numeric records. A
// bounced visit is a single-action visit.
func VisitsSummaryRecords(visits []logs.Visit) []archives.NumericRecord {
	var (
		nbVisits, nbActions, nbBounced, sumLen, maxActions float64
		visitors                                           = map[string]struct{}{}
	)
	for _, v := range visits {
		nbVisits++
		nbActions += float64(v.Actions)
		sumLen += float64(v.DurationSec)
		if v.Actions <= 1 {
			nbBounced++
		}
		if float64(v.Actions) > maxActions {
			maxActions = float64(v.Actions)
		}
		visitors[v.VisitorID] = struct{}{}
	}

	return []archives.NumericRecord{
		{Name: MetricVisits, Value: nbVisits},
		{Name: MetricUniqVisitors, Value: float64(len(visitors))},
		{Name: MetricActions, Value: nbActions},
		{Name: MetricVisitsBounced, Value: nbBounced},
		{Name: MetricSumVisitLen, Value: sumLen},
		{Name: MetricMaxActions, Value: maxActions},
	}
}

// GoalsRecords folds raw visits into conversion metrics.
func GoalsRecords(visits []logs.Visit) []archives.NumericRecord {
	var conversions, revenue float64
	for _, v := range visits {
		conversions += float64(v.Conversions)
		revenue += v.Revenue
	}
	return []archives.NumericRecord{
		{Name: MetricConversions, Value: conversions},
		{Name: MetricRevenue, Value: revenue},
	}
}

// DataTableRow is one label's aggregate inside a report blob.
type DataTableRow struct {
	Label    string  `json:"label"`
	NbVisits float64 `json:"nb_visits"`
	NbActions float64 `json:"nb_actions"`
}

// DataTable is the serialized form of a label-keyed report (devices,
// referrers). Rows are sorted by visits descending, label ascending on ties,
// so serialization is deterministic.
type DataTable struct {
	Rows []DataTableRow `json:"rows"`
}

func (t *DataTable) sorted() {
	sort.Slice(t.Rows, func(i, j int) bool {
		if t.Rows[i].NbVisits != t.Rows[j].NbVisits {
			return t.Rows[i].NbVisits > t.Rows[j].NbVisits
		}
		return t.Rows[i].Label < t.Rows[j].Label
	})
}

// Serialize encodes the table for blob storage.
func (t *DataTable) Serialize() ([]byte, error) {
	t.sorted()
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("serialize data table: %w", err)
	}
	return data, nil
}

// DeserializeDataTable decodes a blob back into a table.
func DeserializeDataTable(data []byte) (*DataTable, error) {
	var t DataTable
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("deserialize data table: %w", err)
	}
	return &t, nil
}

// LabelTable folds visits into a data table keyed by the given label
// extractor. Empty labels fall into "unknown".
func LabelTable(visits []logs.Visit, label func(logs.Visit) string) *DataTable {
	byLabel := map[string]*DataTableRow{}
	for _, v := range visits {
		l := label(v)
		if l == "" {
			l = "unknown"
		}
		row, ok := byLabel[l]
		if !ok {
			row = &DataTableRow{Label: l}
			byLabel[l] = row
		}
		row.NbVisits++
		row.NbActions += float64(v.Actions)
	}

	t := &DataTable{Rows: make([]DataTableRow, 0, len(byLabel))}
	for _, row := range byLabel {
		t.Rows = append(t.Rows, *row)
	}
	t.sorted()
	return t
}

// MergeDataTables merges sub-period tables by label, summing their counts.
func MergeDataTables(tables []*DataTable) *DataTable {
	byLabel := map[string]*DataTableRow{}
	for _, t := range tables {
		for _, r := range t.Rows {
			row, ok := byLabel[r.Label]
			if !ok {
				row = &DataTableRow{Label: r.Label}
				byLabel[r.Label] = row
			}
			row.NbVisits += r.NbVisits
			row.NbActions += r.NbActions
		}
	}

	out := &DataTable{Rows: make([]DataTableRow, 0, len(byLabel))}
	for _, row := range byLabel {
		out.Rows = append(out.Rows, *row)
	}
	out.sorted()
	return out
}

// SumNumericRecords aggregates sub-period numeric records into one period:
// exact summation for summable metrics, maximum for max_actions, and
// omission for records that do not aggregate.
func SumNumericRecords(subRecords [][]archives.NumericRecord) []archives.NumericRecord {
	totals := map[string]float64{}
	seen := map[string]bool{}
	for _, records := range subRecords {
		for _, r := range records {
			if r.Name == MetricUniqVisitors {
				continue
			}
			seen[r.Name] = true
			if r.Name == MetricMaxActions {
				if r.Value > totals[r.Name] {
					totals[r.Name] = r.Value
				}
				continue
			}
			totals[r.Name] += r.Value
		}
	}

	order := make([]string, 0, len(seen))
	for name := range seen {
		order = append(order, name)
	}
	sort.Strings(order)

	out := make([]archives.NumericRecord, 0, len(order))
	for _, name := range order {
		out = append(out, archives.NumericRecord{Name: name, Value: totals[name]})
	}
	return out
}

// Derived read-time metrics. These are never persisted.

// BounceRate returns nb_visits_bounced / nb_visits, or 0 when there are no
// visits.
func BounceRate(a *archives.Archive) float64 {
	return ratio(a, MetricVisitsBounced, MetricVisits)
}

// ConversionRate returns nb_conversions / nb_visits.
func ConversionRate(a *archives.Archive) float64 {
	return ratio(a, MetricConversions, MetricVisits)
}

// AvgTimeOnSite returns sum_visit_length / nb_visits in seconds.
func AvgTimeOnSite(a *archives.Archive) float64 {
	return ratio(a, MetricSumVisitLen, MetricVisits)
}

// ActionsPerVisit returns nb_actions / nb_visits.
func ActionsPerVisit(a *archives.Archive) float64 {
	return ratio(a, MetricActions, MetricVisits)
}

func ratio(a *archives.Archive, num, den string) float64 {
	n, _ := a.Numeric(num)
	d, ok := a.Numeric(den)
	if !ok || d == 0 {
		return 0
	}
	return n / d
}
