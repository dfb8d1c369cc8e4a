package models

import (
	"encoding/json"
	"sort"
	"time"
)

// UnknownExchange is used for two-part keys that carry no exchange component.
const UnknownExchange = "unknown"

// RawSnapshot is one captured document as deposited in the holding area.
type RawSnapshot struct {
	ID         string
	CapturedAt time.Time
	Entries    map[string]json.RawMessage
}

// AssetRecord is the canonical, normalized unit of snapshot data.
type AssetRecord struct {
	CapturedAt time.Time          `json:"captured_at"`
	Market     string             `json:"market"`
	Exchange   string             `json:"exchange"`
	Asset      string             `json:"asset"`
	Value      float64            `json:"value"`
	Fields     map[string]float64 `json:"fields,omitempty"`
}

// RankedMetric is the volatility view of one asset over the trailing window.
type RankedMetric struct {
	Asset        string  `json:"asset"`
	StdDev24h    float64 `json:"stddev_24h"`
	Rank         float64 `json:"rank"`
	Observations int     `json:"observations"`
}

// MetricRow is a persisted metrics table row: the record plus the rank
// annotation computed in the cycle that appended it.
type MetricRow struct {
	AssetRecord
	StdDev24h float64 `json:"stddev_24h"`
	Rank      float64 `json:"rank"`
}

// RowKey identifies a row for deduplication.
type RowKey struct {
	CapturedAt int64
	Asset      string
}

// Key returns the (captured_at, asset) identity of the row.
func (r MetricRow) Key() RowKey {
	return RowKey{CapturedAt: r.CapturedAt.Unix(), Asset: r.Asset}
}

// MetricsTable is the ordered history of metric rows.
type MetricsTable []MetricRow

// Sort orders the table by capture time, then asset.
func (t MetricsTable) Sort() {
	sort.SliceStable(t, func(i, j int) bool {
		if !t[i].CapturedAt.Equal(t[j].CapturedAt) {
			return t[i].CapturedAt.Before(t[j].CapturedAt)
		}
		return t[i].Asset < t[j].Asset
	})
}

// Since returns the rows captured at or after since, preserving order.
func (t MetricsTable) Since(since time.Time) MetricsTable {
	out := make(MetricsTable, 0, len(t))
	for _, row := range t {
		if !row.CapturedAt.Before(since) {
			out = append(out, row)
		}
	}
	return out
}

// Latest returns the most recent capture time in the table.
func (t MetricsTable) Latest() (time.Time, bool) {
	var latest time.Time
	for _, row := range t {
		if row.CapturedAt.After(latest) {
			latest = row.CapturedAt
		}
	}
	return latest, !latest.IsZero()
}

// Merge unions rows into the table. Rows whose (captured_at, asset) is
// already present are skipped; the existing row wins. The result is sorted
// and the number of rows actually added is returned.
func (t MetricsTable) Merge(rows []MetricRow) (MetricsTable, int) {
	seen := make(map[RowKey]struct{}, len(t)+len(rows))
	out := make(MetricsTable, 0, len(t)+len(rows))
	for _, row := range t {
		seen[row.Key()] = struct{}{}
		out = append(out, row)
	}

	added := 0
	for _, row := range rows {
		k := row.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
		added++
	}
	out.Sort()
	return out, added
}

// RowsFromRecords wraps records into unranked metric rows.
func RowsFromRecords(records []AssetRecord) []MetricRow {
	rows := make([]MetricRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, MetricRow{AssetRecord: rec})
	}
	return rows
}
