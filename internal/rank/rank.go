// Package rank derives the relative-volatility rank of each asset from the
// trailing window of the metrics table.
package rank

import (
	"math"
	"sort"
	"time"

	"cryptometrics/models"
)

// MinObservations is the number of values an asset needs before its
// standard deviation is meaningful. Below it the asset is floored to zero.
const MinObservations = 2

// Calculate computes a RankedMetric for every asset present in the window.
// The window is anchored at the latest capture in table, not the wall clock,
// so replaying old snapshots ranks them against their own history.
//
// Rank is the asset's sample standard deviation divided by the largest one
// among eligible assets. If that maximum is zero every rank is zero.
func Calculate(table models.MetricsTable, window time.Duration) map[string]models.RankedMetric {
	out := make(map[string]models.RankedMetric)
	anchor, ok := table.Latest()
	if !ok {
		return out
	}

	series := make(map[string][]float64)
	for _, row := range table.Since(anchor.Add(-window)) {
		series[row.Asset] = append(series[row.Asset], row.Value)
	}

	maxSD := 0.0
	for asset, values := range series {
		m := models.RankedMetric{Asset: asset, Observations: len(values)}
		if len(values) >= MinObservations {
			m.StdDev24h = StdDev(values)
			if m.StdDev24h > maxSD {
				maxSD = m.StdDev24h
			}
		}
		out[asset] = m
	}

	if maxSD == 0 {
		return out
	}
	for asset, m := range out {
		if m.Observations >= MinObservations {
			m.Rank = m.StdDev24h / maxSD
			out[asset] = m
		}
	}
	return out
}

// StdDev is the sample (n-1) standard deviation. Fewer than two values give 0.
func StdDev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)

	ss := 0.0
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(n-1))
	if math.IsNaN(sd) || math.IsInf(sd, 0) {
		return 0
	}
	return sd
}

// Sorted orders ranked metrics for display: highest rank first, ties by asset.
func Sorted(ranked map[string]models.RankedMetric) []models.RankedMetric {
	out := make([]models.RankedMetric, 0, len(ranked))
	for _, m := range ranked {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank > out[j].Rank
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// Annotate attaches each row's asset metric to the rows.
func Annotate(rows []models.MetricRow, ranked map[string]models.RankedMetric) []models.MetricRow {
	out := make([]models.MetricRow, len(rows))
	for i, row := range rows {
		m := ranked[row.Asset]
		row.StdDev24h = m.StdDev24h
		row.Rank = m.Rank
		out[i] = row
	}
	return out
}
