package processor

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync/atomic"

	appconfig "cryptometrics/config"
	"cryptometrics/logger"
	"cryptometrics/models"
)

// Stats counts what happened to each entry of a snapshot.
type Stats struct {
	Scanned    int
	Malformed  int
	Filtered   int
	Invalid    int
	Duplicates int
	Accepted   int
}

// Normalizer turns raw snapshots into canonical asset records.
type Normalizer struct {
	filter     MarketFilter
	valueField string
	minResults int
	log        *logger.Log
}

func NewNormalizer(cfg *appconfig.Config) (*Normalizer, error) {
	filter, err := NewMarketFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}
	return &Normalizer{
		filter:     filter,
		valueField: cfg.Pipeline.ValueField,
		minResults: cfg.Pipeline.MinResultThreshold,
		log:        logger.GetLogger(),
	}, nil
}

// Records lazily yields one record per in-scope asset. Keys are visited in
// sorted order and the first usable record for an asset wins, so the output
// never depends on map iteration order. An asset is claimed only by a key
// whose value decodes: a key with an unusable value is counted as Invalid and
// a later key for the same asset may still supply it. The sequence is
// single-use; stats, when non-nil, is filled in as the sequence is consumed.
func (n *Normalizer) Records(snap models.RawSnapshot, stats *Stats) iter.Seq[models.AssetRecord] {
	if stats == nil {
		stats = &Stats{}
	}
	var used atomic.Bool

	return func(yield func(models.AssetRecord) bool) {
		if used.Swap(true) {
			return
		}

		keys := make([]string, 0, len(snap.Entries))
		for k := range snap.Entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		log := n.log.WithComponent("normalizer").WithFields(logger.Fields{"snapshot_id": snap.ID})
		seen := make(map[string]struct{}, len(keys))

		for _, raw := range keys {
			stats.Scanned++

			key, err := ParseKey(raw)
			if err != nil {
				stats.Malformed++
				log.WithError(err).WithFields(logger.Fields{"key": raw}).Warn("dropping malformed key")
				continue
			}
			if !n.filter.Match(key) {
				stats.Filtered++
				continue
			}
			if _, dup := seen[key.Asset]; dup {
				stats.Duplicates++
				log.WithFields(logger.Fields{"key": raw, "asset": key.Asset}).Debug("asset already resolved by an earlier key")
				continue
			}

			rec, err := n.buildRecord(snap, key, raw)
			if err != nil {
				stats.Invalid++
				log.WithError(err).WithFields(logger.Fields{"key": raw}).Warn("dropping entry with unusable value")
				continue
			}

			seen[key.Asset] = struct{}{}
			stats.Accepted++
			if !yield(rec) {
				return
			}
		}
	}
}

func (n *Normalizer) buildRecord(snap models.RawSnapshot, key Key, raw string) (models.AssetRecord, error) {
	scalar, fields, err := decodeValue(snap.Entries[raw])
	if err != nil {
		return models.AssetRecord{}, err
	}

	rec := models.AssetRecord{
		CapturedAt: snap.CapturedAt,
		Market:     key.Market,
		Exchange:   key.Exchange,
		Asset:      key.Asset,
		Value:      scalar,
		Fields:     fields,
	}
	if fields != nil {
		v, ok := fields[n.valueField]
		if !ok {
			return models.AssetRecord{}, fmt.Errorf("value field %q missing", n.valueField)
		}
		rec.Value = v
	}
	return rec, nil
}

// Normalize drains Records and applies the result-count checks: zero records
// is an *EmptyResultError, fewer than the configured minimum is a
// *BelowThresholdError. The records are returned alongside either error.
func (n *Normalizer) Normalize(snap models.RawSnapshot) ([]models.AssetRecord, Stats, error) {
	var stats Stats
	records := make([]models.AssetRecord, 0, len(snap.Entries))
	for rec := range n.Records(snap, &stats) {
		records = append(records, rec)
	}

	n.log.WithComponent("normalizer").WithFields(logger.Fields{
		"snapshot_id": snap.ID,
		"scanned":     stats.Scanned,
		"malformed":   stats.Malformed,
		"filtered":    stats.Filtered,
		"invalid":     stats.Invalid,
		"duplicates":  stats.Duplicates,
		"accepted":    stats.Accepted,
	}).Info("snapshot normalized")

	if len(records) == 0 {
		return records, stats, &EmptyResultError{SnapshotID: snap.ID, Scanned: stats.Scanned}
	}
	if len(records) < n.minResults {
		return records, stats, &BelowThresholdError{SnapshotID: snap.ID, Count: len(records), Threshold: n.minResults}
	}
	return records, stats, nil
}

// IsRecoverable reports whether err is a normalization outcome that leaves
// nothing behind and may simply be retried on a later run.
func IsRecoverable(err error) bool {
	var empty *EmptyResultError
	var below *BelowThresholdError
	return errors.As(err, &empty) || errors.As(err, &below)
}
