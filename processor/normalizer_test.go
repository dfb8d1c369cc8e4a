package processor

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	appconfig "cryptometrics/config"
	"cryptometrics/models"
)

func testNormalizer(t *testing.T, mutate func(*appconfig.Config)) *Normalizer {
	t.Helper()
	cfg := appconfig.Default()
	cfg.Filter = appconfig.FilterConfig{Market: "market", Exchange: "binance", Asset: ""}
	if mutate != nil {
		mutate(&cfg)
	}
	n, err := NewNormalizer(&cfg)
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	return n
}

func snapshot(entries map[string]string) models.RawSnapshot {
	raw := make(map[string]json.RawMessage, len(entries))
	for k, v := range entries {
		raw[k] = json.RawMessage(v)
	}
	return models.RawSnapshot{
		ID:         "1633307658.json",
		CapturedAt: time.Unix(1633307658, 0).UTC(),
		Entries:    raw,
	}
}

func TestNormalizeFiltersExchange(t *testing.T) {
	n := testNormalizer(t, nil)
	snap := snapshot(map[string]string{
		"market:binance:aaveusd": "307.75",
		"market:binance:adausd":  "2.24",
		"market:kraken:adausd":   "2.30",
	})

	recs, stats, err := n.Normalize(snap)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Asset != "aaveusd" || recs[0].Value != 307.75 {
		t.Fatalf("unexpected first record %+v", recs[0])
	}
	if recs[1].Asset != "adausd" || recs[1].Value != 2.24 || recs[1].Exchange != "binance" {
		t.Fatalf("unexpected second record %+v", recs[1])
	}
	if !recs[0].CapturedAt.Equal(snap.CapturedAt) {
		t.Fatalf("captured_at = %v, want %v", recs[0].CapturedAt, snap.CapturedAt)
	}
	if stats.Filtered != 1 || stats.Accepted != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestNormalizeDeterministicDedup(t *testing.T) {
	n := testNormalizer(t, func(c *appconfig.Config) { c.Filter.Exchange = "" })
	snap := snapshot(map[string]string{
		"market:kraken:adausd":   "2.30",
		"market:binance:adausd":  "2.24",
		"market:bitfinex:ethusd": "3000",
	})

	for i := 0; i < 20; i++ {
		recs, stats, err := n.Normalize(snap)
		if err != nil {
			t.Fatalf("normalize: %v", err)
		}
		if len(recs) != 2 {
			t.Fatalf("got %d records, want 2", len(recs))
		}
		// "market:binance:adausd" sorts before "market:kraken:adausd".
		if recs[0].Asset != "adausd" || recs[0].Exchange != "binance" {
			t.Fatalf("run %d: dedup picked %+v", i, recs[0])
		}
		if stats.Duplicates != 1 {
			t.Fatalf("duplicates = %d, want 1", stats.Duplicates)
		}
	}
}

func TestNormalizeInvalidValueDoesNotClaimAsset(t *testing.T) {
	n := testNormalizer(t, func(c *appconfig.Config) { c.Filter.Exchange = "" })
	snap := snapshot(map[string]string{
		"market:binance:adausd": `"n/a"`,
		"market:kraken:adausd":  "2.30",
	})

	recs, stats, err := n.Normalize(snap)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	// the binance key sorts first but has nothing usable, so kraken supplies adausd
	if len(recs) != 1 || recs[0].Exchange != "kraken" || recs[0].Value != 2.30 {
		t.Fatalf("unexpected records %+v", recs)
	}
	if stats.Invalid != 1 || stats.Duplicates != 0 || stats.Accepted != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestNormalizeDropsMalformedKeys(t *testing.T) {
	n := testNormalizer(t, func(c *appconfig.Config) { c.Filter.Exchange = "" })
	snap := snapshot(map[string]string{
		"market:binance:adausd": "2.24",
		"broken":                "1",
		"market::ethusd":        "1",
		"market:btcusd":         "50000",
	})

	recs, stats, err := n.Normalize(snap)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if stats.Malformed != 2 {
		t.Fatalf("malformed = %d, want 2", stats.Malformed)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[1].Asset != "btcusd" || recs[1].Exchange != models.UnknownExchange {
		t.Fatalf("two-part key record = %+v", recs[1])
	}
}

func TestNormalizeNestedValue(t *testing.T) {
	n := testNormalizer(t, nil)
	snap := snapshot(map[string]string{
		"market:binance:adausd":  `{"price":{"last":2.24,"high":2.5,"change":{"percentage":0.01}},"volume":1200,"note":"x"}`,
		"market:binance:ethusd":  `{"volume":10}`,
		"market:binance:linkusd": `"n/a"`,
	})

	recs, stats, err := n.Normalize(snap)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Value != 2.24 {
		t.Fatalf("value = %v, want 2.24", rec.Value)
	}
	if rec.Fields["price_change_percentage"] != 0.01 || rec.Fields["volume"] != 1200 {
		t.Fatalf("unexpected fields %v", rec.Fields)
	}
	if _, ok := rec.Fields["note"]; ok {
		t.Fatalf("non-numeric field kept: %v", rec.Fields)
	}
	if stats.Invalid != 2 {
		t.Fatalf("invalid = %d, want 2", stats.Invalid)
	}
}

func TestNormalizeEmptyResult(t *testing.T) {
	n := testNormalizer(t, nil)
	snap := snapshot(map[string]string{"market:kraken:adausd": "2.30"})

	_, _, err := n.Normalize(snap)
	var empty *EmptyResultError
	if !errors.As(err, &empty) {
		t.Fatalf("err = %v, want EmptyResultError", err)
	}
	if !IsRecoverable(err) {
		t.Fatalf("empty result should be recoverable")
	}
}

func TestNormalizeBelowThreshold(t *testing.T) {
	n := testNormalizer(t, func(c *appconfig.Config) { c.Pipeline.MinResultThreshold = 3 })
	snap := snapshot(map[string]string{
		"market:binance:aaveusd": "307.75",
		"market:binance:adausd":  "2.24",
	})

	recs, _, err := n.Normalize(snap)
	var below *BelowThresholdError
	if !errors.As(err, &below) {
		t.Fatalf("err = %v, want BelowThresholdError", err)
	}
	if below.Count != 2 || below.Threshold != 3 {
		t.Fatalf("unexpected error fields %+v", below)
	}
	if len(recs) != 2 {
		t.Fatalf("records should still be returned, got %d", len(recs))
	}
}

func TestRecordsLazyAndSingleUse(t *testing.T) {
	n := testNormalizer(t, nil)
	snap := snapshot(map[string]string{
		"market:binance:aaveusd": "307.75",
		"market:binance:adausd":  "2.24",
		"market:binance:ethusd":  "3000",
	})

	var stats Stats
	seq := n.Records(snap, &stats)
	for rec := range seq {
		if rec.Asset != "aaveusd" {
			t.Fatalf("first record = %+v", rec)
		}
		break
	}
	if stats.Scanned != 1 {
		t.Fatalf("scanned = %d after early stop, want 1", stats.Scanned)
	}

	count := 0
	for range seq {
		count++
	}
	if count != 0 {
		t.Fatalf("sequence yielded %d records on reuse", count)
	}
}

func TestNewNormalizerRejectsBadPattern(t *testing.T) {
	cfg := appconfig.Default()
	cfg.Filter.Asset = "[usd"
	if _, err := NewNormalizer(&cfg); err == nil {
		t.Fatalf("expected pattern error")
	}
}
