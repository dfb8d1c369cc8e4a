package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "cryptometrics/config"
	"cryptometrics/internal/blob"
	"cryptometrics/internal/metadata"
	"cryptometrics/models"
)

var t0 = time.Date(2021, 10, 3, 17, 34, 18, 0, time.UTC)

func metricRow(asset string, at time.Time, value float64) models.MetricRow {
	return models.MetricRow{AssetRecord: models.AssetRecord{
		CapturedAt: at,
		Market:     "market",
		Exchange:   "binance",
		Asset:      asset,
		Value:      value,
	}}
}

func newTestStore(t *testing.T, bucket blob.Bucket) *ParquetStore {
	t.Helper()
	cfg := appconfig.Default().Storage
	cfg.KeepVersions = 2
	s, err := NewParquetStore(bucket, cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func localBucket(t *testing.T) *blob.Local {
	t.Helper()
	b, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestParquetStoreColdStart(t *testing.T) {
	s := newTestStore(t, localBucket(t))
	table, err := s.Load(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(table) != 0 {
		t.Fatalf("cold start returned %d rows", len(table))
	}
}

func TestParquetStoreAppendRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, localBucket(t))

	withFields := metricRow("adausd", t0, 2.24)
	withFields.Fields = map[string]float64{"price_last": 2.24, "volume": 1200}
	withFields.StdDev24h = 0.5
	withFields.Rank = 1

	res, err := s.Append(ctx, []models.MetricRow{withFields, metricRow("aaveusd", t0, 307.75)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Added != 2 || res.Duplicate || !strings.HasSuffix(res.Version, ".parquet") {
		t.Fatalf("unexpected result %+v", res)
	}

	table, err := s.Load(ctx, time.Time{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(table) != 2 {
		t.Fatalf("loaded %d rows, want 2", len(table))
	}
	got := table[1]
	if got.Asset != "adausd" || !got.CapturedAt.Equal(t0) || got.Rank != 1 || got.StdDev24h != 0.5 {
		t.Fatalf("unexpected row %+v", got)
	}
	if got.Fields["volume"] != 1200 {
		t.Fatalf("fields lost: %v", got.Fields)
	}
	if table[0].Fields != nil {
		t.Fatalf("scalar row gained fields: %v", table[0].Fields)
	}
}

func TestParquetStoreAppendIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, localBucket(t))
	rows := []models.MetricRow{metricRow("adausd", t0, 2.24)}

	if _, err := s.Append(ctx, rows); err != nil {
		t.Fatal(err)
	}
	changed := metricRow("adausd", t0, 99)
	res, err := s.Append(ctx, []models.MetricRow{changed})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if !res.Duplicate || res.Added != 0 || res.Version != "" {
		t.Fatalf("unexpected result %+v", res)
	}

	table, _ := s.Load(ctx, time.Time{})
	if len(table) != 1 || table[0].Value != 2.24 {
		t.Fatalf("existing row overwritten: %+v", table)
	}
}

func TestParquetStoreLoadWindowAndPrune(t *testing.T) {
	ctx := context.Background()
	b := localBucket(t)
	s := newTestStore(t, b)

	for i := 0; i < 4; i++ {
		at := t0.Add(time.Duration(i) * time.Hour)
		if _, err := s.Append(ctx, []models.MetricRow{metricRow("adausd", at, float64(i))}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	table, err := s.Load(ctx, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(table) != 2 || table[0].Value != 2 {
		t.Fatalf("window = %+v", table)
	}

	seqs, _ := s.versions(ctx)
	if len(seqs) != 2 || seqs[1] != 4 {
		t.Fatalf("versions after prune = %v", seqs)
	}

	tm, err := metadata.NewCatalog(b, "metrics/", 2).Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tm.CurrentVersion != 4 || tm.Versions[1].RowCount != 4 {
		t.Fatalf("catalog = %+v", tm)
	}
}

func TestParquetStoreTrim(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, localBucket(t))
	rows := []models.MetricRow{
		metricRow("adausd", t0, 1),
		metricRow("adausd", t0.Add(48*time.Hour), 2),
	}
	if _, err := s.Append(ctx, rows); err != nil {
		t.Fatal(err)
	}

	n, err := s.Trim(ctx, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if n != 1 {
		t.Fatalf("trimmed %d rows, want 1", n)
	}
	table, _ := s.Load(ctx, time.Time{})
	if len(table) != 1 || table[0].Value != 2 {
		t.Fatalf("after trim = %+v", table)
	}

	n, err = s.Trim(ctx, t0.Add(24*time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("second trim = %d, %v", n, err)
	}
}

type failingBucket struct {
	blob.Bucket
}

func (failingBucket) Put(ctx context.Context, key string, data []byte) error {
	return errors.New("disk full")
}

func (failingBucket) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	return errors.New("disk full")
}

// gatedBucket holds its first table version write until every writer sharing
// the gate has reached the same point, so both build on the same version.
type gatedBucket struct {
	blob.Bucket
	gate *sync.WaitGroup
	once sync.Once
}

func (g *gatedBucket) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if strings.HasSuffix(key, versionSuffix) {
		g.once.Do(func() {
			g.gate.Done()
			g.gate.Wait()
		})
	}
	return g.Bucket.PutIfAbsent(ctx, key, data)
}

func TestParquetStoreConcurrentWritersKeepBothAppends(t *testing.T) {
	ctx := context.Background()
	shared := localBucket(t)

	var gate sync.WaitGroup
	gate.Add(2)
	stores := []*ParquetStore{
		newTestStore(t, &gatedBucket{Bucket: shared, gate: &gate}),
		newTestStore(t, &gatedBucket{Bucket: shared, gate: &gate}),
	}
	assets := []string{"adausd", "btcusd"}

	results := make([]AppendResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = stores[i].Append(ctx, []models.MetricRow{metricRow(assets[i], t0, float64(i+1))})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
		if results[i].Added != 1 {
			t.Fatalf("writer %d added = %d, want 1", i, results[i].Added)
		}
	}
	if results[0].Version == results[1].Version {
		t.Fatalf("both writers committed %s", results[0].Version)
	}

	table, err := stores[0].Load(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(table) != 2 {
		t.Fatalf("rows = %d, want 2: %+v", len(table), table)
	}
	seqs, err := stores[0].versions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := seqs[len(seqs)-1]; got != 2 {
		t.Fatalf("latest version = %d, want 2", got)
	}
}

func TestParquetStoreCommitRejectsShadowedVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, localBucket(t))

	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, []models.MetricRow{metricRow("adausd", t0.Add(time.Duration(i)*time.Minute), 1)}); err != nil {
			t.Fatal(err)
		}
	}
	hasVersion := func(want uint64) bool {
		seqs, err := s.versions(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for _, seq := range seqs {
			if seq == want {
				return true
			}
		}
		return false
	}

	// v1 has been pruned, so a writer that still believes v0 is current can
	// create it again.
	stale := []models.MetricRow{metricRow("btcusd", t0, 9)}
	landed := func(t models.MetricsTable) bool {
		_, missing := t.Merge(stale)
		return missing == 0
	}
	_, err := s.commit(ctx, models.MetricsTable(stale), 1, 1, landed)
	if !errors.Is(err, errVersionConflict) {
		t.Fatalf("err = %v, want version conflict", err)
	}
	if hasVersion(1) {
		t.Fatalf("shadowed version left behind")
	}
	table, _ := s.Load(ctx, time.Time{})
	if len(table) != 3 {
		t.Fatalf("rows = %d, want 3", len(table))
	}

	// rows the newest version already carries make the late commit harmless
	present := []models.MetricRow{metricRow("adausd", t0, 1)}
	key, err := s.commit(ctx, models.MetricsTable(present), 1, 1, func(t models.MetricsTable) bool {
		_, missing := t.Merge(present)
		return missing == 0
	})
	if err != nil || key != s.versionKey(1) {
		t.Fatalf("commit = %q, %v", key, err)
	}
}
