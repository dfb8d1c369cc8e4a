package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "cryptometrics/config"
	"cryptometrics/internal/blob"
	"cryptometrics/internal/metadata"
	"cryptometrics/logger"
	"cryptometrics/models"
)

const (
	versionPrefix = "v"
	versionSuffix = ".parquet"
	versionDigits = 20

	// maxCommitAttempts bounds how often a commit is rebuilt after losing
	// its version number to a concurrent writer.
	maxCommitAttempts = 8
)

// errVersionConflict means another writer committed the same or a later
// version first. The caller reloads, merges again and retries.
var errVersionConflict = errors.New("table version taken by a concurrent writer")

// parquetRow is the on-disk layout of a metrics table row.
type parquetRow struct {
	CapturedAt int64   `parquet:"name=captured_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Market     string  `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Exchange   string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset      string  `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Value      float64 `parquet:"name=value, type=DOUBLE"`
	Fields     string  `parquet:"name=fields, type=BYTE_ARRAY, convertedtype=UTF8"`
	StdDev24h  float64 `parquet:"name=stddev_24h, type=DOUBLE"`
	Rank       float64 `parquet:"name=rank, type=DOUBLE"`
}

// ParquetStore keeps the metrics table as a series of complete parquet
// versions, metrics/v<sequence>.parquet. The highest sequence is the current
// table. A commit creates the next version with PutIfAbsent, so readers never
// observe a partial write and two writers can never both claim one version:
// the loser reloads the table and merges its rows on top of the winner's.
type ParquetStore struct {
	bucket      blob.Bucket
	prefix      string
	keep        int
	compression string
	catalog     *metadata.Catalog
	log         *logger.Log
}

func NewParquetStore(bucket blob.Bucket, cfg appconfig.StorageConfig) (*ParquetStore, error) {
	if bucket == nil {
		return nil, errors.New("parquet store requires a bucket")
	}
	keep := cfg.KeepVersions
	if keep < 1 {
		keep = 1
	}
	return &ParquetStore{
		bucket:      bucket,
		prefix:      cfg.TablePrefix,
		keep:        keep,
		compression: cfg.Parquet.Compression,
		catalog:     metadata.NewCatalog(bucket, cfg.TablePrefix, keep),
		log:         logger.GetLogger(),
	}, nil
}

func (s *ParquetStore) versionKey(seq uint64) string {
	return fmt.Sprintf("%s%s%0*d%s", s.prefix, versionPrefix, versionDigits, seq, versionSuffix)
}

func (s *ParquetStore) parseVersion(key string) (uint64, bool) {
	name := strings.TrimPrefix(key, s.prefix)
	if !strings.HasPrefix(name, versionPrefix) || !strings.HasSuffix(name, versionSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, versionPrefix), versionSuffix)
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// versions lists committed version sequences in ascending order.
func (s *ParquetStore) versions(ctx context.Context) ([]uint64, error) {
	objs, err := s.bucket.List(ctx, s.prefix+versionPrefix)
	if err != nil {
		return nil, err
	}
	seqs := make([]uint64, 0, len(objs))
	for _, o := range objs {
		if seq, ok := s.parseVersion(o.Key); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// current returns the whole current table and its sequence (0 when empty).
func (s *ParquetStore) current(ctx context.Context) (models.MetricsTable, uint64, error) {
	for attempt := 1; ; attempt++ {
		seqs, err := s.versions(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("list table versions: %w", err)
		}
		if len(seqs) == 0 {
			return models.MetricsTable{}, 0, nil
		}
		seq := seqs[len(seqs)-1]
		data, err := s.bucket.Get(ctx, s.versionKey(seq))
		if errors.Is(err, blob.ErrNotFound) && attempt < maxCommitAttempts {
			// pruned by a newer commit between List and Get
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read table version %d: %w", seq, err)
		}
		table, err := decodeTable(data)
		if err != nil {
			return nil, 0, fmt.Errorf("decode table version %d: %w", seq, err)
		}
		return table, seq, nil
	}
}

func (s *ParquetStore) Load(ctx context.Context, since time.Time) (models.MetricsTable, error) {
	table, _, err := s.current(ctx)
	if err != nil {
		return nil, err
	}
	return table.Since(since), nil
}

func (s *ParquetStore) Append(ctx context.Context, rows []models.MetricRow) (AppendResult, error) {
	log := s.log.WithComponent("parquet_store").WithFields(logger.Fields{"operation": "append"})

	for attempt := 1; ; attempt++ {
		table, seq, err := s.current(ctx)
		if err != nil {
			return AppendResult{}, err
		}

		merged, added := table.Merge(rows)
		res := AppendResult{Added: added, Skipped: len(rows) - added}
		if added == 0 {
			res.Duplicate = len(rows) > 0
			if res.Duplicate {
				log.WithFields(logger.Fields{"rows": len(rows)}).Warn("every row already present, possible duplicate run")
			}
			return res, nil
		}

		landed := func(t models.MetricsTable) bool {
			_, missing := t.Merge(rows)
			return missing == 0
		}
		key, err := s.commit(ctx, merged, seq+1, added, landed)
		if errors.Is(err, errVersionConflict) && attempt < maxCommitAttempts {
			log.WithFields(logger.Fields{"sequence": seq + 1, "attempt": attempt}).Info("lost table version to a concurrent writer, merging again")
			continue
		}
		if err != nil {
			return AppendResult{}, &StorageWriteError{Op: "append", Err: err}
		}
		res.Version = key

		log.WithFields(logger.Fields{
			"added":      added,
			"skipped":    res.Skipped,
			"total_rows": len(merged),
			"version":    key,
		}).Info("metrics table committed")
		return res, nil
	}
}

func (s *ParquetStore) Trim(ctx context.Context, horizon time.Time) (int, error) {
	log := s.log.WithComponent("parquet_store").WithFields(logger.Fields{
		"operation": "trim",
		"horizon":   horizon.UTC().Format(time.RFC3339),
	})

	for attempt := 1; ; attempt++ {
		table, seq, err := s.current(ctx)
		if err != nil {
			return 0, err
		}
		kept := table.Since(horizon)
		dropped := len(table) - len(kept)
		if dropped == 0 {
			return 0, nil
		}

		log.WithFields(logger.Fields{"rows": dropped}).Warn("discarding metric rows older than the retention horizon")

		landed := func(t models.MetricsTable) bool { return len(t.Since(horizon)) == len(t) }
		_, err = s.commit(ctx, kept, seq+1, 0, landed)
		if errors.Is(err, errVersionConflict) && attempt < maxCommitAttempts {
			continue
		}
		if err != nil {
			return 0, &StorageWriteError{Op: "trim", Err: err}
		}
		return dropped, nil
	}
}

// commit publishes table as version seq. It returns errVersionConflict when
// seq is already taken. When a later version exists by the time ours is in
// place, landed decides whether that version already carries our change
// (it was built on ours, or repeats it). If not, ours was written over a
// pruned base and is shadowed: it is removed and the conflict reported.
func (s *ParquetStore) commit(ctx context.Context, table models.MetricsTable, seq uint64, added int, landed func(models.MetricsTable) bool) (string, error) {
	data, err := encodeTable(table, s.compression)
	if err != nil {
		return "", err
	}
	key := s.versionKey(seq)
	if err := s.bucket.PutIfAbsent(ctx, key, data); err != nil {
		if errors.Is(err, blob.ErrExists) {
			return "", errVersionConflict
		}
		return "", err
	}

	log := s.log.WithComponent("parquet_store").WithFields(logger.Fields{"version": key})
	seqs, err := s.versions(ctx)
	if err != nil {
		return "", fmt.Errorf("list table versions: %w", err)
	}
	if latest := seqs[len(seqs)-1]; latest > seq {
		newer, _, err := s.current(ctx)
		if err != nil {
			return "", err
		}
		if !landed(newer) {
			log.WithFields(logger.Fields{"latest": latest}).Warn("table version shadowed by a newer commit, removing it")
			if err := s.bucket.Delete(ctx, key); err != nil {
				log.WithError(err).Warn("failed to remove shadowed table version")
			}
			return "", errVersionConflict
		}
	}

	if err := s.catalog.Record(ctx, metadata.Version{
		Sequence:  seq,
		Key:       key,
		RowCount:  int64(len(table)),
		AddedRows: int64(added),
		FileSize:  int64(len(data)),
	}); err != nil {
		log.WithError(err).Warn("failed to update table catalog")
	}
	s.prune(ctx, seqs, seq)
	return key, nil
}

// prune deletes versions older than the newest keep.
func (s *ParquetStore) prune(ctx context.Context, seqs []uint64, latest uint64) {
	for _, seq := range seqs {
		if seq+uint64(s.keep) > latest {
			continue
		}
		if err := s.bucket.Delete(ctx, s.versionKey(seq)); err != nil {
			s.log.WithComponent("parquet_store").WithError(err).WithFields(logger.Fields{"sequence": seq}).Warn("failed to prune table version")
		}
	}
}

func (s *ParquetStore) Close() error { return nil }

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "zstd":
		return parquet.CompressionCodec_ZSTD
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

func encodeTable(table models.MetricsTable, compression string) ([]byte, error) {
	fw := newMemFile(nil)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(compression)

	for _, row := range table {
		rec, err := toParquet(row)
		if err != nil {
			pw.WriteStop()
			return nil, err
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func decodeTable(data []byte) (models.MetricsTable, error) {
	pr, err := reader.NewParquetReader(newMemFile(data), new(parquetRow), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet reader: %w", err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	table := make(models.MetricsTable, 0, n)
	if n == 0 {
		return table, nil
	}
	recs := make([]parquetRow, n)
	if err := pr.Read(&recs); err != nil {
		return nil, fmt.Errorf("failed to read parquet rows: %w", err)
	}
	for _, rec := range recs {
		row, err := fromParquet(rec)
		if err != nil {
			return nil, err
		}
		table = append(table, row)
	}
	table.Sort()
	return table, nil
}

func toParquet(row models.MetricRow) (parquetRow, error) {
	rec := parquetRow{
		CapturedAt: row.CapturedAt.UnixMilli(),
		Market:     row.Market,
		Exchange:   row.Exchange,
		Asset:      row.Asset,
		Value:      row.Value,
		StdDev24h:  row.StdDev24h,
		Rank:       row.Rank,
	}
	if len(row.Fields) > 0 {
		b, err := json.Marshal(row.Fields)
		if err != nil {
			return parquetRow{}, fmt.Errorf("encode fields for %s: %w", row.Asset, err)
		}
		rec.Fields = string(b)
	}
	return rec, nil
}

func fromParquet(rec parquetRow) (models.MetricRow, error) {
	row := models.MetricRow{
		AssetRecord: models.AssetRecord{
			CapturedAt: time.UnixMilli(rec.CapturedAt).UTC(),
			Market:     rec.Market,
			Exchange:   rec.Exchange,
			Asset:      rec.Asset,
			Value:      rec.Value,
		},
		StdDev24h: rec.StdDev24h,
		Rank:      rec.Rank,
	}
	if rec.Fields != "" {
		if err := json.Unmarshal([]byte(rec.Fields), &row.Fields); err != nil {
			return models.MetricRow{}, fmt.Errorf("decode fields for %s: %w", rec.Asset, err)
		}
	}
	return row, nil
}
