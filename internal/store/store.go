// Package store persists the metrics table. Every backend commits
// all-or-nothing and never overwrites an existing (captured_at, asset) row.
package store

import (
	"context"
	"fmt"
	"time"

	appconfig "cryptometrics/config"
	"cryptometrics/internal/blob"
	"cryptometrics/models"
)

// Store is the metrics table.
type Store interface {
	// Load returns rows captured at or after since from the last committed
	// state. An empty store yields an empty table.
	Load(ctx context.Context, since time.Time) (models.MetricsTable, error)
	// Append adds rows not yet present. Existing rows are left untouched.
	Append(ctx context.Context, rows []models.MetricRow) (AppendResult, error)
	// Trim removes rows captured before horizon and reports how many.
	Trim(ctx context.Context, horizon time.Time) (int, error)
	Close() error
}

// AppendResult summarizes one Append call.
type AppendResult struct {
	Added   int
	Skipped int
	// Duplicate is set when every row was already present: most likely the
	// same snapshot was processed twice. Nothing was written.
	Duplicate bool
	// Version identifies the committed table state, if the backend has one.
	Version string
}

// StorageWriteError wraps a failed commit. The table is unchanged.
type StorageWriteError struct {
	Op  string
	Err error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

// Open builds the configured metrics store. bucket is only used by the
// parquet backends.
func Open(ctx context.Context, cfg appconfig.StorageConfig, bucket blob.Bucket) (Store, error) {
	switch cfg.Backend {
	case appconfig.StorageLocal, appconfig.StorageS3:
		return NewParquetStore(bucket, cfg)
	case appconfig.StoragePostgres:
		return NewPostgresStore(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}
