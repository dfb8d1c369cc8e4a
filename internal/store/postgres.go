package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	appconfig "cryptometrics/config"
	"cryptometrics/logger"
	"cryptometrics/models"
)

// PostgresStore keeps the metrics table in a single PostgreSQL table keyed by
// (captured_at, asset). Appends run in one transaction.
type PostgresStore struct {
	db    *sql.DB
	table string
	log   *logger.Log
}

func NewPostgresStore(ctx context.Context, cfg appconfig.PostgresConfig) (*PostgresStore, error) {
	if cfg.Table == "" {
		return nil, errors.New("postgres table name is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen < 1 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s := &PostgresStore{db: db, table: cfg.Table, log: logger.GetLogger()}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// table names are validated by config as plain identifiers
func createTableSQL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			captured_at TIMESTAMPTZ      NOT NULL,
			market      TEXT             NOT NULL,
			exchange    TEXT             NOT NULL,
			asset       TEXT             NOT NULL,
			value       DOUBLE PRECISION NOT NULL,
			fields      JSONB,
			stddev_24h  DOUBLE PRECISION NOT NULL DEFAULT 0,
			rank        DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (captured_at, asset)
		)`, table)
}

func insertSQL(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (captured_at, market, exchange, asset, value, fields, stddev_24h, rank)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (captured_at, asset) DO NOTHING`, table)
}

func selectSQL(table string) string {
	return fmt.Sprintf(`
		SELECT captured_at, market, exchange, asset, value, fields, stddev_24h, rank
		FROM %s
		WHERE captured_at >= $1
		ORDER BY captured_at, asset`, table)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL(s.table)); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, since time.Time) (models.MetricsTable, error) {
	rows, err := s.db.QueryContext(ctx, selectSQL(s.table), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	table := models.MetricsTable{}
	for rows.Next() {
		var (
			row    models.MetricRow
			fields []byte
		)
		if err := rows.Scan(&row.CapturedAt, &row.Market, &row.Exchange, &row.Asset,
			&row.Value, &fields, &row.StdDev24h, &row.Rank); err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		row.CapturedAt = row.CapturedAt.UTC()
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &row.Fields); err != nil {
				return nil, fmt.Errorf("decode fields for %s: %w", row.Asset, err)
			}
		}
		table = append(table, row)
	}
	return table, rows.Err()
}

func (s *PostgresStore) Append(ctx context.Context, rows []models.MetricRow) (AppendResult, error) {
	if len(rows) == 0 {
		return AppendResult{}, nil
	}

	added, err := s.insert(ctx, rows)
	if err != nil {
		return AppendResult{}, &StorageWriteError{Op: "append", Err: err}
	}

	res := AppendResult{Added: added, Skipped: len(rows) - added, Duplicate: added == 0}
	log := s.log.WithComponent("postgres_store").WithFields(logger.Fields{
		"operation": "append",
		"added":     res.Added,
		"skipped":   res.Skipped,
	})
	if res.Duplicate {
		log.Warn("every row already present, possible duplicate run")
	} else {
		log.Info("metrics rows inserted")
	}
	return res, nil
}

func (s *PostgresStore) insert(ctx context.Context, rows []models.MetricRow) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL(s.table))
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	added := 0
	for _, r := range rows {
		var fields interface{}
		if len(r.Fields) > 0 {
			b, err := json.Marshal(r.Fields)
			if err != nil {
				_ = tx.Rollback()
				return 0, err
			}
			fields = string(b)
		}
		res, err := stmt.ExecContext(ctx, r.CapturedAt.UTC(), r.Market, r.Exchange, r.Asset,
			r.Value, fields, r.StdDev24h, r.Rank)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

func (s *PostgresStore) Trim(ctx context.Context, horizon time.Time) (int, error) {
	var count int
	q := fmt.Sprintf(`SELECT count(*) FROM %s WHERE captured_at < $1`, s.table)
	if err := s.db.QueryRowContext(ctx, q, horizon.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows to trim: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	s.log.WithComponent("postgres_store").WithFields(logger.Fields{
		"operation": "trim",
		"horizon":   horizon.UTC().Format(time.RFC3339),
		"rows":      count,
	}).Warn("discarding metric rows older than the retention horizon")

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE captured_at < $1`, s.table), horizon.UTC())
	if err != nil {
		return 0, &StorageWriteError{Op: "trim", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return count, nil
	}
	return int(n), nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
