// Package metadata keeps a small JSON catalog describing the committed
// versions of a metrics table. The parquet files stay the source of truth;
// the catalog is what operators and tooling read to see table history.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"cryptometrics/internal/blob"
)

// CatalogFile is the catalog object name under the table prefix.
const CatalogFile = "_catalog.json"

// Version describes one committed table version.
type Version struct {
	Sequence    uint64    `json:"sequence"`
	Key         string    `json:"key"`
	RowCount    int64     `json:"row_count"`
	AddedRows   int64     `json:"added_rows"`
	FileSize    int64     `json:"file_size_in_bytes"`
	CommittedAt time.Time `json:"committed_at"`
}

// TableMetadata is the catalog document.
type TableMetadata struct {
	FormatVersion  int       `json:"format-version"`
	TableUUID      string    `json:"table-uuid"`
	Location       string    `json:"location"`
	CurrentVersion uint64    `json:"current-version"`
	Versions       []Version `json:"versions"`
}

// Catalog reads and writes the catalog document in a bucket.
type Catalog struct {
	bucket blob.Bucket
	prefix string
	keep   int
}

// NewCatalog returns a catalog stored at prefix+CatalogFile that remembers at
// most keep versions.
func NewCatalog(bucket blob.Bucket, prefix string, keep int) *Catalog {
	if keep < 1 {
		keep = 1
	}
	return &Catalog{bucket: bucket, prefix: prefix, keep: keep}
}

func (c *Catalog) key() string { return c.prefix + CatalogFile }

// Load returns the catalog, or an empty one for a table never committed to.
func (c *Catalog) Load(ctx context.Context) (TableMetadata, error) {
	data, err := c.bucket.Get(ctx, c.key())
	if errors.Is(err, blob.ErrNotFound) {
		return TableMetadata{FormatVersion: 1, TableUUID: uuid.NewString(), Location: c.prefix}, nil
	}
	if err != nil {
		return TableMetadata{}, fmt.Errorf("read catalog: %w", err)
	}
	var tm TableMetadata
	if err := json.Unmarshal(data, &tm); err != nil {
		return TableMetadata{}, fmt.Errorf("decode catalog: %w", err)
	}
	return tm, nil
}

// Record appends v to the catalog and makes it current.
func (c *Catalog) Record(ctx context.Context, v Version) error {
	tm, err := c.Load(ctx)
	if err != nil {
		return err
	}
	if v.CommittedAt.IsZero() {
		v.CommittedAt = time.Now().UTC()
	}
	// concurrent writers may record out of order
	tm.Versions = append(tm.Versions, v)
	sort.SliceStable(tm.Versions, func(i, j int) bool { return tm.Versions[i].Sequence < tm.Versions[j].Sequence })
	if len(tm.Versions) > c.keep {
		tm.Versions = tm.Versions[len(tm.Versions)-c.keep:]
	}
	if v.Sequence > tm.CurrentVersion {
		tm.CurrentVersion = v.Sequence
	}

	b, err := json.MarshalIndent(tm, "", "  ")
	if err != nil {
		return err
	}
	return c.bucket.Put(ctx, c.key(), b)
}
