// Package reader moves raw snapshots in and out of the holding area: the
// collector deposits them, the snapshot source hands them to the pipeline
// and acknowledges them once their records are persisted.
package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	appconfig "cryptometrics/config"
	"cryptometrics/internal/blob"
	"cryptometrics/logger"
	"cryptometrics/models"
)

const snapshotExt = ".json"

// SnapshotRef points at one staged snapshot.
type SnapshotRef struct {
	Key        string
	ID         string
	CapturedAt time.Time
}

// CorruptSnapshotError means a staged document is not a JSON object.
type CorruptSnapshotError struct {
	Key string
	Err error
}

func (e *CorruptSnapshotError) Error() string {
	return fmt.Sprintf("snapshot %s is not a JSON object: %v", e.Key, e.Err)
}

func (e *CorruptSnapshotError) Unwrap() error { return e.Err }

// SnapshotName is the object name for a capture time: "<epoch seconds>.json".
func SnapshotName(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10) + snapshotExt
}

// ParseSnapshotName decodes the capture time from an object name. Names
// that are not "<epoch seconds>.json" are rejected.
func ParseSnapshotName(name string) (time.Time, bool) {
	base := path.Base(name)
	if !strings.HasSuffix(base, snapshotExt) {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(strings.TrimSuffix(base, snapshotExt), 10, 64)
	if err != nil || secs < 0 {
		return time.Time{}, false
	}
	return time.Unix(secs, 0).UTC(), true
}

// SnapshotSource lists, loads and acknowledges staged snapshots.
type SnapshotSource struct {
	bucket  blob.Bucket
	ingest  string
	archive string
	ackMode string
	log     *logger.Log
}

func NewSnapshotSource(bucket blob.Bucket, cfg appconfig.SnapshotsConfig, ackMode string) *SnapshotSource {
	return &SnapshotSource{
		bucket:  bucket,
		ingest:  cfg.IngestPrefix,
		archive: cfg.ArchivePrefix,
		ackMode: ackMode,
		log:     logger.GetLogger(),
	}
}

// Discover returns staged snapshots oldest first, by capture time and then
// name. Objects that do not look like snapshots are skipped.
func (s *SnapshotSource) Discover(ctx context.Context) ([]SnapshotRef, error) {
	objs, err := s.bucket.List(ctx, s.ingest)
	if err != nil {
		return nil, fmt.Errorf("list staged snapshots: %w", err)
	}

	refs := make([]SnapshotRef, 0, len(objs))
	for _, o := range objs {
		// only direct children of the holding area
		if strings.Contains(strings.TrimPrefix(o.Key, s.ingest), "/") {
			continue
		}
		at, ok := ParseSnapshotName(o.Key)
		if !ok {
			s.log.WithComponent("snapshot_source").WithFields(logger.Fields{"key": o.Key}).Debug("ignoring object without an epoch name")
			continue
		}
		refs = append(refs, SnapshotRef{Key: o.Key, ID: path.Base(o.Key), CapturedAt: at})
	}
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].CapturedAt.Equal(refs[j].CapturedAt) {
			return refs[i].CapturedAt.Before(refs[j].CapturedAt)
		}
		return refs[i].ID < refs[j].ID
	})
	return refs, nil
}

// Next returns the oldest staged snapshot, if any.
func (s *SnapshotSource) Next(ctx context.Context) (SnapshotRef, bool, error) {
	refs, err := s.Discover(ctx)
	if err != nil || len(refs) == 0 {
		return SnapshotRef{}, false, err
	}
	return refs[0], true, nil
}

// Load reads and decodes a staged snapshot. Only the top-level object is
// decoded here; values stay raw for the normalizer.
func (s *SnapshotSource) Load(ctx context.Context, ref SnapshotRef) (models.RawSnapshot, error) {
	data, err := s.bucket.Get(ctx, ref.Key)
	if err != nil {
		return models.RawSnapshot{}, fmt.Errorf("read snapshot %s: %w", ref.Key, err)
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return models.RawSnapshot{}, &CorruptSnapshotError{Key: ref.Key, Err: err}
	}
	if entries == nil {
		return models.RawSnapshot{}, &CorruptSnapshotError{Key: ref.Key, Err: fmt.Errorf("null document")}
	}
	return models.RawSnapshot{ID: ref.ID, CapturedAt: ref.CapturedAt, Entries: entries}, nil
}

// Ack removes a processed snapshot from the holding area, archiving it
// first unless the ack mode is delete.
func (s *SnapshotSource) Ack(ctx context.Context, ref SnapshotRef) error {
	log := s.log.WithComponent("snapshot_source").WithFields(logger.Fields{"key": ref.Key, "mode": s.ackMode})
	if s.ackMode == appconfig.AckDelete {
		if err := s.bucket.Delete(ctx, ref.Key); err != nil {
			return fmt.Errorf("delete snapshot %s: %w", ref.Key, err)
		}
		log.Debug("snapshot deleted")
		return nil
	}

	dst := s.archive + ref.ID
	if err := blob.Move(ctx, s.bucket, ref.Key, dst); err != nil {
		return fmt.Errorf("archive snapshot: %w", err)
	}
	log.WithFields(logger.Fields{"archive_key": dst}).Debug("snapshot archived")
	return nil
}
