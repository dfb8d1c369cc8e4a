// Package blob abstracts the object store holding raw snapshots and metrics
// table versions. Keys always use forward slashes.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appconfig "cryptometrics/config"
)

// ErrNotFound is returned by Get and Copy when the key does not exist.
var ErrNotFound = errors.New("blob: object not found")

// ErrExists is returned by PutIfAbsent when the key is already taken.
var ErrExists = errors.New("blob: object already exists")

// Object describes one stored object.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Bucket is a flat key/value object store. Put must be atomic: readers see
// either the previous object or the complete new one.
type Bucket interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	// PutIfAbsent is Put that fails with ErrExists instead of replacing an
	// existing object. Of two concurrent calls for one key exactly one wins.
	PutIfAbsent(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, src, dst string) error
}

// Open returns the bucket backing the configured storage. The postgres
// backend keeps raw snapshots on the local filesystem.
func Open(ctx context.Context, cfg appconfig.StorageConfig) (Bucket, error) {
	switch cfg.Backend {
	case appconfig.StorageS3:
		return NewS3(ctx, cfg.S3)
	case appconfig.StorageLocal, appconfig.StoragePostgres:
		return NewLocal(cfg.Local.Root)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// Move copies src to dst and then deletes src.
func Move(ctx context.Context, b Bucket, src, dst string) error {
	if err := b.Copy(ctx, src, dst); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := b.Delete(ctx, src); err != nil {
		return fmt.Errorf("delete %s: %w", src, err)
	}
	return nil
}

func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", errors.New("blob: empty key")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("blob: key %q escapes the bucket", key)
		}
	}
	return key, nil
}
