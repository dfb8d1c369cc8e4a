package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"cryptometrics/logger"
)

type fileLease struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// File is a lock file created with O_EXCL. A lock file older than ttl is
// treated as left behind by a crashed run and taken over.
type File struct {
	path string
	ttl  time.Duration
	log  *logger.Log
}

func NewFile(dir, key string, ttl time.Duration) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	name := strings.NewReplacer(":", "_", "/", "_").Replace(key) + ".lock"
	return &File{path: filepath.Join(dir, name), ttl: ttl, log: logger.GetLogger()}, nil
}

func (l *File) Acquire(ctx context.Context) (ReleaseFunc, error) {
	lease := fileLease{Token: uuid.NewString(), PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(lease)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.path)
				return nil, fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
			}
			return l.release(lease.Token), nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		if !l.stale() {
			return nil, ErrHeld
		}
		l.log.WithComponent("lock").WithFields(logger.Fields{"path": l.path, "ttl": l.ttl.String()}).Warn("taking over stale lock file")
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return nil, ErrHeld
}

func (l *File) stale() bool {
	if l.ttl <= 0 {
		return false
	}
	info, err := os.Stat(l.path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	return time.Since(info.ModTime()) > l.ttl
}

func (l *File) release(token string) ReleaseFunc {
	return func(context.Context) error {
		data, err := os.ReadFile(l.path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		var cur fileLease
		if err := json.Unmarshal(data, &cur); err != nil || cur.Token != token {
			// someone took the lock over after it went stale
			return nil
		}
		return os.Remove(l.path)
	}
}
