// Package lock serializes pipeline runs across processes.
package lock

import (
	"context"
	"errors"
	"fmt"

	appconfig "cryptometrics/config"
)

// ErrHeld is returned by Acquire when another run holds the lock.
var ErrHeld = errors.New("lock: held by another run")

// ReleaseFunc gives the lock back. It is safe to call once.
type ReleaseFunc func(ctx context.Context) error

// Locker hands out a single exclusive lease at a time.
type Locker interface {
	Acquire(ctx context.Context) (ReleaseFunc, error)
}

// New builds the configured locker. dir is where file locks live.
func New(ctx context.Context, cfg appconfig.LockConfig, dir string) (Locker, error) {
	switch cfg.Backend {
	case appconfig.LockNone, "":
		return Noop{}, nil
	case appconfig.LockFile:
		return NewFile(dir, cfg.Key, cfg.TTL)
	case appconfig.LockRedis:
		return NewRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", cfg.Backend)
	}
}

// Noop never blocks.
type Noop struct{}

func (Noop) Acquire(ctx context.Context) (ReleaseFunc, error) {
	return func(context.Context) error { return nil }, nil
}
