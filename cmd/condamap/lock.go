package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pseudomuto/condamap"
)

// lockChannel takes the per-channel run lock, waiting up to the configured lock
// timeout. The returned func releases it.
func (a *app) lockChannel(ctx context.Context, name string) (func(), error) {
	if err := os.MkdirAll(a.cfg.LockDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create lock directory: %w", err)
	}

	path := filepath.Join(a.cfg.LockDir, condamap.ChannelDir(name)+".lock")
	l := flock.New(path)

	ctx, cancel := context.WithTimeout(ctx, a.lockTimeout)
	defer cancel()

	locked, err := l.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil || !locked {
		return nil, fmt.Errorf("another run holds channel %s (lock: %s): %w", name, path, err)
	}

	return func() { _ = l.Unlock() }, nil
}
