package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pseudomuto/condamap/internal/config"
	"github.com/stretchr/testify/require"
)

func TestLockChannel(t *testing.T) {
	cfg := config.Default()
	cfg.LockDir = t.TempDir()
	a := &app{cfg: cfg, lockTimeout: 300 * time.Millisecond}

	unlock, err := a.lockChannel(t.Context(), "conda-forge")
	require.NoError(t, err)

	_, err = a.lockChannel(t.Context(), "conda-forge")
	require.ErrorContains(t, err, "another run holds channel conda-forge")

	// other channels are independent
	other, err := a.lockChannel(t.Context(), "bioconda")
	require.NoError(t, err)
	other()

	unlock()
	unlock, err = a.lockChannel(t.Context(), "conda-forge")
	require.NoError(t, err)
	unlock()

	// channels given as URLs lock a file inside the lock directory
	unlock, err = a.lockChannel(t.Context(), "https://example.com/channels/tango")
	require.NoError(t, err)
	unlock()
	require.FileExists(t, filepath.Join(cfg.LockDir, "https___example.com_channels_tango.lock"))
}
