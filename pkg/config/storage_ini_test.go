package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/canrise/isotp-go/pkg/isotp"
	"github.com/stretchr/testify/require"
)

func TestFileStore_LoadWithoutFileReturnsDefaults(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.ini"), nil)
	defer store.Close()

	cfg, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, isotp.AnonymousNodeID, cfg.NodeID)
}

func TestFileStore_SaveQueuedThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.ini")
	store := NewFileStore(path, nil)

	cfg := Default()
	cfg.NodeID = isotp.NodeID(0x2A)
	cfg.EUI64 = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	cfg.BlockSize = 4
	cfg.STmin = 2 * time.Millisecond
	cfg.ReportPeriod = 500 * time.Millisecond

	store.SaveQueued(cfg)
	require.NoError(t, store.Close())

	reopened := NewFileStore(path, nil)
	defer reopened.Close()
	reloaded, err := reopened.Load()
	require.NoError(t, err)
	require.Equal(t, cfg.NodeID, reloaded.NodeID)
	require.Equal(t, cfg.EUI64, reloaded.EUI64)
	require.Equal(t, cfg.BlockSize, reloaded.BlockSize)
	require.Equal(t, cfg.STmin, reloaded.STmin)
	require.Equal(t, cfg.ReportPeriod, reloaded.ReportPeriod)
}

func TestFileStore_SaveQueuedCoalescesPendingWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.ini")
	store := NewFileStore(path, nil)

	first := Default()
	first.NodeID = 0x01
	second := Default()
	second.NodeID = 0x02

	store.SaveQueued(first)
	store.SaveQueued(second)
	require.NoError(t, store.Close())

	reopened := NewFileStore(path, nil)
	defer reopened.Close()
	reloaded, err := reopened.Load()
	require.NoError(t, err)
	require.Equal(t, isotp.NodeID(0x02), reloaded.NodeID)
}
