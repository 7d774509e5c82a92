package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherDetectsNewPartitionFiles(t *testing.T) {
	dir := t.TempDir()

	seen := make(chan string, 4)
	w := newWatcher(dir, "storage", 20*time.Millisecond, func(name string) { seen <- name })
	w.start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "storage.orders"), []byte{}, 0644))

	select {
	case name := <-seen:
		require.Equal(t, "orders", name)
	case <-time.After(time.Second):
		t.Fatal("watcher never observed the new partition file")
	}
}

func TestWatcherIgnoresSidecarFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"storage.lock", "storage.streams", "storage.orders.index", "storage.ticks.c.state"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte{}, 0644))
	}

	seen := make(chan string, 4)
	w := newWatcher(dir, "storage", time.Hour, func(name string) { seen <- name })
	w.scan()

	select {
	case name := <-seen:
		t.Fatalf("unexpectedly reported sidecar file %q", name)
	case <-time.After(50 * time.Millisecond):
	}
}
