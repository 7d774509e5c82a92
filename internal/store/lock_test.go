package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireLockFailsWhenAlreadyLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.lock")

	l1, existed, err := acquireLock(path, LockFail)
	require.NoError(t, err)
	require.False(t, existed)

	_, _, err = acquireLock(path, LockFail)
	require.Error(t, err)

	require.NoError(t, l1.release())
}

func TestAcquireLockReclaimsStaleLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.lock")

	l1, _, err := acquireLock(path, LockFail)
	require.NoError(t, err)
	// Simulate a crash: drop the OS flock without removing the file.
	require.NoError(t, l1.f.Close())

	l2, existed, err := acquireLock(path, LockReclaim)
	require.NoError(t, err)
	require.True(t, existed)
	require.NoError(t, l2.release())
}
