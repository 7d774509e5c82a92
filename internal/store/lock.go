package store

import (
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/nesprt/eventstore/internal/eventerr"
)

// LockReclaimPolicy governs what a writer does when it finds a directory
// lock file already present but not held by any live process (the marker
// of a process that crashed between acquiring the lock and releasing it).
type LockReclaimPolicy int

const (
	// LockFail refuses to open, returning LockHeldError, whenever a lock
	// file is already present, stale or not. Safe default.
	LockFail LockReclaimPolicy = iota
	// LockReclaim takes over a stale lock file (one not actually flocked
	// by a live process) and runs torn-write recovery across every
	// partition and index before resuming normal operation.
	LockReclaim
)

// dirLock is the directory-level single-writer lock: an empty file at
// "<storage>.lock", held with an advisory flock for the process's
// lifetime. Grounded on the teacher's own flock/funlock helper.
type dirLock struct {
	f    *os.File
	path string
}

// acquireLock opens (creating if necessary) the lock file at path and
// attempts an exclusive, non-blocking flock. existed reports whether the
// file was already present before this call, the signal a caller uses to
// decide whether torn-write recovery is warranted under LockReclaim.
func acquireLock(path string, policy LockReclaimPolicy) (lock *dirLock, existed bool, err error) {
	_, statErr := os.Stat(path)
	existed = statErr == nil

	if existed && policy == LockFail {
		return nil, true, &eventerr.LockHeldError{Path: path}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, existed, errors.Wrap(err, "failed to open lock file")
	}

	if err := flock(f.Fd(), 0); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, existed, &eventerr.LockHeldError{Path: path}
		}
		return nil, existed, errors.Wrap(err, "failed to acquire directory lock")
	}

	return &dirLock{f: f, path: path}, existed, nil
}

func flock(fd uintptr, timeout time.Duration) error {
	start := time.Now()
	for {
		err := syscall.Flock(int(fd), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != syscall.EWOULDBLOCK {
			return err
		}
		if timeout <= 0 {
			return err
		}
		if time.Since(start) > timeout {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (l *dirLock) release() error {
	err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	if rerr := os.Remove(l.path); err == nil {
		err = rerr
	}
	return err
}
