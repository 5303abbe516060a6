//go:build unix

// Package ipc provides the cross-process primitives backing the bulk
// channel: an advisory file lock used as a shared mutex, and a futex-based
// event for wakeups between cooperating processes.
package ipc

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockTimeout is returned when the lock could not be acquired within the
// caller's deadline.
var ErrLockTimeout = errors.New("timed out acquiring file lock")

// retryInterval is the backoff between non-blocking acquisition attempts.
const retryInterval = time.Millisecond

// FileLock is a cross-process mutex built on flock(2). Exclusion is per
// open file description, so two FileLocks on the same path exclude each
// other even within a single process.
type FileLock struct {
	f *os.File
}

// OpenLock opens (creating if needed) the lock file at path.
func OpenLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	return &FileLock{f: f}, nil
}

// Lock acquires the lock, waiting up to timeout. A negative timeout blocks
// indefinitely. A zero timeout is a single non-blocking attempt.
func (l *FileLock) Lock(timeout time.Duration) error {
	if timeout < 0 {
		if err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX); err != nil {
			return fmt.Errorf("flock: %w", err)
		}
		return nil
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			return fmt.Errorf("flock: %w", err)
		}
		if !time.Now().Before(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(retryInterval)
	}
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("flock unlock: %w", err)
	}
	return nil
}

// Close releases the lock (if held) and closes the underlying file.
func (l *FileLock) Close() error {
	return l.f.Close()
}
