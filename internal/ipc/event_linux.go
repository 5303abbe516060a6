//go:build linux

package ipc

import (
	"errors"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrEventTimeout is returned by Wait when the deadline expires before the
// event fires.
var ErrEventTimeout = errors.New("timed out waiting for event")

// Linux futex(2) operation codes (linux/futex.h). golang.org/x/sys/unix does
// not export these, so they are defined locally with their fixed kernel ABI
// values.
const (
	FUTEX_WAIT = 0
	FUTEX_WAKE = 1
)

// Event is a cross-process eventcount backed by a futex word living in
// shared memory. Set bumps the count and wakes waiters; Wait blocks until
// the count moves past an observed value. Wakeups are advisory: callers
// must re-check their own condition after every wake, which also makes
// lost or spurious wakes harmless.
//
// An Event stands in for a named auto-reset event object: the word it
// operates on occupies a fixed slot in the mapped region instead of a
// kernel name.
type Event struct {
	word *uint32
}

// NewEvent wraps a 4-byte-aligned word in shared memory.
func NewEvent(word *uint32) *Event {
	return &Event{word: word}
}

// Peek returns the current event count for use as the observed value in a
// later Wait.
func (e *Event) Peek() uint32 {
	return atomic.LoadUint32(e.word)
}

// Set fires the event: increments the count and wakes all waiters.
func (e *Event) Set() {
	atomic.AddUint32(e.word, 1)
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(e.word)),
		uintptr(FUTEX_WAKE),
		uintptr(^uint32(0)>>1), // wake all
		0, 0, 0,
	)
}

// Wait blocks until the count differs from seen or the timeout expires.
// A negative timeout blocks indefinitely.
func (e *Event) Wait(seen uint32, timeout time.Duration) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for atomic.LoadUint32(e.word) == seen {
		var tsPtr *unix.Timespec
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				if atomic.LoadUint32(e.word) != seen {
					return nil
				}
				return ErrEventTimeout
			}
			ts := unix.NsecToTimespec(remaining.Nanoseconds())
			tsPtr = &ts
		}

		_, _, errno := unix.Syscall6(
			unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(e.word)),
			uintptr(FUTEX_WAIT),
			uintptr(seen),
			uintptr(unsafe.Pointer(tsPtr)),
			0, 0,
		)
		switch errno {
		case 0, unix.EAGAIN, unix.EINTR:
			// Value moved, or spurious wake; re-check the word.
		case unix.ETIMEDOUT:
			if atomic.LoadUint32(e.word) != seen {
				return nil
			}
			return ErrEventTimeout
		default:
			return errno
		}
	}
	return nil
}
