// Package bulk implements the shared-memory side channel used to move
// large binary payloads between the host and the interpreter process
// without passing them through the text pipes.
//
// A channel is a named file mapping laid out as
// [128-byte header][A→B region][B→A region], guarded by a cross-process
// file lock (the `<name>:mtx` object) and four advisory events (request
// and ack per direction). Events only hint that something happened;
// correctness rests on the per-direction atomic sequence counters, so lost
// signals degrade to polling without data loss.
package bulk

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Chamoswor/virtualshell/internal/ipc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Direction selects one of the two payload regions. HostToShell is the
// A→B region (host writes, interpreter reads); ShellToHost is B→A.
type Direction int

const (
	HostToShell Direction = iota
	ShellToHost
)

func (d Direction) String() string {
	if d == HostToShell {
		return "host_to_shell"
	}
	return "shell_to_host"
}

// ErrIncompatible is returned by Open when the region exists with a
// different frame capacity than requested.
var ErrIncompatible = errors.New("shared memory frame size mismatch")

// pollInterval is the sequence-poll cadence used when an event wait is not
// applicable.
const pollInterval = time.Millisecond

// defaultDir returns the preferred backing directory for channel files.
func defaultDir() string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Channel is one handle on a named shared-memory channel. Multiple handles
// (in the same process or across processes) may be open on the same name;
// the file lock serializes them. Per-handle read cursors track the last
// consumed sequence in each direction.
type Channel struct {
	log  *zap.SugaredLogger
	name string
	path string

	frameBytes uint64
	f          *os.File
	data       []byte
	hdr        header
	mtx        *ipc.FileLock

	req [2]*ipc.Event
	ack [2]*ipc.Event

	lastConsumed [2]uint64
}

// Option configures Open.
type Option func(*openConfig)

type openConfig struct {
	dir      string
	fallback bool
	logger   *zap.SugaredLogger
}

// WithDir overrides the backing directory (default /dev/shm, falling back
// to the system temp dir when absent).
func WithDir(dir string) Option {
	return func(c *openConfig) {
		c.dir = dir
	}
}

// WithNamespaceFallback retries channel creation in the system temp dir
// when the preferred directory denies access.
func WithNamespaceFallback(enabled bool) Option {
	return func(c *openConfig) {
		c.fallback = enabled
	}
}

// WithLogger sets the channel logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *openConfig) {
		c.logger = l.Named("bulk").Sugar()
	}
}

// Open creates or attaches to the named channel with the given per-direction
// frame capacity. The first opener initializes the header; later openers
// must request the same frame capacity or Open fails with ErrIncompatible.
func Open(name string, frameBytes uint64, opts ...Option) (*Channel, error) {
	if name == "" || frameBytes == 0 {
		return nil, errors.New("channel name and frame capacity are required")
	}
	cfg := openConfig{dir: defaultDir()}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop().Sugar()
	}

	ch, err := open(name, frameBytes, cfg.dir, cfg.logger)
	if cfg.fallback && err != nil && errors.Is(err, os.ErrPermission) && cfg.dir != os.TempDir() {
		cfg.logger.Debugw("falling back to temp dir", "Name", name, "Error", err)
		ch, err = open(name, frameBytes, os.TempDir(), cfg.logger)
	}
	return ch, err
}

func open(name string, frameBytes uint64, dir string, log *zap.SugaredLogger) (*Channel, error) {
	total := HeaderBytes + 2*int64(frameBytes)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("opening mapping file: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat mapping file: %w", err)
	}
	if st.Size() < total {
		if err := f.Truncate(total); err != nil {
			f.Close()
			return nil, fmt.Errorf("sizing mapping file: %w", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}

	mtx, err := ipc.OpenLock(path + ":mtx")
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}

	ch := &Channel{
		log:        log,
		name:       name,
		path:       path,
		frameBytes: frameBytes,
		f:          f,
		data:       data,
		hdr:        header{base: data},
		mtx:        mtx,
	}
	ch.req[HostToShell] = ipc.NewEvent(ch.hdr.u32(offEventA2BReq))
	ch.ack[HostToShell] = ipc.NewEvent(ch.hdr.u32(offEventA2BAck))
	ch.req[ShellToHost] = ipc.NewEvent(ch.hdr.u32(offEventB2AReq))
	ch.ack[ShellToHost] = ipc.NewEvent(ch.hdr.u32(offEventB2AAck))

	// Initialization races with other openers; settle it under the lock.
	if err := mtx.Lock(5 * time.Second); err != nil {
		ch.Close()
		return nil, fmt.Errorf("locking for init: %w", err)
	}
	if ch.hdr.magicAndVersion() != magicAndVersion {
		for i := range data {
			data[i] = 0
		}
		*ch.hdr.u64(offFrameBytes) = frameBytes
		*ch.hdr.u64(offMagicAndVersion) = magicAndVersion
		log.Debugw("initialized channel", "Name", name, "FrameBytes", frameBytes)
	} else if ch.hdr.frameBytes() != frameBytes {
		got := ch.hdr.frameBytes()
		mtx.Unlock()
		ch.Close()
		return nil, fmt.Errorf("%w: have %d, want %d", ErrIncompatible, got, frameBytes)
	}
	if err := mtx.Unlock(); err != nil {
		ch.Close()
		return nil, err
	}

	// Readers start from the sequence already published so they only see
	// payloads written after they attached.
	ch.lastConsumed[HostToShell] = ch.hdr.seq(HostToShell)
	ch.lastConsumed[ShellToHost] = ch.hdr.seq(ShellToHost)

	return ch, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// FrameBytes returns the per-direction payload capacity.
func (c *Channel) FrameBytes() uint64 { return c.frameBytes }

// Header returns an atomic snapshot of the mapped header.
func (c *Channel) Header() HeaderSnapshot { return c.hdr.snapshot() }

// region returns the payload region for a direction.
func (c *Channel) region(d Direction) []byte {
	off := HeaderBytes + uint64(d)*c.frameBytes
	return c.data[off : off+c.frameBytes]
}

func (c *Channel) lock(timeout time.Duration) Status {
	switch err := c.mtx.Lock(timeout); {
	case err == nil:
		return StatusOK
	case errors.Is(err, ipc.ErrLockTimeout):
		return StatusTimeout
	default:
		c.log.Debugw("lock error", "Error", err)
		return StatusSystemError
	}
}

// Write copies payload into the direction's region and publishes it:
// length store, then sequence increment, both under the lock, then an
// advisory request signal. Returns the new sequence value.
func (c *Channel) Write(d Direction, payload []byte, timeout time.Duration) (uint64, Status) {
	if uint64(len(payload)) > c.frameBytes {
		return 0, StatusInvalidArg
	}
	if st := c.lock(timeout); st != StatusOK {
		return 0, st
	}

	copy(c.region(d), payload)
	c.hdr.setLength(d, uint64(len(payload)))
	next := c.hdr.incSeq(d)

	if err := c.mtx.Unlock(); err != nil {
		c.log.Debugw("unlock error", "Error", err)
		return next, StatusSystemError
	}

	// The events are eventcounts: an ack waiter snapshots the count before
	// publishing, so a stale ack left over from an earlier exchange can
	// never satisfy a later wait.
	c.req[d].Set()

	c.log.Debugw("wrote frame", "Direction", d.String(), "Bytes", len(payload), "Seq", next)
	return next, StatusOK
}

// waitForSeq blocks until the direction's sequence moves past the handle's
// read cursor, using the request event with a sequence re-check on every
// wake, or polling when the wait degenerates.
func (c *Channel) waitForSeq(d Direction, timeout time.Duration) Status {
	if c.hdr.seq(d) > c.lastConsumed[d] {
		return StatusOK
	}
	if timeout == 0 {
		return StatusWouldBlock
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		seen := c.req[d].Peek()
		if c.hdr.seq(d) > c.lastConsumed[d] {
			return StatusOK
		}
		remaining := time.Duration(-1)
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				if c.hdr.seq(d) > c.lastConsumed[d] {
					return StatusOK
				}
				return StatusTimeout
			}
		}
		if err := c.req[d].Wait(seen, remaining); err != nil {
			if errors.Is(err, ipc.ErrEventTimeout) {
				if c.hdr.seq(d) > c.lastConsumed[d] {
					return StatusOK
				}
				return StatusTimeout
			}
			// Event misbehaving; fall back to a plain poll tick.
			time.Sleep(pollInterval)
		}
	}
}

// Read waits for a new payload in the direction, then copies it into dst.
// The returned count is the payload length.
//
// Probe mode: a nil dst reports the stored length without copying and
// without consuming the sequence. A dst smaller than the payload fails
// with StatusBufferTooSmall and reports the required length; nothing is
// consumed in that case either.
func (c *Channel) Read(d Direction, dst []byte, timeout time.Duration) (int, Status) {
	start := time.Now()
	if st := c.waitForSeq(d, timeout); st != StatusOK {
		return 0, st
	}

	remaining := timeout
	if timeout > 0 {
		remaining = timeout - time.Since(start)
		if remaining < 0 {
			remaining = 0
		}
	}
	if st := c.lock(remaining); st != StatusOK {
		return 0, st
	}

	length := c.hdr.length(d)
	if length > c.frameBytes {
		c.mtx.Unlock()
		return 0, StatusBadState
	}
	if dst == nil {
		c.mtx.Unlock()
		return int(length), StatusOK
	}
	if uint64(len(dst)) < length {
		c.mtx.Unlock()
		return int(length), StatusBufferTooSmall
	}

	copy(dst[:length], c.region(d))
	c.lastConsumed[d] = c.hdr.seq(d)

	if err := c.mtx.Unlock(); err != nil {
		c.log.Debugw("unlock error", "Error", err)
		return int(length), StatusSystemError
	}
	c.ack[d].Set()

	c.log.Debugw("read frame", "Direction", d.String(), "Bytes", length)
	return int(length), StatusOK
}

// Close unmaps the region and releases the handle. The backing file is
// left in place for other openers; use Unlink to remove it.
func (c *Channel) Close() error {
	var err error
	if c.data != nil {
		err = multierr.Append(err, unix.Munmap(c.data))
		c.data = nil
		c.hdr = header{}
	}
	if c.mtx != nil {
		err = multierr.Append(err, c.mtx.Close())
		c.mtx = nil
	}
	if c.f != nil {
		err = multierr.Append(err, c.f.Close())
		c.f = nil
	}
	return err
}

// Unlink removes the backing file and the lock file. Call after Close on
// the last handle.
func (c *Channel) Unlink() error {
	return multierr.Append(os.Remove(c.path), os.Remove(c.path+":mtx"))
}
