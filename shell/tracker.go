package shell

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// timeoutSentinel may appear on stderr when the engine force-restarts the
// interpreter; it is stripped from user-visible output and, when not
// expected, times out the head command.
const timeoutSentinel = "__VS_INTERNAL_TIMEOUT__"

// preBufferCap bounds the bytes retained while hunting for a begin marker.
// Only a trailing window is kept; it is far larger than any marker, so a
// marker split across chunks is never lost.
const preBufferCap = 256 * 1024

// command is the in-flight record for one submitted command. It is
// uniquely owned by the tracker's in-flight map; the FIFO holds only ids.
type command struct {
	id          uint64
	beginMarker []byte
	endMarker   []byte

	preBuf []byte
	outBuf []byte
	errBuf []byte

	begun    bool
	done     bool
	timedOut bool

	start    time.Time
	deadline time.Time // zero means no deadline

	fut *Future
	cb  func(Result)
}

func markersFor(id uint64) (begin, end []byte) {
	return []byte(fmt.Sprintf("<<<SS_BEG_%d>>>", id)),
		[]byte(fmt.Sprintf("<<<SS_END_%d>>>", id))
}

// completion is a resolved command carried out of the tracker lock so the
// future and callback fire without holding it.
type completion struct {
	fut *Future
	cb  func(Result)
	res Result
}

func (c completion) deliver() {
	c.fut.resolve(c.res)
	if c.cb != nil {
		func() {
			defer func() {
				_ = recover() // callbacks must not take down the reader
			}()
			c.cb(c.res)
		}()
	}
}

// tracker owns the in-flight set and demultiplexes reader chunks back to
// their commands. It relies on the interpreter executing packets
// sequentially: begin/end marker pairs appear on stdout in submit order,
// so the FIFO head is always the command whose output comes next.
type tracker struct {
	log *zap.SugaredLogger

	// onTimeout is invoked (outside the lock) after a command is
	// completed as timed out; the engine uses it to schedule a restart.
	onTimeout func()

	mu       sync.Mutex
	nextID   uint64
	inflight map[uint64]*command
	order    []uint64

	// pendingSentinels counts interpreter-side timeout sentinels the
	// engine has announced but stderr has not yet delivered.
	pendingSentinels int

	// droppedStderrChunks counts stderr chunks that arrived with no
	// command in flight to attribute them to.
	droppedStderrChunks uint64
}

func newTracker(log *zap.SugaredLogger, onTimeout func()) *tracker {
	return &tracker{
		log:       log,
		onTimeout: onTimeout,
		inflight:  map[uint64]*command{},
	}
}

// add allocates the next id and registers a record. The record must be in
// the in-flight set before its packet is enqueued so the demultiplexer is
// ready the moment output appears.
func (t *tracker) add(timeout time.Duration, cb func(Result)) *command {
	now := time.Now()
	c := &command{
		start: now,
		fut:   newFuture(),
		cb:    cb,
	}
	if timeout > 0 {
		c.deadline = now.Add(timeout)
	}

	t.mu.Lock()
	t.nextID++
	c.id = t.nextID
	c.beginMarker, c.endMarker = markersFor(c.id)
	t.inflight[c.id] = c
	t.order = append(t.order, c.id)
	t.mu.Unlock()

	return c
}

func (t *tracker) inflightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// completeLocked builds the command's result and marks it done. The caller
// removes it from the in-flight structures and delivers the completion
// after unlocking.
func (t *tracker) completeLocked(c *command, err error) completion {
	c.done = true

	success := err == nil && !c.timedOut
	if success {
		return completion{
			fut: c.fut,
			cb:  c.cb,
			res: Result{
				Stdout:        string(c.outBuf),
				Stderr:        string(c.errBuf),
				ExitCode:      0,
				Success:       true,
				ExecutionTime: time.Since(c.start),
			},
		}
	}

	if err == nil {
		err = ErrTimedOut
	}
	stderr := string(c.errBuf)
	if stderr == "" {
		stderr = err.Error()
	}
	return completion{
		fut: c.fut,
		cb:  c.cb,
		res: Result{
			Stdout:        string(c.outBuf),
			Stderr:        stderr,
			ExitCode:      -1,
			Success:       false,
			ExecutionTime: time.Since(c.start),
			Err:           err,
		},
	}
}

// removeLocked drops id from the map and the FIFO.
func (t *tracker) removeLocked(id uint64) {
	delete(t.inflight, id)
	if len(t.order) > 0 && t.order[0] == id {
		t.order = t.order[1:]
		return
	}
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

// onStdout consumes one reader chunk. The chunk is borrowed; everything
// retained is copied into per-command buffers. A single chunk may carry
// any number of completions, so the loop keeps demultiplexing the carry
// until no marker or no command remains.
func (t *tracker) onStdout(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	var completions []completion

	t.mu.Lock()
	carry := chunk
	for len(carry) > 0 && len(t.order) > 0 {
		id := t.order[0]
		c, ok := t.inflight[id]
		if !ok {
			// The record was expired out from under the queue entry.
			t.order = t.order[1:]
			continue
		}

		if !c.begun {
			c.preBuf = append(c.preBuf, carry...)
			bpos := bytes.Index(c.preBuf, c.beginMarker)
			if bpos < 0 {
				if len(c.preBuf) > preBufferCap {
					c.preBuf = c.preBuf[len(c.preBuf)-preBufferCap:]
				}
				carry = nil
				break
			}
			after := bpos + len(c.beginMarker)
			after = skipCRLF(c.preBuf, after)
			rest := append([]byte(nil), c.preBuf[after:]...)
			c.preBuf = nil
			c.begun = true
			carry = rest
		}

		c.outBuf = append(c.outBuf, carry...)
		mpos := bytes.Index(c.outBuf, c.endMarker)
		if mpos < 0 {
			carry = nil
			break
		}

		tail := mpos + len(c.endMarker)
		tail = skipCRLF(c.outBuf, tail)
		nextCarry := append([]byte(nil), c.outBuf[tail:]...)
		c.outBuf = c.outBuf[:mpos]

		completions = append(completions, t.completeLocked(c, nil))
		t.removeLocked(id)

		// The bytes after the end marker belong to the next command.
		carry = nextCarry
	}
	t.mu.Unlock()

	for _, done := range completions {
		done.deliver()
	}
}

// onStderr attributes a stderr chunk to the head command. The interpreter
// does not frame stderr, so attribution is best-effort: interleaved error
// output from concurrently awaited commands may land on the wrong record.
// Timeout sentinels are stripped before anything is stored.
func (t *tracker) onStderr(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	var (
		done       completion
		hasTimeout bool
	)

	t.mu.Lock()
	data := append([]byte(nil), chunk...)

	var head *command
	var headID uint64
	if len(t.order) > 0 {
		headID = t.order[0]
		head = t.inflight[headID]
	}

	for len(data) > 0 {
		pos := bytes.Index(data, []byte(timeoutSentinel))
		if pos < 0 {
			break
		}
		eraseEnd := skipCRLF(data, pos+len(timeoutSentinel))
		data = append(data[:pos], data[eraseEnd:]...)

		if t.pendingSentinels > 0 {
			t.pendingSentinels--
			continue
		}
		if head != nil {
			head.timedOut = true
			hasTimeout = true
		}
		break // only the first unexpected sentinel matters per chunk
	}

	if head != nil && len(data) > 0 {
		head.errBuf = append(head.errBuf, data...)
	}
	if head == nil && len(data) > 0 {
		t.droppedStderrChunks++
		t.log.Debugw("dropping unattributable stderr", "Bytes", len(data))
	}

	if hasTimeout && head != nil {
		done = t.completeLocked(head, ErrTimedOut)
		t.removeLocked(headID)
	}
	t.mu.Unlock()

	if hasTimeout {
		done.deliver()
		if t.onTimeout != nil {
			t.onTimeout()
		}
	}
}

// expireDeadlines completes every command whose deadline has passed and
// returns how many expired. Each expiry registers one expected sentinel:
// the engine's forced restart makes the interpreter side announce the
// timeout on stderr, and that announcement must not time out the next
// command too.
func (t *tracker) expireDeadlines(now time.Time) int {
	t.mu.Lock()
	var completions []completion
	for _, id := range append([]uint64(nil), t.order...) {
		c, ok := t.inflight[id]
		if !ok {
			continue
		}
		if c.deadline.IsZero() || now.Before(c.deadline) {
			continue
		}
		c.timedOut = true
		completions = append(completions, t.completeLocked(c, ErrTimedOut))
		t.removeLocked(id)
		t.pendingSentinels++
	}
	t.mu.Unlock()

	for _, done := range completions {
		done.deliver()
	}
	if len(completions) > 0 && t.onTimeout != nil {
		t.onTimeout()
	}
	return len(completions)
}

// fail completes a single command with the given error kind, if it is
// still in flight.
func (t *tracker) fail(id uint64, err error) {
	t.mu.Lock()
	c, ok := t.inflight[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	done := t.completeLocked(c, err)
	t.removeLocked(id)
	t.mu.Unlock()
	done.deliver()
}

// failAll completes every in-flight command with the given error kind.
// Used by Stop and on fatal subprocess death.
func (t *tracker) failAll(err error) {
	t.mu.Lock()
	var completions []completion
	for _, id := range append([]uint64(nil), t.order...) {
		c, ok := t.inflight[id]
		if !ok {
			continue
		}
		completions = append(completions, t.completeLocked(c, err))
		t.removeLocked(id)
	}
	// Records can exist outside the FIFO only transiently; sweep any
	// stragglers so no promise is left dangling.
	for id, c := range t.inflight {
		completions = append(completions, t.completeLocked(c, err))
		delete(t.inflight, id)
	}
	t.order = nil
	t.mu.Unlock()

	for _, done := range completions {
		done.deliver()
	}
}

// skipCRLF advances i past one optional \r and one optional \n.
func skipCRLF(b []byte, i int) int {
	if i < len(b) && b[i] == '\r' {
		i++
	}
	if i < len(b) && b[i] == '\n' {
		i++
	}
	return i
}
