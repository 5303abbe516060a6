// Package shell embeds a command interpreter as a long-lived child
// process and multiplexes many logical commands over its single
// stdin/stdout/stderr pair, concurrently, with per-command deadlines.
//
// Each submitted command is framed between unique begin/end marker lines
// the interpreter is asked to print; a FIFO-based demultiplexer slices the
// interleaved output streams back into per-command results. Commands run
// strictly in submit order, and their promises resolve in the same order.
package shell

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// scanInterval is the deadline scanner tick.
const scanInterval = 10 * time.Millisecond

// Shell is the multiplexer host. Lifecycle is explicit: New, Start, any
// number of Submit/Execute calls, Stop. A Shell is safe for concurrent
// use by multiple goroutines.
type Shell struct {
	log       *zap.SugaredLogger
	cfg       Config
	adapter   Adapter
	sessionID string

	running     atomic.Bool
	restartGate atomic.Bool

	stopMu sync.Mutex // serializes Start/Stop transitions

	proc    *process
	pump    *pump
	tracker *tracker

	scannerStop chan struct{}
	scannerWG   sync.WaitGroup
	monitorStop chan struct{}

	hooksMu   sync.Mutex
	stopHooks []func()
}

// New builds a Shell. The default configuration targets PowerShell with a
// 30 second command timeout and restart-on-timeout enabled.
func New(opts ...Option) *Shell {
	s := &Shell{
		log:       zap.NewNop().Sugar(),
		cfg:       DefaultConfig(),
		adapter:   PowerShell{},
		sessionID: uuid.NewString(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SessionID identifies this shell instance, e.g. for naming session
// snapshots or bulk channels.
func (s *Shell) SessionID() string { return s.sessionID }

// Start spawns the interpreter, launches the I/O pump and the deadline
// scanner, then runs the warm-up, startup commands and optional session
// restore. Warm-up and restore failures are logged but non-fatal.
func (s *Shell) Start() error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.running.Load() {
		return errors.New("shell already started")
	}

	s.tracker = newTracker(s.log.Named("tracker"), s.handleCommandTimeout)

	proc, err := spawn(s.log.Named("proc"), s.adapter, s.cfg)
	if err != nil {
		return err
	}
	s.proc = proc

	s.pump = newPump(s.log.Named("pump"), proc.stdin, proc.stdout, proc.stderr, s.onChunk)
	s.pump.start()

	s.scannerStop = make(chan struct{})
	s.scannerWG.Add(1)
	go s.scanDeadlines()

	s.monitorStop = make(chan struct{})
	go s.monitorChild(proc, s.monitorStop)

	s.running.Store(true)
	s.log.Debugw("shell started", "SessionID", s.sessionID)

	if warmup := s.adapter.WarmupCommand(); warmup != "" {
		res := s.submit(warmup, 5*time.Second, nil).Result()
		if !res.Success {
			s.log.Debugw("warm-up failed", "Stderr", res.Stderr)
		}
	}
	for _, cmd := range s.cfg.StartupCommands {
		res := s.submit(cmd, s.cfg.DefaultTimeout, nil).Result()
		if !res.Success {
			s.log.Debugw("startup command failed", "Command", cmd, "Stderr", res.Stderr)
		}
	}
	s.restoreSession()

	return nil
}

// restoreSession replays a session snapshot through the restore script
// when both paths are configured and the snapshot exists.
func (s *Shell) restoreSession() {
	if s.cfg.RestoreScriptPath == "" || s.cfg.SessionSnapshotPath == "" {
		return
	}
	if _, err := os.Stat(s.cfg.SessionSnapshotPath); err != nil {
		s.log.Debugw("no session snapshot to restore", "Path", s.cfg.SessionSnapshotPath)
		return
	}

	timeout := s.cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cmd := s.adapter.RestoreCommand(s.cfg.RestoreScriptPath, s.cfg.SessionSnapshotPath)
	res := s.submit(cmd, timeout, nil).Result()
	if !res.Success {
		s.log.Debugw("session restore failed", "ExitCode", res.ExitCode, "Stderr", res.Stderr)
	} else {
		s.log.Debug("session restore succeeded")
	}
}

// onChunk is the pump handler; chunks are borrowed views into the reader
// buffers and the tracker copies what it keeps.
func (s *Shell) onChunk(isStderr bool, chunk []byte) {
	if isStderr {
		s.tracker.onStderr(chunk)
	} else {
		s.tracker.onStdout(chunk)
	}
}

func (s *Shell) scanDeadlines() {
	defer s.scannerWG.Done()
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.scannerStop:
			return
		case now := <-ticker.C:
			s.tracker.expireDeadlines(now)
		}
	}
}

// monitorChild reacts to the interpreter dying underneath us: a
// cooperative Stop fails all in-flight commands instead of leaving their
// promises hanging on a dead pipe.
func (s *Shell) monitorChild(proc *process, stop chan struct{}) {
	select {
	case <-stop:
	case <-proc.exited:
		if s.running.Load() {
			s.log.Debug("interpreter died, stopping shell")
			s.stopIfOwner(proc)
		}
	}
}

// stopIfOwner stops the shell only if proc is still the current child. A
// restart may already have replaced it by the time the monitor observes
// the old child's death; stopping then would kill the fresh instance.
func (s *Shell) stopIfOwner(proc *process) {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.proc != proc {
		return
	}
	s.stopLocked(false)
}

// IsAlive reports whether the shell is started and its child is still
// running.
func (s *Shell) IsAlive() bool {
	return s.running.Load() && s.proc != nil && s.proc.alive()
}

// IsRestarting reports whether the lifecycle gate is closed for an
// automatic restart.
func (s *Shell) IsRestarting() bool { return s.restartGate.Load() }

// Submit frames the command, queues it for the interpreter and returns a
// future for its result. timeout overrides the configured default; zero
// means use the default, negative disables the deadline. The callback, if
// any, fires after the future resolves, on an internal goroutine; it must
// not call Stop.
//
// Submit never returns an error: rejections (not running, restarting)
// arrive as an already-resolved future whose Result carries the error
// kind.
func (s *Shell) Submit(command string, timeout time.Duration, cb func(Result)) *Future {
	if s.restartGate.Load() {
		return resolvedFuture(errorResult(ErrRestarting, -2))
	}
	if !s.running.Load() {
		return resolvedFuture(errorResult(ErrNotRunning, -3))
	}
	return s.submit(command, timeout, cb)
}

// submit bypasses the lifecycle gate; Start uses it for warm-up and
// restore while the gate may still be closed.
func (s *Shell) submit(command string, timeout time.Duration, cb func(Result)) *Future {
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}

	// Record first, then enqueue: the demultiplexer must know the command
	// before any of its output can arrive.
	rec := s.tracker.add(timeout, cb)
	packet := buildPacket(s.adapter, string(rec.beginMarker), string(rec.endMarker), command)

	s.log.Debugw("submitting command", "ID", rec.id, "Bytes", len(packet))
	if !s.pump.enqueue(packet) {
		s.tracker.fail(rec.id, ErrNotRunning)
	}
	return rec.fut
}

// Execute submits and blocks for the result.
func (s *Shell) Execute(command string, timeout time.Duration) Result {
	return s.Submit(command, timeout, nil).Result()
}

// ExecuteAsync is Submit under the name the façade traditionally exports.
func (s *Shell) ExecuteAsync(command string, timeout time.Duration, cb func(Result)) *Future {
	return s.Submit(command, timeout, cb)
}

// ExecuteBatch runs commands sequentially, reporting progress after each
// one. Execution continues past failed commands.
func (s *Shell) ExecuteBatch(commands []string, timeout time.Duration, progress func(BatchProgress)) []Result {
	results := make([]Result, 0, len(commands))
	for i, cmd := range commands {
		res := s.Execute(cmd, timeout)
		results = append(results, res)
		if progress != nil {
			progress(BatchProgress{
				CurrentCommand: i,
				TotalCommands:  len(commands),
				LastResult:     res,
			})
		}
	}
	if progress != nil {
		progress(BatchProgress{
			CurrentCommand: len(commands),
			TotalCommands:  len(commands),
			IsComplete:     true,
			AllResults:     results,
		})
	}
	return results
}

// OnStop registers a hook invoked exactly once when the shell stops.
func (s *Shell) OnStop(f func()) {
	s.hooksMu.Lock()
	s.stopHooks = append(s.stopHooks, f)
	s.hooksMu.Unlock()
}

// handleCommandTimeout is the tracker's timeout hook: schedule a full
// subprocess restart when configured to.
func (s *Shell) handleCommandTimeout() {
	if !s.cfg.AutoRestartOnTimeout {
		return
	}
	s.requestRestartAsync(true)
}

// requestRestartAsync performs stop+start on a dedicated goroutine behind
// the lifecycle gate. Submits racing the restart fail with ErrRestarting.
func (s *Shell) requestRestartAsync(force bool) {
	if !s.restartGate.CompareAndSwap(false, true) {
		s.log.Debug("restart already pending")
		return
	}
	go func() {
		defer s.restartGate.Store(false)
		s.log.Debug("restarting interpreter")
		if err := s.Stop(force); err != nil {
			s.log.Debugf("restart stop error: %s", err)
		}
		if err := s.Start(); err != nil {
			s.log.Debugf("restart start failed: %s", err)
		}
	}()
}

// Stop shuts the shell down: stops the I/O goroutines, asks the
// interpreter to exit, closes the pipes to unblock readers, fails every
// in-flight command with ErrAborted and waits up to the grace period for
// the child to exit — terminating it when force is set. Stop is
// idempotent and must not be called from a result callback.
func (s *Shell) Stop(force bool) error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stopLocked(force)
}

func (s *Shell) stopLocked(force bool) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	s.log.Debugw("stopping shell", "Force", force)

	// Cooperative shutdown first: stop accepting writes, ask the child to
	// exit while its stdin still works.
	s.pump.stop()
	if exit := s.adapter.ExitCommand(); exit != "" {
		_, _ = s.proc.stdin.Write([]byte(exit + "\n"))
	}

	// Closing the parent ends breaks any reader still blocked in Read and
	// delivers EOF to the child.
	s.proc.closePipes()
	s.pump.join()

	close(s.scannerStop)
	s.scannerWG.Wait()
	close(s.monitorStop)

	s.tracker.failAll(ErrAborted)

	var err error
	if !s.proc.awaitExit(s.cfg.StopGracePeriod, force) {
		err = multierr.Append(err, errors.New("interpreter did not exit within grace period"))
	}

	s.hooksMu.Lock()
	hooks := s.stopHooks
	s.stopHooks = nil
	s.hooksMu.Unlock()
	for _, f := range hooks {
		f()
	}

	s.log.Debug("shell stopped")
	return err
}
