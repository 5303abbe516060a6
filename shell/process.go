package shell

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// process wraps the spawned interpreter child and the parent-side pipe
// ends. The child-side ends are closed right after spawn so EOF
// propagates naturally when either side goes away.
type process struct {
	log *zap.SugaredLogger
	cmd *exec.Cmd

	stdin  *os.File // write end of the child's stdin
	stdout *os.File // read end of the child's stdout
	stderr *os.File // read end of the child's stderr

	exited  chan struct{}
	exitErr error
}

// spawn builds the pipe triple, starts the interpreter with its stdio
// wired to the child-side ends, and begins reaping it in the background.
func spawn(log *zap.SugaredLogger, adapter Adapter, cfg Config) (*process, error) {
	path := cfg.InterpreterPath
	if path == "" {
		path = adapter.DefaultPath()
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	cmd := exec.Command(path, adapter.Args()...)
	cmd.Dir = cfg.WorkingDir
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if len(cfg.Environment) > 0 {
		cmd.Env = append(os.Environ(), envList(cfg.Environment)...)
	}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}

	// The parent keeps only its own ends; holding the child-side ends
	// open would defeat EOF detection in the reader loops.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	p := &process{
		log:    log,
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		exited: make(chan struct{}),
	}

	go func() {
		p.exitErr = cmd.Wait()
		p.log.Debugw("interpreter exited", "Pid", cmd.Process.Pid, "Error", p.exitErr)
		close(p.exited)
	}()

	p.log.Debugw("spawned interpreter", "Path", path, "Pid", cmd.Process.Pid)
	return p, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// alive reports whether the child has not been reaped yet.
func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// closePipes closes the parent-side ends, unblocking any reader or writer
// still parked on them.
func (p *process) closePipes() {
	p.stdin.Close()
	p.stdout.Close()
	p.stderr.Close()
}

// awaitExit waits up to grace for the child to exit. When force is set and
// the grace period lapses, the child gets SIGTERM and then SIGKILL.
func (p *process) awaitExit(grace time.Duration, force bool) bool {
	select {
	case <-p.exited:
		return true
	case <-time.After(grace):
	}
	if !force {
		return false
	}

	p.log.Debugw("forcing interpreter termination", "Pid", p.cmd.Process.Pid)
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.exited:
		return true
	case <-time.After(500 * time.Millisecond):
	}
	_ = p.cmd.Process.Kill()
	<-p.exited
	return true
}
