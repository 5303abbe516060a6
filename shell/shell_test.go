package shell

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLog *zap.Logger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	testLog = l
}

// newTestShell starts a shell against sh(1) so the integration tests run
// on any POSIX host without an external interpreter.
func newTestShell(t *testing.T, opts ...Option) *Shell {
	t.Helper()
	base := []Option{
		WithAdapter(POSIXShell{}),
		WithLogger(testLog),
		WithDefaultTimeout(10 * time.Second),
		WithAutoRestart(false),
	}
	s := New(append(base, opts...)...)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		s.Stop(true)
	})
	return s
}

func TestExecute(t *testing.T) {
	s := newTestShell(t)

	cases := []struct {
		name      string
		cmd       string
		expStdout string
		expStderr string
	}{
		{
			name:      "print literal",
			cmd:       "echo hi",
			expStdout: "hi\n",
		},
		{
			name:      "multiline output",
			cmd:       "printf 'one\\ntwo\\n'",
			expStdout: "one\ntwo\n",
		},
		{
			name:      "stdout and stderr",
			cmd:       "printf foo; printf bar 1>&2",
			expStdout: "foo",
			expStderr: "bar",
		},
		{
			name:      "empty output",
			cmd:       "true",
			expStdout: "",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := s.Execute(c.cmd, 0)
			require.True(t, res.Success, "stderr: %s", res.Stderr)
			assert.Equal(t, 0, res.ExitCode)
			assert.Equal(t, c.expStdout, res.Stdout)
			assert.Equal(t, c.expStderr, res.Stderr)
			assert.Greater(t, res.ExecutionTime, time.Duration(0))
		})
	}
}

func TestSubmitOrderPreserved(t *testing.T) {
	s := newTestShell(t)

	a := s.Submit(`echo a`, 0, nil)
	b := s.Submit(`echo b`, 0, nil)

	resA := a.Result()
	// A must already be resolved when B is: completion strictly follows
	// submit order.
	resB := b.Result()
	select {
	case <-a.Done():
	default:
		t.Fatal("a not resolved before b")
	}

	require.True(t, resA.Success)
	require.True(t, resB.Success)
	assert.Equal(t, "a\n", resA.Stdout)
	assert.Equal(t, "b\n", resB.Stdout)
}

func TestTimeout(t *testing.T) {
	s := newTestShell(t)

	start := time.Now()
	res := s.Execute("sleep 5", 500*time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
	assert.ErrorIs(t, res.Err, ErrTimedOut)
	assert.Empty(t, res.Stdout)
	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestRestartAfterTimeout(t *testing.T) {
	s := newTestShell(t, WithAutoRestart(true), WithStopGracePeriod(time.Second))

	res := s.Execute("sleep 5", 300*time.Millisecond)
	require.ErrorIs(t, res.Err, ErrTimedOut)

	// The restart runs asynchronously behind the lifecycle gate.
	require.Eventually(t, func() bool {
		return !s.IsRestarting() && s.IsAlive()
	}, 10*time.Second, 20*time.Millisecond, "shell did not come back after restart")

	res = s.Execute("echo back", 0)
	require.True(t, res.Success, "stderr: %s", res.Stderr)
	assert.Equal(t, "back\n", res.Stdout)
}

func TestConcurrentSubmits(t *testing.T) {
	s := newTestShell(t)

	const n = 16
	futs := make([]*Future, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			futs[i] = s.Submit(fmt.Sprintf("echo line-%d", i), 0, nil)
		}()
	}
	wg.Wait()

	for i, fut := range futs {
		res := fut.Result()
		require.True(t, res.Success, "command %d stderr: %s", i, res.Stderr)
		assert.Equal(t, fmt.Sprintf("line-%d\n", i), res.Stdout)
	}
}

func TestStopFailsInflight(t *testing.T) {
	s := newTestShell(t, WithStopGracePeriod(time.Second))

	fut := s.Submit("sleep 10", -1, nil)

	// Give the writer a moment to hand the packet to the interpreter.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Stop(true))

	res := fut.Result()
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrAborted)
	assert.Less(t, time.Since(start), 6*time.Second)
}

func TestStopIdempotent(t *testing.T) {
	s := newTestShell(t)

	require.NoError(t, s.Stop(true))
	require.NoError(t, s.Stop(true))
	assert.False(t, s.IsAlive())

	res := s.Execute("echo nope", 0)
	assert.ErrorIs(t, res.Err, ErrNotRunning)
	assert.Equal(t, -3, res.ExitCode)
}

func TestSubmitBeforeStart(t *testing.T) {
	s := New(WithAdapter(POSIXShell{}), WithLogger(testLog))

	res := s.Execute("echo early", 0)
	assert.ErrorIs(t, res.Err, ErrNotRunning)
	assert.Equal(t, -3, res.ExitCode)
}

func TestExecuteBatch(t *testing.T) {
	s := newTestShell(t)

	var progress []BatchProgress
	results := s.ExecuteBatch([]string{"echo one", "echo two", "echo three"}, 0, func(p BatchProgress) {
		progress = append(progress, p)
	})

	require.Len(t, results, 3)
	assert.Equal(t, "one\n", results[0].Stdout)
	assert.Equal(t, "two\n", results[1].Stdout)
	assert.Equal(t, "three\n", results[2].Stdout)

	require.Len(t, progress, 4)
	assert.False(t, progress[0].IsComplete)
	final := progress[len(progress)-1]
	assert.True(t, final.IsComplete)
	assert.Len(t, final.AllResults, 3)
}

func TestCallbackFires(t *testing.T) {
	s := newTestShell(t)

	done := make(chan Result, 1)
	fut := s.Submit("echo cb", 0, func(r Result) { done <- r })

	select {
	case res := <-done:
		assert.Equal(t, "cb\n", res.Stdout)
	case <-time.After(5 * time.Second):
		t.Fatal("callback did not fire")
	}
	assert.True(t, fut.Result().Success)
}

func TestOnStopHookFiresOnce(t *testing.T) {
	s := newTestShell(t)

	fired := 0
	s.OnStop(func() { fired++ })

	require.NoError(t, s.Stop(true))
	require.NoError(t, s.Stop(true))
	assert.Equal(t, 1, fired)
}

func TestEnvironmentMerged(t *testing.T) {
	s := newTestShell(t, WithEnv(map[string]string{"VSHELL_TEST_VAR": "merged"}))

	res := s.Execute(`printf '%s\n' "$VSHELL_TEST_VAR"`, 0)
	require.True(t, res.Success, "stderr: %s", res.Stderr)
	assert.Equal(t, "merged\n", res.Stdout)
}

func TestWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	s := newTestShell(t, WithWorkingDir(dir))

	res := s.Execute("pwd", 0)
	require.True(t, res.Success, "stderr: %s", res.Stderr)
	assert.Contains(t, res.Stdout, dir)
}

func TestStartupCommands(t *testing.T) {
	s := newTestShell(t, WithStartupCommands("VSHELL_STATE=primed"))

	res := s.Execute(`printf '%s\n' "$VSHELL_STATE"`, 0)
	require.True(t, res.Success)
	assert.Equal(t, "primed\n", res.Stdout)
}

func TestIsAlive(t *testing.T) {
	s := newTestShell(t)
	assert.True(t, s.IsAlive())

	require.NoError(t, s.Stop(true))
	assert.False(t, s.IsAlive())
}
