package shell

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTracker(t *testing.T, onTimeout func()) *tracker {
	t.Helper()
	return newTracker(zap.NewNop().Sugar(), onTimeout)
}

// framed wraps body in the markers of command id, the way the interpreter
// emits them.
func framed(id uint64, body string) string {
	beg, end := markersFor(id)
	return string(beg) + "\n" + body + string(end) + "\n"
}

func TestTrackerDemux(t *testing.T) {
	cases := []struct {
		name      string
		commands  int
		chunks    func(ids []uint64) []string
		expStdout []string
	}{
		{
			name:     "single command single chunk",
			commands: 1,
			chunks: func(ids []uint64) []string {
				return []string{framed(ids[0], "hello\n")}
			},
			expStdout: []string{"hello\n"},
		},
		{
			name:     "output split across chunks",
			commands: 1,
			chunks: func(ids []uint64) []string {
				whole := framed(ids[0], "hello world\n")
				return []string{whole[:5], whole[5:9], whole[9:]}
			},
			expStdout: []string{"hello world\n"},
		},
		{
			name:     "marker split across chunks",
			commands: 1,
			chunks: func(ids []uint64) []string {
				whole := framed(ids[0], "data\n")
				cut := strings.Index(whole, "SS_END") + 3
				return []string{whole[:cut], whole[cut:]}
			},
			expStdout: []string{"data\n"},
		},
		{
			name:     "two completions in one chunk",
			commands: 2,
			chunks: func(ids []uint64) []string {
				return []string{framed(ids[0], "a\n") + framed(ids[1], "b\n")}
			},
			expStdout: []string{"a\n", "b\n"},
		},
		{
			name:     "noise before begin marker is discarded",
			commands: 1,
			chunks: func(ids []uint64) []string {
				return []string{"interpreter banner junk\n" + framed(ids[0], "clean\n")}
			},
			expStdout: []string{"clean\n"},
		},
		{
			name:     "crlf after markers",
			commands: 1,
			chunks: func(ids []uint64) []string {
				beg, end := markersFor(ids[0])
				return []string{string(beg) + "\r\n" + "out\r\n" + string(end) + "\r\n"}
			},
			expStdout: []string{"out\r\n"},
		},
		{
			name:     "carry after end marker belongs to next command",
			commands: 2,
			chunks: func(ids []uint64) []string {
				whole := framed(ids[0], "first\n") + framed(ids[1], "second\n")
				cut := strings.Index(whole, "second")
				return []string{whole[:cut], whole[cut:]}
			},
			expStdout: []string{"first\n", "second\n"},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tr := newTestTracker(t, nil)

			var cmds []*command
			var ids []uint64
			for i := 0; i < c.commands; i++ {
				cmd := tr.add(0, nil)
				cmds = append(cmds, cmd)
				ids = append(ids, cmd.id)
			}

			for _, chunk := range c.chunks(ids) {
				tr.onStdout([]byte(chunk))
			}

			for i, cmd := range cmds {
				select {
				case <-cmd.fut.Done():
				default:
					t.Fatalf("command %d not resolved", i)
				}
				res := cmd.fut.Result()
				assert.True(t, res.Success)
				assert.Equal(t, 0, res.ExitCode)
				assert.Equal(t, c.expStdout[i], res.Stdout)
			}
			assert.Zero(t, tr.inflightCount())
		})
	}
}

func TestTrackerResolvesInSubmitOrder(t *testing.T) {
	tr := newTestTracker(t, nil)

	var orderSeen []uint64
	a := tr.add(0, func(Result) { orderSeen = append(orderSeen, 1) })
	b := tr.add(0, func(Result) { orderSeen = append(orderSeen, 2) })

	tr.onStdout([]byte(framed(a.id, "a\n") + framed(b.id, "b\n")))

	require.Equal(t, []uint64{1, 2}, orderSeen)
	assert.Equal(t, "a\n", a.fut.Result().Stdout)
	assert.Equal(t, "b\n", b.fut.Result().Stdout)
}

func TestTrackerPreBufferCapped(t *testing.T) {
	tr := newTestTracker(t, nil)
	cmd := tr.add(0, nil)

	junk := strings.Repeat("x", 64*1024)
	for i := 0; i < 8; i++ {
		tr.onStdout([]byte(junk))
	}

	tr.mu.Lock()
	assert.LessOrEqual(t, len(cmd.preBuf), preBufferCap)
	tr.mu.Unlock()

	// The marker still demultiplexes after the trim.
	tr.onStdout([]byte(framed(cmd.id, "late\n")))
	assert.Equal(t, "late\n", cmd.fut.Result().Stdout)
}

func TestTrackerStderrGoesToHead(t *testing.T) {
	tr := newTestTracker(t, nil)
	a := tr.add(0, nil)
	b := tr.add(0, nil)

	tr.onStderr([]byte("oops\n"))
	tr.onStdout([]byte(framed(a.id, "") + framed(b.id, "")))

	assert.Equal(t, "oops\n", a.fut.Result().Stderr)
	assert.Empty(t, b.fut.Result().Stderr)
}

func TestTrackerStderrDroppedWhenIdle(t *testing.T) {
	tr := newTestTracker(t, nil)

	tr.onStderr([]byte("nobody is listening\n"))

	tr.mu.Lock()
	assert.Equal(t, uint64(1), tr.droppedStderrChunks)
	tr.mu.Unlock()
}

func TestTrackerTimeoutSentinel(t *testing.T) {
	t.Run("unexpected sentinel times out head", func(t *testing.T) {
		timeouts := 0
		tr := newTestTracker(t, func() { timeouts++ })
		cmd := tr.add(0, nil)

		tr.onStderr([]byte("before " + timeoutSentinel + "\nafter"))

		res := cmd.fut.Result()
		assert.False(t, res.Success)
		assert.Equal(t, -1, res.ExitCode)
		assert.ErrorIs(t, res.Err, ErrTimedOut)
		// The sentinel itself never reaches user-visible output.
		assert.NotContains(t, res.Stderr, timeoutSentinel)
		assert.Equal(t, 1, timeouts)
	})

	t.Run("expected sentinel is swallowed", func(t *testing.T) {
		tr := newTestTracker(t, func() { t.Fatal("timeout hook must not fire") })
		tr.mu.Lock()
		tr.pendingSentinels = 1
		tr.mu.Unlock()

		cmd := tr.add(0, nil)
		tr.onStderr([]byte(timeoutSentinel + "\n"))
		tr.onStdout([]byte(framed(cmd.id, "fine\n")))

		res := cmd.fut.Result()
		assert.True(t, res.Success)
		assert.NotContains(t, res.Stderr, timeoutSentinel)
	})
}

func TestTrackerDeadlineExpiry(t *testing.T) {
	timeouts := 0
	tr := newTestTracker(t, func() { timeouts++ })

	expiring := tr.add(10*time.Millisecond, nil)
	patient := tr.add(time.Hour, nil)

	n := tr.expireDeadlines(time.Now().Add(time.Second))
	require.Equal(t, 1, n)

	res := expiring.fut.Result()
	assert.ErrorIs(t, res.Err, ErrTimedOut)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, 1, timeouts)

	select {
	case <-patient.fut.Done():
		t.Fatal("command with future deadline must stay in flight")
	default:
	}

	tr.mu.Lock()
	assert.Equal(t, 1, tr.pendingSentinels)
	tr.mu.Unlock()

	// Late output for the expired command is discarded, not delivered to
	// the next command.
	tr.onStdout([]byte(framed(expiring.id, "late\n")))
	tr.onStdout([]byte(framed(patient.id, "ok\n")))
	assert.Equal(t, "ok\n", patient.fut.Result().Stdout)
}

func TestTrackerFailAll(t *testing.T) {
	tr := newTestTracker(t, nil)
	var futs []*Future
	for i := 0; i < 3; i++ {
		futs = append(futs, tr.add(0, nil).fut)
	}

	tr.failAll(ErrAborted)

	for _, f := range futs {
		res := f.Result()
		assert.ErrorIs(t, res.Err, ErrAborted)
		assert.False(t, res.Success)
	}
	assert.Zero(t, tr.inflightCount())
}

func TestTrackerCallbackPanicIsSwallowed(t *testing.T) {
	tr := newTestTracker(t, nil)
	cmd := tr.add(0, func(Result) { panic("callback bug") })

	require.NotPanics(t, func() {
		tr.onStdout([]byte(framed(cmd.id, "x\n")))
	})
	assert.True(t, cmd.fut.Result().Success)
}

func TestMarkerFormat(t *testing.T) {
	beg, end := markersFor(42)
	assert.Equal(t, "<<<SS_BEG_42>>>", string(beg))
	assert.Equal(t, "<<<SS_END_42>>>", string(end))
}

func TestMonotonicIDs(t *testing.T) {
	tr := newTestTracker(t, nil)
	var last uint64
	for i := 0; i < 100; i++ {
		cmd := tr.add(0, nil)
		require.Greater(t, cmd.id, last, fmt.Sprintf("iteration %d", i))
		last = cmd.id
	}
}
