package shell

import (
	"errors"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// readBufSize is the fixed per-reader buffer. Chunks handed to the tracker
// are views into it and must not be retained past the call.
const readBufSize = 32 * 1024

// writeQueueDepth bounds how many packets can sit in the writer queue
// before Submit briefly blocks on enqueue.
const writeQueueDepth = 256

// pump owns the three stdio goroutines: one writer draining the packet
// queue into the child's stdin, and one reader per output stream pushing
// chunks into the handler. It does not own the pipes; the engine closes
// them to unblock the readers during shutdown.
type pump struct {
	log *zap.SugaredLogger

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	handler func(isStderr bool, chunk []byte)

	writeCh chan []byte
	done    chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newPump(log *zap.SugaredLogger, stdin, stdout, stderr *os.File, handler func(bool, []byte)) *pump {
	return &pump{
		log:     log,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		handler: handler,
		writeCh: make(chan []byte, writeQueueDepth),
		done:    make(chan struct{}),
	}
}

func (p *pump) start() {
	p.wg.Add(3)
	go p.writerLoop()
	go p.readerLoop(p.stdout, false)
	go p.readerLoop(p.stderr, true)
}

// enqueue hands a packet to the writer. Returns false once the pump is
// shutting down.
func (p *pump) enqueue(packet []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.writeCh <- packet:
		return true
	case <-p.done:
		return false
	}
}

// stop requests cooperative shutdown. The engine closes the pipes
// afterwards; join waits for all three loops.
func (p *pump) stop() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

func (p *pump) join() {
	p.wg.Wait()
}

func (p *pump) writerLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			p.log.Debug("writer stopping")
			return
		case packet := <-p.writeCh:
			if err := p.writeAll(packet); err != nil {
				p.log.Debugf("writer got fatal error: %s", err)
				return
			}
		}
	}
}

// writeAll writes the whole packet, looping on short writes.
func (p *pump) writeAll(packet []byte) error {
	for len(packet) > 0 {
		n, err := p.stdin.Write(packet)
		packet = packet[n:]
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *pump) readerLoop(r *os.File, isStderr bool) {
	defer p.wg.Done()

	stream := "stdout"
	if isStderr {
		stream = "stderr"
	}

	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.handler(isStderr, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.log.Debugf("%s reader got error: %s", stream, err)
			} else {
				p.log.Debugf("%s reader finished", stream)
			}
			return
		}
	}
}
