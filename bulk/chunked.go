package bulk

import (
	"errors"
	"time"

	"github.com/Chamoswor/virtualshell/internal/ipc"
)

// Chunked transfer moves payloads larger than the frame capacity through
// the channel one chunk (at most the frame capacity) at a time. The writer publishes the
// overall shape (total size, chunk size, chunk count) in the header's
// chunk fields, then streams chunks with a request/ack handshake per
// chunk. This is the extended header profile; peers built against the base
// profile see the chunk fields as reserved bytes.

// WriteChunked sends payload in chunks of chunkSize bytes. The timeout
// applies to each step (lock acquisition and each ack wait), not to the
// whole transfer. The transfer aborts with StatusTimeout if the reader
// fails to ack a chunk in time.
func (c *Channel) WriteChunked(d Direction, payload []byte, chunkSize uint64, timeout time.Duration) Status {
	if chunkSize == 0 || chunkSize > c.frameBytes {
		return StatusInvalidArg
	}
	total := uint64(len(payload))
	count := (total + chunkSize - 1) / chunkSize
	if count == 0 {
		count = 1
	}

	if st := c.lock(timeout); st != StatusOK {
		return st
	}
	c.hdr.setChunkField(offChunkTotalSize, total)
	c.hdr.setChunkField(offChunkSize, chunkSize)
	c.hdr.setChunkField(offChunkCount, count)
	c.hdr.setChunkField(offChunkValid, 1)
	if err := c.mtx.Unlock(); err != nil {
		return StatusSystemError
	}

	for k := uint64(0); k < count; k++ {
		off := k * chunkSize
		end := off + chunkSize
		if end > total {
			end = total
		}
		chunk := payload[off:end]

		// Snapshot the ack count before the chunk becomes visible: a fast
		// reader may consume and ack it the moment the sequence bumps.
		ackSeen := c.ack[d].Peek()

		if st := c.lock(timeout); st != StatusOK {
			return st
		}
		copy(c.region(d), chunk)
		c.hdr.setChunkField(offChunkOffset, off)
		c.hdr.setChunkField(offChunkLength, uint64(len(chunk)))
		c.hdr.setChunkField(offChunkIndex, k)
		c.hdr.setLength(d, uint64(len(chunk)))
		c.hdr.incSeq(d)
		if err := c.mtx.Unlock(); err != nil {
			return StatusSystemError
		}

		c.req[d].Set()

		if err := c.ack[d].Wait(ackSeen, timeout); err != nil {
			if errors.Is(err, ipc.ErrEventTimeout) {
				c.log.Debugw("chunk ack timed out", "Direction", d.String(), "Chunk", k, "Count", count)
				return StatusTimeout
			}
			return StatusSystemError
		}
	}

	if st := c.lock(timeout); st != StatusOK {
		return st
	}
	c.hdr.setChunkField(offChunkValid, 0)
	if err := c.mtx.Unlock(); err != nil {
		return StatusSystemError
	}
	return StatusOK
}

// ReadChunked receives one chunked transfer and reassembles it. The
// timeout applies per chunk. Each consumed chunk is acked so the writer
// can overwrite the region with the next one.
func (c *Channel) ReadChunked(d Direction, timeout time.Duration) ([]byte, Status) {
	var (
		buf      []byte
		total    uint64
		count    uint64
		received uint64
	)

	for {
		if st := c.waitForSeq(d, timeout); st != StatusOK {
			return nil, st
		}
		if st := c.lock(timeout); st != StatusOK {
			return nil, st
		}

		if c.hdr.chunkField(offChunkValid) == 0 {
			c.mtx.Unlock()
			return nil, StatusBadState
		}
		if buf == nil {
			total = c.hdr.chunkField(offChunkTotalSize)
			count = c.hdr.chunkField(offChunkCount)
			if count == 0 {
				c.mtx.Unlock()
				return nil, StatusBadState
			}
			buf = make([]byte, total)
		}

		off := c.hdr.chunkField(offChunkOffset)
		length := c.hdr.chunkField(offChunkLength)
		index := c.hdr.chunkField(offChunkIndex)
		if length > c.frameBytes || off+length > total || index != received {
			c.mtx.Unlock()
			return nil, StatusBadState
		}

		copy(buf[off:off+length], c.region(d))
		c.lastConsumed[d] = c.hdr.seq(d)

		if err := c.mtx.Unlock(); err != nil {
			return nil, StatusSystemError
		}
		c.ack[d].Set()

		received++
		if received == count {
			c.log.Debugw("chunked transfer complete", "Direction", d.String(), "Bytes", total, "Chunks", count)
			return buf, StatusOK
		}
	}
}
