package bulk

// Status is the result code of a channel operation. The numeric values are
// part of the wire-level contract and are shared with non-Go peers.
type Status int32

const (
	StatusOK             Status = 0
	StatusTimeout        Status = 1
	StatusWouldBlock     Status = 2
	StatusBufferTooSmall Status = 3
	StatusInvalidArg     Status = -1
	StatusSystemError    Status = -2
	StatusBadState       Status = -3
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusWouldBlock:
		return "would_block"
	case StatusBufferTooSmall:
		return "buffer_too_small"
	case StatusInvalidArg:
		return "invalid_arg"
	case StatusSystemError:
		return "system_error"
	case StatusBadState:
		return "bad_state"
	}
	return "unknown"
}
