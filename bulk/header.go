package bulk

import (
	"sync/atomic"
	"unsafe"
)

// Magic and Version identify the mapped region. The first 8 bytes of the
// header hold version<<32|magic; any other value means the region has not
// been initialized yet.
const (
	Magic   uint32 = 0x4D485356 // 'VSHM'
	Version uint32 = 1

	magicAndVersion = uint64(Version)<<32 | uint64(Magic)
)

// HeaderBytes is the fixed size of the channel header. The payload regions
// follow immediately after: [header][A→B region][B→A region].
const HeaderBytes = 128

// Header field offsets. Fields through bToALength are the stable base
// profile; the chunked-transfer fields and the event words occupy what the
// base profile declares as reserved space (the extended header profile).
const (
	offMagicAndVersion = 0
	offFrameBytes      = 8
	offAToBSeq         = 16
	offBToASeq         = 24
	offAToBLength      = 32
	offBToALength      = 40

	offChunkTotalSize = 48
	offChunkSize      = 56
	offChunkCount     = 64
	offChunkIndex     = 72
	offChunkOffset    = 80
	offChunkLength    = 88
	offChunkValid     = 96

	offEventA2BReq = 104
	offEventA2BAck = 108
	offEventB2AReq = 112
	offEventB2AAck = 116
)

// header provides atomic access to the fields of a mapped channel header.
// The mapping is page-aligned and every field offset is a multiple of its
// size, so the unsafe pointer casts below are aligned.
type header struct {
	base []byte
}

func (h header) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&h.base[off]))
}

func (h header) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&h.base[off]))
}

func (h header) magicAndVersion() uint64 { return atomic.LoadUint64(h.u64(offMagicAndVersion)) }
func (h header) frameBytes() uint64      { return atomic.LoadUint64(h.u64(offFrameBytes)) }

func (h header) seq(d Direction) uint64 {
	if d == HostToShell {
		return atomic.LoadUint64(h.u64(offAToBSeq))
	}
	return atomic.LoadUint64(h.u64(offBToASeq))
}

func (h header) incSeq(d Direction) uint64 {
	if d == HostToShell {
		return atomic.AddUint64(h.u64(offAToBSeq), 1)
	}
	return atomic.AddUint64(h.u64(offBToASeq), 1)
}

func (h header) length(d Direction) uint64 {
	if d == HostToShell {
		return atomic.LoadUint64(h.u64(offAToBLength))
	}
	return atomic.LoadUint64(h.u64(offBToALength))
}

func (h header) setLength(d Direction, v uint64) {
	if d == HostToShell {
		atomic.StoreUint64(h.u64(offAToBLength), v)
	} else {
		atomic.StoreUint64(h.u64(offBToALength), v)
	}
}

func (h header) chunkField(off int) uint64     { return atomic.LoadUint64(h.u64(off)) }
func (h header) setChunkField(off int, v uint64) { atomic.StoreUint64(h.u64(off), v) }

// HeaderSnapshot is a point-in-time copy of the mapped header, taken field
// by field with atomic loads.
type HeaderSnapshot struct {
	Magic      uint32
	Version    uint32
	FrameBytes uint64

	HostToShellSeq    uint64
	ShellToHostSeq    uint64
	HostToShellLength uint64
	ShellToHostLength uint64

	ChunkTotalSize uint64
	ChunkSize      uint64
	ChunkCount     uint64
	ChunkIndex     uint64
	ChunkOffset    uint64
	ChunkLength    uint64
	ChunkValid     bool
}

func (h header) snapshot() HeaderSnapshot {
	mv := h.magicAndVersion()
	return HeaderSnapshot{
		Magic:      uint32(mv),
		Version:    uint32(mv >> 32),
		FrameBytes: h.frameBytes(),

		HostToShellSeq:    h.seq(HostToShell),
		ShellToHostSeq:    h.seq(ShellToHost),
		HostToShellLength: h.length(HostToShell),
		ShellToHostLength: h.length(ShellToHost),

		ChunkTotalSize: h.chunkField(offChunkTotalSize),
		ChunkSize:      h.chunkField(offChunkSize),
		ChunkCount:     h.chunkField(offChunkCount),
		ChunkIndex:     h.chunkField(offChunkIndex),
		ChunkOffset:    h.chunkField(offChunkOffset),
		ChunkLength:    h.chunkField(offChunkLength),
		ChunkValid:     h.chunkField(offChunkValid) != 0,
	}
}
