package plasmite

import (
	"hash/crc32"
	"sync/atomic"
	"unsafe"
)

// frameMagic tags the start of every frame slot so a scan can recognize a
// frame header versus arbitrary/garbage bytes.
const frameMagic uint32 = 0x504d4631 // "PMF1"

// frameState is the publish gate. A frame becomes visible to readers only
// once its state field transitions to frameCommitted with a release store;
// that single store is the sole publish point in the whole append path.
type frameState uint32

const (
	frameEmpty     frameState = 0
	frameWriting   frameState = 1
	frameCommitted frameState = 2
	frameWrap      frameState = 3
)

func (s frameState) valid() bool {
	return s == frameEmpty || s == frameWriting || s == frameCommitted || s == frameWrap
}

// flagChecksumPresent marks that frameHeader.Crc32c holds a CRC32C of the
// payload bytes, computed with the Castagnoli polynomial.
const flagChecksumPresent uint32 = 1 << 0

// frameHeader is the fixed, 8-byte-aligned header written at the start of
// every ring slot. It is overlaid directly on mmap'd bytes via
// unsafe.Pointer to turn a raw mmap base address into addressable Go
// memory.
type frameHeader struct {
	Magic         uint32
	State         atomic.Uint32
	HeaderLen     uint32
	Flags         uint32
	Seq           uint64
	TimestampNs   uint64
	PayloadLen    uint32
	PayloadLenXor uint32
	Crc32c        uint32
	_pad          uint32
}

const frameHeaderSize = uint64(unsafe.Sizeof(frameHeader{}))

// align8 rounds n up to the next multiple of 8, matching the "8-byte
// aligned at its start" requirement on every frame (§3).
func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// frameAt overlays a *frameHeader on the ring buffer bytes at the given
// ring-relative offset. Callers must ensure off+frameHeaderSize is within
// ring bounds before dereferencing fields.
func frameAt(ring []byte, off uint64) *frameHeader {
	return (*frameHeader)(unsafe.Pointer(&ring[off]))
}

// payloadAt returns the payload slice for a frame whose header starts at
// off, given the already-validated payload length.
func payloadAt(ring []byte, off uint64, payloadLen uint32) []byte {
	start := off + frameHeaderSize
	return ring[start : start+uint64(payloadLen)]
}

// crc32cTable is the Castagnoli CRC32 table, the variant that hardware
// CRC32 instructions accelerate; used here purely as a correctness check,
// not for its hardware speed (no SIMD-specific library is part of the
// retrieved pack, so this is the checksum's only home: stdlib hash/crc32,
// grounded in the fact that no pack repo implements its own CRC32C).
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func checksumPayload(payload []byte) uint32 {
	return crc32.Checksum(payload, crc32cTable)
}

// frameTotalSize returns the 8-byte-aligned total size (header + payload)
// a frame with the given payload length occupies in the ring.
func frameTotalSize(payloadLen uint64) uint64 {
	return align8(frameHeaderSize + payloadLen)
}

// validateFrameHeader applies the structural checks a reader must perform
// before trusting a frame's fields (§4.1): magic, header_len forward-compat
// echo, the payload_len/payload_len_xor integrity guard, the payload bound
// against ring size, and that state is one of the enumerated values.
func validateFrameHeader(h *frameHeader, ringSize uint64, off uint64) bool {
	if h.Magic != frameMagic {
		return false
	}
	if uint64(h.HeaderLen) != frameHeaderSize {
		return false
	}
	if h.PayloadLen^h.PayloadLenXor != 0xFFFFFFFF {
		return false
	}
	state := frameState(h.State.Load())
	if !state.valid() {
		return false
	}
	total := frameTotalSize(uint64(h.PayloadLen))
	if off+total > ringSize {
		return false
	}
	return true
}

// frameSnapshot is a byte-for-byte copy of a frameHeader's logical fields,
// used by the cursor's double-header stable-snapshot read (§4.8). It
// deliberately copies State as a plain value (not atomic.Uint32) so two
// snapshots can be compared with ==.
type frameSnapshot struct {
	Magic         uint32
	State         frameState
	HeaderLen     uint32
	Flags         uint32
	Seq           uint64
	TimestampNs   uint64
	PayloadLen    uint32
	PayloadLenXor uint32
	Crc32c        uint32
}

func snapshotFrame(h *frameHeader) frameSnapshot {
	return frameSnapshot{
		Magic:         h.Magic,
		State:         frameState(h.State.Load()),
		HeaderLen:     h.HeaderLen,
		Flags:         h.Flags,
		Seq:           h.Seq,
		TimestampNs:   h.TimestampNs,
		PayloadLen:    h.PayloadLen,
		PayloadLenXor: h.PayloadLenXor,
		Crc32c:        h.Crc32c,
	}
}
