package plasmite

import (
	"sync/atomic"
	"unsafe"
)

// poolMagic identifies a plasmite pool file.
const poolMagic uint64 = 0x706c736d69746531 // "plsmite1"

// formatVersion is bumped whenever the on-disk layout changes
// incompatibly; open_pool rejects a mismatch as Corrupt (wrong format,
// not a readable-but-stale pool).
const formatVersion uint32 = 1

// endianLittle is the only endianness this implementation writes; the flag
// is still stored explicitly so a pool produced on a big-endian host (by
// some future port) is rejected rather than silently misread (§6).
const endianLittle uint32 = 1

// flag bits stored in poolHeader.Flags.
const (
	flagIndexEnabled    uint32 = 1 << 0
	flagChecksumDefault uint32 = 1 << 1
)

// headerRegionSize is the fixed, power-of-two-aligned size of the header
// region (§3). The struct below is a small fraction of it; the remainder
// is reserved, zeroed space for forward-compatible fields.
const headerRegionSize = 4096

// indexEntrySize is the fixed size of one inline index entry (§4.7):
// seq, ring-relative offset, payload length, timestamp, flags.
const indexEntrySize = uint64(unsafe.Sizeof(indexEntryRaw{}))

type indexEntryRaw struct {
	Seq         uint64
	Offset      uint64
	TimestampNs uint64
	PayloadLen  uint32
	Flags       uint32
}

// poolHeader is the fixed-size header at file offset 0, overlaid directly
// on mmap'd bytes via unsafe.Pointer on the reserved header page. The
// first block (Magic..MaxPayloadAbs)
// is written once at create time and never changes; the second block is
// the atomic state mutated by the single writer holding the lock and read
// by lock-free readers with acquire semantics (Go's atomic package gives
// sequential consistency, a strictly stronger guarantee than required).
type poolHeader struct {
	Magic         uint64
	Version       uint32
	Endianness    uint32
	HeaderLen     uint32
	Flags         uint32
	RingOff       uint64
	RingSize      uint64
	IndexOff      uint64
	IndexCapacity uint64
	MaxPayloadAbs uint64

	HeadOff     atomic.Uint64
	TailOff     atomic.Uint64
	NewestSeq   atomic.Uint64
	OldestSeq   atomic.Uint64
	MsgCount    atomic.Uint64
	UsedBytes   atomic.Uint64
	IndexHead   atomic.Uint64
	IndexTail   atomic.Uint64
	Generation  atomic.Uint64
	CorruptFlag atomic.Uint32
}

const poolHeaderStructSize = uint64(unsafe.Sizeof(poolHeader{}))

func init() {
	if poolHeaderStructSize > headerRegionSize {
		panic("plasmite: poolHeader struct no longer fits headerRegionSize")
	}
}

// headerAt overlays a *poolHeader on the start of an mmap'd file.
func headerAt(base []byte) *poolHeader {
	return (*poolHeader)(unsafe.Pointer(&base[0]))
}

func (h *poolHeader) indexEnabled() bool {
	return h.Flags&flagIndexEnabled != 0
}

func (h *poolHeader) checksumEnabled() bool {
	return h.Flags&flagChecksumDefault != 0
}

// validateHeader checks magic/version/endianness and basic layout
// consistency; called on every open_pool (§4.3).
func validateHeader(h *poolHeader, fileSize uint64) error {
	if h.Magic != poolMagic {
		return newError(KindCorrupt, "open_pool", "", withHint("bad magic: not a plasmite pool file"))
	}
	if h.Version != formatVersion {
		return newError(KindCorrupt, "open_pool", "", withHint("unsupported format version"))
	}
	if h.Endianness != endianLittle {
		return newError(KindCorrupt, "open_pool", "", withHint("endianness mismatch"))
	}
	if h.HeaderLen != headerRegionSize {
		return newError(KindCorrupt, "open_pool", "", withHint("unexpected header region size"))
	}
	if h.RingOff+h.RingSize > fileSize {
		return newError(KindCorrupt, "open_pool", "", withHint("ring region exceeds file size"))
	}
	if h.indexEnabled() {
		indexRegionLen := h.IndexCapacity * indexEntrySize
		if h.IndexOff+indexRegionLen > h.RingOff {
			return newError(KindCorrupt, "open_pool", "", withHint("index region overlaps ring region"))
		}
	}
	return nil
}

// snapshotState is an immutable, non-atomic copy of the header's mutable
// fields taken at a single instant. The append planner (a pure function)
// operates on this value rather than on live atomics so its logic stays
// testable without mmap'd memory.
type snapshotState struct {
	HeadOff       uint64
	TailOff       uint64
	NewestSeq     uint64
	OldestSeq     uint64
	MsgCount      uint64
	UsedBytes     uint64
	IndexHead     uint64
	IndexTail     uint64
	RingSize      uint64
	IndexCapacity uint64
	IndexEnabled  bool
	MaxPayloadAbs uint64
}

func (h *poolHeader) snapshot() snapshotState {
	return snapshotState{
		HeadOff:       h.HeadOff.Load(),
		TailOff:       h.TailOff.Load(),
		NewestSeq:     h.NewestSeq.Load(),
		OldestSeq:     h.OldestSeq.Load(),
		MsgCount:      h.MsgCount.Load(),
		UsedBytes:     h.UsedBytes.Load(),
		IndexHead:     h.IndexHead.Load(),
		IndexTail:     h.IndexTail.Load(),
		RingSize:      h.RingSize,
		IndexCapacity: h.IndexCapacity,
		IndexEnabled:  h.indexEnabled(),
		MaxPayloadAbs: h.MaxPayloadAbs,
	}
}
