package plasmite

import "unsafe"

// Inline seq index (§4.7): an optional fixed-capacity ring of
// (seq, offset, payload_len, timestamp_ns, flags) entries, giving Get(seq)
// O(1) lookup instead of a linear scan from tail_off. Addressed directly
// by seq % index_capacity rather than by walking from IndexHead/IndexTail;
// the stored Seq field is checked against the request so a stale or
// not-yet-written slot is detected rather than trusted.

// indexEntryAt overlays an *indexEntryRaw on the entry at slot within the
// mapped index region.
func indexEntryAt(index []byte, slot uint64) *indexEntryRaw {
	off := slot * indexEntrySize
	return (*indexEntryRaw)(unsafe.Pointer(&index[off]))
}

// indexLookup result: the ring offset and payload length of the frame
// holding seq, or found=false if the index has no (or a stale) entry for
// it — the caller falls back to a linear scan from tail_off.
type indexLookup struct {
	Offset     uint64
	PayloadLen uint32
	Found      bool
}

// lookupIndex consults the inline index for seq. capacity must be > 0;
// callers check IndexEnabled before calling this.
func lookupIndex(index []byte, capacity, seq uint64) indexLookup {
	slot := seq % capacity
	entry := indexEntryAt(index, slot)
	if entry.Seq != seq {
		return indexLookup{}
	}
	return indexLookup{Offset: entry.Offset, PayloadLen: entry.PayloadLen, Found: true}
}
