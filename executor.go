package plasmite

import "time"

// Append executor (§4.6): applies a writePlan against the live mmap'd
// ring under the writer lock, in commit-publish order — frame bytes
// first, then the commit marker, then the header
// update — and finally an optional flush before the lock is released.

// executeAppend applies plan to the pool's mapped regions and returns the
// resulting Message. Caller must hold the writer lock.
func (p *Pool) executeAppend(plan writePlan, payload []byte, tags []string, ts time.Time, durability Durability) (Message, error) {
	h := p.header
	ring := p.ring

	if plan.WrapNeeded {
		writeWrapFrame(ring, plan.WrapOffset, plan.WrapSize)
	}

	fh := frameAt(ring, plan.FrameOffset)
	fh.Magic = frameMagic
	fh.HeaderLen = uint32(frameHeaderSize)
	fh.Flags = 0
	if p.checksumEnabled {
		fh.Flags |= flagChecksumPresent
	}
	fh.Seq = plan.NewSeq
	fh.TimestampNs = uint64(ts.UnixNano())
	fh.PayloadLen = uint32(plan.PayloadLen)
	fh.PayloadLenXor = fh.PayloadLen ^ 0xFFFFFFFF
	fh.State.Store(uint32(frameWriting))

	dst := payloadAt(ring, plan.FrameOffset, fh.PayloadLen)
	copy(dst, payload)

	if p.checksumEnabled {
		fh.Crc32c = checksumPayload(dst)
	}

	// Release fence: every field above is visible before this store, the
	// single atomic publish point (§4.6 step 5).
	fh.State.Store(uint32(frameCommitted))

	h.HeadOff.Store(plan.NewHeadOff)
	h.TailOff.Store(plan.NewTailOff)
	h.NewestSeq.Store(plan.NewSeq)
	h.OldestSeq.Store(plan.NewOldestSeq)
	h.MsgCount.Store(plan.NewMsgCount)
	h.UsedBytes.Store(plan.NewUsedBytes)
	h.Generation.Add(1)

	if p.indexEnabled {
		p.writeIndexEntry(plan, fh)
		h.IndexHead.Store(plan.NewIndexHead)
		h.IndexTail.Store(plan.NewIndexTail)
	}

	if durability == DurabilityFlush {
		if err := p.flushRanges(plan); err != nil {
			return Message{}, newError(KindIO, "append", p.path, withCause(err))
		}
	}

	return Message{
		Seq:  plan.NewSeq,
		Time: ts.UTC(),
		Tags: append([]string(nil), tags...),
		Data: append([]byte(nil), payload...),
	}, nil
}

// writeWrapFrame fills the remaining contiguous-to-end space with a
// single WRAP marker, committed directly (§4.6 step 1): a WRAP frame
// carries no user seq and is never returned as data (§3 invariant 4).
func writeWrapFrame(ring []byte, offset, size uint64) {
	fh := frameAt(ring, offset)
	fh.Magic = frameMagic
	fh.HeaderLen = uint32(frameHeaderSize)
	fh.Flags = 0
	fh.Seq = 0
	fh.TimestampNs = 0
	payloadLen := uint32(size - frameHeaderSize)
	fh.PayloadLen = payloadLen
	fh.PayloadLenXor = payloadLen ^ 0xFFFFFFFF
	fh.Crc32c = 0
	fh.State.Store(uint32(frameWrap))
}

// writeIndexEntry stores the (seq, offset, payload_len, timestamp, flags)
// tuple for the just-committed frame into the inline index ring (§4.7),
// addressed directly by seq modulo capacity so get(seq) is a single slot
// read plus a self-verification check, with no separate head/tail walk
// required on the read side.
func (p *Pool) writeIndexEntry(plan writePlan, fh *frameHeader) {
	entry := indexEntryAt(p.index, plan.IndexWriteSlot)
	entry.Seq = plan.NewSeq
	entry.Offset = plan.FrameOffset
	entry.TimestampNs = fh.TimestampNs
	entry.PayloadLen = fh.PayloadLen
	entry.Flags = fh.Flags
}
