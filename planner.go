package plasmite

// Append planner (§4.5). A pure function: given the pool's current
// snapshot state and a payload length, it produces an ordered write plan.
// It performs no I/O and touches no mmap'd memory, which is what makes it
// trivial to unit-test in isolation from the executor that actually
// applies the plan under the lock.

// dropStep describes advancing the tail past one frame already in the
// ring, either a real committed data frame (freeing its seq) or a WRAP
// filler frame (no seq, just ring distance).
type dropStep struct {
	Offset    uint64
	IsWrap    bool
	FrameSeq  uint64 // valid when !IsWrap
	FrameSize uint64 // total on-ring size consumed by the dropped frame
}

// writePlan is the ordered list of steps the executor must apply, in
// order, under the writer lock.
type writePlan struct {
	Drops []dropStep

	WrapNeeded bool
	WrapOffset uint64
	WrapSize   uint64

	FrameOffset uint64
	PayloadLen  uint64

	NewHeadOff   uint64
	NewTailOff   uint64
	NewSeq       uint64
	NewOldestSeq uint64 // the oldest_seq the header should have after commit
	PoolWasEmpty bool   // true if, after drops, the ring had zero messages
	NewMsgCount  uint64
	NewUsedBytes uint64
	DroppedSeqs  int // count of data frames (not wraps) dropped this append

	IndexWriteSlot uint64 // only meaningful if index enabled
	NewIndexHead   uint64
	NewIndexTail   uint64
}

// peekFrame is the minimal information the planner needs about whatever
// frame currently sits at a ring offset, so it can walk the drop-oldest
// loop without touching mmap'd memory itself. The executor supplies this
// via a callback so planner stays pure and unit-testable with fakes.
type peekFrame struct {
	State      frameState
	Seq        uint64
	PayloadLen uint64
}

// planAppend computes the write plan for appending an envelopeLen-byte
// frame payload (the tag envelope plus the caller's raw data, already
// combined by the caller) to a pool currently in snapshot state st.
// rawDataLen is the caller's opaque data length alone, used only for the
// configured max_payload_abs bound (§3 defines that bound over the
// opaque data field, not the envelope the core wraps it in). peek reads
// whatever frame is currently at a given ring-relative offset (used only
// to walk the drop-oldest loop); it must not be called for offsets the
// plan has not asked about.
func planAppend(st snapshotState, envelopeLen, rawDataLen uint64, peek func(off uint64) (peekFrame, error)) (writePlan, error) {
	if st.MaxPayloadAbs > 0 && rawDataLen > st.MaxPayloadAbs {
		return writePlan{}, newError(KindUsage, "append", "", withHint("payload exceeds max_payload_abs bound"))
	}
	if ringMax := st.RingSize - frameHeaderSize; envelopeLen > ringMax {
		return writePlan{}, newError(KindUsage, "append", "", withHint("payload cannot fit in ring even when empty"))
	}
	required := frameTotalSize(envelopeLen)

	head := st.HeadOff
	tail := st.TailOff
	msgCount := st.MsgCount
	usedB := st.UsedBytes
	oldestSeq := st.OldestSeq

	wrapNeeded := needsWrap(head, st.RingSize, required)
	if rest := contiguousToEnd(head, st.RingSize) - required; !wrapNeeded && head > 0 && rest > 0 && rest < frameHeaderSize {
		// The frame would fit but leave a gap too small to hold even a
		// WRAP header, so wrap now while the marker still fits.
		wrapNeeded = true
	}
	var wrapOffset, wrapSize uint64
	totalNeeded := required
	if wrapNeeded {
		wrapOffset = head
		wrapSize = contiguousToEnd(head, st.RingSize)
		totalNeeded += wrapSize
	}

	var drops []dropStep
	for st.RingSize-usedB < totalNeeded {
		if msgCount == 0 && tail == head {
			// Nothing left to drop but still not enough space: the
			// required write cannot fit even in a fully empty ring.
			return writePlan{}, newError(KindUsage, "append", "", withHint("payload cannot fit in ring even when empty"))
		}
		pf, err := peek(tail)
		if err != nil {
			return writePlan{}, err
		}
		switch pf.State {
		case frameWrap:
			size := contiguousToEnd(tail, st.RingSize)
			drops = append(drops, dropStep{Offset: tail, IsWrap: true, FrameSize: size})
			tail = 0
			usedB -= size
		case frameCommitted:
			size := frameTotalSize(pf.PayloadLen)
			drops = append(drops, dropStep{Offset: tail, IsWrap: false, FrameSeq: pf.Seq, FrameSize: size})
			tail = (tail + size) % st.RingSize
			oldestSeq = pf.Seq + 1
			msgCount--
			usedB -= size
		default:
			return writePlan{}, newError(KindCorrupt, "append", "", withOffset(tail),
				withHint("tail frame is neither committed nor a wrap marker"))
		}
	}

	frameOffset := head
	if wrapNeeded {
		frameOffset = 0
	}
	newHead := (frameOffset + required) % st.RingSize

	// Either the ring was empty before this append, or the drop loop just
	// emptied it: either way the new frame becomes the sole (and
	// therefore oldest) message.
	poolWasEmpty := msgCount == 0
	newOldest := oldestSeq

	droppedSeqs := 0
	for _, d := range drops {
		if !d.IsWrap {
			droppedSeqs++
		}
	}

	plan := writePlan{
		Drops:        drops,
		WrapNeeded:   wrapNeeded,
		WrapOffset:   wrapOffset,
		WrapSize:     wrapSize,
		FrameOffset:  frameOffset,
		PayloadLen:   envelopeLen,
		NewHeadOff:   newHead,
		NewTailOff:   tail,
		NewSeq:       st.NewestSeq + 1,
		PoolWasEmpty: poolWasEmpty,
		NewMsgCount:  msgCount + 1,
		NewUsedBytes: usedB + totalNeeded,
		DroppedSeqs:  droppedSeqs,
	}
	if poolWasEmpty {
		plan.NewOldestSeq = plan.NewSeq
	} else {
		plan.NewOldestSeq = newOldest
	}

	if st.IndexEnabled && st.IndexCapacity > 0 {
		plan.IndexWriteSlot = plan.NewSeq % st.IndexCapacity
		plan.NewIndexHead = (st.IndexHead + 1) % st.IndexCapacity
		plan.NewIndexTail = (st.IndexTail + uint64(droppedSeqs)) % st.IndexCapacity
	}

	return plan, nil
}
