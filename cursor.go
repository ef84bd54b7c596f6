package plasmite

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Cursor (§4.8): a lock-free reader over a pool's ring. Readers never take
// the writer lock; they coordinate purely through acquire loads on the
// header's atomic fields and the frame-state publish gate.
type Cursor struct {
	pool *Pool

	nextOff uint64
	haveSeq bool
	nextSeq uint64

	// pendingFellBehind holds a FellBehindError discovered at construction
	// time (SinceSeq below oldest_seq); it is surfaced once, by the first
	// Next() call, then cleared, since by then nextSeq/nextOff already
	// point at the resumed position.
	pendingFellBehind *FellBehindError

	tags      map[string]struct{}
	predicate func(Message) bool

	followBackoff backoff.ExponentialBackOff
	maxBackoff    time.Duration

	done bool
}

// CursorOptions configures a new cursor (the tail() half of §4.11).
type CursorOptions struct {
	// SinceSeq is the last seq already seen; the cursor starts after it.
	// 0 means start from the pool's current oldest frame.
	SinceSeq uint64

	// Tags, if non-empty, restricts results to messages carrying every tag
	// listed (exact-match, case-sensitive, strict AND with Predicate).
	Tags []string

	// Predicate, if set, is consulted after the tag filter and after the
	// stable-snapshot check; a message is yielded only if it returns true.
	Predicate func(Message) bool

	// MaxBackoff caps the follow-mode sleep interval. Zero uses the
	// spec's default of 10ms.
	MaxBackoff time.Duration
}

// newCursor builds a Cursor positioned to read the first message strictly
// after opts.SinceSeq. opts.SinceSeq == 0 is the documented sentinel for
// "start from the pool's current oldest frame" and is never treated as
// stale. A SinceSeq at or above newest_seq positions at the stream's end
// (Next blocks/polls in follow mode); a nonzero SinceSeq below the pool's
// current oldest_seq resolves to oldest_seq per §9's documented Open
// Question decision (implicit FellBehind, not an error) — the first
// Next() call reports it.
func newCursor(p *Pool, opts CursorOptions) *Cursor {
	c := &Cursor{pool: p}

	if len(opts.Tags) > 0 {
		c.tags = make(map[string]struct{}, len(opts.Tags))
		for _, t := range opts.Tags {
			c.tags[t] = struct{}{}
		}
	}
	c.predicate = opts.Predicate

	c.maxBackoff = opts.MaxBackoff
	if c.maxBackoff <= 0 {
		c.maxBackoff = 10 * time.Millisecond
	}
	c.followBackoff = backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Microsecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         c.maxBackoff,
	}
	c.followBackoff.Reset()

	st := p.header.snapshot()
	requested := opts.SinceSeq
	switch {
	case requested == 0:
		// The zero sentinel means "start from the pool's current oldest
		// frame", which is itself unread — unlike a real SinceSeq, it is
		// never a stale position and never reports FellBehind. On an
		// empty pool the first seq to read is the next one appended.
		c.nextSeq = st.OldestSeq
		if c.nextSeq == 0 {
			c.nextSeq = st.NewestSeq + 1
		}
	case requested < st.OldestSeq:
		c.pendingFellBehind = &FellBehindError{ResumeFromSeq: st.OldestSeq}
		c.nextSeq = st.OldestSeq
	default:
		c.nextSeq = requested + 1
	}
	c.haveSeq = true
	c.nextOff = st.TailOff // the first Next scans forward from here, skipping frames below nextSeq
	return c
}

// Close releases no resources of its own: the cursor holds no lock and no
// OS handle beyond the pool it was created from.
func (c *Cursor) Close() error {
	c.done = true
	return nil
}

// Next returns the next message in sequence order, blocking (with
// exponential backoff, per §4.8 follow mode) until one is available, ctx
// is cancelled, or deadline elapses. It returns one of: a Message,
// ErrEndOfStream (ctx cancelled or deadline reached while waiting, or the
// cursor closed; Next does not return ErrWouldBlock), a
// *FellBehindError (the cursor's position was overwritten or started
// below oldest_seq), or a *PoolError{Kind: KindCorrupt}.
func (c *Cursor) Next(ctx context.Context) (Message, error) {
	if c.done {
		return Message{}, ErrEndOfStream
	}
	if fb := c.pendingFellBehind; fb != nil {
		c.pendingFellBehind = nil
		return Message{}, fb
	}

	for {
		msg, err := c.tryNext()
		switch {
		case err == nil:
			c.followBackoff.Reset()
			if c.matches(msg) {
				return msg, nil
			}
			continue // filtered out; cursor already advanced
		case err == errNoFrameYet:
			// Fall through to the follow-mode wait below.
		default:
			return Message{}, err
		}

		wait := c.followBackoff.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.done = true
			return Message{}, ErrEndOfStream
		case <-timer.C:
		}
	}
}

// errNoFrameYet is an internal sentinel meaning "nothing committed at the
// cursor's position yet" — distinct from a real error, never returned to
// callers of Next.
var errNoFrameYet = newError(KindInternal, "cursor.next", "", withHint("no frame ready"))

// tryNext performs one stable-snapshot read attempt (§4.8 steps 1-6) with
// its own internal resync retry loop, returning errNoFrameYet if the
// frame at the cursor's position is not yet committed.
func (c *Cursor) tryNext() (Message, error) {
	h := c.pool.header
	ring := c.pool.ring

	for {
		st := h.snapshot()

		if c.haveSeq && c.nextSeq < st.OldestSeq {
			resumeFrom := st.OldestSeq
			c.nextOff = st.TailOff
			c.nextSeq = resumeFrom
			c.haveSeq = true
			return Message{}, &FellBehindError{ResumeFromSeq: resumeFrom}
		}
		if c.nextSeq > st.NewestSeq {
			return Message{}, errNoFrameYet
		}

		off := c.nextOff
		if !c.withinReadableRegion(off, st) {
			c.nextOff = st.TailOff
			return Message{}, &FellBehindError{ResumeFromSeq: st.OldestSeq}
		}

		h1 := snapshotFrame(frameAt(ring, off))
		if !validateFrameHeaderSnapshot(h1, st.RingSize, off) {
			c.nextOff = st.TailOff
			return Message{}, &FellBehindError{ResumeFromSeq: st.OldestSeq}
		}

		if h1.State == frameEmpty || h1.State == frameWriting {
			return Message{}, errNoFrameYet
		}

		payload := payloadAt(ring, off, h1.PayloadLen)
		var sum uint32
		if h1.Flags&flagChecksumPresent != 0 {
			sum = checksumPayload(payload)
		}
		payloadCopy := append([]byte(nil), payload...)

		h2 := snapshotFrame(frameAt(ring, off))
		if h1 != h2 {
			continue // overwrite raced the read; retry without resyncing yet
		}
		if h1.Flags&flagChecksumPresent != 0 && sum != h1.Crc32c {
			continue
		}

		if h1.State == frameWrap {
			c.nextOff = 0
			continue
		}

		advance := align8(uint64(frameHeaderSize) + uint64(h1.PayloadLen))
		c.nextOff = (off + advance) % st.RingSize
		if h1.Seq < c.nextSeq {
			continue // already seen (before SinceSeq); skip without yielding
		}
		c.nextSeq = h1.Seq + 1
		c.haveSeq = true

		tags, data, err := decodeEnvelope(payloadCopy)
		if err != nil {
			return Message{}, err
		}

		return Message{
			Seq:  h1.Seq,
			Time: time.Unix(0, int64(h1.TimestampNs)).UTC(),
			Tags: tags,
			Data: data,
		}, nil
	}
}

// withinReadableRegion reports whether off still lies within the region
// the writer has not yet reclaimed, i.e. between tail_off and head_off
// inclusive of wrap. A cursor sitting exactly at head_off is simply
// waiting for the next append (errNoFrameYet), not fallen behind.
func (c *Cursor) withinReadableRegion(off uint64, st snapshotState) bool {
	if off == st.HeadOff {
		return true
	}
	if st.UsedBytes == 0 {
		return off == st.HeadOff
	}
	if st.HeadOff > st.TailOff {
		return off >= st.TailOff && off < st.HeadOff
	}
	if st.HeadOff < st.TailOff {
		return off >= st.TailOff || off < st.HeadOff
	}
	// head_off == tail_off with used_bytes > 0: the ring is completely
	// full, so every offset in it is within the readable region.
	return true
}

// validateFrameHeaderSnapshot is validateFrameHeader adapted to operate on
// a copied frameSnapshot rather than a live, racing frameHeader.
func validateFrameHeaderSnapshot(h frameSnapshot, ringSize, off uint64) bool {
	if h.State == frameEmpty {
		return true // not yet written; caller treats as "no frame yet"
	}
	if h.Magic != frameMagic {
		return false
	}
	if h.HeaderLen != uint32(frameHeaderSize) {
		return false
	}
	if h.PayloadLen^h.PayloadLenXor != 0xFFFFFFFF {
		return false
	}
	if off+uint64(frameHeaderSize)+uint64(h.PayloadLen) > ringSize {
		return false
	}
	if !h.State.valid() {
		return false
	}
	return true
}

// matches applies the strict-AND tag and predicate filters (§4.8,
// reaffirmed per §9's Open Question decision). Filtered-out messages have
// already advanced the cursor by the time this is called.
func (c *Cursor) matches(msg Message) bool {
	for tag := range c.tags {
		found := false
		for _, t := range msg.Tags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.predicate != nil && !c.predicate(msg) {
		return false
	}
	return true
}
