package plasmite

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/sandover/plasmite-sub000/internal/lockfile"
)

// PoolSuffix is the canonical pool file extension (§6 path resolution).
const PoolSuffix = ".plasmite"

// DefaultIndexCapacity is create_pool's default inline index capacity.
const DefaultIndexCapacity = 4096

// DefaultMaxPayloadAbs is create_pool's default absolute payload bound.
const DefaultMaxPayloadAbs = 256 * uint64(datasize.MB)

// DefaultLockTimeout bounds how long append waits to acquire the writer
// lock before returning Busy.
const DefaultLockTimeout = 5 * time.Second

// Durability controls whether append flushes modified pages before
// returning (§4.6).
type Durability uint32

const (
	// DurabilityFast relies solely on the publish-gate ordering; recent
	// messages may be lost on power loss.
	DurabilityFast Durability = iota
	// DurabilityFlush additionally flushes the written ranges before
	// acknowledging.
	DurabilityFlush
)

// Message is the externally visible record (§3).
type Message struct {
	Seq  uint64
	Time time.Time
	Tags []string
	Data []byte
}

// TagsOrNil returns the message's tags, or nil for a zero-value Message; a
// convenience accessor mirroring the generated language bindings.
func (m Message) TagsOrNil() []string {
	return m.Tags
}

// CreateOptions configures create_pool (§6 Configuration).
type CreateOptions struct {
	IndexEnabled    bool
	IndexCapacity   uint64
	ChecksumEnabled bool
	MaxPayloadAbs   uint64
}

func (o CreateOptions) withDefaults() CreateOptions {
	out := o
	if out.IndexCapacity == 0 {
		out.IndexCapacity = DefaultIndexCapacity
	}
	if out.MaxPayloadAbs == 0 {
		out.MaxPayloadAbs = DefaultMaxPayloadAbs
	}
	return out
}

// PoolInfo summarizes a pool's bounds and sizes (§4.11 pool_info).
type PoolInfo struct {
	Path          string
	SizeBytes     uint64
	RingSize      uint64
	UsedBytes     uint64
	MsgCount      uint64
	OldestSeq     uint64
	NewestSeq     uint64
	IndexEnabled  bool
	IndexCapacity uint64
	Generation    uint64
	ModifiedAt    time.Time
	Status        ValidationStatus
}

// Pool is an open handle on a plasmite pool file.
type Pool struct {
	path string
	file *os.File

	mapping []byte // whole-file mapping; header, index, and ring all alias into it
	header  *poolHeader
	ring    []byte
	index   []byte

	checksumEnabled bool
	indexEnabled    bool

	lockPath    string
	lockTimeout time.Duration

	log *zap.SugaredLogger

	closeOnce sync.Once
}

// CreatePool creates a new pool file at path with the given total size and
// options, failing AlreadyExists if the file exists (§4.11).
func CreatePool(path string, sizeBytes uint64, opts CreateOptions, log *zap.SugaredLogger) (*Pool, error) {
	log = orNopLogger(log)
	opts = opts.withDefaults()

	if sizeBytes <= headerRegionSize {
		return nil, newError(KindUsage, "create_pool", path, withHint("size_bytes must exceed the header region"))
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, newError(KindAlreadyExists, "create_pool", path)
		}
		if os.IsPermission(err) {
			return nil, newError(KindPermission, "create_pool", path, withCause(err))
		}
		return nil, newError(KindIO, "create_pool", path, withCause(err))
	}

	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()

	indexRegionLen := uint64(0)
	if opts.IndexEnabled {
		indexRegionLen = opts.IndexCapacity * indexEntrySize
	}
	ringOff := headerRegionSize + indexRegionLen
	if sizeBytes <= ringOff {
		return nil, newError(KindUsage, "create_pool", path, withHint("size_bytes too small for header+index"))
	}
	ringSize := sizeBytes - ringOff

	if err := f.Truncate(int64(sizeBytes)); err != nil {
		return nil, newError(KindIO, "create_pool", path, withCause(err))
	}

	mapping, err := mmapFile(int(f.Fd()), uintptr(sizeBytes))
	if err != nil {
		return nil, newError(KindIO, "create_pool", path, withCause(err))
	}

	h := headerAt(mapping)
	h.Magic = poolMagic
	h.Version = formatVersion
	h.Endianness = endianLittle
	h.HeaderLen = headerRegionSize
	h.Flags = 0
	if opts.IndexEnabled {
		h.Flags |= flagIndexEnabled
	}
	if opts.ChecksumEnabled {
		h.Flags |= flagChecksumDefault
	}
	h.RingOff = ringOff
	h.RingSize = ringSize
	h.IndexOff = headerRegionSize
	h.IndexCapacity = opts.IndexCapacity
	h.MaxPayloadAbs = opts.MaxPayloadAbs

	p := &Pool{
		path:            path,
		file:            f,
		mapping:         mapping,
		header:          h,
		ring:            mapping[ringOff : ringOff+ringSize],
		checksumEnabled: opts.ChecksumEnabled,
		indexEnabled:    opts.IndexEnabled,
		lockPath:        path + ".lock",
		lockTimeout:     DefaultLockTimeout,
		log:             log,
	}
	if opts.IndexEnabled {
		p.index = mapping[headerRegionSize : headerRegionSize+indexRegionLen]
	}

	ok = true
	log.Infow("pool created", "path", path, "size_bytes", sizeBytes, "index_enabled", opts.IndexEnabled)
	return p, nil
}

// OpenPool opens an existing pool file, validating its header (§4.11).
func OpenPool(path string, log *zap.SugaredLogger) (*Pool, error) {
	log = orNopLogger(log)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(KindNotFound, "open_pool", path)
		}
		if os.IsPermission(err) {
			return nil, newError(KindPermission, "open_pool", path, withCause(err))
		}
		return nil, newError(KindIO, "open_pool", path, withCause(err))
	}

	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
		}
	}()

	stat, err := f.Stat()
	if err != nil {
		return nil, newError(KindIO, "open_pool", path, withCause(err))
	}
	if uint64(stat.Size()) < headerRegionSize {
		return nil, newError(KindCorrupt, "open_pool", path, withHint("file smaller than header region"))
	}

	mapping, err := mmapFile(int(f.Fd()), uintptr(stat.Size()))
	if err != nil {
		return nil, newError(KindIO, "open_pool", path, withCause(err))
	}

	h := headerAt(mapping)
	if err := validateHeader(h, uint64(stat.Size())); err != nil {
		_ = munmapFile(mapping)
		return nil, err
	}
	if h.CorruptFlag.Load() != 0 {
		_ = munmapFile(mapping)
		return nil, newError(KindCorrupt, "open_pool", path, withHint("pool has a sticky corrupt flag; run validate_pool"))
	}

	p := &Pool{
		path:            path,
		file:            f,
		mapping:         mapping,
		header:          h,
		ring:            mapping[h.RingOff : h.RingOff+h.RingSize],
		checksumEnabled: h.checksumEnabled(),
		indexEnabled:    h.indexEnabled(),
		lockPath:        path + ".lock",
		lockTimeout:     DefaultLockTimeout,
		log:             log,
	}
	if h.indexEnabled() {
		indexLen := h.IndexCapacity * indexEntrySize
		p.index = mapping[h.IndexOff : h.IndexOff+indexLen]
	}

	ok = true
	return p, nil
}

// Close unmaps the pool file and closes its handle. It is safe to call
// more than once.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if uerr := munmapFile(p.mapping); uerr != nil {
			err = uerr
			return
		}
		err = p.file.Close()
	})
	return err
}

// Append reserves space, writes, and publishes a new message, under the
// writer lock (§4.5, §4.6).
func (p *Pool) Append(payload []byte, tags []string, ts time.Time, durability Durability) (Message, error) {
	if ts.IsZero() {
		ts = time.Now()
	}

	lock, err := lockfile.Acquire(p.lockPath, p.lockTimeout)
	if err != nil {
		if err == lockfile.ErrBusy {
			return Message{}, newError(KindBusy, "append", p.path, withHint("writer lock acquisition timed out"))
		}
		return Message{}, newError(KindIO, "append", p.path, withCause(err))
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			p.log.Warnw("failed to release writer lock", "path", p.lockPath, "error", rerr)
		}
	}()

	envelope := encodeEnvelope(tags, payload)

	st := p.header.snapshot()
	plan, err := planAppend(st, uint64(len(envelope)), uint64(len(payload)), p.peekFrame)
	if err != nil {
		if pe, ok := err.(*PoolError); ok && pe.Kind == KindCorrupt {
			p.header.CorruptFlag.Store(1)
		}
		return Message{}, err
	}

	msg, err := p.executeAppend(plan, envelope, tags, ts, durability)
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// peekFrame implements the planner's callback, reading just enough of the
// frame at a ring offset to drive the drop-oldest loop.
func (p *Pool) peekFrame(off uint64) (peekFrame, error) {
	if off+frameHeaderSize > uint64(len(p.ring)) {
		return peekFrame{}, newError(KindCorrupt, "append", p.path, withOffset(off), withHint("tail offset out of ring bounds"))
	}
	fh := frameAt(p.ring, off)
	return peekFrame{
		State:      frameState(fh.State.Load()),
		Seq:        fh.Seq,
		PayloadLen: uint64(fh.PayloadLen),
	}, nil
}

// flushRanges flushes the pages touched by an append for DurabilityFlush
// (§4.6 step 8): any wrap frame, the new frame, and the header. The index
// entry (when enabled) falls within the same mapping and is covered by
// flushing its own small range.
func (p *Pool) flushRanges(plan writePlan) error {
	if plan.WrapNeeded {
		if err := msyncRange(p.mapping, p.header.RingOff+plan.WrapOffset, plan.WrapSize); err != nil {
			return err
		}
	}
	frameLen := frameTotalSize(plan.PayloadLen)
	if err := msyncRange(p.mapping, p.header.RingOff+plan.FrameOffset, frameLen); err != nil {
		return err
	}
	if err := msyncRange(p.mapping, 0, headerRegionSize); err != nil {
		return err
	}
	if p.indexEnabled {
		entryOff := p.header.IndexOff + plan.IndexWriteSlot*indexEntrySize
		if err := msyncRange(p.mapping, entryOff, indexEntrySize); err != nil {
			return err
		}
	}
	return nil
}

// Get fetches the message with the given seq, using the inline index when
// present and falling back to a linear scan from tail_off otherwise
// (§4.7, §4.11).
func (p *Pool) Get(seq uint64) (Message, error) {
	st := p.header.snapshot()
	if seq < st.OldestSeq || seq > st.NewestSeq || st.NewestSeq == 0 {
		return Message{}, newError(KindNotFound, "get", p.path, withSeq(seq))
	}

	if st.IndexEnabled && st.IndexCapacity > 0 {
		if lk := lookupIndex(p.index, st.IndexCapacity, seq); lk.Found {
			return p.readFrameAt(lk.Offset, seq)
		}
	}

	off := st.TailOff
	for {
		fh := frameAt(p.ring, off)
		state := frameState(fh.State.Load())
		switch state {
		case frameWrap:
			off = 0
			continue
		case frameCommitted:
			if fh.Seq == seq {
				return p.readFrameAt(off, seq)
			}
			off = (off + frameTotalSize(uint64(fh.PayloadLen))) % st.RingSize
			if fh.Seq >= seq {
				return Message{}, newError(KindNotFound, "get", p.path, withSeq(seq))
			}
			continue
		default:
			return Message{}, newError(KindNotFound, "get", p.path, withSeq(seq))
		}
	}
}

// readFrameAt decodes the frame at off without the cursor's retry loop,
// used by Get where the caller already knows the exact seq to expect.
func (p *Pool) readFrameAt(off uint64, wantSeq uint64) (Message, error) {
	fh := frameAt(p.ring, off)
	if !validateFrameHeader(fh, uint64(len(p.ring)), off) {
		return Message{}, newError(KindCorrupt, "get", p.path, withSeq(wantSeq), withOffset(off))
	}
	if fh.Seq != wantSeq {
		return Message{}, newError(KindNotFound, "get", p.path, withSeq(wantSeq))
	}
	payload := append([]byte(nil), payloadAt(p.ring, off, fh.PayloadLen)...)
	if fh.Flags&flagChecksumPresent != 0 && checksumPayload(payload) != fh.Crc32c {
		return Message{}, newError(KindCorrupt, "get", p.path, withSeq(wantSeq), withOffset(off), withHint("checksum mismatch"))
	}
	tags, data, err := decodeEnvelope(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Seq:  fh.Seq,
		Time: time.Unix(0, int64(fh.TimestampNs)).UTC(),
		Tags: tags,
		Data: data,
	}, nil
}

// Tail returns a cursor positioned per opts (§4.11).
func (p *Pool) Tail(opts CursorOptions) *Cursor {
	return newCursor(p, opts)
}

// ReplayOptions configures Replay (§4.11): messages are yielded with
// pauses between them proportional to the gap between their original
// timestamps, divided by Speed.
type ReplayOptions struct {
	CursorOptions
	Speed float64
}

// Replay drains a cursor over ctx, calling emit for each message and
// sleeping between deliveries proportional to the gap between their
// original timestamps divided by opts.Speed. A non-positive Speed plays
// back as fast as possible (no pacing).
func (p *Pool) Replay(ctx context.Context, opts ReplayOptions, emit func(Message) error) error {
	cur := p.Tail(opts.CursorOptions)
	defer cur.Close()

	var prev *Message
	for {
		msg, err := cur.Next(ctx)
		if err != nil {
			if err == ErrEndOfStream {
				return nil
			}
			return err
		}
		if prev != nil && opts.Speed > 0 {
			gap := msg.Time.Sub(prev.Time)
			if gap > 0 {
				wait := time.Duration(float64(gap) / opts.Speed)
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
			}
		}
		if err := emit(msg); err != nil {
			return err
		}
		m := msg
		prev = &m
	}
}

// Info reports the pool's current bounds and sizes (§4.11 pool_info).
func (p *Pool) Info() (PoolInfo, error) {
	st, err := os.Stat(p.path)
	if err != nil {
		return PoolInfo{}, newError(KindIO, "pool_info", p.path, withCause(err))
	}
	snap := p.header.snapshot()
	status := StatusOk
	if p.header.CorruptFlag.Load() != 0 {
		status = StatusCorrupt
	}
	return PoolInfo{
		Path:          p.path,
		SizeBytes:     uint64(st.Size()),
		RingSize:      snap.RingSize,
		UsedBytes:     snap.UsedBytes,
		MsgCount:      snap.MsgCount,
		OldestSeq:     snap.OldestSeq,
		NewestSeq:     snap.NewestSeq,
		IndexEnabled:  snap.IndexEnabled,
		IndexCapacity: snap.IndexCapacity,
		Generation:    p.header.Generation.Load(),
		ModifiedAt:    st.ModTime(),
		Status:        status,
	}, nil
}

// Validate runs the validator over the pool's current contents (§4.9,
// §4.11 validate_pool).
func (p *Pool) Validate() ValidationReport {
	return validatePool(p.header, p.ring)
}

// ListPools returns PoolInfo for every *.plasmite file directly inside
// dir, matching glob, with corrupt pools reported rather than omitted
// (§4.11).
func ListPools(dir, glob string, log *zap.SugaredLogger) ([]PoolInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, newError(KindIO, "list_pools", dir, withCause(err))
	}
	if glob == "" {
		glob = "*" + PoolSuffix
	}

	var infos []PoolInfo
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasSuffix(name, PoolSuffix) {
			continue
		}
		matched, err := filepath.Match(glob, name)
		if err != nil {
			return nil, newError(KindUsage, "list_pools", dir, withCause(err))
		}
		if !matched {
			continue
		}
		path := filepath.Join(dir, name)
		p, err := OpenPool(path, log)
		if err != nil {
			infos = append(infos, PoolInfo{Path: path, Status: StatusCorrupt})
			continue
		}
		info, err := p.Info()
		_ = p.Close()
		if err != nil {
			infos = append(infos, PoolInfo{Path: path, Status: StatusCorrupt})
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// DeletePool removes a pool file and its sidecar lock file. It is
// idempotent: deleting an already-absent pool is not an error (§3
// lifecycle, §4.11).
func DeletePool(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		if os.IsPermission(err) {
			return newError(KindPermission, "delete_pool", path, withCause(err))
		}
		return newError(KindIO, "delete_pool", path, withCause(err))
	}
	_ = os.Remove(path + ".lock")
	return nil
}

// ValidatePool opens path read-only-in-effect (validation never mutates
// frames) and runs the validator, without requiring a full OpenPool
// handle to stay alive afterward (§4.11).
func ValidatePool(path string, log *zap.SugaredLogger) (ValidationReport, error) {
	p, err := OpenPool(path, log)
	if err != nil {
		if pe, ok := err.(*PoolError); ok && pe.Kind == KindCorrupt {
			return ValidationReport{Status: StatusCorrupt, Err: pe}, nil
		}
		return ValidationReport{}, err
	}
	defer p.Close()
	return p.Validate(), nil
}

// ResolvePoolPath implements the §6 path-resolution rules external
// collaborators use before calling into the core: an argument containing
// a path separator is used as-is; an argument already ending in
// PoolSuffix resolves within dir; otherwise the suffix is appended.
func ResolvePoolPath(dir, arg string) string {
	if strings.ContainsRune(arg, os.PathSeparator) {
		return arg
	}
	if strings.HasSuffix(arg, PoolSuffix) {
		return filepath.Join(dir, arg)
	}
	return filepath.Join(dir, arg+PoolSuffix)
}

func orNopLogger(log *zap.SugaredLogger) *zap.SugaredLogger {
	if log != nil {
		return log
	}
	return zap.NewNop().Sugar()
}
