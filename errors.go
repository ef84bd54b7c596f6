package plasmite

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure from the pool engine into the closed set
// of kinds external callers (CLI, HTTP server, bindings) map onto their own
// exit codes / status codes. Kinds are stable across versions.
type ErrorKind int32

const (
	KindInternal ErrorKind = iota + 1
	KindUsage
	KindNotFound
	KindAlreadyExists
	KindBusy
	KindPermission
	KindCorrupt
	KindIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindUsage:
		return "usage"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindBusy:
		return "busy"
	case KindPermission:
		return "permission"
	case KindCorrupt:
		return "corrupt"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per kind, for errors.Is-style branching. A returned
// *PoolError matches the sentinel for its Kind under errors.Is through
// PoolError.Is; its Unwrap yields the wrapped cause (if any), not the
// sentinel.
var (
	ErrInternal      = errors.New("plasmite: internal error")
	ErrUsage         = errors.New("plasmite: invalid usage")
	ErrNotFound      = errors.New("plasmite: not found")
	ErrAlreadyExists = errors.New("plasmite: already exists")
	ErrBusy          = errors.New("plasmite: busy")
	ErrPermission    = errors.New("plasmite: permission denied")
	ErrCorrupt       = errors.New("plasmite: corrupt")
	ErrIO            = errors.New("plasmite: io error")
)

// ErrWouldBlock and ErrEndOfStream are non-Message cursor results (Cursor.Next
// itself returns only ErrEndOfStream of the two); they are not failures of
// the pool, so they are plain sentinels rather than *PoolError, mirroring
// how io.EOF is not wrapped.
var (
	ErrWouldBlock  = errors.New("plasmite: would block")
	ErrEndOfStream = errors.New("plasmite: end of stream")
)

var sentinelByKind = map[ErrorKind]error{
	KindInternal:      ErrInternal,
	KindUsage:         ErrUsage,
	KindNotFound:      ErrNotFound,
	KindAlreadyExists: ErrAlreadyExists,
	KindBusy:          ErrBusy,
	KindPermission:    ErrPermission,
	KindCorrupt:       ErrCorrupt,
	KindIO:            ErrIO,
}

// PoolError carries structured context (path, seq, offset, a remediation
// hint) alongside a stable Kind. It is the only error type the core returns
// for failed operations; cursor variants (WouldBlock, FellBehind,
// EndOfStream) are returned as their own sentinel/typed errors instead,
// since they are not failures.
type PoolError struct {
	Kind   ErrorKind
	Op     string
	Path   string
	Seq    *uint64
	Offset *uint64
	Hint   string
	Err    error
}

func (e *PoolError) Error() string {
	msg := fmt.Sprintf("plasmite: %s: %s", e.Op, e.Kind)
	if e.Path != "" {
		msg += fmt.Sprintf(" path=%s", e.Path)
	}
	if e.Seq != nil {
		msg += fmt.Sprintf(" seq=%d", *e.Seq)
	}
	if e.Offset != nil {
		msg += fmt.Sprintf(" offset=%d", *e.Offset)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	if e.Hint != "" {
		msg += fmt.Sprintf(" (%s)", e.Hint)
	}
	return msg
}

func (e *PoolError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrBusy) etc. match regardless of the structured
// context attached, as long as the Kind agrees.
func (e *PoolError) Is(target error) bool {
	for kind, sentinel := range sentinelByKind {
		if errors.Is(target, sentinel) {
			return e.Kind == kind
		}
	}
	return false
}

type errOption func(*PoolError)

func withSeq(seq uint64) errOption {
	return func(e *PoolError) { e.Seq = &seq }
}

func withOffset(off uint64) errOption {
	return func(e *PoolError) { e.Offset = &off }
}

func withHint(hint string) errOption {
	return func(e *PoolError) { e.Hint = hint }
}

func withCause(cause error) errOption {
	return func(e *PoolError) { e.Err = cause }
}

func newError(kind ErrorKind, op, path string, opts ...errOption) *PoolError {
	e := &PoolError{Kind: kind, Op: op, Path: path}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FellBehindError is returned by a Cursor when the reader's next offset was
// overwritten by a racing writer, or when the cursor was opened with a
// nonzero SinceSeq below the pool's current oldest_seq. It is not a PoolError: falling
// behind is an ordinary, expected outcome of reading a bounded ring.
type FellBehindError struct {
	ResumeFromSeq uint64
}

func (e *FellBehindError) Error() string {
	return fmt.Sprintf("plasmite: fell behind, resume from seq %d", e.ResumeFromSeq)
}
