package plasmite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// One writer appends thousands of distinct payloads into a ring far too
// small to hold them all, while two readers cursor-tail it concurrently.
// This is the one test that actually exercises cursor.go's stable-snapshot
// read path (tryNext) against a real racing writer rather than a hand-built
// byte layout: every message a reader accepts must be byte-exact for its
// seq, and a reader that cannot keep up must report FellBehind rather than
// ever returning something wrong.
func TestConcurrentReadersVsOverwriteNeverObserveCorruption(t *testing.T) {
	const ringSize = 4096 // small relative to totalMessages: overwrite is frequent
	const totalMessages = 10000

	p, _ := mustCreatePool(t, headerRegionSize+ringSize, CreateOptions{ChecksumEnabled: true})

	payloadFor := func(i int) []byte { return []byte(fmt.Sprintf("payload-%06d", i)) }

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		for i := 0; i < totalMessages; i++ {
			if _, err := p.Append(payloadFor(i), nil, time.Time{}, DurabilityFast); err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
		}
	}()

	// tailReader drives one cursor to the end of the stream, checking every
	// accepted message against the payload its seq was appended with and
	// reporting whether it ever fell behind.
	tailReader := func(name string) (fellBehind bool) {
		cur := p.Tail(CursorOptions{MaxBackoff: time.Millisecond})
		defer cur.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var lastSeq uint64
		for {
			msg, err := cur.Next(ctx)
			if err != nil {
				var fb *FellBehindError
				if errors.As(err, &fb) {
					fellBehind = true
					lastSeq = fb.ResumeFromSeq - 1
					continue
				}
				if errors.Is(err, ErrEndOfStream) {
					t.Errorf("%s: timed out before observing the last message", name)
					return fellBehind
				}
				t.Errorf("%s: unexpected error: %v", name, err)
				return fellBehind
			}

			require.Greater(t, msg.Seq, lastSeq, "%s: seq must strictly increase absent FellBehind", name)
			lastSeq = msg.Seq

			want := payloadFor(int(msg.Seq) - 1)
			require.Equal(t, want, msg.Data, "%s: seq %d returned the wrong payload", name, msg.Seq)

			if msg.Seq == totalMessages {
				return fellBehind
			}
		}
	}

	var fellBehindA, fellBehindB bool
	var readerWG sync.WaitGroup
	readerWG.Add(2)
	go func() { defer readerWG.Done(); fellBehindA = tailReader("reader-a") }()
	go func() { defer readerWG.Done(); fellBehindB = tailReader("reader-b") }()

	writerWG.Wait()
	readerWG.Wait()

	require.True(t, fellBehindA || fellBehindB,
		"a 4KiB ring absorbing 10,000 appends should overwrite faster than either reader can keep up")
}

// Several goroutines append through the same *Pool concurrently; the
// writer-lock file serializes them (§4.4), so the resulting seq range must
// still come out gap-free and duplicate-free no matter how the goroutines
// interleave.
func TestConcurrentWritersProduceGapFreeDuplicateFreeSequence(t *testing.T) {
	const writers = 8
	const perWriter = 150

	p, _ := mustCreatePool(t, headerRegionSize+65536, CreateOptions{})

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		w := w
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				payload := []byte(fmt.Sprintf("writer-%02d-msg-%04d", w, i))
				if _, err := p.Append(payload, nil, time.Time{}, DurabilityFast); err != nil {
					t.Errorf("writer %d append %d: %v", w, i, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	info, err := p.Info()
	require.NoError(t, err)
	require.Equal(t, uint64(writers*perWriter), info.MsgCount)
	require.Equal(t, info.MsgCount, info.NewestSeq-info.OldestSeq+1,
		"no duplicate or missing seq across the full writer-lock-serialized range")

	seen := make(map[uint64]bool, info.MsgCount)
	for seq := info.OldestSeq; seq <= info.NewestSeq; seq++ {
		msg, err := p.Get(seq)
		require.NoError(t, err)
		require.Equal(t, seq, msg.Seq)
		require.False(t, seen[seq], "duplicate seq %d", seq)
		seen[seq] = true
	}
	require.Len(t, seen, int(info.MsgCount))

	report := p.Validate()
	require.Equal(t, StatusOk, report.Status, "anomalies: %+v", report.Anomalies)
}
