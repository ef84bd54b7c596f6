package plasmite

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func mustCreatePool(t *testing.T, sizeBytes uint64, opts CreateOptions) (*Pool, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.plasmite")
	p, err := CreatePool(path, sizeBytes, opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, path
}

func TestCreatePoolRejectsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.plasmite")
	p1, err := CreatePool(path, 1<<16, CreateOptions{}, nil)
	require.NoError(t, err)
	defer p1.Close()

	_, err = CreatePool(path, 1<<16, CreateOptions{}, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAlreadyExists))
}

func TestCreatePoolRejectsUndersizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.plasmite")
	_, err := CreatePool(path, headerRegionSize, CreateOptions{}, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUsage))
}

func TestOpenPoolMissingFile(t *testing.T) {
	_, err := OpenPool(filepath.Join(t.TempDir(), "missing.plasmite"), nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestAppendAndGetRoundTrip(t *testing.T) {
	indexCap := uint64(8)
	sizeBytes := headerRegionSize + indexCap*indexEntrySize + 2048
	p, path := mustCreatePool(t, sizeBytes, CreateOptions{
		IndexEnabled:    true,
		IndexCapacity:   indexCap,
		ChecksumEnabled: true,
	})

	ts1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	msg1, err := p.Append([]byte("hello"), []string{"a", "b"}, ts1, DurabilityFlush)
	require.NoError(t, err)
	require.Equal(t, uint64(1), msg1.Seq)
	require.Equal(t, []byte("hello"), msg1.Data)
	require.Equal(t, []string{"a", "b"}, msg1.Tags)
	require.True(t, msg1.Time.Equal(ts1))

	ts2 := ts1.Add(time.Second)
	msg2, err := p.Append([]byte("world"), nil, ts2, DurabilityFast)
	require.NoError(t, err)
	require.Equal(t, uint64(2), msg2.Seq)

	got1, err := p.Get(1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got1.Data)
	require.Equal(t, []string{"a", "b"}, got1.Tags)

	got2, err := p.Get(2)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got2.Data)
	require.Empty(t, got2.Tags)

	_, err = p.Get(3)
	require.True(t, errors.Is(err, ErrNotFound))

	info, err := p.Info()
	require.NoError(t, err)
	require.Equal(t, path, info.Path)
	require.Equal(t, uint64(2), info.MsgCount)
	require.Equal(t, uint64(1), info.OldestSeq)
	require.Equal(t, uint64(2), info.NewestSeq)
	require.Equal(t, StatusOk, info.Status)

	report := p.Validate()
	require.Equal(t, StatusOk, report.Status)
	require.Equal(t, 2, report.FramesScanned)
}

// Every message below is a fixed 8-byte payload with no tags, so each
// occupies exactly frameTotalSize(envelopeSize(nil, 8)) = 64 bytes; a
// 256-byte ring holds exactly 4 of them with zero slack, which is what
// drives the ring to the exactly-full boundary this test exercises.
func TestAppendDropsOldestFrameWhenRingFills(t *testing.T) {
	const ringSize = 256
	p, _ := mustCreatePool(t, headerRegionSize+ringSize, CreateOptions{})

	for i := 1; i <= 4; i++ {
		payload := []byte{byte(i), 0, 0, 0, 0, 0, 0, 0}
		msg, err := p.Append(payload, nil, time.Time{}, DurabilityFast)
		require.NoError(t, err)
		require.Equal(t, uint64(i), msg.Seq)
	}

	info, err := p.Info()
	require.NoError(t, err)
	require.Equal(t, uint64(4), info.MsgCount)
	require.Equal(t, uint64(1), info.OldestSeq)
	require.Equal(t, uint64(4), info.NewestSeq)

	report := p.Validate()
	require.Equal(t, StatusOk, report.Status, "exactly-full ring must validate cleanly: %+v", report.Anomalies)
	require.Equal(t, 4, report.FramesScanned)

	// The ring is now completely full (head_off == tail_off); the fifth
	// append must drop message 1 to make room, rather than erroring.
	msg5, err := p.Append([]byte{5, 0, 0, 0, 0, 0, 0, 0}, nil, time.Time{}, DurabilityFast)
	require.NoError(t, err)
	require.Equal(t, uint64(5), msg5.Seq)

	_, err = p.Get(1)
	require.True(t, errors.Is(err, ErrNotFound), "dropped message must no longer be retrievable")

	got5, err := p.Get(5)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 0, 0, 0, 0, 0, 0, 0}, got5.Data)

	info, err = p.Info()
	require.NoError(t, err)
	require.Equal(t, uint64(4), info.MsgCount)
	require.Equal(t, uint64(2), info.OldestSeq)
	require.Equal(t, uint64(5), info.NewestSeq)

	report = p.Validate()
	require.Equal(t, StatusOk, report.Status, "ring must still validate cleanly after the drop: %+v", report.Anomalies)
	require.Equal(t, 4, report.FramesScanned)
}

func TestAppendedAndRetrievedMessageMatch(t *testing.T) {
	p, _ := mustCreatePool(t, headerRegionSize+4096, CreateOptions{ChecksumEnabled: true})

	appended, err := p.Append([]byte("payload-bytes"), []string{"x", "y"}, time.Time{}, DurabilityFlush)
	require.NoError(t, err)

	got, err := p.Get(appended.Seq)
	require.NoError(t, err)

	// Time round-trips through a unix-nanosecond field on disk, so compare
	// it separately with Equal; everything else must match exactly.
	if diff := cmp.Diff(appended, got, cmpopts.IgnoreFields(Message{}, "Time")); diff != "" {
		t.Fatalf("retrieved message diverged from the one appended (-appended +got):\n%s", diff)
	}
	require.True(t, appended.Time.Equal(got.Time))
}

func TestAppendRejectsPayloadOverMaxBound(t *testing.T) {
	p, _ := mustCreatePool(t, headerRegionSize+4096, CreateOptions{MaxPayloadAbs: 16})
	_, err := p.Append(make([]byte, 64), nil, time.Time{}, DurabilityFast)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUsage))
}

// max_payload_abs bounds the opaque data field (§3), not the tag envelope
// the core wraps it in; a zero-tag append whose data sits exactly at the
// bound must succeed, and one byte over must still fail.
func TestAppendAcceptsPayloadAtExactMaxBoundAndRejectsOneOver(t *testing.T) {
	const maxPayload = 64
	p, _ := mustCreatePool(t, headerRegionSize+4096, CreateOptions{MaxPayloadAbs: maxPayload})

	msg, err := p.Append(make([]byte, maxPayload), nil, time.Time{}, DurabilityFast)
	require.NoError(t, err)
	require.Len(t, msg.Data, maxPayload)

	_, err = p.Append(make([]byte, maxPayload+1), nil, time.Time{}, DurabilityFast)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUsage))
}

// Zero- and one-byte payloads are the other two boundary sizes §8 calls
// out explicitly.
func TestAppendAcceptsZeroAndOneBytePayloads(t *testing.T) {
	p, _ := mustCreatePool(t, headerRegionSize+4096, CreateOptions{})

	msg0, err := p.Append(nil, nil, time.Time{}, DurabilityFast)
	require.NoError(t, err)
	require.Empty(t, msg0.Data)

	msg1, err := p.Append([]byte{7}, nil, time.Time{}, DurabilityFast)
	require.NoError(t, err)
	require.Equal(t, []byte{7}, msg1.Data)
}

func TestReopenExistingPoolPreservesState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.plasmite")
	p1, err := CreatePool(path, headerRegionSize+4096, CreateOptions{ChecksumEnabled: true}, nil)
	require.NoError(t, err)

	_, err = p1.Append([]byte("persisted"), []string{"keep"}, time.Time{}, DurabilityFlush)
	require.NoError(t, err)
	require.NoError(t, p1.Close())

	p2, err := OpenPool(path, nil)
	require.NoError(t, err)
	defer p2.Close()

	got, err := p2.Get(1)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), got.Data)
	require.Equal(t, []string{"keep"}, got.Tags)
}

func TestDeletePoolIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.plasmite")
	p, err := CreatePool(path, headerRegionSize+4096, CreateOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	require.NoError(t, DeletePool(path))
	require.NoError(t, DeletePool(path)) // second delete of an absent file is not an error
}

func TestListPoolsReportsEachPool(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"one", "two"} {
		p, err := CreatePool(filepath.Join(dir, name+PoolSuffix), headerRegionSize+4096, CreateOptions{}, nil)
		require.NoError(t, err)
		_, err = p.Append([]byte("x"), nil, time.Time{}, DurabilityFast)
		require.NoError(t, err)
		require.NoError(t, p.Close())
	}

	infos, err := ListPools(dir, "", nil)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		require.Equal(t, StatusOk, info.Status)
		require.Equal(t, uint64(1), info.MsgCount)
	}
}

func TestResolvePoolPath(t *testing.T) {
	require.Equal(t, "/abs/path/x.plasmite", ResolvePoolPath("/other", "/abs/path/x.plasmite"))
	require.Equal(t, filepath.Join("/dir", "events.plasmite"), ResolvePoolPath("/dir", "events.plasmite"))
	require.Equal(t, filepath.Join("/dir", "events.plasmite"), ResolvePoolPath("/dir", "events"))
}
