package plasmite

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlign8(t *testing.T) {
	require.Equal(t, uint64(0), align8(0))
	require.Equal(t, uint64(8), align8(1))
	require.Equal(t, uint64(8), align8(8))
	require.Equal(t, uint64(16), align8(9))
}

func TestFrameTotalSize(t *testing.T) {
	require.Equal(t, frameHeaderSize, frameTotalSize(0))
	require.Equal(t, align8(frameHeaderSize+1), frameTotalSize(1))
	require.Equal(t, frameHeaderSize+8, frameTotalSize(8))
}

func TestChecksumPayloadDeterministic(t *testing.T) {
	a := checksumPayload([]byte("hello world"))
	b := checksumPayload([]byte("hello world"))
	require.Equal(t, a, b)

	c := checksumPayload([]byte("hello worlD"))
	require.NotEqual(t, a, c)
}

func TestValidateFrameHeaderRejectsBadMagic(t *testing.T) {
	ring := make([]byte, 256)
	fh := frameAt(ring, 0)
	fh.Magic = 0xdeadbeef
	fh.HeaderLen = uint32(frameHeaderSize)
	fh.PayloadLen = 4
	fh.PayloadLenXor = 4 ^ 0xFFFFFFFF
	fh.State.Store(uint32(frameCommitted))

	require.False(t, validateFrameHeader(fh, uint64(len(ring)), 0))
}

func TestValidateFrameHeaderRejectsBadXor(t *testing.T) {
	ring := make([]byte, 256)
	fh := frameAt(ring, 0)
	fh.Magic = frameMagic
	fh.HeaderLen = uint32(frameHeaderSize)
	fh.PayloadLen = 4
	fh.PayloadLenXor = 0 // wrong
	fh.State.Store(uint32(frameCommitted))

	require.False(t, validateFrameHeader(fh, uint64(len(ring)), 0))
}

func TestValidateFrameHeaderAcceptsWellFormedFrame(t *testing.T) {
	ring := make([]byte, 256)
	fh := frameAt(ring, 0)
	fh.Magic = frameMagic
	fh.HeaderLen = uint32(frameHeaderSize)
	fh.PayloadLen = 16
	fh.PayloadLenXor = 16 ^ 0xFFFFFFFF
	fh.State.Store(uint32(frameCommitted))

	require.True(t, validateFrameHeader(fh, uint64(len(ring)), 0))
}

func TestValidateFrameHeaderRejectsOverrun(t *testing.T) {
	ring := make([]byte, 64)
	fh := frameAt(ring, 0)
	fh.Magic = frameMagic
	fh.HeaderLen = uint32(frameHeaderSize)
	fh.PayloadLen = 1000 // doesn't fit in the tiny ring
	fh.PayloadLenXor = 1000 ^ 0xFFFFFFFF
	fh.State.Store(uint32(frameCommitted))

	require.False(t, validateFrameHeader(fh, uint64(len(ring)), 0))
}

func TestSnapshotFrameEqualityAndDivergence(t *testing.T) {
	ring := make([]byte, 256)
	fh := frameAt(ring, 0)
	fh.Magic = frameMagic
	fh.HeaderLen = uint32(frameHeaderSize)
	fh.Seq = 7
	fh.PayloadLen = 4
	fh.PayloadLenXor = 4 ^ 0xFFFFFFFF
	fh.State.Store(uint32(frameCommitted))

	s1 := snapshotFrame(fh)
	s2 := snapshotFrame(fh)
	require.Equal(t, s1, s2)

	fh.Seq = 8
	s3 := snapshotFrame(fh)
	require.NotEqual(t, s1, s3)
}
