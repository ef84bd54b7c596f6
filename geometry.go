package plasmite

// Pure ring-geometry math (§4.2). No I/O, no locking: given head/tail
// offsets and a ring size, compute how much space is used/free and where
// a wrap marker needs to land. Kept separate from the planner so the
// arithmetic is trivially unit-testable on its own.

// usedBytes returns the number of bytes currently occupied between tail
// (oldest committed frame) and head (next write position) on a ring of
// size ringSize.
func usedBytes(head, tail, ringSize uint64) uint64 {
	switch {
	case head > tail:
		return head - tail
	case head < tail:
		return ringSize - (tail - head)
	default:
		return 0
	}
}

// freeBytes returns the inverse of usedBytes.
func freeBytes(head, tail, ringSize uint64) uint64 {
	return ringSize - usedBytes(head, tail, ringSize)
}

// contiguousToEnd returns how many bytes remain between head and the
// physical end of the ring, without wrapping.
func contiguousToEnd(head, ringSize uint64) uint64 {
	return ringSize - head
}

// needsWrap reports whether writing `required` bytes at the current head
// would have to cross the ring's physical end, meaning a WRAP frame must
// be written first and the head reset to 0.
func needsWrap(head, ringSize, required uint64) bool {
	return contiguousToEnd(head, ringSize) < required
}
