package plasmite

import "encoding/binary"

// Tag envelope. §3 scopes the JSON/binary payload codec out of the core
// entirely ("an opaque byte-level transform the core invokes"), but §4.8
// requires the core's own cursor to filter by an exact-match tag set
// without involving that external codec. The core therefore stores tags
// itself, as a small length-prefixed section it writes ahead of the
// caller's opaque data bytes inside the frame payload; Message.Data is
// always the section after it, untouched by the core.
//
// Layout: tagCount uint32 | (tagLen uint16, tag bytes)* | data bytes.

func envelopeSize(tags []string, dataLen int) uint64 {
	n := uint64(4)
	for _, t := range tags {
		n += 2 + uint64(len(t))
	}
	return n + uint64(dataLen)
}

func encodeEnvelope(tags []string, data []byte) []byte {
	buf := make([]byte, envelopeSize(tags, len(data)))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(tags)))
	off := 4
	for _, t := range tags {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(t)))
		off += 2
		off += copy(buf[off:], t)
	}
	copy(buf[off:], data)
	return buf
}

// decodeEnvelope splits a stored frame payload back into its tags and
// opaque data. It returns an error rather than panicking so a corrupt or
// torn payload surfaces as KindCorrupt instead of crashing the reader.
func decodeEnvelope(buf []byte) (tags []string, data []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, newError(KindCorrupt, "decode_envelope", "", withHint("payload too short for tag envelope"))
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	if count > 0 {
		tags = make([]string, 0, count)
	}
	for i := uint32(0); i < count; i++ {
		if off+2 > len(buf) {
			return nil, nil, newError(KindCorrupt, "decode_envelope", "", withHint("truncated tag length"))
		}
		tagLen := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += 2
		if off+tagLen > len(buf) {
			return nil, nil, newError(KindCorrupt, "decode_envelope", "", withHint("truncated tag bytes"))
		}
		tags = append(tags, string(buf[off:off+tagLen]))
		off += tagLen
	}
	return tags, buf[off:], nil
}
