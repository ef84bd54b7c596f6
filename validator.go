package plasmite

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Validator (§4.9): scans a pool from tail_off to head_off, classifying
// it Ok, TornAtHead, or Corrupt, and locating the last good seq.

// ValidationStatus is the validator's top-level classification of a pool.
type ValidationStatus int

const (
	StatusOk ValidationStatus = iota
	StatusTornAtHead
	StatusCorrupt
)

func (s ValidationStatus) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusTornAtHead:
		return "torn_at_head"
	case StatusCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Anomaly records one structural problem found mid-scan.
type Anomaly struct {
	Offset uint64
	Detail string
}

// ValidationReport is the result of validate_pool.
type ValidationReport struct {
	Status        ValidationStatus
	FramesScanned int
	LastGoodSeq   uint64
	Anomalies     []Anomaly
	Err           error // non-nil iff Status == StatusCorrupt
}

// validatePool scans the ring from tail_off up to (but not including)
// head_off, strictly requiring every frame in that range to be either
// COMMITTED or WRAP. The frame sitting exactly at head_off (the writer's
// next slot) is treated specially: EMPTY there is Ok (nothing pending),
// WRITING there is TornAtHead (a writer died mid-append, recoverable),
// and anything else (COMMITTED or garbage) is Corrupt, since head_off
// should never point at a frame the writer has already finished with.
func validatePool(header *poolHeader, ring []byte) ValidationReport {
	st := header.snapshot()
	report := ValidationReport{Status: StatusOk, LastGoodSeq: st.OldestSeq - 1}

	// The scan is driven by used_bytes rather than by off != head_off:
	// when the ring is exactly full, tail_off and head_off coincide even
	// though every byte in the ring holds a live frame, so an
	// offset-equality loop would stop immediately and miss it entirely.
	var merr *multierror.Error
	off := st.TailOff
	remaining := st.UsedBytes
	for remaining > 0 {
		fh := frameAt(ring, off)
		state := frameState(fh.State.Load())

		if !validateFrameHeader(fh, st.RingSize, off) {
			report.Status = StatusCorrupt
			detail := fmt.Sprintf("frame at offset %d failed structural validation", off)
			report.Anomalies = append(report.Anomalies, Anomaly{Offset: off, Detail: detail})
			merr = multierror.Append(merr, fmt.Errorf("offset %d: %s", off, detail))
			break
		}

		switch state {
		case frameWrap:
			size := contiguousToEnd(off, st.RingSize)
			if size > remaining {
				report.Status = StatusCorrupt
				detail := fmt.Sprintf("wrap frame at offset %d overruns used_bytes", off)
				report.Anomalies = append(report.Anomalies, Anomaly{Offset: off, Detail: detail})
				merr = multierror.Append(merr, fmt.Errorf("offset %d: %s", off, detail))
				goto scanDone
			}
			remaining -= size
			off = 0
		case frameCommitted:
			payload := payloadAt(ring, off, fh.PayloadLen)
			if fh.Flags&flagChecksumPresent != 0 {
				if checksumPayload(payload) != fh.Crc32c {
					report.Status = StatusCorrupt
					detail := fmt.Sprintf("checksum mismatch at offset %d (seq %d)", off, fh.Seq)
					report.Anomalies = append(report.Anomalies, Anomaly{Offset: off, Detail: detail})
					merr = multierror.Append(merr, fmt.Errorf("offset %d: %s", off, detail))
					goto scanDone
				}
			}
			size := frameTotalSize(uint64(fh.PayloadLen))
			if size > remaining {
				report.Status = StatusCorrupt
				detail := fmt.Sprintf("frame at offset %d overruns used_bytes", off)
				report.Anomalies = append(report.Anomalies, Anomaly{Offset: off, Detail: detail})
				merr = multierror.Append(merr, fmt.Errorf("offset %d: %s", off, detail))
				goto scanDone
			}
			report.FramesScanned++
			report.LastGoodSeq = fh.Seq
			remaining -= size
			off = (off + size) % st.RingSize
		default:
			report.Status = StatusCorrupt
			detail := fmt.Sprintf("unexpected frame state %d mid-scan at offset %d", state, off)
			report.Anomalies = append(report.Anomalies, Anomaly{Offset: off, Detail: detail})
			merr = multierror.Append(merr, fmt.Errorf("offset %d: %s", off, detail))
			goto scanDone
		}
	}

	// When the ring is exactly full the loop above already validated the
	// frame sitting at head_off (it's the last frame scanned, since the
	// scan wraps back around to tail_off == head_off); re-checking its
	// state here would wrongly read it as "the writer's next slot".
	if report.Status == StatusOk && st.UsedBytes < st.RingSize {
		headState := frameState(frameAt(ring, st.HeadOff).State.Load())
		switch headState {
		case frameEmpty:
			// nothing pending; already Ok.
		case frameWriting:
			report.Status = StatusTornAtHead
		default:
			report.Status = StatusCorrupt
			detail := fmt.Sprintf("head_off %d points at a %v frame, expected empty or writing", st.HeadOff, headState)
			report.Anomalies = append(report.Anomalies, Anomaly{Offset: st.HeadOff, Detail: detail})
			merr = multierror.Append(merr, fmt.Errorf("offset %d: %s", st.HeadOff, detail))
		}
	}

scanDone:
	if report.Status == StatusCorrupt {
		header.CorruptFlag.Store(1)
		if merr != nil {
			report.Err = merr.ErrorOrNil()
		}
	}
	return report
}

func (s frameState) String() string {
	switch s {
	case frameEmpty:
		return "empty"
	case frameWriting:
		return "writing"
	case frameCommitted:
		return "committed"
	case frameWrap:
		return "wrap"
	default:
		return "invalid"
	}
}
