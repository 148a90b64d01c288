package cluster

import (
	"fmt"
	"strconv"
	"strings"
)

// Watermark is a backend-tagged, totally ordered replication progress
// marker. Each backend adapter produces exactly one variant, so within a
// single cluster all comparisons happen between markers of the same kind.
// Comparing across kinds falls back to ordering by kind name so the result
// is still deterministic, never random.
type Watermark interface {
	Kind() BackendKind
	// Compare returns -1, 0 or 1 ordering this watermark against other.
	Compare(other Watermark) int
	String() string
}

// SeqnoWatermark orders multimaster nodes by (epoch, seqno), compared
// lexicographically. The epoch is the cluster configuration counter, the
// seqno the last committed write-set.
type SeqnoWatermark struct {
	Epoch int64 `json:"epoch"`
	Seqno int64 `json:"seqno"`
}

func (w SeqnoWatermark) Kind() BackendKind { return BackendQuorumMultimaster }

func (w SeqnoWatermark) Compare(other Watermark) int {
	o, ok := other.(SeqnoWatermark)
	if !ok {
		return compareKinds(w, other)
	}
	if w.Epoch != o.Epoch {
		return compareInt64(w.Epoch, o.Epoch)
	}
	return compareInt64(w.Seqno, o.Seqno)
}

func (w SeqnoWatermark) String() string {
	return fmt.Sprintf("seqno(%d,%d)", w.Epoch, w.Seqno)
}

// WALWatermark orders consensus-managed postgres nodes by (timeline, LSN).
// A higher timeline always wins: it means the node followed a promotion
// the others have not seen.
type WALWatermark struct {
	Timeline int64  `json:"timeline"`
	LSN      uint64 `json:"lsn"`
}

func (w WALWatermark) Kind() BackendKind { return BackendConsensus }

func (w WALWatermark) Compare(other Watermark) int {
	o, ok := other.(WALWatermark)
	if !ok {
		return compareKinds(w, other)
	}
	if w.Timeline != o.Timeline {
		return compareInt64(w.Timeline, o.Timeline)
	}
	switch {
	case w.LSN < o.LSN:
		return -1
	case w.LSN > o.LSN:
		return 1
	}
	return 0
}

func (w WALWatermark) String() string {
	return fmt.Sprintf("wal(%d,%s)", w.Timeline, FormatLSN(w.LSN))
}

// OffsetWatermark orders cache nodes by replication offset.
type OffsetWatermark struct {
	Offset int64 `json:"offset"`
}

func (w OffsetWatermark) Kind() BackendKind { return BackendSentinel }

func (w OffsetWatermark) Compare(other Watermark) int {
	o, ok := other.(OffsetWatermark)
	if !ok {
		return compareKinds(w, other)
	}
	return compareInt64(w.Offset, o.Offset)
}

func (w OffsetWatermark) String() string {
	return fmt.Sprintf("offset(%d)", w.Offset)
}

// ParseLSN parses a postgres WAL location of the form "XX/YYYYYY" into a
// single comparable 64-bit position.
func ParseLSN(s string) (uint64, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed LSN %q", s)
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed LSN %q: %w", s, err)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed LSN %q: %w", s, err)
	}
	return hi<<32 | lo, nil
}

// FormatLSN renders a 64-bit WAL position back into "XX/YYYYYY" form.
func FormatLSN(lsn uint64) string {
	return fmt.Sprintf("%X/%X", lsn>>32, lsn&0xFFFFFFFF)
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareKinds(a, b Watermark) int {
	return strings.Compare(string(a.Kind()), string(b.Kind()))
}
