package cluster

import "errors"

var (
	// ErrQuorumLost blocks every automatic write-enabling action: no
	// partition holds a majority, so nothing may be treated as
	// authoritative without a human in the loop.
	ErrQuorumLost = errors.New("quorum lost: no partition holds a majority")

	// ErrSplitBrainDetected blocks automatic resolution categorically.
	// Watermarks alone cannot disambiguate a partition that kept
	// accepting writes.
	ErrSplitBrainDetected = errors.New("split brain detected: multiple partitions claim primary membership")
)
