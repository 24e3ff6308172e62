package thread

// ============================================================================
// Thread Log Error Definitions
// ============================================================================

import "errors"

var (
	// ErrEpochRegression indicates an append named an epoch older than
	// the log's current epoch. Appends are single-writer and epochs only
	// move forward.
	ErrEpochRegression = errors.New("thread: append epoch precedes current epoch")

	// ErrDeltaGap indicates a received delta starts past the end of the
	// local mirror, meaning an earlier delta was lost.
	ErrDeltaGap = errors.New("thread: delta leaves a gap in the mirrored log")
)
