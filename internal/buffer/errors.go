package buffer

// ============================================================================
// Buffer Pool Error Definitions
// ============================================================================

import "errors"

var (
	// ErrOutOfBuffers indicates the pool has no free segment. Callers on
	// the hot path treat this as backpressure.
	ErrOutOfBuffers = errors.New("buffer: pool out of buffers")

	// ErrPoolClosed indicates the pool has been closed; no further
	// requests can be served.
	ErrPoolClosed = errors.New("buffer: pool is closed")
)
