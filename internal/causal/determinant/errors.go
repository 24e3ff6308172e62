package determinant

// ============================================================================
// Encoding Error Definitions
// ============================================================================

import "errors"

var (
	// ErrUnknownTag indicates the decoder met a tag outside the closed
	// variant set. The stream is corrupt.
	ErrUnknownTag = errors.New("determinant: unknown tag")

	// ErrTruncated indicates the stream ended in the middle of an
	// encoded determinant.
	ErrTruncated = errors.New("determinant: truncated stream")
)
