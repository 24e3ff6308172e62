package writer

// ============================================================================
// Writer Error Definitions
// ============================================================================

import "errors"

var (
	// ErrReplayTimeout indicates no matching request arrived within the
	// poll window after a prepare. The replay attempt is abandoned and
	// normal emission resumes; the downstream retries.
	ErrReplayTimeout = errors.New("writer: in-flight log request timed out")

	// ErrMismatchedReplay indicates the request event did not match the
	// pending prepare. The replay attempt is abandoned.
	ErrMismatchedReplay = errors.New("writer: in-flight log request does not match prepare")

	// ErrEventTooLarge indicates an event frame exceeds a single buffer
	// segment.
	ErrEventTooLarge = errors.New("writer: event frame exceeds segment capacity")
)
