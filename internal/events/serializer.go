package events

import (
	"bytes"
	"errors"
	"fmt"
)

// ============================================================================
// Event envelope
// ============================================================================

// Type tags identify events on the wire.
const (
	tagInFlightLogPrepare  byte = 0x10
	tagInFlightLogRequest  byte = 0x11
	tagDeterminantRequest  byte = 0x12
	tagDeterminantResponse byte = 0x13
	tagCheckpointBarrier   byte = 0x14
)

var (
	// ErrUnknownEventType indicates a tag outside the protocol, or an
	// event delivered to a listener that does not accept its type.
	ErrUnknownEventType = errors.New("events: unknown event type")
)

// Marshal serializes an event with its type tag prepended.
func Marshal(ev Event) ([]byte, error) {
	var tag byte
	switch ev.(type) {
	case *InFlightLogPrepareEvent:
		tag = tagInFlightLogPrepare
	case *InFlightLogRequestEvent:
		tag = tagInFlightLogRequest
	case *DeterminantRequestEvent:
		tag = tagDeterminantRequest
	case *DeterminantResponseEvent:
		tag = tagDeterminantResponse
	case *CheckpointBarrierEvent:
		tag = tagCheckpointBarrier
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, ev)
	}

	var out bytes.Buffer
	out.WriteByte(tag)
	if err := ev.Write(&out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Unmarshal deserializes an event previously produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("events: empty event frame")
	}
	var ev Event
	switch data[0] {
	case tagInFlightLogPrepare:
		ev = &InFlightLogPrepareEvent{}
	case tagInFlightLogRequest:
		ev = &InFlightLogRequestEvent{}
	case tagDeterminantRequest:
		ev = &DeterminantRequestEvent{}
	case tagDeterminantResponse:
		ev = &DeterminantResponseEvent{}
	case tagCheckpointBarrier:
		ev = &CheckpointBarrierEvent{}
	default:
		return nil, fmt.Errorf("%w: tag 0x%02x", ErrUnknownEventType, data[0])
	}
	if err := ev.Read(bytes.NewReader(data[1:])); err != nil {
		return nil, err
	}
	return ev, nil
}
