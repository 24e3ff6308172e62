// Package events defines the wire events of the recovery protocol and
// their canonical (de)serialization. Replay of in-flight data is driven by
// a prepare/request pair flowing downstream to upstream; determinant
// recovery by a request/response pair in the opposite direction.
package events

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/otterstream/causal-recovery/internal/causal/vertex"
	"github.com/otterstream/causal-recovery/pkg/types"
)

// Event is a recovery protocol event with a canonical binary form.
type Event interface {
	Write(out *bytes.Buffer) error
	Read(in *bytes.Reader) error
}

// ============================================================================
// In-flight log prepare / request
// ============================================================================

// InFlightLogPrepareEvent asks the upstream task to stop normal emission
// on one subpartition and get ready to replay from the checkpoint the
// downstream last saw.
type InFlightLogPrepareEvent struct {
	SubpartitionIndex uint32
	CheckpointID      types.Epoch
}

func (e *InFlightLogPrepareEvent) Write(out *bytes.Buffer) error {
	writeU32(out, e.SubpartitionIndex)
	writeU64(out, e.CheckpointID)
	return nil
}

func (e *InFlightLogPrepareEvent) Read(in *bytes.Reader) error {
	var err error
	if e.SubpartitionIndex, err = readU32(in); err != nil {
		return fmt.Errorf("events: read prepare subpartition: %w", err)
	}
	if e.CheckpointID, err = readU64(in); err != nil {
		return fmt.Errorf("events: read prepare checkpoint id: %w", err)
	}
	return nil
}

func (e *InFlightLogPrepareEvent) String() string {
	return fmt.Sprintf("InFlightLogPrepareEvent{sub=%d, checkpoint=%d}", e.SubpartitionIndex, e.CheckpointID)
}

// InFlightLogRequestEvent confirms a prior prepare: the downstream has
// restored state and wants the replay to start.
type InFlightLogRequestEvent struct {
	SubpartitionIndex uint32
	CheckpointID      types.Epoch
}

func (e *InFlightLogRequestEvent) Write(out *bytes.Buffer) error {
	writeU32(out, e.SubpartitionIndex)
	writeU64(out, e.CheckpointID)
	return nil
}

func (e *InFlightLogRequestEvent) Read(in *bytes.Reader) error {
	var err error
	if e.SubpartitionIndex, err = readU32(in); err != nil {
		return fmt.Errorf("events: read request subpartition: %w", err)
	}
	if e.CheckpointID, err = readU64(in); err != nil {
		return fmt.Errorf("events: read request checkpoint id: %w", err)
	}
	return nil
}

func (e *InFlightLogRequestEvent) String() string {
	return fmt.Sprintf("InFlightLogRequestEvent{sub=%d, checkpoint=%d}", e.SubpartitionIndex, e.CheckpointID)
}

// Matches reports whether the request confirms the given prepare.
func (e *InFlightLogRequestEvent) Matches(p *InFlightLogPrepareEvent) bool {
	return e.SubpartitionIndex == p.SubpartitionIndex && e.CheckpointID == p.CheckpointID
}

// ============================================================================
// Determinant request / response
// ============================================================================

// DeterminantRequestEvent asks an upstream peer for its mirror of the
// failed vertex's causal log.
type DeterminantRequestEvent struct {
	FailedVertex types.VertexID
}

func (e *DeterminantRequestEvent) Write(out *bytes.Buffer) error {
	writeU16(out, uint16(e.FailedVertex))
	return nil
}

func (e *DeterminantRequestEvent) Read(in *bytes.Reader) error {
	v, err := readU16(in)
	if err != nil {
		return fmt.Errorf("events: read failed vertex: %w", err)
	}
	e.FailedVertex = types.VertexID(v)
	return nil
}

func (e *DeterminantRequestEvent) String() string {
	return fmt.Sprintf("DeterminantRequestEvent{failedVertex=%d}", e.FailedVertex)
}

// DeterminantResponseEvent carries a mirror's full causal log delta of
// the failed vertex back to the recovering task.
type DeterminantResponseEvent struct {
	Delta vertex.Delta
}

func (e *DeterminantResponseEvent) Write(out *bytes.Buffer) error {
	vertex.EncodeDelta(out, e.Delta)
	return nil
}

func (e *DeterminantResponseEvent) Read(in *bytes.Reader) error {
	d, err := vertex.DecodeDelta(in)
	if err != nil {
		return fmt.Errorf("events: read determinant response: %w", err)
	}
	e.Delta = d
	return nil
}

func (e *DeterminantResponseEvent) String() string {
	return fmt.Sprintf("DeterminantResponseEvent{vertex=%d, bytes=%d}", e.Delta.VertexID, e.Delta.TotalBytes())
}

// ============================================================================
// Binary helpers
// ============================================================================

func writeU16(out *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	out.Write(b[:])
}

func writeU32(out *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	out.Write(b[:])
}

func writeU64(out *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	out.Write(b[:])
}

func readU16(in *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(in, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU32(in *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(in, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(in *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(in, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
