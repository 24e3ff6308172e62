// Package writer implements the record serialization and emission path of
// a producing task: a spanning record serializer that fills pooled buffer
// builders, and a replay-aware record writer that logs every emitted
// record in-flight and can suspend normal emission to replay a
// subpartition for a recovering downstream task.
package writer

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/otterstream/causal-recovery/internal/buffer"
	"github.com/otterstream/causal-recovery/pkg/types"
)

// SerializationResult reports the outcome of copying serialized data into
// a buffer builder.
type SerializationResult int

const (
	// ResultFullRecord: the record was copied completely and the buffer
	// still has room.
	ResultFullRecord SerializationResult = iota
	// ResultFullRecordBufferFull: the record was copied completely and
	// exactly filled the buffer.
	ResultFullRecordBufferFull
	// ResultPartialRecordBufferFull: the buffer filled up mid-record;
	// continue with a fresh builder.
	ResultPartialRecordBufferFull
)

// IsFullRecord reports whether the staged record has been fully copied.
func (r SerializationResult) IsFullRecord() bool {
	return r == ResultFullRecord || r == ResultFullRecordBufferFull
}

// IsFullBuffer reports whether the target buffer has no room left.
func (r SerializationResult) IsFullBuffer() bool {
	return r == ResultFullRecordBufferFull || r == ResultPartialRecordBufferFull
}

// RecordSerializer serializes one record at a time into a length-prefixed
// frame and copies it into buffer builders, spanning builder boundaries
// when a record is larger than the remaining capacity. Serialization is
// deterministic, so replaying a record reproduces its original bytes.
//
// Not safe for concurrent use; the writer keeps one per channel.
type RecordSerializer struct {
	scratch bytes.Buffer
	pending []byte // unsent remainder of the staged frame
}

// NewRecordSerializer returns an empty serializer.
func NewRecordSerializer() *RecordSerializer {
	return &RecordSerializer{}
}

// AddRecord stages a record. The previous record must have been fully
// copied out (or cleared) first.
func (s *RecordSerializer) AddRecord(record types.Record) error {
	if len(s.pending) > 0 {
		return fmt.Errorf("writer: AddRecord with %d bytes of unsent data", len(s.pending))
	}
	s.scratch.Reset()

	// Frame: u32 payload length, payload.
	var lenPlaceholder [4]byte
	s.scratch.Write(lenPlaceholder[:])
	if err := record.WriteTo(&s.scratch); err != nil {
		return fmt.Errorf("writer: serialize record: %w", err)
	}
	frame := s.scratch.Bytes()
	binary.BigEndian.PutUint32(frame[:4], uint32(len(frame)-4))
	s.pending = frame
	return nil
}

// CopyToBuilder copies as much of the staged frame as fits into b.
func (s *RecordSerializer) CopyToBuilder(b *buffer.Builder) SerializationResult {
	n := b.Append(s.pending)
	s.pending = s.pending[n:]
	switch {
	case len(s.pending) > 0:
		return ResultPartialRecordBufferFull
	case b.IsFull():
		return ResultFullRecordBufferFull
	default:
		return ResultFullRecord
	}
}

// HasSerializedData reports whether an unsent remainder is staged.
func (s *RecordSerializer) HasSerializedData() bool {
	return len(s.pending) > 0
}

// Clear drops the staged frame.
func (s *RecordSerializer) Clear() {
	s.pending = nil
}

// Prune drops the staged frame and releases the internal scratch space.
// Called when a channel's buffers are cleared ahead of a replay.
func (s *RecordSerializer) Prune() {
	s.pending = nil
	s.scratch = bytes.Buffer{}
}
