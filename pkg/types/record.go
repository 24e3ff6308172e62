package types

import (
	"encoding/binary"
	"fmt"
	"io"
)

// StreamRecord is the standard record carried between streaming operators:
// a record id for lineage tracking plus an opaque payload.
type StreamRecord struct {
	ID      RecordID
	Payload []byte
}

// NewStreamRecord builds a record with a fresh random id.
func NewStreamRecord(payload []byte) *StreamRecord {
	return &StreamRecord{ID: NewRandomRecordID(), Payload: payload}
}

// WriteTo serializes the record as: id (4 bytes), payload length (u32,
// big endian), payload bytes. The encoding is deterministic.
func (r *StreamRecord) WriteTo(w io.Writer) error {
	if _, err := w.Write(r.ID[:]); err != nil {
		return fmt.Errorf("types: write record id: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(r.Payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("types: write payload length: %w", err)
	}
	if _, err := w.Write(r.Payload); err != nil {
		return fmt.Errorf("types: write payload: %w", err)
	}
	return nil
}

// ReadStreamRecord decodes one record previously written with WriteTo.
func ReadStreamRecord(r io.Reader) (*StreamRecord, error) {
	var rec StreamRecord
	if _, err := io.ReadFull(r, rec.ID[:]); err != nil {
		return nil, fmt.Errorf("types: read record id: %w", err)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("types: read payload length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	rec.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, rec.Payload); err != nil {
		return nil, fmt.Errorf("types: read payload: %w", err)
	}
	return &rec, nil
}
