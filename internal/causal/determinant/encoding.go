package determinant

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ============================================================================
// Encoding strategy
// ============================================================================

// EncodingStrategy encodes determinants into a compact byte stream and
// decodes them back lazily through a Cursor. Encodings are canonical: the
// same determinant always produces the same bytes.
type EncodingStrategy interface {
	// EncodeTo appends the encoding of d to out.
	EncodeTo(out *bytes.Buffer, d Determinant) error

	// DecodeNext decodes the determinant at the cursor and advances it.
	// Returns (nil, nil) at end of stream.
	DecodeNext(c *Cursor) (Determinant, error)
}

// Cursor is a read position over an encoded determinant stream.
type Cursor struct {
	data []byte
	pos  int
}

// NewCursor returns a cursor over data, positioned at the start.
func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data}
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.data) - c.pos
}

func (c *Cursor) take(n int) ([]byte, error) {
	if c.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, c.pos, c.Remaining())
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// ============================================================================
// Simple strategy: tag byte + fixed-width big-endian fields
// ============================================================================

// SimpleEncodingStrategy is the default EncodingStrategy. Layouts:
//
//	Order:       tag, channel u16                 (3 bytes)
//	Timer:       tag, timerID u64, timestamp i64  (17 bytes)
//	RNG:         tag, number i64                  (9 bytes)
//	Source:      tag, offset i64                  (9 bytes)
//	BufferBuilt: tag, numBytes i32                (5 bytes)
type SimpleEncodingStrategy struct{}

// EncodeTo appends the encoding of d to out.
func (SimpleEncodingStrategy) EncodeTo(out *bytes.Buffer, d Determinant) error {
	out.WriteByte(byte(d.Tag()))
	switch v := d.(type) {
	case Order:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], v.Channel)
		out.Write(b[:])
	case Timer:
		var b [16]byte
		binary.BigEndian.PutUint64(b[0:8], v.TimerID)
		binary.BigEndian.PutUint64(b[8:16], uint64(v.Timestamp))
		out.Write(b[:])
	case RNG:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Number))
		out.Write(b[:])
	case Source:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Offset))
		out.Write(b[:])
	case BufferBuilt:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.NumBytes))
		out.Write(b[:])
	default:
		return fmt.Errorf("%w: %T", ErrUnknownTag, d)
	}
	return nil
}

// DecodeNext decodes the determinant at the cursor and advances it.
func (SimpleEncodingStrategy) DecodeNext(c *Cursor) (Determinant, error) {
	if c.Remaining() == 0 {
		return nil, nil
	}
	tagByte, err := c.take(1)
	if err != nil {
		return nil, err
	}
	switch Tag(tagByte[0]) {
	case TagOrder:
		b, err := c.take(2)
		if err != nil {
			return nil, err
		}
		return Order{Channel: binary.BigEndian.Uint16(b)}, nil
	case TagTimer:
		b, err := c.take(16)
		if err != nil {
			return nil, err
		}
		return Timer{
			TimerID:   binary.BigEndian.Uint64(b[0:8]),
			Timestamp: int64(binary.BigEndian.Uint64(b[8:16])),
		}, nil
	case TagRNG:
		b, err := c.take(8)
		if err != nil {
			return nil, err
		}
		return RNG{Number: int64(binary.BigEndian.Uint64(b))}, nil
	case TagSource:
		b, err := c.take(8)
		if err != nil {
			return nil, err
		}
		return Source{Offset: int64(binary.BigEndian.Uint64(b))}, nil
	case TagBufferBuilt:
		b, err := c.take(4)
		if err != nil {
			return nil, err
		}
		return BufferBuilt{NumBytes: int32(binary.BigEndian.Uint32(b))}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x at offset %d", ErrUnknownTag, tagByte[0], c.pos-1)
	}
}
