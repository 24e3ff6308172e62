package vertex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/otterstream/causal-recovery/internal/causal/thread"
	"github.com/otterstream/causal-recovery/pkg/types"
)

// ============================================================================
// Canonical wire form
// ============================================================================
//
// Layout:
//
//	vertexId:u16  mainDeltaPresent:u8
//	[mainDelta: offset:u32, len:u32, bytes]?
//	numPartitions:u32
//	  [partitionId: 16 bytes
//	   numSubs:u32
//	     [subIdx:u32, offset:u32, len:u32, bytes]*
//	  ]*
//
// All integers big endian. Inner lists are sorted by key, so equal logs
// always encode to identical bytes.

// EncodeDelta appends the canonical wire form of d to out.
func EncodeDelta(out *bytes.Buffer, d Delta) {
	d.normalize()

	writeU16(out, uint16(d.VertexID))
	if d.MainDelta != nil && d.MainDelta.Len() > 0 {
		out.WriteByte(1)
		writeThreadDelta(out, *d.MainDelta)
	} else {
		out.WriteByte(0)
	}
	writeU32(out, uint32(len(d.Partitions)))
	for _, p := range d.Partitions {
		out.Write(p.Partition[:])
		writeU32(out, uint32(len(p.Subpartitions)))
		for _, s := range p.Subpartitions {
			writeU32(out, s.Subpartition)
			writeThreadDelta(out, s.Delta)
		}
	}
}

// DecodeDelta reads one delta in canonical wire form.
func DecodeDelta(in *bytes.Reader) (Delta, error) {
	var d Delta

	v, err := readU16(in)
	if err != nil {
		return d, fmt.Errorf("vertex: decode vertex id: %w", err)
	}
	d.VertexID = types.VertexID(v)

	present, err := in.ReadByte()
	if err != nil {
		return d, fmt.Errorf("vertex: decode main delta flag: %w", err)
	}
	if present == 1 {
		td, err := readThreadDelta(in)
		if err != nil {
			return d, fmt.Errorf("vertex: decode main delta: %w", err)
		}
		d.MainDelta = &td
	}

	numPartitions, err := readU32(in)
	if err != nil {
		return d, fmt.Errorf("vertex: decode partition count: %w", err)
	}
	for i := uint32(0); i < numPartitions; i++ {
		var p PartitionDeltas
		if _, err := io.ReadFull(in, p.Partition[:]); err != nil {
			return d, fmt.Errorf("vertex: decode partition id: %w", err)
		}
		numSubs, err := readU32(in)
		if err != nil {
			return d, fmt.Errorf("vertex: decode subpartition count: %w", err)
		}
		for j := uint32(0); j < numSubs; j++ {
			subIdx, err := readU32(in)
			if err != nil {
				return d, fmt.Errorf("vertex: decode subpartition index: %w", err)
			}
			td, err := readThreadDelta(in)
			if err != nil {
				return d, fmt.Errorf("vertex: decode subpartition delta: %w", err)
			}
			p.Subpartitions = append(p.Subpartitions, NewSubpartitionDelta(td, subIdx))
		}
		d.Partitions = append(d.Partitions, p)
	}
	return d, nil
}

func writeThreadDelta(out *bytes.Buffer, d thread.Delta) {
	writeU32(out, uint32(d.StartOffset))
	writeU32(out, uint32(len(d.Bytes)))
	out.Write(d.Bytes)
}

func readThreadDelta(in *bytes.Reader) (thread.Delta, error) {
	offset, err := readU32(in)
	if err != nil {
		return thread.Delta{}, err
	}
	n, err := readU32(in)
	if err != nil {
		return thread.Delta{}, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(in, data); err != nil {
		return thread.Delta{}, err
	}
	return thread.Delta{Bytes: data, StartOffset: uint64(offset)}, nil
}

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
