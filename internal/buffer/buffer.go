// Package buffer implements the fixed-capacity memory arena the causal and
// in-flight logs are built on. Segments are owned by a Pool and handed out
// as reference-counted Buffer handles. Producers retain on write, consumers
// retain on read-for-replay, and each side recycles after use; a segment
// returns to the pool when its count reaches zero.
//
// Refcount misuse (retain after free, double recycle, recycling a stale
// handle after the segment was reissued) is a programming error and panics.
// Stale handles are detected through a per-segment generation counter that
// advances every time the segment goes back to the pool.
package buffer

import (
	"fmt"
	"sync/atomic"
)

// Buffer is a reference-counted handle to one fixed-capacity segment.
//
// Writes go through Append from a single writer; readers only observe the
// committed prefix, published with an atomic position store. This is what
// lets causal log readers copy from a buffer while the writer is still
// filling its tail.
type Buffer struct {
	pool       *Pool
	index      int
	generation uint64
	refs       atomic.Int32
	pos        atomic.Int32
	data       []byte
}

// Retain increments the reference count and returns the same handle.
// Retaining a handle whose count already reached zero is a bug.
func (b *Buffer) Retain() *Buffer {
	for {
		old := b.refs.Load()
		if old <= 0 {
			panic(fmt.Sprintf("buffer: retain on released buffer (segment %d, generation %d)", b.index, b.generation))
		}
		if b.refs.CompareAndSwap(old, old+1) {
			return b
		}
	}
}

// Recycle decrements the reference count, returning the segment to the
// pool when it reaches zero. Recycling below zero is a bug.
func (b *Buffer) Recycle() {
	n := b.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("buffer: double recycle (segment %d, generation %d)", b.index, b.generation))
	}
	if n == 0 {
		b.pool.release(b.index, b.generation)
	}
}

// RefCount returns the current reference count. Intended for tests and
// invariant checks.
func (b *Buffer) RefCount() int32 {
	return b.refs.Load()
}

// Capacity returns the fixed segment capacity in bytes.
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// Len returns the number of committed bytes.
func (b *Buffer) Len() int {
	return int(b.pos.Load())
}

// Remaining returns the free capacity left for Append.
func (b *Buffer) Remaining() int {
	return len(b.data) - int(b.pos.Load())
}

// Append copies as much of src as fits and commits it, returning the
// number of bytes copied. Single writer only; committed bytes become
// visible to concurrent readers atomically.
func (b *Buffer) Append(src []byte) int {
	pos := int(b.pos.Load())
	n := copy(b.data[pos:], src)
	b.pos.Store(int32(pos + n))
	return n
}

// Bytes returns a view of the committed region. The caller must hold a
// reference for as long as it touches the view.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.pos.Load()]
}

// Slice returns a view of length bytes of the committed region starting
// at off. Panics when the range is outside the committed region.
func (b *Buffer) Slice(off, length int) []byte {
	committed := int(b.pos.Load())
	if off < 0 || length < 0 || off+length > committed {
		panic(fmt.Sprintf("buffer: slice [%d:%d] outside committed region of %d bytes", off, off+length, committed))
	}
	return b.data[off : off+length]
}
