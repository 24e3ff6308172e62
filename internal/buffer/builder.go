package buffer

// ============================================================================
// Builder
// ============================================================================

// Builder fills one Buffer on behalf of the record serializer. Not safe
// for concurrent use; the matching Buffer may be consumed concurrently
// since only committed bytes are visible.
type Builder struct {
	buf      *Buffer
	finished bool
}

// Append copies as much of src as fits, returning the number of bytes
// copied. A short count means the buffer is full and the builder should
// be finished.
func (bl *Builder) Append(src []byte) int {
	if bl.finished {
		panic("buffer: append on finished builder")
	}
	return bl.buf.Append(src)
}

// Remaining returns the free capacity left in the underlying buffer.
func (bl *Builder) Remaining() int {
	return bl.buf.Remaining()
}

// IsFull reports whether the underlying buffer has no free capacity.
func (bl *Builder) IsFull() bool {
	return bl.buf.Remaining() == 0
}

// IsFinished reports whether Finish has been called.
func (bl *Builder) IsFinished() bool {
	return bl.finished
}

// Finish seals the builder and returns the underlying buffer with the
// builder's reference transferred to the caller.
func (bl *Builder) Finish() *Buffer {
	if bl.finished {
		panic("buffer: double finish on builder")
	}
	bl.finished = true
	return bl.buf
}
