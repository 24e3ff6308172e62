package inflight

import "github.com/otterstream/causal-recovery/pkg/types"

// ============================================================================
// Replay iterator
// ============================================================================

type replaySlice struct {
	epoch   types.Epoch
	records []types.Record
}

// ReplayIterator walks a snapshot of an in-flight log in either direction,
// ascending epochs by default and skipping empty ones. It is finite and
// not restartable; create a new one per replay.
type ReplayIterator struct {
	entries   []replaySlice
	epochIdx  int
	pos       int // index of the next record to return in entries[epochIdx]
	remaining int
	closed    bool
}

func (it *ReplayIterator) advanceForwardIfNeeded() {
	for it.epochIdx < len(it.entries) && it.pos >= len(it.entries[it.epochIdx].records) {
		it.epochIdx++
		it.pos = 0
	}
}

func (it *ReplayIterator) advanceBackwardIfNeeded() {
	for it.pos == 0 && it.epochIdx > 0 {
		it.epochIdx--
		it.pos = len(it.entries[it.epochIdx].records)
	}
}

// HasNext reports whether a forward step will yield a record.
func (it *ReplayIterator) HasNext() bool {
	it.advanceForwardIfNeeded()
	return it.epochIdx < len(it.entries)
}

// Next returns the next record in the forward direction. Panics when
// exhausted; guard with HasNext.
func (it *ReplayIterator) Next() types.Record {
	it.advanceForwardIfNeeded()
	if it.epochIdx >= len(it.entries) {
		panic("inflight: Next past end of replay iterator")
	}
	r := it.entries[it.epochIdx].records[it.pos]
	it.pos++
	it.remaining--
	return r
}

// HasPrevious reports whether a backward step will yield a record.
func (it *ReplayIterator) HasPrevious() bool {
	it.advanceBackwardIfNeeded()
	return it.epochIdx < len(it.entries) && it.pos > 0
}

// Previous steps backward and returns the record last returned by Next.
func (it *ReplayIterator) Previous() types.Record {
	it.advanceBackwardIfNeeded()
	if it.epochIdx >= len(it.entries) || it.pos == 0 {
		panic("inflight: Previous past start of replay iterator")
	}
	it.pos--
	it.remaining++
	return it.entries[it.epochIdx].records[it.pos]
}

// NumberRemaining returns the exact count of records a forward traversal
// has not yet returned.
func (it *ReplayIterator) NumberRemaining() int {
	return it.remaining
}

// CurrentEpoch reports the epoch of the record about to be returned by
// Next, or of the last returned record when the iterator is exhausted.
func (it *ReplayIterator) CurrentEpoch() types.Epoch {
	it.advanceForwardIfNeeded()
	if len(it.entries) == 0 {
		return 0
	}
	if it.epochIdx >= len(it.entries) {
		return it.entries[len(it.entries)-1].epoch
	}
	return it.entries[it.epochIdx].epoch
}

// Close releases the references the iterator took at creation. Safe to
// call once; further traversal after Close is a bug.
func (it *ReplayIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	for _, e := range it.entries {
		for _, r := range e.records {
			recycleRecord(r)
		}
	}
	it.entries = nil
	it.remaining = 0
}
