// Package thread implements the append-only causal log of a single logical
// thread (an operator's main thread or one output subpartition). The log is
// an ordered byte sequence sliced by epoch, stored as a chain of pooled
// buffers, with independent per-consumer cursors for delta generation.
//
// Concurrency contract: one writer appends; any number of consumers read
// concurrently. Slice bookkeeping and reclamation run under an internal
// lock, but the byte copies themselves happen outside it: a reader retains
// every buffer it copies from, so checkpoint reclamation can never pull a
// segment out from under a copy in progress.
package thread

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/otterstream/causal-recovery/internal/buffer"
	"github.com/otterstream/causal-recovery/pkg/types"
)

// Delta is the contiguous unread byte range of one consumer: the raw bytes
// plus the absolute log offset of the first byte. Offsets let the receiver
// of a delta trim overlap and detect gaps.
type Delta struct {
	Bytes       []byte
	StartOffset uint64
}

// Len returns the delta size in bytes.
func (d Delta) Len() int {
	return len(d.Bytes)
}

// epochSlice is the retained byte range of one epoch: a chain of buffers
// plus the absolute offset of the slice's first byte. A buffer belongs to
// exactly one slice; opening a new epoch always starts a new chain.
type epochSlice struct {
	epoch       types.Epoch
	startOffset uint64
	buffers     []*buffer.Buffer
}

type cursor struct {
	// offset is the absolute log offset of the next unread byte.
	offset uint64
}

// Log is a single-writer multi-reader epoch-sliced causal log.
type Log struct {
	pool   *buffer.Pool
	logger *slog.Logger

	mu            sync.Mutex
	slices        []*epochSlice // ascending epoch order
	currentEpoch  types.Epoch
	opened        bool   // false until the first append
	totalAppended uint64 // absolute offset of the next byte to append
	firstRetained uint64 // absolute offset of the earliest retained byte
	cursors       map[types.ChannelID]*cursor

	// Mirror bookkeeping: the sender-side offset of this log's byte zero.
	// Set by the first AppendDelta; a mirror created after the sender
	// already reclaimed early epochs starts mid-stream.
	deltaBase    uint64
	deltaBaseSet bool
}

// NewLog creates an empty log backed by pool.
func NewLog(pool *buffer.Pool, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		pool:    pool,
		logger:  logger,
		cursors: make(map[types.ChannelID]*cursor),
	}
}

// ============================================================================
// Writer side
// ============================================================================

// Append appends p to the tail of the log under the given epoch. A higher
// epoch than the current one opens a new slice; a lower one is an error.
// Returns buffer.ErrOutOfBuffers when the pool cannot supply a segment.
func (l *Log) Append(p []byte, epoch types.Epoch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(p, epoch)
}

func (l *Log) appendLocked(p []byte, epoch types.Epoch) error {
	if l.opened && epoch < l.currentEpoch {
		return fmt.Errorf("%w: epoch %d, current %d", ErrEpochRegression, epoch, l.currentEpoch)
	}
	if !l.opened || epoch > l.currentEpoch || len(l.slices) == 0 {
		l.slices = append(l.slices, &epochSlice{epoch: epoch, startOffset: l.totalAppended})
		l.currentEpoch = epoch
		l.opened = true
	}
	slice := l.slices[len(l.slices)-1]

	for len(p) > 0 {
		var tail *buffer.Buffer
		if n := len(slice.buffers); n > 0 && slice.buffers[n-1].Remaining() > 0 {
			tail = slice.buffers[n-1]
		} else {
			b, err := l.pool.RequestBuffer()
			if err != nil {
				return err
			}
			slice.buffers = append(slice.buffers, b)
			tail = b
		}
		n := tail.Append(p)
		p = p[n:]
		l.totalAppended += uint64(n)
	}
	return nil
}

// ============================================================================
// Reader side
// ============================================================================

// GetDeterminants returns a freshly allocated copy of every slice with
// epoch >= startEpoch. A zero-length result is valid.
func (l *Log) GetDeterminants(startEpoch types.Epoch) []byte {
	l.mu.Lock()
	views := l.retainRangeLocked(l.offsetOfEpochLocked(startEpoch), l.totalAppended)
	l.mu.Unlock()

	return copyAndRecycle(views)
}

// GetNextForConsumer returns the bytes unread by consumer, starting no
// earlier than epoch, and advances the consumer cursor to the tail. Each
// consumer's cursor advances independently.
func (l *Log) GetNextForConsumer(consumer types.ChannelID, epoch types.Epoch) Delta {
	l.mu.Lock()
	c, ok := l.cursors[consumer]
	if !ok {
		c = &cursor{offset: l.offsetOfEpochLocked(epoch)}
		l.cursors[consumer] = c
	}
	if c.offset < l.firstRetained {
		// The consumer fell behind reclamation. Snap forward to the
		// earliest live byte; recovered, not fatal.
		l.logger.Warn("consumer cursor predates reclaimed epoch, snapping forward",
			"consumer", consumer.String(), "cursorOffset", c.offset, "firstRetained", l.firstRetained)
		c.offset = l.firstRetained
	}
	start := c.offset
	views := l.retainRangeLocked(start, l.totalAppended)
	c.offset = l.totalAppended
	l.mu.Unlock()

	return Delta{Bytes: copyAndRecycle(views), StartOffset: start}
}

// AppendDelta merges a delta received from the live task into this mirror
// of its log. Overlap with already-mirrored bytes is trimmed using the
// delta's absolute start offset; a gap is an error.
func (l *Log) AppendDelta(d Delta, epoch types.Epoch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.deltaBaseSet {
		l.deltaBase = d.StartOffset
		l.deltaBaseSet = true
	}
	mirrorEnd := l.deltaBase + l.totalAppended
	if d.StartOffset > mirrorEnd {
		return fmt.Errorf("%w: delta starts at %d, mirror ends at %d", ErrDeltaGap, d.StartOffset, mirrorEnd)
	}
	overlap := mirrorEnd - d.StartOffset
	if overlap >= uint64(len(d.Bytes)) {
		return nil // nothing new
	}
	if l.opened && epoch < l.currentEpoch {
		// Deltas can trail the mirror's epoch; attribute the bytes to the
		// newest slice so reclamation stays conservative.
		epoch = l.currentEpoch
	}
	return l.appendLocked(d.Bytes[overlap:], epoch)
}

// LogLength returns the retained byte count.
func (l *Log) LogLength() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.totalAppended - l.firstRetained)
}

// Epochs returns the retained epoch ids in ascending order.
func (l *Log) Epochs() []types.Epoch {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Epoch, 0, len(l.slices))
	for _, s := range l.slices {
		out = append(out, s.epoch)
	}
	return out
}

// ============================================================================
// Reclamation
// ============================================================================

// NotifyCheckpointComplete reclaims every slice with epoch < completed and
// recycles its buffers exactly once. Idempotent.
func (l *Log) NotifyCheckpointComplete(completed types.Epoch) {
	l.mu.Lock()
	var reclaimed []*buffer.Buffer
	i := 0
	for ; i < len(l.slices) && l.slices[i].epoch < completed; i++ {
		reclaimed = append(reclaimed, l.slices[i].buffers...)
	}
	if i > 0 {
		l.slices = l.slices[i:]
	}
	if len(l.slices) > 0 {
		l.firstRetained = l.slices[0].startOffset
	} else {
		l.firstRetained = l.totalAppended
	}
	l.mu.Unlock()

	for _, b := range reclaimed {
		b.Recycle()
	}
	if len(reclaimed) > 0 {
		l.logger.Debug("reclaimed causal log slices", "completedEpoch", completed, "buffers", len(reclaimed))
	}
}

// Close reclaims everything the log still holds.
func (l *Log) Close() {
	l.mu.Lock()
	var held []*buffer.Buffer
	for _, s := range l.slices {
		held = append(held, s.buffers...)
	}
	l.slices = nil
	l.firstRetained = l.totalAppended
	l.mu.Unlock()

	for _, b := range held {
		b.Recycle()
	}
}

// ============================================================================
// Internal helpers
// ============================================================================

// offsetOfEpochLocked maps an epoch to the absolute offset of its first
// byte. Epochs before the earliest retained slice map to the earliest
// retained byte; epochs past the tail map to the end of the log.
func (l *Log) offsetOfEpochLocked(epoch types.Epoch) uint64 {
	for _, s := range l.slices {
		if s.epoch >= epoch {
			return s.startOffset
		}
	}
	return l.totalAppended
}

// bufferView is one retained buffer plus the byte range to copy out of it.
type bufferView struct {
	buf      *buffer.Buffer
	from, to int
}

// retainRangeLocked retains every buffer overlapping the absolute range
// [start, end) and returns copy instructions for it. The caller copies
// outside the lock and recycles the retained handles.
func (l *Log) retainRangeLocked(start, end uint64) []bufferView {
	if start >= end {
		return nil
	}
	var views []bufferView
	for _, s := range l.slices {
		off := s.startOffset
		for _, b := range s.buffers {
			blen := uint64(b.Len())
			bStart, bEnd := off, off+blen
			off = bEnd
			if bEnd <= start || bStart >= end {
				continue
			}
			from := uint64(0)
			if start > bStart {
				from = start - bStart
			}
			to := blen
			if end < bEnd {
				to = end - bStart
			}
			views = append(views, bufferView{buf: b.Retain(), from: int(from), to: int(to)})
		}
	}
	return views
}

// copyAndRecycle concatenates the views into a fresh slice and drops the
// read-side references.
func copyAndRecycle(views []bufferView) []byte {
	total := 0
	for _, v := range views {
		total += v.to - v.from
	}
	out := make([]byte, 0, total)
	for _, v := range views {
		out = append(out, v.buf.Slice(v.from, v.to-v.from)...)
		v.buf.Recycle()
	}
	return out
}
