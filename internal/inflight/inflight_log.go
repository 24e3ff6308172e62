// Package inflight retains the records a task has emitted since its last
// completed checkpoint, per output subpartition and sliced by epoch, so a
// recovering downstream task can have them replayed in the exact original
// order. The logs live in memory only; checkpoint completion is the sole
// reclamation trigger.
package inflight

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/otterstream/causal-recovery/pkg/types"
)

// Retainable is implemented by records that hold pooled buffers. The log
// retains on append and on iterator creation, and recycles on reclaim, so
// buffer lifetimes survive the transport recycling on send.
type Retainable interface {
	Retain()
	Recycle()
}

func retainRecord(r types.Record) {
	if ret, ok := r.(Retainable); ok {
		ret.Retain()
	}
}

func recycleRecord(r types.Record) {
	if ret, ok := r.(Retainable); ok {
		ret.Recycle()
	}
}

// SubpartitionLog is the in-flight record log of one output subpartition.
// All public methods are safe for concurrent use: the producer task logs
// while a checkpoint-completion thread may reclaim.
type SubpartitionLog struct {
	logger *slog.Logger

	mu     sync.Mutex
	slices map[types.Epoch][]types.Record
	epochs []types.Epoch // ascending
}

// NewSubpartitionLog creates an empty log.
func NewSubpartitionLog(logger *slog.Logger) *SubpartitionLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubpartitionLog{
		logger: logger,
		slices: make(map[types.Epoch][]types.Record),
	}
}

// Log appends a record under the given epoch, retaining any underlying
// buffer. Slices are created lazily on the first write to a new epoch.
func (l *SubpartitionLog) Log(record types.Record, epoch types.Epoch) {
	retainRecord(record)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.slices[epoch]; !ok {
		l.epochs = insertSorted(l.epochs, epoch)
	}
	l.slices[epoch] = append(l.slices[epoch], record)
	l.logger.Debug("logged in-flight record", "epoch", epoch)
}

// Epochs returns the epoch ids that currently hold records, ascending.
func (l *SubpartitionLog) Epochs() []types.Epoch {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Epoch, len(l.epochs))
	copy(out, l.epochs)
	return out
}

// RecordsForEpoch returns a snapshot of the records logged under epoch,
// in append order.
func (l *SubpartitionLog) RecordsForEpoch(epoch types.Epoch) []types.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.slices[epoch]
	out := make([]types.Record, len(src))
	copy(out, src)
	return out
}

// GetIterator returns a bidirectional replay cursor over every record
// with epoch >= startEpoch. The iterator observes a snapshot: appends to
// already-visited epochs after creation are not reflected. Creation
// retains every covered record once; Close releases those references.
func (l *SubpartitionLog) GetIterator(startEpoch types.Epoch) *ReplayIterator {
	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []replaySlice
	total := 0
	for _, e := range l.epochs {
		if e < startEpoch {
			continue
		}
		src := l.slices[e]
		if len(src) == 0 {
			continue
		}
		records := make([]types.Record, len(src))
		copy(records, src)
		for _, r := range records {
			retainRecord(r)
		}
		entries = append(entries, replaySlice{epoch: e, records: records})
		total += len(records)
	}
	return &ReplayIterator{entries: entries, remaining: total}
}

// NotifyCheckpointComplete recycles and removes every slice with epoch <
// completed. Idempotent. Outstanding iterators are unaffected: they hold
// their own references.
func (l *SubpartitionLog) NotifyCheckpointComplete(completed types.Epoch) {
	l.mu.Lock()
	var reclaimed []types.Record
	kept := l.epochs[:0]
	for _, e := range l.epochs {
		if e < completed {
			reclaimed = append(reclaimed, l.slices[e]...)
			delete(l.slices, e)
		} else {
			kept = append(kept, e)
		}
	}
	l.epochs = kept
	l.mu.Unlock()

	for _, r := range reclaimed {
		recycleRecord(r)
	}
	if len(reclaimed) > 0 {
		l.logger.Debug("reclaimed in-flight slices", "completedEpoch", completed, "records", len(reclaimed))
	}
}

// NumRecords returns the retained record count across all epochs.
func (l *SubpartitionLog) NumRecords() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.slices {
		n += len(s)
	}
	return n
}

func insertSorted(epochs []types.Epoch, e types.Epoch) []types.Epoch {
	i := sort.Search(len(epochs), func(i int) bool { return epochs[i] >= e })
	epochs = append(epochs, 0)
	copy(epochs[i+1:], epochs[i:])
	epochs[i] = e
	return epochs
}
