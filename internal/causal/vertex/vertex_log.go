package vertex

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/otterstream/causal-recovery/internal/buffer"
	"github.com/otterstream/causal-recovery/internal/causal/thread"
	"github.com/otterstream/causal-recovery/pkg/types"
)

// Log holds the causal logs of one vertex: the main-thread log plus a
// sparse (partition, subpartition) map of thread logs. All child logs
// share the vertex's buffer pool.
//
// The maps use atomic find-or-create so concurrent delta processing and
// metric queries can materialize the same child exactly once. Iteration
// during mutation yields a weakly consistent snapshot, which is fine for
// delta generation: a missing entry just means "no news yet".
type Log struct {
	vertexID types.VertexID
	pool     *buffer.Pool
	logger   *slog.Logger

	mainThreadLog *thread.Log

	// subpartitionLogs: types.PartitionID -> *sync.Map of uint32 -> *thread.Log
	subpartitionLogs sync.Map
}

// NewLog creates the causal log aggregate for vertexID.
func NewLog(vertexID types.VertexID, pool *buffer.Pool, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("creating vertex causal log", "vertexID", vertexID)
	return &Log{
		vertexID:      vertexID,
		pool:          pool,
		logger:        logger,
		mainThreadLog: thread.NewLog(pool, logger),
	}
}

// VertexID returns the vertex this log belongs to.
func (l *Log) VertexID() types.VertexID {
	return l.vertexID
}

// MainThreadLog returns the main-thread child log.
func (l *Log) MainThreadLog() *thread.Log {
	return l.mainThreadLog
}

// SubpartitionLog returns the child log for (partition, sub), creating it
// atomically on first use.
func (l *Log) SubpartitionLog(partition types.PartitionID, sub uint32) *thread.Log {
	inner := l.partitionMap(partition)
	if existing, ok := inner.Load(sub); ok {
		return existing.(*thread.Log)
	}
	created := thread.NewLog(l.pool, l.logger)
	actual, _ := inner.LoadOrStore(sub, created)
	return actual.(*thread.Log)
}

func (l *Log) partitionMap(partition types.PartitionID) *sync.Map {
	if existing, ok := l.subpartitionLogs.Load(partition); ok {
		return existing.(*sync.Map)
	}
	actual, _ := l.subpartitionLogs.LoadOrStore(partition, &sync.Map{})
	return actual.(*sync.Map)
}

// ============================================================================
// Delta processing (mirror side)
// ============================================================================

// ProcessDelta merges a received delta into this log, finding or creating
// the matching child for every sub-delta.
func (l *Log) ProcessDelta(d Delta, epoch types.Epoch) error {
	l.logger.Debug("processing vertex delta", "vertexID", d.VertexID, "bytes", d.TotalBytes(), "epoch", epoch)

	if d.MainDelta != nil {
		if err := l.mainThreadLog.AppendDelta(*d.MainDelta, epoch); err != nil {
			return err
		}
	}
	for _, p := range d.Partitions {
		for _, s := range p.Subpartitions {
			child := l.SubpartitionLog(p.Partition, s.Subpartition)
			if err := child.AppendDelta(s.Delta, epoch); err != nil {
				return err
			}
		}
	}
	return nil
}

// ============================================================================
// Delta generation
// ============================================================================

// GetDeterminants composes a delta holding every retained byte with epoch
// >= startEpoch, one sub-delta per child with data. Inner lists come out
// sorted, so two calls on an unchanged log return identical deltas.
func (l *Log) GetDeterminants(startEpoch types.Epoch) Delta {
	return l.compose(
		func(t *thread.Log) thread.Delta {
			return thread.Delta{Bytes: t.GetDeterminants(startEpoch)}
		},
	)
}

// GetNextForDownstream composes a delta of everything consumer has not
// seen yet, advancing the per-child cursors.
func (l *Log) GetNextForDownstream(consumer types.ChannelID, epoch types.Epoch) Delta {
	return l.compose(
		func(t *thread.Log) thread.Delta {
			return t.GetNextForConsumer(consumer, epoch)
		},
	)
}

func (l *Log) compose(read func(*thread.Log) thread.Delta) Delta {
	d := Delta{VertexID: l.vertexID}

	if main := read(l.mainThreadLog); main.Len() > 0 {
		d.MainDelta = &main
	}

	l.subpartitionLogs.Range(func(key, value any) bool {
		partition := key.(types.PartitionID)
		inner := value.(*sync.Map)

		var subs []SubpartitionDelta
		inner.Range(func(subKey, subValue any) bool {
			sub := subKey.(uint32)
			child := subValue.(*thread.Log)
			if delta := read(child); delta.Len() > 0 {
				subs = append(subs, NewSubpartitionDelta(delta, sub))
			}
			return true
		})
		if len(subs) > 0 {
			sort.Slice(subs, func(i, j int) bool { return subs[i].Subpartition < subs[j].Subpartition })
			d.Partitions = append(d.Partitions, PartitionDeltas{Partition: partition, Subpartitions: subs})
		}
		return true
	})
	d.normalize()
	return d
}

// ============================================================================
// Lifecycle
// ============================================================================

// NotifyCheckpointComplete broadcasts the completion to every child log.
// A failure in one child is logged and does not stop the broadcast.
func (l *Log) NotifyCheckpointComplete(epoch types.Epoch) {
	l.notifyChild(l.mainThreadLog, epoch)
	l.subpartitionLogs.Range(func(_, value any) bool {
		inner := value.(*sync.Map)
		inner.Range(func(_, subValue any) bool {
			l.notifyChild(subValue.(*thread.Log), epoch)
			return true
		})
		return true
	})
}

func (l *Log) notifyChild(child *thread.Log, epoch types.Epoch) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("child log failed during checkpoint completion",
				"vertexID", l.vertexID, "epoch", epoch, "panic", r)
		}
	}()
	child.NotifyCheckpointComplete(epoch)
}

// MainLogLength returns the retained byte count of the main-thread log.
func (l *Log) MainLogLength() int {
	return l.mainThreadLog.LogLength()
}

// SubLogLength returns the retained byte count of one subpartition log,
// creating it if absent.
func (l *Log) SubLogLength(partition types.PartitionID, sub uint32) int {
	return l.SubpartitionLog(partition, sub).LogLength()
}

// Close releases every buffer all child logs still hold.
func (l *Log) Close() {
	l.mainThreadLog.Close()
	l.subpartitionLogs.Range(func(_, value any) bool {
		inner := value.(*sync.Map)
		inner.Range(func(_, subValue any) bool {
			subValue.(*thread.Log).Close()
			return true
		})
		return true
	})
}
