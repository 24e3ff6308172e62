// Package job implements the task-level causal log: the local vertex's own
// log plus a mirror of every upstream vertex's log, fed by deltas arriving
// over the network. It is the single entry point the task runtime uses to
// record determinants and to answer determinant queries during recovery.
//
// The job log holds no back-references: lifecycle flows strictly downward
// through epoch completion callbacks.
package job

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/otterstream/causal-recovery/internal/buffer"
	"github.com/otterstream/causal-recovery/internal/causal/determinant"
	"github.com/otterstream/causal-recovery/internal/causal/vertex"
	"github.com/otterstream/causal-recovery/pkg/types"
)

// Log is the causal log of one running task.
type Log struct {
	vertexID types.VertexID
	pool     *buffer.Pool
	encoding determinant.EncodingStrategy
	logger   *slog.Logger

	ownLog *vertex.Log

	// upstreamLogs: types.VertexID -> *vertex.Log (mirrors)
	upstreamLogs sync.Map

	// encodeMu serializes determinant encoding into the scratch buffer.
	// Appends on the main thread are already serialized by the task; the
	// lock only covers the subpartition append path racing with it.
	encodeMu sync.Mutex
	scratch  bytes.Buffer
}

// NewLog creates the job causal log for the local vertex.
func NewLog(vertexID types.VertexID, pool *buffer.Pool, encoding determinant.EncodingStrategy, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		vertexID: vertexID,
		pool:     pool,
		encoding: encoding,
		logger:   logger,
		ownLog:   vertex.NewLog(vertexID, pool, logger),
	}
}

// VertexID returns the local vertex id.
func (l *Log) VertexID() types.VertexID {
	return l.vertexID
}

// EncodingStrategy returns the determinant encoding in use.
func (l *Log) EncodingStrategy() determinant.EncodingStrategy {
	return l.encoding
}

// OwnLog returns the local vertex's causal log.
func (l *Log) OwnLog() *vertex.Log {
	return l.ownLog
}

// ============================================================================
// Recording
// ============================================================================

// AppendDeterminant encodes d and appends it to the local main-thread log.
func (l *Log) AppendDeterminant(d determinant.Determinant, epoch types.Epoch) error {
	encoded, err := l.encode(d)
	if err != nil {
		return err
	}
	return l.ownLog.MainThreadLog().Append(encoded, epoch)
}

// AppendSubpartitionDeterminant encodes d and appends it to the local log
// of the given output subpartition.
func (l *Log) AppendSubpartitionDeterminant(d determinant.Determinant, epoch types.Epoch, partition types.PartitionID, sub uint32) error {
	encoded, err := l.encode(d)
	if err != nil {
		return err
	}
	return l.ownLog.SubpartitionLog(partition, sub).Append(encoded, epoch)
}

func (l *Log) encode(d determinant.Determinant) ([]byte, error) {
	l.encodeMu.Lock()
	defer l.encodeMu.Unlock()
	l.scratch.Reset()
	if err := l.encoding.EncodeTo(&l.scratch, d); err != nil {
		return nil, fmt.Errorf("job: encode determinant: %w", err)
	}
	out := make([]byte, l.scratch.Len())
	copy(out, l.scratch.Bytes())
	return out, nil
}

// ============================================================================
// Upstream mirrors
// ============================================================================

// ProcessUpstreamDelta merges a delta from an upstream vertex into the
// matching mirror, creating the mirror on first contact.
func (l *Log) ProcessUpstreamDelta(d vertex.Delta, epoch types.Epoch) error {
	return l.upstreamLog(d.VertexID).ProcessDelta(d, epoch)
}

func (l *Log) upstreamLog(vertexID types.VertexID) *vertex.Log {
	if existing, ok := l.upstreamLogs.Load(vertexID); ok {
		return existing.(*vertex.Log)
	}
	created := vertex.NewLog(vertexID, l.pool, l.logger)
	actual, loaded := l.upstreamLogs.LoadOrStore(vertexID, created)
	if loaded {
		created.Close()
	}
	return actual.(*vertex.Log)
}

// ============================================================================
// Queries
// ============================================================================

// GetDeterminantsOfVertex returns the full retained log of the named
// vertex, from epoch zero. Answers from the local log when the id is our
// own, from the mirror otherwise. An unknown vertex yields an empty delta.
func (l *Log) GetDeterminantsOfVertex(vertexID types.VertexID) vertex.Delta {
	if vertexID == l.vertexID {
		return l.ownLog.GetDeterminants(0)
	}
	if existing, ok := l.upstreamLogs.Load(vertexID); ok {
		return existing.(*vertex.Log).GetDeterminants(0)
	}
	l.logger.Warn("determinant query for unknown vertex", "vertexID", vertexID)
	return vertex.Delta{VertexID: vertexID}
}

// GetNextForDownstream returns the new deltas for every known vertex
// (including our own), one per vertex, empty deltas suppressed. The own
// log comes first, mirrors follow in ascending vertex id order.
func (l *Log) GetNextForDownstream(consumer types.ChannelID, epoch types.Epoch) []vertex.Delta {
	var out []vertex.Delta
	if d := l.ownLog.GetNextForDownstream(consumer, epoch); !d.IsEmpty() {
		out = append(out, d)
	}

	var mirrors []*vertex.Log
	l.upstreamLogs.Range(func(_, value any) bool {
		mirrors = append(mirrors, value.(*vertex.Log))
		return true
	})
	sort.Slice(mirrors, func(i, j int) bool { return mirrors[i].VertexID() < mirrors[j].VertexID() })
	for _, m := range mirrors {
		if d := m.GetNextForDownstream(consumer, epoch); !d.IsEmpty() {
			out = append(out, d)
		}
	}
	return out
}

// RegisterDownstreamConsumer records that a downstream channel consumes
// from this task. The consumed partition and subpartition are deliberately
// ignored: every downstream depends on the full vertex history, so there
// is no per-partition filtering on the sender side.
func (l *Log) RegisterDownstreamConsumer(consumer types.ChannelID, partition types.PartitionID, sub uint32) {
	l.logger.Debug("registered downstream consumer",
		"consumer", consumer.String(), "partition", partition.String(), "subpartition", sub)
}

// ============================================================================
// Lifecycle
// ============================================================================

// NotifyCheckpointComplete broadcasts the completion to the own log and
// every mirror. Child failures are isolated inside vertex.Log.
func (l *Log) NotifyCheckpointComplete(epoch types.Epoch) {
	l.ownLog.NotifyCheckpointComplete(epoch)
	l.upstreamLogs.Range(func(_, value any) bool {
		value.(*vertex.Log).NotifyCheckpointComplete(epoch)
		return true
	})
}

// Close releases every buffer held by the own log and the mirrors.
func (l *Log) Close() {
	l.ownLog.Close()
	l.upstreamLogs.Range(func(_, value any) bool {
		value.(*vertex.Log).Close()
		return true
	})
}
