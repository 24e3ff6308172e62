package inflight

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/otterstream/causal-recovery/pkg/types"
)

// ============================================================================
// In-flight logger (per-task facade)
// ============================================================================

type barrierKey struct {
	sub   uint32
	epoch types.Epoch
}

// Logger owns one SubpartitionLog per output channel and tracks the
// checkpoint barriers that close epochs, so replay can re-emit the exact
// barrier after the records of each epoch.
//
// Records are logged under the current epoch; a checkpoint barrier with id
// n closes epoch n and moves the current epoch to n+1.
type Logger struct {
	logger *slog.Logger
	logs   []*SubpartitionLog

	mu           sync.Mutex
	barriers     map[barrierKey]types.CheckpointBarrier
	currentEpoch types.Epoch
	loggedEpochs map[types.Epoch]struct{}
}

// NewLogger creates a logger for numSubpartitions output channels. The
// first records are logged under initialEpoch.
func NewLogger(numSubpartitions int, initialEpoch types.Epoch, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	logs := make([]*SubpartitionLog, numSubpartitions)
	for i := range logs {
		logs[i] = NewSubpartitionLog(logger)
	}
	return &Logger{
		logger:       logger,
		logs:         logs,
		barriers:     make(map[barrierKey]types.CheckpointBarrier),
		currentEpoch: initialEpoch,
		loggedEpochs: make(map[types.Epoch]struct{}),
	}
}

// NumSubpartitions returns the number of output channels.
func (lg *Logger) NumSubpartitions() int {
	return len(lg.logs)
}

// CurrentEpoch returns the epoch new records are logged under.
func (lg *Logger) CurrentEpoch() types.Epoch {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	return lg.currentEpoch
}

// LogRecord appends a record to the log of the given subpartition under
// the current epoch.
func (lg *Logger) LogRecord(record types.Record, sub int) error {
	if sub < 0 || sub >= len(lg.logs) {
		return fmt.Errorf("inflight: subpartition %d out of range [0,%d)", sub, len(lg.logs))
	}
	lg.mu.Lock()
	epoch := lg.currentEpoch
	lg.loggedEpochs[epoch] = struct{}{}
	lg.mu.Unlock()

	lg.logs[sub].Log(record, epoch)
	return nil
}

// LogCheckpointBarrier records the barrier that closes the current epoch
// for every subpartition and advances the current epoch to barrier.ID+1.
func (lg *Logger) LogCheckpointBarrier(barrier types.CheckpointBarrier) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	for sub := range lg.logs {
		lg.barriers[barrierKey{sub: uint32(sub), epoch: barrier.ID}] = barrier
	}
	lg.loggedEpochs[barrier.ID] = struct{}{}
	lg.currentEpoch = barrier.ID + 1
	lg.logger.Debug("logged checkpoint barrier", "checkpointID", barrier.ID, "nextEpoch", lg.currentEpoch)
}

// GetCheckpointIDsToReplay returns, in ascending order, every logged
// epoch id strictly greater than downstreamLastSeen.
func (lg *Logger) GetCheckpointIDsToReplay(downstreamLastSeen types.Epoch) []types.Epoch {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	var out []types.Epoch
	for e := range lg.loggedEpochs {
		if e > downstreamLastSeen {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetReplayLog returns the records logged for (sub, epoch) in the exact
// order they were appended.
func (lg *Logger) GetReplayLog(sub int, epoch types.Epoch) []types.Record {
	if sub < 0 || sub >= len(lg.logs) {
		return nil
	}
	return lg.logs[sub].RecordsForEpoch(epoch)
}

// GetIterator returns a replay iterator over one subpartition's log from
// startEpoch onward.
func (lg *Logger) GetIterator(sub int, startEpoch types.Epoch) (*ReplayIterator, error) {
	if sub < 0 || sub >= len(lg.logs) {
		return nil, fmt.Errorf("inflight: subpartition %d out of range [0,%d)", sub, len(lg.logs))
	}
	return lg.logs[sub].GetIterator(startEpoch), nil
}

// GetCheckpointBarrier returns the barrier that closed (sub, epoch), if
// one was logged.
func (lg *Logger) GetCheckpointBarrier(sub int, epoch types.Epoch) (types.CheckpointBarrier, bool) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	b, ok := lg.barriers[barrierKey{sub: uint32(sub), epoch: epoch}]
	return b, ok
}

// NotifyCheckpointComplete reclaims every slice and barrier with epoch <
// completed across all subpartitions. Idempotent; a failure in one child
// log is logged and does not stop the fan-out.
func (lg *Logger) NotifyCheckpointComplete(completed types.Epoch) {
	for sub, log := range lg.logs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lg.logger.Error("in-flight log failed during checkpoint completion",
						"subpartition", sub, "completedEpoch", completed, "panic", r)
				}
			}()
			log.NotifyCheckpointComplete(completed)
		}()
	}

	lg.mu.Lock()
	defer lg.mu.Unlock()
	for k := range lg.barriers {
		if k.epoch < completed {
			delete(lg.barriers, k)
		}
	}
	for e := range lg.loggedEpochs {
		if e < completed {
			delete(lg.loggedEpochs, e)
		}
	}
}
