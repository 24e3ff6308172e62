package writer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/otterstream/causal-recovery/internal/buffer"
	"github.com/otterstream/causal-recovery/internal/causal/determinant"
	"github.com/otterstream/causal-recovery/internal/causal/job"
	"github.com/otterstream/causal-recovery/internal/events"
	"github.com/otterstream/causal-recovery/internal/inflight"
	"github.com/otterstream/causal-recovery/internal/metrics"
	"github.com/otterstream/causal-recovery/pkg/types"
)

// ============================================================================
// Replay-aware record writer
// ============================================================================

// Config collects the collaborators of a RecordWriter.
type Config struct {
	NumChannels    int
	Pool           *buffer.Pool
	Target         TargetPartition
	Selector       ChannelSelector
	InFlightLogger *inflight.Logger

	// CausalLog, when set, receives a BufferBuilt determinant for every
	// sealed buffer of Partition.
	CausalLog *job.Log
	Partition types.PartitionID

	Metrics *metrics.Collector
	Logger  *slog.Logger

	// FlushAlways flushes the target after every emission.
	FlushAlways bool

	// Replay request poll window: attempts x interval after a prepare.
	// Defaults: 100 x 10ms.
	RequestPollAttempts int
	RequestPollInterval time.Duration
}

// RecordWriter serializes emitted records into pooled buffers for the
// transport and logs every record in-flight. On a matched prepare/request
// pair it suspends normal emission for the named subpartition, drains the
// in-flight log in epoch order re-emitting records and barriers, then
// resumes.
//
// All methods must be called from the producing task's thread; the only
// concurrent callers are the event listeners, which are internally locked.
type RecordWriter struct {
	cfg    Config
	logger *slog.Logger
	ctx    context.Context

	serializers []*RecordSerializer
	builders    []*buffer.Builder
	phases      []Phase

	prepares *events.PrepareEventListener
	requests *events.RequestEventListener
}

// NewRecordWriter builds a writer from cfg.
func NewRecordWriter(cfg Config) (*RecordWriter, error) {
	if cfg.NumChannels <= 0 {
		return nil, fmt.Errorf("writer: need at least one channel, got %d", cfg.NumChannels)
	}
	if cfg.Pool == nil || cfg.Target == nil || cfg.InFlightLogger == nil {
		return nil, fmt.Errorf("writer: pool, target and in-flight logger are required")
	}
	if cfg.Selector == nil {
		cfg.Selector = &RoundRobinChannelSelector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestPollAttempts <= 0 {
		cfg.RequestPollAttempts = 100
	}
	if cfg.RequestPollInterval <= 0 {
		cfg.RequestPollInterval = 10 * time.Millisecond
	}

	w := &RecordWriter{
		cfg:         cfg,
		logger:      cfg.Logger,
		ctx:         context.Background(),
		serializers: make([]*RecordSerializer, cfg.NumChannels),
		builders:    make([]*buffer.Builder, cfg.NumChannels),
		phases:      make([]Phase, cfg.NumChannels),
		prepares:    &events.PrepareEventListener{},
		requests:    &events.RequestEventListener{},
	}
	for i := range w.serializers {
		w.serializers[i] = NewRecordSerializer()
	}
	return w, nil
}

// PrepareListener returns the listener the transport delivers prepare
// events to.
func (w *RecordWriter) PrepareListener() *events.PrepareEventListener {
	return w.prepares
}

// RequestListener returns the listener the transport delivers request
// events to.
func (w *RecordWriter) RequestListener() *events.RequestEventListener {
	return w.requests
}

// Phase returns the replay phase of one channel.
func (w *RecordWriter) Phase(ch int) Phase {
	return w.phases[ch]
}

// ============================================================================
// Emission
// ============================================================================

// Emit routes a record through the channel selector and sends it.
func (w *RecordWriter) Emit(record types.Record) error {
	for _, ch := range w.cfg.Selector.SelectChannels(record, w.cfg.NumChannels) {
		if err := w.sendToTarget(record, ch); err != nil {
			return err
		}
	}
	return nil
}

// BroadcastEmit sends a record to every channel, bypassing the selector.
func (w *RecordWriter) BroadcastEmit(record types.Record) error {
	for ch := 0; ch < w.cfg.NumChannels; ch++ {
		if err := w.sendToTarget(record, ch); err != nil {
			return err
		}
	}
	return nil
}

func (w *RecordWriter) sendToTarget(record types.Record, ch int) error {
	serializer := w.serializers[ch]
	if err := serializer.AddRecord(record); err != nil {
		return err
	}

	if w.phases[ch] != PhaseReplaying {
		if err := w.cfg.InFlightLogger.LogRecord(record, ch); err != nil {
			return err
		}
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.RecordLogged()
		}
		// A full record just went into the log; replaying now leaves the
		// serializer in a clean state to clear.
		if err := w.checkReplay(); err != nil {
			return err
		}
		// The replay may have consumed this channel's staged frame by
		// clearing the serializer; nothing left to copy then.
		if !serializer.HasSerializedData() {
			return nil
		}
	}

	for {
		if w.builders[ch] == nil {
			if err := w.newBuilder(ch); err != nil {
				return err
			}
		}
		result := serializer.CopyToBuilder(w.builders[ch])
		if result.IsFullBuffer() {
			if err := w.finishAndSend(ch); err != nil {
				return err
			}
		}
		if result.IsFullRecord() {
			break
		}
	}

	if w.cfg.FlushAlways {
		w.Flush(ch)
	}
	return nil
}

// BroadcastEvent sends an event to every channel. Checkpoint barriers are
// intercepted into the in-flight logger before they go out, closing the
// current epoch.
func (w *RecordWriter) BroadcastEvent(ev events.Event) error {
	if cbe, ok := ev.(*events.CheckpointBarrierEvent); ok {
		w.cfg.InFlightLogger.LogCheckpointBarrier(cbe.Barrier)
	}
	for ch := 0; ch < w.cfg.NumChannels; ch++ {
		if err := w.emitEventTo(ev, ch); err != nil {
			return err
		}
	}
	return nil
}

// EmitEvent sends an event to a single channel. Used during replay to
// re-emit a stored barrier.
func (w *RecordWriter) EmitEvent(ev events.Event, ch int) error {
	return w.emitEventTo(ev, ch)
}

func (w *RecordWriter) emitEventTo(ev events.Event, ch int) error {
	if err := w.finishAndSend(ch); err != nil {
		return err
	}
	frame, err := events.Marshal(ev)
	if err != nil {
		return err
	}
	buf, err := w.cfg.Pool.RequestBufferBlocking(w.ctx)
	if err != nil {
		return err
	}
	if buf.Append(frame) != len(frame) {
		buf.Recycle()
		return fmt.Errorf("%w: %d bytes", ErrEventTooLarge, len(frame))
	}
	return w.cfg.Target.AddBuffer(buf, ch)
}

// Flush seals and sends the pending buffer of one channel, then asks the
// transport to push it out.
func (w *RecordWriter) Flush(ch int) {
	if err := w.finishAndSend(ch); err != nil {
		w.logger.Error("flush failed", "channel", ch, "err", err)
		return
	}
	w.cfg.Target.Flush(ch)
}

// FlushAll flushes every channel.
func (w *RecordWriter) FlushAll() {
	for ch := 0; ch < w.cfg.NumChannels; ch++ {
		if err := w.finishAndSend(ch); err != nil {
			w.logger.Error("flush failed", "channel", ch, "err", err)
		}
	}
	w.cfg.Target.FlushAll()
}

// ============================================================================
// Builder lifecycle
// ============================================================================

func (w *RecordWriter) newBuilder(ch int) error {
	b, err := w.cfg.Pool.RequestBufferBuilderBlocking(w.ctx)
	if err != nil {
		return err
	}
	w.builders[ch] = b
	return nil
}

// finishAndSend seals the pending builder of ch and hands the buffer to
// the transport. Empty buffers are recycled instead of sent.
func (w *RecordWriter) finishAndSend(ch int) error {
	b := w.builders[ch]
	if b == nil {
		return nil
	}
	w.builders[ch] = nil
	buf := b.Finish()
	if buf.Len() == 0 {
		buf.Recycle()
		return nil
	}
	if w.cfg.CausalLog != nil {
		d := determinant.BufferBuilt{NumBytes: int32(buf.Len())}
		epoch := w.cfg.InFlightLogger.CurrentEpoch()
		if err := w.cfg.CausalLog.AppendSubpartitionDeterminant(d, epoch, w.cfg.Partition, uint32(ch)); err != nil {
			w.logger.Warn("failed to log buffer determinant", "channel", ch, "err", err)
		} else if w.cfg.Metrics != nil {
			w.cfg.Metrics.RecordDeterminant()
		}
	}
	return w.cfg.Target.AddBuffer(buf, ch)
}

// discardBuilder seals and recycles the pending builder without sending.
func (w *RecordWriter) discardBuilder(ch int) {
	b := w.builders[ch]
	if b == nil {
		return
	}
	w.builders[ch] = nil
	b.Finish().Recycle()
}

// ============================================================================
// Replay protocol
// ============================================================================

// CheckReplay polls for pending prepare events and runs the replay
// protocol for each. Also called internally after every logged record.
func (w *RecordWriter) CheckReplay() error {
	return w.checkReplay()
}

func (w *RecordWriter) checkReplay() error {
	for w.prepares.Signalled() {
		prepare := w.prepares.Poll()
		if prepare == nil {
			return nil
		}
		ch := int(prepare.SubpartitionIndex)
		if ch < 0 || ch >= w.cfg.NumChannels {
			w.logger.Warn("prepare for unknown subpartition", "event", prepare.String())
			continue
		}
		w.logger.Debug("prepare signalled", "event", prepare.String())

		w.phases[ch] = PhasePreparing
		w.discardBuilder(ch)
		w.serializers[ch].Clear()
		w.serializers[ch].Prune()
		w.cfg.Target.ReleaseBuffers(ch)

		w.phases[ch] = PhaseAwaitRequest
		request, ok := w.awaitRequest()
		if !ok {
			w.logger.Warn("aborting replay", "err", ErrReplayTimeout, "prepare", prepare.String())
			w.abortReplay(ch)
			continue
		}
		if !request.Matches(prepare) {
			w.logger.Warn("aborting replay", "err", ErrMismatchedReplay,
				"prepare", prepare.String(), "request", request.String())
			w.abortReplay(ch)
			continue
		}

		w.phases[ch] = PhaseReplaying
		if err := w.replay(ch, prepare.CheckpointID); err != nil {
			w.phases[ch] = PhaseIdle
			return err
		}
		w.phases[ch] = PhaseIdle
		// Loop re-checks the prepare queue: a nested prepare received
		// during the replay starts the next round.
	}
	return nil
}

// awaitRequest polls the request listener for the bounded window.
func (w *RecordWriter) awaitRequest() (*events.InFlightLogRequestEvent, bool) {
	for i := 0; i < w.cfg.RequestPollAttempts; i++ {
		if w.requests.Signalled() {
			return w.requests.Poll(), true
		}
		time.Sleep(w.cfg.RequestPollInterval)
	}
	return nil, false
}

func (w *RecordWriter) abortReplay(ch int) {
	w.phases[ch] = PhaseIdle
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordReplayAbort()
	}
}

// replay drains the in-flight log of ch for every epoch past
// downstreamLastSeen: records first, in original order, then the barrier
// that closed the epoch.
func (w *RecordWriter) replay(ch int, downstreamLastSeen types.Epoch) error {
	started := time.Now()
	total := 0

	epochs := w.cfg.InFlightLogger.GetCheckpointIDsToReplay(downstreamLastSeen)
	w.logger.Debug("replaying in-flight log", "channel", ch, "epochs", len(epochs), "lastSeen", downstreamLastSeen)

	for _, epoch := range epochs {
		records := w.cfg.InFlightLogger.GetReplayLog(ch, epoch)
		for _, record := range records {
			if err := w.sendToTarget(record, ch); err != nil {
				return fmt.Errorf("writer: replay of channel %d epoch %d: %w", ch, epoch, err)
			}
		}
		total += len(records)

		if barrier, ok := w.cfg.InFlightLogger.GetCheckpointBarrier(ch, epoch); ok {
			if err := w.EmitEvent(&events.CheckpointBarrierEvent{Barrier: barrier}, ch); err != nil {
				return fmt.Errorf("writer: replay barrier for channel %d epoch %d: %w", ch, epoch, err)
			}
		}
	}

	w.Flush(ch)
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.RecordReplay(time.Since(started).Seconds(), total)
	}
	w.logger.Debug("replay complete", "channel", ch, "records", total)
	return nil
}
