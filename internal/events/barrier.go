package events

import (
	"bytes"
	"fmt"

	"github.com/otterstream/causal-recovery/pkg/types"
)

// CheckpointBarrierEvent wraps the runtime's checkpoint barrier so it can
// travel through the same event path as the recovery protocol. The writer
// intercepts it on broadcast and re-emits the identical event on replay.
type CheckpointBarrierEvent struct {
	Barrier types.CheckpointBarrier
}

func (e *CheckpointBarrierEvent) Write(out *bytes.Buffer) error {
	writeU64(out, e.Barrier.ID)
	writeU64(out, uint64(e.Barrier.Timestamp))
	return nil
}

func (e *CheckpointBarrierEvent) Read(in *bytes.Reader) error {
	id, err := readU64(in)
	if err != nil {
		return fmt.Errorf("events: read barrier id: %w", err)
	}
	ts, err := readU64(in)
	if err != nil {
		return fmt.Errorf("events: read barrier timestamp: %w", err)
	}
	e.Barrier = types.CheckpointBarrier{ID: id, Timestamp: int64(ts)}
	return nil
}

func (e *CheckpointBarrierEvent) String() string {
	return fmt.Sprintf("CheckpointBarrierEvent{id=%d, ts=%d}", e.Barrier.ID, e.Barrier.Timestamp)
}
