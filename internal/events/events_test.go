package events

// ============================================================================
// Wire Event Tests
// Purpose: Verify event round-trips, envelope tagging, and listener type
// enforcement
// ============================================================================

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otterstream/causal-recovery/internal/causal/thread"
	"github.com/otterstream/causal-recovery/internal/causal/vertex"
	"github.com/otterstream/causal-recovery/pkg/types"
)

func TestEventRoundTrips(t *testing.T) {
	mainDelta := thread.Delta{Bytes: []byte{1, 2, 3}, StartOffset: 9}
	cases := []Event{
		&InFlightLogPrepareEvent{SubpartitionIndex: 2, CheckpointID: 7},
		&InFlightLogRequestEvent{SubpartitionIndex: 3, CheckpointID: 8},
		&DeterminantRequestEvent{FailedVertex: 513},
		&DeterminantResponseEvent{Delta: vertex.Delta{VertexID: 5, MainDelta: &mainDelta}},
		&CheckpointBarrierEvent{Barrier: types.CheckpointBarrier{ID: 11, Timestamp: 1234}},
	}

	for _, ev := range cases {
		frame, err := Marshal(ev)
		require.NoError(t, err)
		decoded, err := Unmarshal(frame)
		require.NoError(t, err)
		assert.Equal(t, ev, decoded)
	}
}

func TestMarshalIsCanonical(t *testing.T) {
	ev := &InFlightLogPrepareEvent{SubpartitionIndex: 1, CheckpointID: 2}
	a, err := Marshal(ev)
	require.NoError(t, err)
	b, err := Marshal(ev)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestUnmarshalUnknownTag(t *testing.T) {
	_, err := Unmarshal([]byte{0xee, 0x00})
	assert.ErrorIs(t, err, ErrUnknownEventType)

	_, err = Unmarshal(nil)
	assert.Error(t, err)
}

func TestRequestMatchesPrepare(t *testing.T) {
	prepare := &InFlightLogPrepareEvent{SubpartitionIndex: 2, CheckpointID: 7}
	assert.True(t, (&InFlightLogRequestEvent{SubpartitionIndex: 2, CheckpointID: 7}).Matches(prepare))
	assert.False(t, (&InFlightLogRequestEvent{SubpartitionIndex: 2, CheckpointID: 8}).Matches(prepare))
	assert.False(t, (&InFlightLogRequestEvent{SubpartitionIndex: 1, CheckpointID: 7}).Matches(prepare))
}

func TestPrepareListenerQueue(t *testing.T) {
	var l PrepareEventListener
	assert.False(t, l.Signalled())
	assert.Nil(t, l.Poll())

	require.NoError(t, l.OnEvent(&InFlightLogPrepareEvent{SubpartitionIndex: 1, CheckpointID: 1}))
	require.NoError(t, l.OnEvent(&InFlightLogPrepareEvent{SubpartitionIndex: 2, CheckpointID: 1}))
	assert.True(t, l.Signalled())

	first := l.Poll()
	require.NotNil(t, first)
	assert.Equal(t, uint32(1), first.SubpartitionIndex)
	second := l.Poll()
	require.NotNil(t, second)
	assert.Equal(t, uint32(2), second.SubpartitionIndex)
	assert.False(t, l.Signalled())
}

func TestListenersRejectForeignEvents(t *testing.T) {
	var p PrepareEventListener
	err := p.OnEvent(&InFlightLogRequestEvent{})
	assert.ErrorIs(t, err, ErrUnknownEventType)

	var r RequestEventListener
	err = r.OnEvent(&InFlightLogPrepareEvent{})
	assert.ErrorIs(t, err, ErrUnknownEventType)
}
