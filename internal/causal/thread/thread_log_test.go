package thread

// ============================================================================
// Thread Causal Log Tests
// Purpose: Verify epoch slicing, consumer cursors, reclamation and mirror
// delta merging
// ============================================================================

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otterstream/causal-recovery/internal/buffer"
	"github.com/otterstream/causal-recovery/pkg/types"
)

func newTestLog(t *testing.T, segments, segmentSize int) (*Log, *buffer.Pool) {
	t.Helper()
	pool := buffer.NewPool(segments, segmentSize)
	return NewLog(pool, nil), pool
}

func TestAppendAndGetDeterminants(t *testing.T) {
	log, _ := newTestLog(t, 8, 16)

	require.NoError(t, log.Append([]byte("aaa"), 1))
	require.NoError(t, log.Append([]byte("bbb"), 1))
	require.NoError(t, log.Append([]byte("ccc"), 2))

	assert.Equal(t, []byte("aaabbbccc"), log.GetDeterminants(0))
	assert.Equal(t, []byte("aaabbbccc"), log.GetDeterminants(1))
	assert.Equal(t, []byte("ccc"), log.GetDeterminants(2))
	assert.Empty(t, log.GetDeterminants(3))
	assert.Equal(t, 9, log.LogLength())
}

func TestGetDeterminantsIsIdempotent(t *testing.T) {
	log, _ := newTestLog(t, 8, 16)
	require.NoError(t, log.Append([]byte("determinism"), 3))

	first := log.GetDeterminants(0)
	second := log.GetDeterminants(0)
	assert.Equal(t, first, second)
}

func TestAppendSpansBuffers(t *testing.T) {
	log, pool := newTestLog(t, 4, 4)

	require.NoError(t, log.Append([]byte("0123456789"), 1))
	assert.Equal(t, []byte("0123456789"), log.GetDeterminants(0))
	// Ten bytes over 4-byte segments need three buffers.
	assert.Equal(t, 1, pool.Available())
}

func TestAppendEpochRegression(t *testing.T) {
	log, _ := newTestLog(t, 4, 16)
	require.NoError(t, log.Append([]byte("x"), 5))
	assert.ErrorIs(t, log.Append([]byte("y"), 4), ErrEpochRegression)
}

func TestAppendOutOfBuffers(t *testing.T) {
	log, _ := newTestLog(t, 1, 4)
	require.NoError(t, log.Append([]byte("full"), 1))
	assert.ErrorIs(t, log.Append([]byte("more"), 1), buffer.ErrOutOfBuffers)
}

func TestConsumerDeltasConcatenateToHistory(t *testing.T) {
	log, _ := newTestLog(t, 16, 8)
	consumer := types.NewRandomChannelID()

	var history, gathered []byte

	appendAndRead := func(p []byte, epoch types.Epoch) {
		require.NoError(t, log.Append(p, epoch))
		history = append(history, p...)
		d := log.GetNextForConsumer(consumer, 0)
		gathered = append(gathered, d.Bytes...)
	}

	appendAndRead([]byte("one"), 1)
	appendAndRead([]byte("two"), 1)
	appendAndRead([]byte("three"), 2)

	assert.Equal(t, history, gathered)

	// Nothing new: the next delta is empty and starts at the tail.
	d := log.GetNextForConsumer(consumer, 0)
	assert.Zero(t, d.Len())
	assert.Equal(t, uint64(len(history)), d.StartOffset)
}

func TestIndependentConsumerCursors(t *testing.T) {
	log, _ := newTestLog(t, 16, 8)
	fast := types.NewRandomChannelID()
	slow := types.NewRandomChannelID()

	require.NoError(t, log.Append([]byte("first"), 1))
	assert.Equal(t, []byte("first"), log.GetNextForConsumer(fast, 0).Bytes)

	require.NoError(t, log.Append([]byte("second"), 1))
	assert.Equal(t, []byte("second"), log.GetNextForConsumer(fast, 0).Bytes)
	assert.Equal(t, []byte("firstsecond"), log.GetNextForConsumer(slow, 0).Bytes)
}

func TestNotifyCheckpointCompleteReclaims(t *testing.T) {
	pool := buffer.NewPool(8, 8)
	log := NewLog(pool, nil)

	require.NoError(t, log.Append([]byte("epoch1.."), 1)) // exactly one segment
	require.NoError(t, log.Append([]byte("epoch2.."), 2))
	require.NoError(t, log.Append([]byte("epoch3.."), 3))
	assert.Equal(t, 5, pool.Available())

	log.NotifyCheckpointComplete(3)
	assert.Equal(t, []types.Epoch{3}, log.Epochs())
	assert.Equal(t, 8, log.LogLength())
	// Epoch 1 and 2 buffers went back to the pool exactly once.
	assert.Equal(t, 7, pool.Available())

	// Idempotent.
	log.NotifyCheckpointComplete(3)
	assert.Equal(t, 7, pool.Available())
	assert.Equal(t, []byte("epoch3.."), log.GetDeterminants(0))
}

func TestLaggingCursorSnapsForward(t *testing.T) {
	log, _ := newTestLog(t, 8, 8)
	lagging := types.NewRandomChannelID()

	// Register the cursor while the log is still empty.
	d := log.GetNextForConsumer(lagging, 0)
	assert.Zero(t, d.Len())

	require.NoError(t, log.Append([]byte("old....."), 1))
	require.NoError(t, log.Append([]byte("new....."), 2))
	log.NotifyCheckpointComplete(2)

	// Epoch 1 is gone; the cursor snaps to the earliest retained byte
	// instead of failing.
	d = log.GetNextForConsumer(lagging, 0)
	assert.Equal(t, []byte("new....."), d.Bytes)
	assert.Equal(t, uint64(8), d.StartOffset)
}

func TestAppendDeltaMergesAndTrimsOverlap(t *testing.T) {
	mirror, _ := newTestLog(t, 8, 16)

	require.NoError(t, mirror.AppendDelta(Delta{Bytes: []byte("abcdef"), StartOffset: 0}, 1))
	// Overlapping delta: its first two bytes ("ef") are already mirrored.
	require.NoError(t, mirror.AppendDelta(Delta{Bytes: []byte("efghij"), StartOffset: 4}, 1))
	assert.Equal(t, []byte("abcdefghij"), mirror.GetDeterminants(0))

	// Fully stale delta is a no-op.
	require.NoError(t, mirror.AppendDelta(Delta{Bytes: []byte("cd"), StartOffset: 2}, 1))
	assert.Equal(t, 10, mirror.LogLength())
}

func TestAppendDeltaGap(t *testing.T) {
	mirror, _ := newTestLog(t, 8, 16)
	require.NoError(t, mirror.AppendDelta(Delta{Bytes: []byte("ab"), StartOffset: 0}, 1))
	err := mirror.AppendDelta(Delta{Bytes: []byte("zz"), StartOffset: 5}, 1)
	assert.ErrorIs(t, err, ErrDeltaGap)
}

func TestAppendDeltaMidStreamStart(t *testing.T) {
	// A mirror created after the sender reclaimed early epochs receives
	// its first delta with a nonzero offset.
	mirror, _ := newTestLog(t, 8, 16)
	require.NoError(t, mirror.AppendDelta(Delta{Bytes: []byte("late"), StartOffset: 100}, 4))
	assert.Equal(t, []byte("late"), mirror.GetDeterminants(0))
	require.NoError(t, mirror.AppendDelta(Delta{Bytes: []byte("r"), StartOffset: 104}, 4))
	assert.Equal(t, []byte("later"), mirror.GetDeterminants(0))
}

func TestCloseReturnsAllBuffers(t *testing.T) {
	pool := buffer.NewPool(4, 8)
	log := NewLog(pool, nil)
	require.NoError(t, log.Append([]byte("0123456789abcdef"), 1))
	assert.Equal(t, 2, pool.Available())
	log.Close()
	assert.Equal(t, 4, pool.Available())
}
