package types

// ============================================================================
// Domain Model Tests
// ============================================================================

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordIDCompare(t *testing.T) {
	a := RecordID{0x00, 0x00, 0x00, 0x01}
	b := RecordID{0x00, 0x00, 0x00, 0x02}
	c := RecordID{0x01, 0x00, 0x00, 0x00}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
	// The first byte dominates: comparison runs from index 0 upward.
	assert.Equal(t, -1, b.Compare(c))
}

func TestRecordIDMerge(t *testing.T) {
	a := RecordID{0xf0, 0x0f, 0xaa, 0x55}
	b := RecordID{0x0f, 0xf0, 0x55, 0xaa}

	merged := a.Merge(b)
	assert.Equal(t, RecordID{0xff, 0xff, 0xff, 0xff}, merged)
	// Commutative.
	assert.Equal(t, merged, b.Merge(a))
	// Self-inverse: merging twice recovers the other id.
	assert.Equal(t, b, merged.Merge(a))
}

func TestPartitionIDCompare(t *testing.T) {
	var a, b PartitionID
	b[15] = 1
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
}

func TestStreamRecordRoundTrip(t *testing.T) {
	r := NewStreamRecord([]byte("payload bytes"))

	var buf bytes.Buffer
	require.NoError(t, r.WriteTo(&buf))

	decoded, err := ReadStreamRecord(&buf)
	require.NoError(t, err)
	assert.Equal(t, r, decoded)
}

func TestStreamRecordDeterministicEncoding(t *testing.T) {
	r := NewStreamRecord([]byte("same bytes every time"))

	var a, b bytes.Buffer
	require.NoError(t, r.WriteTo(&a))
	require.NoError(t, r.WriteTo(&b))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestRandomIDsDiffer(t *testing.T) {
	assert.NotEqual(t, NewRandomPartitionID(), NewRandomPartitionID())
	assert.NotEqual(t, NewRandomChannelID(), NewRandomChannelID())
	assert.NotEqual(t, NewRandomRecordID(), NewRandomRecordID())
}
