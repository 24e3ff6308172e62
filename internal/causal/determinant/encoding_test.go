package determinant

// ============================================================================
// Determinant Encoding Tests
// Purpose: Verify round-trips across the closed variant set and decoder
// error handling
// ============================================================================

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllVariants(t *testing.T) {
	all := []Determinant{
		Order{Channel: 7},
		Timer{TimerID: 99, Timestamp: 1700000000123},
		RNG{Number: -42},
		Source{Offset: 1 << 40},
		BufferBuilt{NumBytes: 32768},
	}

	var strategy SimpleEncodingStrategy
	var out bytes.Buffer
	for _, d := range all {
		require.NoError(t, strategy.EncodeTo(&out, d))
	}

	c := NewCursor(out.Bytes())
	for _, want := range all {
		got, err := strategy.DecodeNext(c)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// End of stream.
	got, err := strategy.DecodeNext(c)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEncodingIsCanonical(t *testing.T) {
	var strategy SimpleEncodingStrategy
	var a, b bytes.Buffer
	d := Timer{TimerID: 5, Timestamp: 12345}
	require.NoError(t, strategy.EncodeTo(&a, d))
	require.NoError(t, strategy.EncodeTo(&b, d))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestDecodeUnknownTag(t *testing.T) {
	var strategy SimpleEncodingStrategy
	c := NewCursor([]byte{0xff, 0x00})
	_, err := strategy.DecodeNext(c)
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestDecodeTruncated(t *testing.T) {
	var strategy SimpleEncodingStrategy
	var out bytes.Buffer
	require.NoError(t, strategy.EncodeTo(&out, RNG{Number: 1}))

	c := NewCursor(out.Bytes()[:4])
	_, err := strategy.DecodeNext(c)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestCursorRemaining(t *testing.T) {
	var strategy SimpleEncodingStrategy
	var out bytes.Buffer
	require.NoError(t, strategy.EncodeTo(&out, Order{Channel: 1}))
	require.NoError(t, strategy.EncodeTo(&out, Order{Channel: 2}))

	c := NewCursor(out.Bytes())
	assert.Equal(t, 6, c.Remaining())
	_, err := strategy.DecodeNext(c)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Remaining())
}
