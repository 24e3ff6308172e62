package writer

import "github.com/otterstream/causal-recovery/pkg/types"

// ============================================================================
// Collaborator contracts
// ============================================================================

// TargetPartition is the transport-side sink of finished buffers. The
// reference held by the writer transfers with AddBuffer; the transport
// recycles after sending, which is why every replay takes fresh retains
// on the in-flight log.
type TargetPartition interface {
	// AddBuffer hands a finished buffer to the transport for one
	// subpartition. Ownership of one reference transfers to the callee.
	AddBuffer(buf Sendable, sub int) error

	// Flush asks the transport to push out pending data of one
	// subpartition.
	Flush(sub int)

	// FlushAll flushes every subpartition.
	FlushAll()

	// ReleaseBuffers drops undelivered buffers of one subpartition ahead
	// of a replay.
	ReleaseBuffers(sub int)
}

// Sendable is what the writer hands to the transport: the committed bytes
// plus the recycle hook the transport calls after sending.
type Sendable interface {
	Bytes() []byte
	Recycle()
}

// ChannelSelector picks the output channels a record goes to.
type ChannelSelector interface {
	SelectChannels(record types.Record, numChannels int) []int
}

// RoundRobinChannelSelector cycles through all channels, one record each.
type RoundRobinChannelSelector struct {
	next int
}

// SelectChannels returns the next channel in rotation.
func (s *RoundRobinChannelSelector) SelectChannels(_ types.Record, numChannels int) []int {
	ch := s.next % numChannels
	s.next = (s.next + 1) % numChannels
	return []int{ch}
}

// HashChannelSelector routes records by their id so a record always lands
// on the same channel.
type HashChannelSelector struct{}

// SelectChannels hashes the record id over the channel count. Records
// without an id fall back to channel zero.
func (HashChannelSelector) SelectChannels(record types.Record, numChannels int) []int {
	if sr, ok := record.(*types.StreamRecord); ok {
		h := uint32(sr.ID[0])<<24 | uint32(sr.ID[1])<<16 | uint32(sr.ID[2])<<8 | uint32(sr.ID[3])
		return []int{int(h % uint32(numChannels))}
	}
	return []int{0}
}
