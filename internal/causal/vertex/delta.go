// Package vertex aggregates the causal logs of one operator instance: a
// main-thread log plus a sparse two-dimensional map of per-subpartition
// logs, addressed by (partition, subpartition). The same structure serves
// both the local vertex's own log and downstream mirrors of upstream
// vertices, fed by deltas.
package vertex

import (
	"sort"

	"github.com/otterstream/causal-recovery/internal/causal/thread"
	"github.com/otterstream/causal-recovery/pkg/types"
)

// SubpartitionDelta is a thread-log delta tagged with the subpartition
// index it belongs to. The byte offset always travels inside the embedded
// thread.Delta.
type SubpartitionDelta struct {
	thread.Delta
	Subpartition uint32
}

// NewSubpartitionDelta is the single constructor for SubpartitionDelta.
func NewSubpartitionDelta(d thread.Delta, subpartition uint32) SubpartitionDelta {
	return SubpartitionDelta{Delta: d, Subpartition: subpartition}
}

// PartitionDeltas groups the subpartition deltas of one result partition,
// sorted by subpartition index.
type PartitionDeltas struct {
	Partition     types.PartitionID
	Subpartitions []SubpartitionDelta
}

// Delta is the unit shipped between causal logs: everything one vertex
// logged that the receiver has not seen yet. MainDelta is nil when the
// main thread produced no new bytes. Partition and subpartition lists are
// kept sorted so equal logs serialize to identical bytes.
type Delta struct {
	VertexID   types.VertexID
	MainDelta  *thread.Delta
	Partitions []PartitionDeltas
}

// IsEmpty reports whether the delta carries no bytes at all.
func (d Delta) IsEmpty() bool {
	if d.MainDelta != nil && d.MainDelta.Len() > 0 {
		return false
	}
	for _, p := range d.Partitions {
		for _, s := range p.Subpartitions {
			if s.Len() > 0 {
				return false
			}
		}
	}
	return true
}

// TotalBytes returns the number of log bytes the delta carries.
func (d Delta) TotalBytes() int {
	n := 0
	if d.MainDelta != nil {
		n += d.MainDelta.Len()
	}
	for _, p := range d.Partitions {
		for _, s := range p.Subpartitions {
			n += s.Len()
		}
	}
	return n
}

// normalize sorts the partition list by partition id and each subpartition
// list by index, establishing the canonical ordering.
func (d *Delta) normalize() {
	sort.Slice(d.Partitions, func(i, j int) bool {
		return d.Partitions[i].Partition.Compare(d.Partitions[j].Partition) < 0
	})
	for i := range d.Partitions {
		subs := d.Partitions[i].Subpartitions
		sort.Slice(subs, func(a, b int) bool {
			return subs[a].Subpartition < subs[b].Subpartition
		})
	}
}
