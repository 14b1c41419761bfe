package transfer

import (
	"github.com/INLOpen/gpustream/device"
	"github.com/INLOpen/gpustream/hooks"
	"github.com/RoaringBitmap/roaring/roaring64"
)

// Hazard reports a destination resource written by more than one operation
// of a batch, or written by a batch while other batches of the same queue
// that write it are still unfinished. With more than one op in flight such
// writes may run concurrently and the resource may end up with lost
// updates, even when the footprints are disjoint.
type Hazard struct {
	Resource device.Resource
	// Ops is the number of operations of this batch writing Resource.
	Ops int
	// Overlapping is set when at least two footprints of this batch share a byte.
	Overlapping bool
	// Batches is the number of other unfinished batches of the queue that
	// write Resource. It is only counted on queues that run several batches
	// and several operations at once.
	Batches int
}

func (h Hazard) info() hooks.HazardInfo {
	return hooks.HazardInfo{
		ResourceID:    h.Resource.ID(),
		ResourceLabel: h.Resource.Label(),
		Ops:           h.Ops,
		Overlapping:   h.Overlapping,
		Batches:       h.Batches,
	}
}

func hazardInfos(hs []Hazard) []hooks.HazardInfo {
	if len(hs) == 0 {
		return nil
	}
	out := make([]hooks.HazardInfo, len(hs))
	for i, h := range hs {
		out[i] = h.info()
	}
	return out
}

// detectHazards groups ops by destination and reports every resource
// targeted more than once, or targeted by any of the other batches counted
// in writers, in order of first appearance.
func detectHazards(ops []op, writers map[uint64]int) []Hazard {
	type group struct {
		res device.Resource
		ops []op
	}
	var order []uint64
	groups := make(map[uint64]*group)
	for _, o := range ops {
		res := o.target()
		g, ok := groups[res.ID()]
		if !ok {
			g = &group{res: res}
			groups[res.ID()] = g
			order = append(order, res.ID())
		}
		g.ops = append(g.ops, o)
	}

	var hazards []Hazard
	for _, id := range order {
		g := groups[id]
		if len(g.ops) < 2 && writers[id] == 0 {
			continue
		}
		hazards = append(hazards, Hazard{
			Resource:    g.res,
			Ops:         len(g.ops),
			Overlapping: len(g.ops) > 1 && footprintsOverlap(g.ops),
			Batches:     writers[id],
		})
	}
	return hazards
}

// footprintsOverlap unions the byte footprints of ops and reports whether
// any two intersect. Ops whose shape is invalid contribute nothing; they
// fail when executed.
func footprintsOverlap(ops []op) bool {
	union := roaring64.New()
	for _, o := range ops {
		fp, ok := o.footprint()
		if !ok {
			continue
		}
		bm := roaring64.New()
		fp(func(off, length uint64) {
			bm.AddRange(off, off+length)
		})
		if union.Intersects(bm) {
			return true
		}
		union.Or(bm)
	}
	return false
}

// targetIDs returns the distinct destination resource IDs of ops.
func targetIDs(ops []op) []uint64 {
	seen := make(map[uint64]bool, len(ops))
	var ids []uint64
	for _, o := range ops {
		id := o.target().ID()
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
