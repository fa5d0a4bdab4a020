package dircache

import (
	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/mem/dircache/internal/directory"
)

func lineValid(line *directory.Line) bool {
	return line.State != coherence.StateI ||
		line.NumSharers() > 0 || line.HasOwner()
}

// allocateLine installs a directory line for addr, evicting a victim when
// necessary. When the victim has in-flight work the allocation is deferred
// behind the victim through an eviction pointer.
func (e *engine) allocateLine(addr uint64) (*directory.Line, bool) {
	victim := e.dir.FindVictim(addr)

	if lineValid(victim) {
		if victim.State.InTransition() {
			e.mustInsertPointer(victim.BaseAddr, addr)
			return nil, false
		}

		action := e.handleEviction(victim, false)
		if action == ActionStall {
			e.mustInsertPointer(victim.BaseAddr, addr)
			return nil, false
		}
	}

	return e.dir.Replace(addr, victim, false), true
}

// allocateDataSlot binds a data-array slot to the line, reclaiming the slot
// of another line when the set is full. When noStall is set a deferred
// reclaim fails silently instead of planting an eviction pointer.
func (e *engine) allocateDataSlot(
	line *directory.Line,
	noStall bool,
) bool {
	if line.IsCached() {
		return true
	}

	if e.dir.CanAllocateData(line.BaseAddr) {
		e.dir.AllocateData(line)
		return true
	}

	victim := e.dir.FindDataVictim(line.BaseAddr)
	if victim == nil {
		return false
	}

	if victim.State.InTransition() {
		if !noStall {
			e.mustInsertPointer(victim.BaseAddr, line.BaseAddr)
		}
		return false
	}

	e.handleEviction(victim, true)
	e.dir.DropData(victim)

	e.dir.AllocateData(line)

	return true
}

func (e *engine) mustInsertPointer(victimAddr, forAddr uint64) {
	// A full MSHR already tracks the victim: its in-flight work holds a
	// register, so the pointer rides along.
	_ = e.mshr.InsertPointer(victimAddr, forAddr)
}
