package directory

import (
	"github.com/sarchlab/mesidir/mem/coherence"
)

// A Set is a group of lines that a range of addresses can map to.
type Set struct {
	Lines    []*Line
	lruQueue []*Line
}

func (s *Set) touch(line *Line) {
	for i, l := range s.lruQueue {
		if l == line {
			s.lruQueue = append(s.lruQueue[:i], s.lruQueue[i+1:]...)
			break
		}
	}

	s.lruQueue = append(s.lruQueue, line)
}

// An Array tracks the coherence lines that the cache knows about and the
// data-array slots that back some of them.
type Array interface {
	// Lookup returns the line that tracks addr, or nil if the directory does
	// not know the address. When touch is set the line is promoted in the
	// replacement order.
	Lookup(addr uint64, touch bool) *Line

	// FindVictim returns the line that should be evicted to make room for
	// addr. The returned line may still be in transition; the caller decides
	// how to handle that.
	FindVictim(addr uint64) *Line

	// FindDataVictim returns the line whose data-array slot should be
	// reclaimed to back addr, or nil if no line in the set holds data.
	FindDataVictim(addr uint64) *Line

	// CanAllocateData tells if the set of addr has a free data-array slot.
	CanAllocateData(addr uint64) bool

	// Replace retargets the victim line to track addr. When withData is set
	// a data-array slot is bound to the line.
	Replace(addr uint64, victim *Line, withData bool) *Line

	// AllocateData binds a data-array slot to the line.
	AllocateData(line *Line)

	// DropData unbinds the data-array slot of the line.
	DropData(line *Line)

	// TotalSize returns the maximum number of bytes the data array can hold.
	TotalSize() uint64
}

// NewArray creates a new directory array. The directory tracks
// numSets*numWays lines while the data array holds at most dataWays blocks
// per set.
func NewArray(
	numSets, numWays, dataWays, lineSize int,
	victimFinder VictimFinder,
) Array {
	a := &arrayImpl{
		numSets:      numSets,
		numWays:      numWays,
		dataWays:     dataWays,
		lineSize:     lineSize,
		victimFinder: victimFinder,
	}

	a.sets = make([]Set, numSets)
	for i := range a.sets {
		for w := 0; w < numWays; w++ {
			line := &Line{
				State: coherence.StateI,
				SetID: i,
				WayID: w,
			}
			a.sets[i].Lines = append(a.sets[i].Lines, line)
			a.sets[i].lruQueue = append(a.sets[i].lruQueue, line)
		}
	}

	return a
}

type arrayImpl struct {
	numSets  int
	numWays  int
	dataWays int
	lineSize int

	sets         []Set
	victimFinder VictimFinder
}

func (a *arrayImpl) getSet(addr uint64) *Set {
	setID := addr / uint64(a.lineSize) % uint64(a.numSets)
	return &a.sets[setID]
}

func (a *arrayImpl) Lookup(addr uint64, touch bool) *Line {
	set := a.getSet(addr)
	for _, line := range set.Lines {
		if line.BaseAddr != addr {
			continue
		}

		if line.State == coherence.StateI &&
			line.NumSharers() == 0 && !line.HasOwner() {
			continue
		}

		if touch {
			set.touch(line)
		}

		return line
	}

	return nil
}

func (a *arrayImpl) FindVictim(addr uint64) *Line {
	set := a.getSet(addr)
	return a.victimFinder.FindVictim(set)
}

func (a *arrayImpl) FindDataVictim(addr uint64) *Line {
	set := a.getSet(addr)

	for _, line := range set.lruQueue {
		if line.IsCached() && line.State.Stable() {
			return line
		}
	}

	for _, line := range set.lruQueue {
		if line.IsCached() {
			return line
		}
	}

	return nil
}

func (a *arrayImpl) CanAllocateData(addr uint64) bool {
	set := a.getSet(addr)

	numCached := 0
	for _, line := range set.Lines {
		if line.IsCached() {
			numCached++
		}
	}

	return numCached < a.dataWays
}

func (a *arrayImpl) Replace(addr uint64, victim *Line, withData bool) *Line {
	victim.BaseAddr = addr
	victim.State = coherence.StateI
	victim.Timestamp = 0
	victim.Prefetch = false
	victim.ClearSharers()
	victim.ClearOwner()
	victim.Data = nil

	if withData {
		a.AllocateData(victim)
	}

	set := a.getSet(addr)
	set.touch(victim)

	return victim
}

func (a *arrayImpl) AllocateData(line *Line) {
	if line.Data != nil {
		return
	}

	line.Data = &DataBlock{Bytes: make([]byte, a.lineSize)}
}

func (a *arrayImpl) DropData(line *Line) {
	line.Data = nil
}

func (a *arrayImpl) TotalSize() uint64 {
	return uint64(a.numSets) * uint64(a.dataWays) * uint64(a.lineSize)
}
