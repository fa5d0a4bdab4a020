package directory

import "github.com/sarchlab/mesidir/mem/coherence"

// A VictimFinder decides which line should be evicted from a set.
type VictimFinder interface {
	FindVictim(set *Set) *Line
}

// LRUVictimFinder evicts the least recently used line. Invalid lines are
// preferred over valid ones, and lines with in-flight work are selected only
// when nothing else is available.
type LRUVictimFinder struct {
}

// NewLRUVictimFinder returns a newly constructed LRUVictimFinder.
func NewLRUVictimFinder() *LRUVictimFinder {
	return &LRUVictimFinder{}
}

// FindVictim returns the victim line of the set.
func (f *LRUVictimFinder) FindVictim(set *Set) *Line {
	for _, line := range set.lruQueue {
		if line.State == coherence.StateI &&
			line.NumSharers() == 0 && !line.HasOwner() {
			return line
		}
	}

	for _, line := range set.lruQueue {
		if line.State.Stable() {
			return line
		}
	}

	if len(set.lruQueue) == 0 {
		return nil
	}

	return set.lruQueue[0]
}
