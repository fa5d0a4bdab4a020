package directory

import (
	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/sim"
)

// A DataBlock is a data-array slot that holds the bytes of one line.
type DataBlock struct {
	Bytes []byte
}

// A Line records the coherence metadata of one block-aligned address.
//
// A line can track a block that the local data array does not hold. In that
// case Data is nil and the bytes live in a child cache or in the MSHR data
// buffer.
type Line struct {
	BaseAddr  uint64
	State     coherence.State
	Timestamp sim.VTimeInSec
	Prefetch  bool

	SetID int
	WayID int

	Data *DataBlock

	sharers []sim.RemotePort
	owner   sim.RemotePort
}

// IsCached tells if the local data array holds the bytes of the line.
func (l *Line) IsCached() bool {
	return l.Data != nil
}

// AddSharer records that a child holds the line shared. Adding a sharer
// twice is a no-op.
func (l *Line) AddSharer(child sim.RemotePort) {
	if l.IsSharer(child) {
		return
	}

	l.sharers = append(l.sharers, child)
}

// RemoveSharer removes a child from the sharer set.
func (l *Line) RemoveSharer(child sim.RemotePort) {
	for i, s := range l.sharers {
		if s == child {
			l.sharers = append(l.sharers[:i], l.sharers[i+1:]...)
			return
		}
	}
}

// IsSharer tells if a child is in the sharer set.
func (l *Line) IsSharer(child sim.RemotePort) bool {
	for _, s := range l.sharers {
		if s == child {
			return true
		}
	}

	return false
}

// NumSharers returns the number of children holding the line shared.
func (l *Line) NumSharers() int {
	return len(l.sharers)
}

// Sharers returns the children holding the line shared, in insertion order.
func (l *Line) Sharers() []sim.RemotePort {
	return l.sharers
}

// FirstSharer returns the oldest sharer of the line.
func (l *Line) FirstSharer() sim.RemotePort {
	if len(l.sharers) == 0 {
		return ""
	}

	return l.sharers[0]
}

// ClearSharers empties the sharer set.
func (l *Line) ClearSharers() {
	l.sharers = nil
}

// HasOwner tells if a child holds the line exclusively.
func (l *Line) HasOwner() bool {
	return l.owner != ""
}

// Owner returns the child holding the line exclusively.
func (l *Line) Owner() sim.RemotePort {
	return l.owner
}

// SetOwner records the child holding the line exclusively. The sharer set
// must be empty when an owner exists.
func (l *Line) SetOwner(child sim.RemotePort) {
	l.owner = child
}

// ClearOwner removes the exclusive holder of the line.
func (l *Line) ClearOwner() {
	l.owner = ""
}
