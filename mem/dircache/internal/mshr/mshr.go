// Package mshr provides the miss-status holding registers of the directory
// cache.
package mshr

import (
	"fmt"

	"github.com/sarchlab/mesidir/mem/coherence"
)

// An Item is one element of the per-address queue. It is either a pending
// message or a pointer to another address whose eviction waits for this
// address to leave transition.
type Item struct {
	Memo    *coherence.Memo
	PtrAddr uint64
	IsPtr   bool
}

// MSHR is the miss status holding register. It serializes the pending work
// on each block-aligned address.
type MSHR interface {
	// Insert adds a message at the tail of the queue of an address.
	Insert(addr uint64, memo *coherence.Memo) error

	// InsertFront adds a message at the head of the queue of an address.
	InsertFront(addr uint64, memo *coherence.Memo) error

	// InsertBehindFront adds a message directly behind the head of the queue
	// of an address.
	InsertBehindFront(addr uint64, memo *coherence.Memo) error

	// InsertPointer records that the eviction of addr must be retried for
	// the sake of forAddr once the in-flight work on addr completes.
	InsertPointer(addr, forAddr uint64) error

	// Front returns the head of the queue of an address.
	Front(addr uint64) (Item, bool)

	// RemoveFront removes the head of the queue of an address.
	RemoveFront(addr uint64)

	// Remove removes a specific message from the queue of an address.
	Remove(addr uint64, memo *coherence.Memo) bool

	// Exists tells if the MSHR tracks an address.
	Exists(addr uint64) bool

	// IsHit tells if the MSHR tracks an address with at least one pending
	// message.
	IsHit(addr uint64) bool

	// IsFull tells if no more addresses can be tracked.
	IsFull() bool

	// IncrementAcksNeeded adds one to the number of acknowledgements the
	// address still waits for.
	IncrementAcksNeeded(addr uint64)

	// DecrementAcksNeeded subtracts one from the number of acknowledgements
	// the address still waits for. It returns the remaining count.
	DecrementAcksNeeded(addr uint64) int

	// AcksNeeded returns the number of acknowledgements the address still
	// waits for.
	AcksNeeded(addr uint64) int

	// InsertWriteback marks that a writeback on the address awaits its
	// acknowledgement.
	InsertWriteback(addr uint64)

	// PendingWriteback tells if a writeback on the address awaits its
	// acknowledgement.
	PendingWriteback(addr uint64) bool

	// RemoveWriteback clears the writeback marker of the address.
	RemoveWriteback(addr uint64)

	// SetDataBuffer stores the bytes of an uncached in-flight block.
	SetDataBuffer(addr uint64, data []byte)

	// DataBuffer returns the bytes of an uncached in-flight block, or nil.
	DataBuffer(addr uint64) []byte

	// ClearDataBuffer drops the stored bytes of an address.
	ClearDataBuffer(addr uint64)
}

// New creates a default MSHR with the given capacity.
func New(capacity int) MSHR {
	return &mshrImpl{
		capacity:  capacity,
		registers: make(map[uint64]*register),
	}
}

type register struct {
	queue            []Item
	acksNeeded       int
	dataBuffer       []byte
	pendingWriteback bool
}

func (r *register) empty() bool {
	return len(r.queue) == 0 && r.acksNeeded == 0 &&
		r.dataBuffer == nil && !r.pendingWriteback
}

type mshrImpl struct {
	capacity  int
	registers map[uint64]*register
}

func (m *mshrImpl) reg(addr uint64) *register {
	r, found := m.registers[addr]
	if !found {
		r = &register{}
		m.registers[addr] = r
	}

	return r
}

func (m *mshrImpl) release(addr uint64) {
	r, found := m.registers[addr]
	if found && r.empty() {
		delete(m.registers, addr)
	}
}

func (m *mshrImpl) Insert(addr uint64, memo *coherence.Memo) error {
	if m.IsFull() && !m.Exists(addr) {
		return fmt.Errorf("mshr is full")
	}

	r := m.reg(addr)
	r.queue = append(r.queue, Item{Memo: memo})

	return nil
}

func (m *mshrImpl) InsertFront(addr uint64, memo *coherence.Memo) error {
	if m.IsFull() && !m.Exists(addr) {
		return fmt.Errorf("mshr is full")
	}

	r := m.reg(addr)
	r.queue = append([]Item{{Memo: memo}}, r.queue...)

	return nil
}

func (m *mshrImpl) InsertBehindFront(addr uint64, memo *coherence.Memo) error {
	if m.IsFull() && !m.Exists(addr) {
		return fmt.Errorf("mshr is full")
	}

	r := m.reg(addr)
	if len(r.queue) == 0 {
		r.queue = append(r.queue, Item{Memo: memo})
		return nil
	}

	rest := append([]Item{{Memo: memo}}, r.queue[1:]...)
	r.queue = append(r.queue[:1], rest...)

	return nil
}

func (m *mshrImpl) InsertPointer(addr, forAddr uint64) error {
	if m.IsFull() && !m.Exists(addr) {
		return fmt.Errorf("mshr is full")
	}

	r := m.reg(addr)
	for _, item := range r.queue {
		if item.IsPtr && item.PtrAddr == forAddr {
			return nil
		}
	}

	r.queue = append(r.queue, Item{PtrAddr: forAddr, IsPtr: true})

	return nil
}

func (m *mshrImpl) Front(addr uint64) (Item, bool) {
	r, found := m.registers[addr]
	if !found || len(r.queue) == 0 {
		return Item{}, false
	}

	return r.queue[0], true
}

func (m *mshrImpl) RemoveFront(addr uint64) {
	r, found := m.registers[addr]
	if !found || len(r.queue) == 0 {
		return
	}

	r.queue = r.queue[1:]
	m.release(addr)
}

func (m *mshrImpl) Remove(addr uint64, memo *coherence.Memo) bool {
	r, found := m.registers[addr]
	if !found {
		return false
	}

	for i, item := range r.queue {
		if item.Memo == memo {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			m.release(addr)
			return true
		}
	}

	return false
}

func (m *mshrImpl) Exists(addr uint64) bool {
	_, found := m.registers[addr]
	return found
}

func (m *mshrImpl) IsHit(addr uint64) bool {
	r, found := m.registers[addr]
	return found && len(r.queue) > 0
}

func (m *mshrImpl) IsFull() bool {
	return len(m.registers) >= m.capacity
}

func (m *mshrImpl) IncrementAcksNeeded(addr uint64) {
	m.reg(addr).acksNeeded++
}

func (m *mshrImpl) DecrementAcksNeeded(addr uint64) int {
	r, found := m.registers[addr]
	if !found || r.acksNeeded == 0 {
		return 0
	}

	r.acksNeeded--
	count := r.acksNeeded
	m.release(addr)

	return count
}

func (m *mshrImpl) AcksNeeded(addr uint64) int {
	r, found := m.registers[addr]
	if !found {
		return 0
	}

	return r.acksNeeded
}

func (m *mshrImpl) InsertWriteback(addr uint64) {
	m.reg(addr).pendingWriteback = true
}

func (m *mshrImpl) PendingWriteback(addr uint64) bool {
	r, found := m.registers[addr]
	return found && r.pendingWriteback
}

func (m *mshrImpl) RemoveWriteback(addr uint64) {
	r, found := m.registers[addr]
	if !found {
		return
	}

	r.pendingWriteback = false
	m.release(addr)
}

func (m *mshrImpl) SetDataBuffer(addr uint64, data []byte) {
	m.reg(addr).dataBuffer = data
}

func (m *mshrImpl) DataBuffer(addr uint64) []byte {
	r, found := m.registers[addr]
	if !found {
		return nil
	}

	return r.dataBuffer
}

func (m *mshrImpl) ClearDataBuffer(addr uint64) {
	r, found := m.registers[addr]
	if !found {
		return
	}

	r.dataBuffer = nil
	m.release(addr)
}
