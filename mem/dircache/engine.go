package dircache

import (
	"log"

	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/mem/dircache/internal/directory"
	"github.com/sarchlab/mesidir/mem/dircache/internal/mshr"
	"github.com/sarchlab/mesidir/sim"
)

// A Listener is notified of every demand access and its classification.
type Listener interface {
	NotifyAccess(memo *coherence.Memo, class MissClass)
}

// The engine dispatches coherence events by command and line state. It
// mutates one line per event, queues outgoing messages, and reports a
// disposition. It never sends synchronously.
type engine struct {
	timeTeller sim.TimeTeller
	freq       sim.Freq

	top    sim.RemotePort
	bottom sim.RemotePort
	parent sim.RemotePort

	dir  directory.Array
	mshr mshr.MSHR
	out  *outbound

	lineSize             int
	protocolMES          bool
	lastLevel            bool
	expectWritebackAck   bool
	writebackCleanBlocks bool
	tagLatency           int
	accessLatency        int
	mshrLatency          int

	listeners []Listener
}

func (e *engine) now() sim.VTimeInSec {
	return e.timeTeller.CurrentTime()
}

// stall parks the event at the tail of its MSHR queue. Replayed events are
// already in the MSHR.
func (e *engine) stall(memo *coherence.Memo, replay bool) Action {
	if !replay {
		err := e.mshr.Insert(memo.BaseAddr, memo)
		if err != nil {
			log.Panicf("cannot buffer %s for 0x%x: %v",
				memo.Cmd, memo.BaseAddr, err)
		}
	}

	return ActionStall
}

func (e *engine) notifyAccess(memo *coherence.Memo, class MissClass) {
	for _, l := range e.listeners {
		l.NotifyAccess(memo, class)
	}
}

// lineData returns the bytes of a line from the data array when bound, or
// from the MSHR data buffer otherwise.
func (e *engine) lineData(line *directory.Line, addr uint64) []byte {
	if line != nil && line.IsCached() {
		return line.Data.Bytes
	}

	return e.mshr.DataBuffer(addr)
}

// deposit stores an arriving payload into the data array or, for uncached
// lines with in-flight work, into the MSHR data buffer.
func (e *engine) deposit(line *directory.Line, addr uint64, payload []byte) {
	if len(payload) == 0 {
		return
	}

	if line != nil && line.IsCached() {
		copy(line.Data.Bytes, payload)
		return
	}

	if e.mshr.IsHit(addr) {
		e.mshr.SetDataBuffer(addr, payload)
	}
}

// frontEvent returns the message at the head of the MSHR queue of addr, or
// nil when the queue is empty or headed by an eviction pointer. When the
// head is the event being replayed it is not its own request.
func (e *engine) frontEvent(addr uint64, self *coherence.Memo) *coherence.Memo {
	item, found := e.mshr.Front(addr)
	if !found || item.IsPtr || item.Memo == self {
		return nil
	}

	return item.Memo
}

// frontCollision returns a replacement message waiting at the head of the
// MSHR queue of addr, or nil.
func (e *engine) frontCollision(addr uint64) *coherence.Memo {
	item, found := e.mshr.Front(addr)
	if !found || item.IsPtr || !item.Memo.Cmd.IsReplacement() {
		return nil
	}

	return item.Memo
}

// replayEvent retries the MSHR head of an address after the work it waited
// for completed.
func (e *engine) replayEvent(memo *coherence.Memo) Action {
	switch {
	case memo.Cmd.IsRequest():
		return e.handleRequest(memo, true)
	case memo.Cmd.IsReplacement():
		return e.handleReplacement(memo, true)
	case memo.Cmd.IsFlush():
		return e.handleFlush(memo, true)
	case memo.Cmd.IsInvalidation():
		return e.handleInvalidation(memo, true)
	default:
		log.Panicf("cannot replay %s for 0x%x", memo.Cmd, memo.BaseAddr)
		return ActionDone
	}
}
