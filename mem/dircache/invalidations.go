package dircache

import (
	"log"

	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/mem/dircache/internal/directory"
)

// handleInvalidation dispatches an Inv, Fetch, FetchInv, FetchInvX, or
// ForceInv arriving from the parent.
func (e *engine) handleInvalidation(memo *coherence.Memo, replay bool) Action {
	addr := memo.BaseAddr

	if memo.Cmd == coherence.CmdInv && e.mshr.PendingWriteback(addr) {
		// The parent raced our writeback with an invalidation. The line is
		// already gone, so the Inv doubles as the writeback ack.
		e.mshr.RemoveWriteback(addr)
		return ActionDone
	}

	if !replay && e.mshr.IsFull() && !e.mshr.Exists(addr) {
		e.sendNACKDown(memo)
		return ActionDone
	}

	line := e.dir.Lookup(addr, false)

	var action Action
	switch memo.Cmd {
	case coherence.CmdInv:
		action = e.handleInv(memo, line)
	case coherence.CmdFetch:
		action = e.handleFetch(memo, line)
	case coherence.CmdFetchInv:
		action = e.handleFetchInv(memo, line)
	case coherence.CmdFetchInvX:
		action = e.handleFetchInvX(memo, line)
	case coherence.CmdForceInv:
		action = e.handleForceInv(memo, line)
	default:
		log.Panicf("cannot handle %s as an invalidation", memo.Cmd)
	}

	if !replay {
		switch action {
		case ActionStall:
			err := e.mshr.InsertFront(addr, memo)
			if err != nil {
				log.Panicf("cannot buffer %s for 0x%x: %v",
					memo.Cmd, addr, err)
			}
		case ActionBlock:
			err := e.mshr.InsertBehindFront(addr, memo)
			if err != nil {
				log.Panicf("cannot buffer %s for 0x%x: %v",
					memo.Cmd, addr, err)
			}
		}
	}

	if action == ActionDone {
		e.mshr.ClearDataBuffer(addr)
	}

	return action
}

// consumePutS drains PutS replacements queued ahead of an invalidation. The
// children that sent them no longer hold the line, so they need no Inv and
// no ack.
func (e *engine) consumePutS(line *directory.Line, addr uint64) {
	for {
		put := e.frontCollision(addr)
		if put == nil || put.Cmd != coherence.CmdPutS {
			return
		}

		line.RemoveSharer(put.Src)
		e.mshr.DecrementAcksNeeded(addr)
		e.mshr.RemoveFront(addr)
	}
}

// consumePuts drains any replacement queued ahead of a forced invalidation,
// acking each so the child can retire it.
func (e *engine) consumePuts(line *directory.Line, addr uint64) {
	for {
		put := e.frontCollision(addr)
		if put == nil {
			return
		}

		if put.Cmd == coherence.CmdPutS {
			line.RemoveSharer(put.Src)
		} else {
			line.ClearOwner()
		}
		e.sendWritebackAck(put)
		e.mshr.RemoveFront(addr)
	}
}

func (e *engine) handleInv(memo *coherence.Memo, line *directory.Line) Action {
	addr := memo.BaseAddr

	if line == nil || line.State == coherence.StateI {
		return ActionIgnore
	}
	if line.State == coherence.StateIB {
		line.State = coherence.StateI
		return ActionDone
	}

	line.Prefetch = false

	switch line.State {
	case coherence.StateS, coherence.StateSB:
		nextDone := coherence.StateI
		if line.State == coherence.StateSB {
			nextDone = coherence.StateIB
		}

		if line.NumSharers() > 0 {
			e.invalidateAllSharers(line, memo.Rqstr, false)
			if line.State == coherence.StateSB {
				line.State = coherence.StateSBInv
			} else {
				line.State = coherence.StateSInv
			}

			e.consumePutS(line, addr)
			if e.mshr.AcksNeeded(addr) > 0 {
				return ActionStall
			}
		}

		e.sendAckInv(memo)
		line.State = nextDone

		return ActionDone

	case coherence.StateSM:
		if line.NumSharers() > 0 {
			e.invalidateAllSharers(line, memo.Rqstr, false)
			line.State = coherence.StateSMInv

			e.consumePutS(line, addr)
			if e.mshr.AcksNeeded(addr) > 0 {
				return ActionStall
			}
		}

		e.sendAckInv(memo)
		line.State = coherence.StateIM

		return ActionDone

	case coherence.StateSI, coherence.StateSInv, coherence.StateSD:
		return ActionBlock

	case coherence.StateSMInv:
		return ActionStall

	default:
		log.Panicf("cannot handle Inv in state %s for 0x%x",
			line.State, addr)
		return ActionDone
	}
}

func (e *engine) handleForceInv(
	memo *coherence.Memo,
	line *directory.Line,
) Action {
	addr := memo.BaseAddr

	if line == nil {
		return ActionIgnore
	}

	switch line.State {
	case coherence.StateI, coherence.StateIS, coherence.StateIM,
		coherence.StateIB:
		return ActionIgnore
	}

	e.consumePuts(line, addr)
	line.Prefetch = false

	switch line.State {
	case coherence.StateS, coherence.StateSB, coherence.StateSM:
		var invState, doneState coherence.State
		switch line.State {
		case coherence.StateS:
			invState, doneState = coherence.StateSInv, coherence.StateI
		case coherence.StateSB:
			invState, doneState = coherence.StateSBInv, coherence.StateIB
		default:
			invState, doneState = coherence.StateSMInv, coherence.StateIM
		}

		if line.NumSharers() > 0 {
			e.invalidateAllSharers(line, memo.Rqstr, false)
			line.State = invState
			return ActionStall
		}

		e.sendAckInv(memo)
		line.State = doneState

		return ActionDone

	case coherence.StateE, coherence.StateM:
		invState := coherence.StateEInv
		if line.State == coherence.StateM {
			invState = coherence.StateMInv
		}

		if line.HasOwner() {
			e.sendForceInv(line, memo.Rqstr, false)
			e.mshr.IncrementAcksNeeded(addr)
			line.State = invState

			return ActionStall
		}

		if line.NumSharers() > 0 {
			e.invalidateAllSharers(line, memo.Rqstr, false)
			line.State = invState

			return ActionStall
		}

		e.sendAckInv(memo)
		line.State = coherence.StateI

		return ActionDone

	case coherence.StateSI:
		line.State = coherence.StateSInv
		return ActionStall
	case coherence.StateEI:
		line.State = coherence.StateEInv
		return ActionStall
	case coherence.StateMI:
		line.State = coherence.StateMInv
		return ActionStall

	case coherence.StateSD, coherence.StateED, coherence.StateMD,
		coherence.StateSMD, coherence.StateEInvX, coherence.StateMInvX,
		coherence.StateSInv, coherence.StateEInv, coherence.StateMInv,
		coherence.StateSMInv, coherence.StateSBInv:
		if front := e.frontEvent(addr, memo); front != nil &&
			front.Cmd.IsFlush() {
			return ActionStall
		}
		return ActionBlock

	default:
		log.Panicf("cannot handle ForceInv in state %s for 0x%x",
			line.State, addr)
		return ActionDone
	}
}

func (e *engine) handleFetch(
	memo *coherence.Memo,
	line *directory.Line,
) Action {
	addr := memo.BaseAddr

	if line == nil {
		return ActionIgnore
	}

	switch line.State {
	case coherence.StateI, coherence.StateIS, coherence.StateIM:
		return ActionIgnore

	case coherence.StateS, coherence.StateSM:
		if line.IsCached() {
			e.sendResponseDown(memo, line, line.Data.Bytes, false, false)
			return ActionDone
		}

		if put := e.frontCollision(addr); put != nil &&
			put.Cmd == coherence.CmdPutS {
			e.sendResponseDown(memo, line, put.Payload, false, false)
			return ActionDone
		}

		e.sendFetch(line, memo.Rqstr, false)
		e.mshr.IncrementAcksNeeded(addr)
		if line.State == coherence.StateS {
			line.State = coherence.StateSD
		} else {
			line.State = coherence.StateSMD
		}

		return ActionStall

	case coherence.StateSInv, coherence.StateSI, coherence.StateSD:
		return ActionBlock

	default:
		log.Panicf("cannot handle Fetch in state %s for 0x%x",
			line.State, addr)
		return ActionDone
	}
}

func (e *engine) handleFetchInv(
	memo *coherence.Memo,
	line *directory.Line,
) Action {
	addr := memo.BaseAddr

	if line == nil {
		return ActionIgnore
	}

	collision := e.frontCollision(addr)
	if collision != nil {
		if collision.Cmd == coherence.CmdPutS {
			line.RemoveSharer(collision.Src)
		} else {
			line.ClearOwner()
		}
		if line.State == coherence.StateE &&
			(collision.Cmd == coherence.CmdPutM || collision.Dirty) {
			line.State = coherence.StateM
		}
		e.mshr.SetDataBuffer(addr, collision.Payload)
		e.sendWritebackAck(collision)
		e.mshr.RemoveFront(addr)
	}

	switch line.State {
	case coherence.StateI, coherence.StateIS, coherence.StateIM,
		coherence.StateIB:
		return ActionIgnore

	case coherence.StateS, coherence.StateSM:
		nextDone := coherence.StateI
		invState := coherence.StateSInv
		if line.State == coherence.StateSM {
			nextDone = coherence.StateIM
			invState = coherence.StateSMInv
		}

		if line.NumSharers() > 0 {
			if line.IsCached() || collision != nil {
				e.invalidateAllSharers(line, memo.Rqstr, false)
			} else {
				e.invalidateAllSharersAndFetch(line, memo.Rqstr, false)
			}
			line.State = invState

			return ActionStall
		}

		if !line.IsCached() && collision == nil {
			log.Panicf("uncached block 0x%x has no owner or sharers", addr)
		}

		data := e.lineData(line, addr)
		e.sendResponseDown(memo, line, data, false, false)
		line.State = nextDone

		return ActionDone

	case coherence.StateSB:
		if line.NumSharers() > 0 {
			e.invalidateAllSharers(line, memo.Rqstr, false)
			line.State = coherence.StateSBInv

			return ActionStall
		}

		e.sendAckInv(memo)
		line.State = coherence.StateIB

		return ActionDone

	case coherence.StateE, coherence.StateM:
		invState := coherence.StateEInv
		dirty := false
		if line.State == coherence.StateM {
			invState = coherence.StateMInv
			dirty = true
		}

		if line.HasOwner() {
			e.sendFetchInv(line, memo.Rqstr, false)
			e.mshr.IncrementAcksNeeded(addr)
			line.State = invState

			return ActionStall
		}

		if line.NumSharers() > 0 {
			if line.IsCached() || collision != nil {
				e.invalidateAllSharers(line, memo.Rqstr, false)
			} else {
				e.invalidateAllSharersAndFetch(line, memo.Rqstr, false)
			}
			line.State = invState

			return ActionStall
		}

		if !line.IsCached() && collision == nil {
			log.Panicf("uncached block 0x%x has no owner or sharers", addr)
		}

		data := e.lineData(line, addr)
		e.sendResponseDown(memo, line, data, dirty, false)
		line.State = coherence.StateI

		return ActionDone

	case coherence.StateEI:
		line.State = coherence.StateEInv
		return ActionStall
	case coherence.StateMI:
		line.State = coherence.StateMInv
		return ActionStall

	case coherence.StateSD, coherence.StateED, coherence.StateMD,
		coherence.StateEInv, coherence.StateEInvX,
		coherence.StateMInv, coherence.StateMInvX:
		if front := e.frontEvent(addr, memo); front != nil &&
			front.Cmd.IsFlush() {
			return ActionStall
		}
		return ActionBlock

	default:
		log.Panicf("cannot handle FetchInv in state %s for 0x%x",
			line.State, addr)
		return ActionDone
	}
}

func (e *engine) handleFetchInvX(
	memo *coherence.Memo,
	line *directory.Line,
) Action {
	addr := memo.BaseAddr

	if line == nil {
		return ActionIgnore
	}

	switch line.State {
	case coherence.StateI, coherence.StateIS, coherence.StateIM,
		coherence.StateIB, coherence.StateSB:
		return ActionIgnore

	case coherence.StateE, coherence.StateM:
		if collision := e.frontCollision(addr); collision != nil {
			// The owner's writeback is in flight. Demote it to a sharer
			// and let its replacement retire as a PutS later.
			line.ClearOwner()
			line.AddSharer(collision.Src)
			if line.State == coherence.StateE &&
				(collision.Cmd == coherence.CmdPutM || collision.Dirty) {
				line.State = coherence.StateM
			}

			dirty := line.State == coherence.StateM
			collision.Cmd = coherence.CmdPutS

			e.sendResponseDown(memo, line, collision.Payload, dirty, false)
			line.State = coherence.StateS

			return ActionDone
		}

		if line.HasOwner() {
			e.sendFetchInvX(line, memo.Rqstr, false)
			e.mshr.IncrementAcksNeeded(addr)
			if line.State == coherence.StateE {
				line.State = coherence.StateEInvX
			} else {
				line.State = coherence.StateMInvX
			}

			return ActionStall
		}

		if line.IsCached() {
			dirty := line.State == coherence.StateM
			e.sendResponseDown(memo, line, line.Data.Bytes, dirty, false)
			line.State = coherence.StateS

			return ActionDone
		}

		e.sendFetch(line, memo.Rqstr, false)
		e.mshr.IncrementAcksNeeded(addr)
		if line.State == coherence.StateE {
			line.State = coherence.StateEInvX
		} else {
			line.State = coherence.StateMInvX
		}

		return ActionStall

	case coherence.StateED, coherence.StateMD,
		coherence.StateEI, coherence.StateMI,
		coherence.StateEInv, coherence.StateEInvX,
		coherence.StateMInv, coherence.StateMInvX:
		if front := e.frontEvent(addr, memo); front != nil &&
			front.Cmd.IsFlush() {
			return ActionStall
		}
		return ActionBlock

	default:
		log.Panicf("cannot handle FetchInvX in state %s for 0x%x",
			line.State, addr)
		return ActionDone
	}
}
