package dircache

import (
	"log"

	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/mem/dircache/internal/directory"
)

// handleFlush dispatches a FlushLine or FlushLineInv from a child. A flush
// that finds in-flight work for the address is queued before it is routed,
// so that a later response can find it at the head of the queue.
func (e *engine) handleFlush(memo *coherence.Memo, replay bool) Action {
	addr := memo.BaseAddr
	reqEvent := e.frontEvent(addr, memo)

	inserted := false
	if !replay && (reqEvent != nil || e.mshr.IsHit(addr)) {
		err := e.mshr.Insert(addr, memo)
		if err != nil {
			e.sendNACKUp(memo)
			return ActionDone
		}
		inserted = true
	}

	line := e.dir.Lookup(addr, false)

	var action Action
	switch memo.Cmd {
	case coherence.CmdFlushLine:
		action = e.handleFlushLine(memo, line, replay)
	case coherence.CmdFlushLineInv:
		action = e.handleFlushLineInv(memo, line, replay)
	default:
		log.Panicf("cannot handle %s as a flush", memo.Cmd)
	}

	if action == ActionDone && reqEvent != nil {
		e.mshr.Remove(addr, reqEvent)
	}

	if action == ActionStall && !replay && !inserted {
		err := e.mshr.Insert(addr, memo)
		if err != nil {
			log.Panicf("cannot buffer %s for 0x%x: %v", memo.Cmd, addr, err)
		}
	}

	return action
}

func (e *engine) handleFlushLine(
	memo *coherence.Memo,
	line *directory.Line,
	replay bool,
) Action {
	addr := memo.BaseAddr
	e.deposit(line, addr, memo.Payload)

	reqEvent := e.frontEvent(addr, memo)

	forward := func() Action {
		dirty := line != nil && line.State == coherence.StateM
		e.forwardFlushLine(memo, line, dirty, coherence.CmdFlushLine)
		if line != nil {
			if line.State != coherence.StateI {
				line.State = coherence.StateSB
			} else {
				line.State = coherence.StateIB
			}
		}

		return ActionStall
	}

	if line == nil {
		if reqEvent != nil {
			return ActionStall
		}

		return forward()
	}

	switch line.State {
	case coherence.StateI, coherence.StateS,
		coherence.StateIB, coherence.StateSB:
		if reqEvent != nil {
			return ActionStall
		}

		return forward()

	case coherence.StateE, coherence.StateM:
		if line.Owner() == memo.Src {
			line.ClearOwner()
			line.AddSharer(memo.Src)
			if memo.Dirty {
				line.State = coherence.StateM
			}
		} else if line.HasOwner() {
			e.sendFetchInvX(line, memo.Rqstr, replay)
			e.mshr.IncrementAcksNeeded(addr)
			if line.State == coherence.StateE {
				line.State = coherence.StateEInvX
			} else {
				line.State = coherence.StateMInvX
			}

			return ActionStall
		}

		return forward()

	case coherence.StateMI, coherence.StateEI,
		coherence.StateMInv, coherence.StateEInv:
		if line.Owner() == memo.Src {
			line.ClearOwner()
			line.AddSharer(memo.Src)
			if memo.Dirty {
				switch line.State {
				case coherence.StateEI:
					line.State = coherence.StateMI
				case coherence.StateEInv:
					line.State = coherence.StateMInv
				}
			}
		}

		return ActionStall

	case coherence.StateMInvX, coherence.StateEInvX:
		if line.Owner() == memo.Src {
			line.ClearOwner()
			line.AddSharer(memo.Src)
			e.mshr.DecrementAcksNeeded(addr)
			if memo.Dirty {
				line.State = coherence.StateMInvX
			}
		}

		if e.mshr.AcksNeeded(addr) > 0 || reqEvent == nil {
			return ActionStall
		}

		wasMInvX := line.State == coherence.StateMInvX
		next := coherence.StateE
		if wasMInvX {
			next = coherence.StateM
		}

		switch reqEvent.Cmd {
		case coherence.CmdFetchInvX:
			e.sendResponseDownFromMSHR(memo, wasMInvX)
			line.State = coherence.StateS

			return ActionDone

		case coherence.CmdFlushLine:
			line.State = next
			return e.handleFlushLine(reqEvent, line, true)

		case coherence.CmdFetchInv:
			line.State = next
			return e.handleFetchInv(reqEvent, line)

		case coherence.CmdGetS:
			data := e.lineData(line, addr)
			line.AddSharer(reqEvent.Src)
			sendTime := e.sendResponseUp(reqEvent, coherence.CmdGetSResp,
				data, true, line.Timestamp)
			line.Timestamp = sendTime
			line.State = next

			return ActionDone

		default:
			return ActionStall
		}

	default:
		return ActionStall
	}
}

func (e *engine) handleFlushLineInv(
	memo *coherence.Memo,
	line *directory.Line,
	replay bool,
) Action {
	addr := memo.BaseAddr
	e.deposit(line, addr, memo.Payload)

	reqEvent := e.frontEvent(addr, memo)

	forward := func() Action {
		dirty := line != nil && line.State == coherence.StateM
		e.forwardFlushLine(memo, line, dirty, coherence.CmdFlushLineInv)
		if line != nil {
			line.State = coherence.StateIB
		}

		return ActionStall
	}

	if line == nil {
		if reqEvent != nil {
			return ActionStall
		}

		return forward()
	}

	if (line.State == coherence.StateE || line.State == coherence.StateM) &&
		line.Owner() == memo.Src {
		line.ClearOwner()
		if memo.Dirty {
			line.State = coherence.StateM
		}
	}

	switch line.State {
	case coherence.StateI:
		if reqEvent != nil {
			return ActionStall
		}

		return forward()

	case coherence.StateS:
		line.RemoveSharer(memo.Src)
		if line.NumSharers() > 0 {
			e.invalidateAllSharers(line, memo.Rqstr, replay)
			line.State = coherence.StateSInv

			return ActionStall
		}

		return forward()

	case coherence.StateE, coherence.StateM:
		line.RemoveSharer(memo.Src)
		invState := coherence.StateEInv
		if line.State == coherence.StateM {
			invState = coherence.StateMInv
		}

		if line.HasOwner() {
			e.sendFetchInv(line, memo.Rqstr, replay)
			e.mshr.IncrementAcksNeeded(addr)
			line.State = invState

			return ActionStall
		}

		if line.NumSharers() > 0 {
			e.invalidateAllSharers(line, memo.Rqstr, replay)
			line.State = invState

			return ActionStall
		}

		return forward()

	case coherence.StateIS, coherence.StateIM, coherence.StateSM:
		return ActionStall

	case coherence.StateSMD:
		if line.FirstSharer() == memo.Src {
			e.mshr.DecrementAcksNeeded(addr)
		}
		line.RemoveSharer(memo.Src)

		if e.mshr.AcksNeeded(addr) == 0 && reqEvent != nil &&
			reqEvent.Cmd == coherence.CmdFetch {
			line.State = coherence.StateSM
			e.sendResponseDown(reqEvent, line, e.lineData(line, addr),
				false, true)

			return ActionDone
		}

		return ActionStall

	case coherence.StateSD, coherence.StateED, coherence.StateMD:
		wasMD := line.State == coherence.StateMD
		wasSD := line.State == coherence.StateSD

		if line.FirstSharer() == memo.Src {
			e.mshr.DecrementAcksNeeded(addr)
		}
		line.RemoveSharer(memo.Src)

		if e.mshr.AcksNeeded(addr) > 0 || reqEvent == nil {
			return ActionStall
		}

		dirty := wasMD || memo.Dirty
		switch {
		case wasSD:
			line.State = coherence.StateS
		case wasMD:
			line.State = coherence.StateM
		default:
			line.State = coherence.StateE
		}

		data := e.lineData(line, addr)
		if data == nil {
			data = memo.Payload
		}

		switch reqEvent.Cmd {
		case coherence.CmdFetch:
			if !line.IsCached() && line.NumSharers() == 0 {
				wbCmd := coherence.CmdPutS
				if dirty {
					wbCmd = coherence.CmdPutM
				} else if !wasSD {
					wbCmd = coherence.CmdPutE
				}
				e.sendWritebackFromMSHR(wbCmd, line, e.top, data)
				line.State = coherence.StateI
			} else {
				e.sendResponseDown(reqEvent, line, data, dirty, true)
			}

			return ActionDone

		case coherence.CmdGetS:
			if line.NumSharers() > 0 || wasSD {
				line.AddSharer(reqEvent.Src)
				sendTime := e.sendResponseUp(reqEvent,
					coherence.CmdGetSResp, data, true, line.Timestamp)
				line.Timestamp = sendTime
			} else {
				line.SetOwner(reqEvent.Src)
				sendTime := e.sendResponseUp(reqEvent,
					coherence.CmdGetXResp, data, true, line.Timestamp)
				line.Timestamp = sendTime
			}

			return ActionDone

		default:
			return ActionStall
		}

	case coherence.StateSInv:
		line.RemoveSharer(memo.Src)
		e.mshr.DecrementAcksNeeded(addr)

		if e.mshr.AcksNeeded(addr) > 0 || reqEvent == nil {
			return ActionStall
		}

		switch reqEvent.Cmd {
		case coherence.CmdInv:
			e.sendAckInv(reqEvent)
			line.State = coherence.StateI

			return ActionDone

		case coherence.CmdFetch, coherence.CmdFetchInv,
			coherence.CmdFetchInvX:
			data := e.lineData(line, addr)
			if data == nil {
				data = memo.Payload
			}
			e.sendResponseDown(reqEvent, line, data, false, true)
			line.State = coherence.StateI

			return ActionDone

		case coherence.CmdFlushLineInv:
			e.forwardFlushLine(reqEvent, line, memo.Dirty,
				coherence.CmdFlushLineInv)
			line.State = coherence.StateIB

			return ActionStall

		default:
			return ActionStall
		}

	case coherence.StateSMInv:
		line.RemoveSharer(memo.Src)
		e.mshr.DecrementAcksNeeded(addr)

		if e.mshr.AcksNeeded(addr) > 0 || reqEvent == nil {
			return ActionStall
		}

		switch reqEvent.Cmd {
		case coherence.CmdInv:
			if line.NumSharers() > 0 {
				e.invalidateAllSharers(line, reqEvent.Rqstr, true)
				return ActionStall
			}

			e.sendAckInv(reqEvent)
			line.State = coherence.StateIM

			return ActionDone

		case coherence.CmdGetX, coherence.CmdGetSX:
			line.State = coherence.StateSM
			return ActionStall

		default:
			return ActionStall
		}

	case coherence.StateMI, coherence.StateEI:
		if line.Owner() == memo.Src {
			line.ClearOwner()
			e.mshr.DecrementAcksNeeded(addr)
		} else if line.IsSharer(memo.Src) {
			line.RemoveSharer(memo.Src)
			e.mshr.DecrementAcksNeeded(addr)
		}

		if e.mshr.AcksNeeded(addr) > 0 {
			return ActionStall
		}

		wbCmd := coherence.CmdPutM
		if line.State == coherence.StateEI && !memo.Dirty {
			wbCmd = coherence.CmdPutE
		}

		if line.IsCached() {
			e.sendWritebackFromCache(wbCmd, line, e.top)
		} else {
			data := e.lineData(line, addr)
			if data == nil {
				data = memo.Payload
			}
			e.sendWritebackFromMSHR(wbCmd, line, e.top, data)
		}
		line.State = coherence.StateI

		return ActionDone

	case coherence.StateSI:
		line.RemoveSharer(memo.Src)
		e.mshr.DecrementAcksNeeded(addr)

		if e.mshr.AcksNeeded(addr) > 0 {
			return ActionStall
		}

		data := e.lineData(line, addr)
		if data == nil {
			data = memo.Payload
		}
		e.sendWritebackFromMSHR(coherence.CmdPutS, line, e.top, data)
		line.State = coherence.StateI

		return ActionDone

	case coherence.StateMInv, coherence.StateEInv:
		wasMInv := line.State == coherence.StateMInv || memo.Dirty

		if line.Owner() == memo.Src {
			line.ClearOwner()
			e.mshr.DecrementAcksNeeded(addr)
		} else if line.IsSharer(memo.Src) {
			line.RemoveSharer(memo.Src)
			e.mshr.DecrementAcksNeeded(addr)
		}

		if e.mshr.AcksNeeded(addr) > 0 || reqEvent == nil {
			return ActionStall
		}

		data := e.lineData(line, addr)
		if data == nil {
			data = memo.Payload
		}

		switch reqEvent.Cmd {
		case coherence.CmdFetchInv:
			e.sendResponseDown(reqEvent, line, data, wasMInv, true)
			line.State = coherence.StateI

			return ActionDone

		case coherence.CmdGetX, coherence.CmdGetSX:
			line.SetOwner(reqEvent.Src)
			line.RemoveSharer(reqEvent.Src)
			line.State = coherence.StateM

			sendTime := e.sendResponseUp(reqEvent, coherence.CmdGetXResp,
				data, true, line.Timestamp)
			line.Timestamp = sendTime

			return ActionDone

		case coherence.CmdFlushLineInv:
			e.forwardFlushLine(reqEvent, line, wasMInv,
				coherence.CmdFlushLineInv)
			line.State = coherence.StateIB

			return ActionStall

		default:
			return ActionStall
		}

	case coherence.StateMInvX, coherence.StateEInvX:
		line.Prefetch = false
		wasMInvX := line.State == coherence.StateMInvX || memo.Dirty

		if line.Owner() == memo.Src {
			line.ClearOwner()
			e.mshr.DecrementAcksNeeded(addr)
		}

		if e.mshr.AcksNeeded(addr) > 0 || reqEvent == nil {
			return ActionStall
		}

		data := e.lineData(line, addr)
		if data == nil {
			data = memo.Payload
		}

		switch reqEvent.Cmd {
		case coherence.CmdFetchInvX:
			if !line.IsCached() {
				wbCmd := coherence.CmdPutE
				if wasMInvX {
					wbCmd = coherence.CmdPutM
				}
				e.sendWritebackFromMSHR(wbCmd, line, e.top, data)
				line.State = coherence.StateI
			} else {
				e.sendResponseDown(reqEvent, line, data, wasMInvX, true)
				line.State = coherence.StateS
			}

			return ActionDone

		case coherence.CmdGetS:
			line.AddSharer(reqEvent.Src)
			sendTime := e.sendResponseUp(reqEvent, coherence.CmdGetSResp,
				data, true, line.Timestamp)
			line.Timestamp = sendTime

			if wasMInvX {
				line.State = coherence.StateM
			} else {
				line.State = coherence.StateE
			}

			return ActionDone

		default:
			return ActionStall
		}

	default:
		return ActionStall
	}
}
