package dircache

import (
	"log"

	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/mem/dircache/internal/directory"
)

// handleResponse dispatches a data or flush response arriving from the
// parent.
func (e *engine) handleResponse(memo *coherence.Memo) Action {
	addr := memo.BaseAddr
	line := e.dir.Lookup(addr, false)
	reqEvent := e.frontEvent(addr, memo)

	var action Action
	switch memo.Cmd {
	case coherence.CmdGetSResp, coherence.CmdGetXResp:
		action = e.handleDataResponse(memo, line, reqEvent)
	case coherence.CmdFlushLineResp:
		e.sendFlushResponse(reqEvent, memo.Success)
		if line != nil {
			if line.State == coherence.StateSB {
				line.State = coherence.StateS
			} else {
				line.State = coherence.StateI
			}
		}
		action = ActionDone
	default:
		log.Panicf("cannot handle %s as a response", memo.Cmd)
	}

	if action == ActionDone && reqEvent != nil {
		e.mshr.Remove(addr, reqEvent)
	}
	if action == ActionDone {
		e.mshr.ClearDataBuffer(addr)
	}

	return action
}

// handleDataResponse fills the line with data from the parent and answers
// the request that missed.
func (e *engine) handleDataResponse(
	memo *coherence.Memo,
	line *directory.Line,
	reqEvent *coherence.Memo,
) Action {
	addr := memo.BaseAddr

	if line == nil || reqEvent == nil {
		log.Panicf("data response for 0x%x matches no pending request", addr)
	}

	reqEvent.MemFlags = memo.MemFlags

	switch line.State {
	case coherence.StateIS:
		if memo.Cmd == coherence.CmdGetXResp && e.protocolMES {
			line.State = coherence.StateE
		} else {
			line.State = coherence.StateS
		}
		e.deposit(line, addr, memo.Payload)

		if e.isLocalPrefetch(reqEvent) {
			line.Prefetch = true
			return ActionDone
		}

		data := memo.Payload
		if line.IsCached() {
			data = line.Data.Bytes
		}

		var sendTime = line.Timestamp
		if line.State == coherence.StateE {
			line.SetOwner(reqEvent.Src)
			sendTime = e.sendResponseUp(reqEvent, coherence.CmdGetXResp,
				data, true, line.Timestamp)
		} else {
			line.AddSharer(reqEvent.Src)
			sendTime = e.sendResponseUp(reqEvent, coherence.CmdGetSResp,
				data, true, line.Timestamp)
		}
		line.Timestamp = sendTime

		return ActionDone

	case coherence.StateIM:
		e.deposit(line, addr, memo.Payload)
		fallthrough
	case coherence.StateSM:
		line.State = coherence.StateM
		line.SetOwner(reqEvent.Src)
		line.RemoveSharer(reqEvent.Src)

		data := memo.Payload
		if line.IsCached() {
			data = line.Data.Bytes
		}
		sendTime := e.sendResponseUp(reqEvent, coherence.CmdGetXResp,
			data, true, line.Timestamp)
		line.Timestamp = sendTime

		return ActionDone

	case coherence.StateSMInv:
		e.mshr.SetDataBuffer(addr, memo.Payload)
		line.State = coherence.StateMInv

		return ActionStall

	default:
		log.Panicf("cannot handle %s in state %s for 0x%x",
			memo.Cmd, line.State, addr)
		return ActionDone
	}
}

// handleFetchResponse dispatches a fetch response or acknowledgement
// arriving from a child.
func (e *engine) handleFetchResponse(memo *coherence.Memo) Action {
	addr := memo.BaseAddr

	if memo.Cmd == coherence.CmdAckPut {
		e.mshr.RemoveWriteback(addr)
		return ActionDone
	}

	line := e.dir.Lookup(addr, false)
	reqEvent := e.frontEvent(addr, memo)

	var action Action
	switch memo.Cmd {
	case coherence.CmdFetchResp, coherence.CmdFetchXResp:
		action = e.handleFetchResp(memo, line, reqEvent)
	case coherence.CmdAckInv:
		action = e.handleAckInv(memo, line, reqEvent)
	default:
		log.Panicf("cannot handle %s as a fetch response", memo.Cmd)
	}

	if action == ActionDone && reqEvent != nil {
		e.mshr.Remove(addr, reqEvent)
	}
	if action == ActionDone {
		e.mshr.ClearDataBuffer(addr)
	}

	return action
}

func (e *engine) handleFetchResp(
	memo *coherence.Memo,
	line *directory.Line,
	reqEvent *coherence.Memo,
) Action {
	addr := memo.BaseAddr

	if line == nil {
		log.Panicf("fetch response for untracked block 0x%x", addr)
	}

	if e.mshr.AcksNeeded(addr) > 0 {
		e.mshr.DecrementAcksNeeded(addr)
	}

	action := ActionDone
	if e.mshr.AcksNeeded(addr) > 0 {
		action = ActionIgnore
	}

	e.deposit(line, addr, memo.Payload)

	switch line.State {
	case coherence.StateSD, coherence.StateSMD,
		coherence.StateED, coherence.StateMD:
		return e.resolveFetch(memo, line, reqEvent)

	case coherence.StateSI:
		line.RemoveSharer(memo.Src)
		if action == ActionDone {
			e.sendWritebackFromMSHR(coherence.CmdPutS, line, e.top,
				memo.Payload)
			line.State = coherence.StateI
		}

		return action

	case coherence.StateEI, coherence.StateMI:
		wbCmd := coherence.CmdPutE
		if line.State == coherence.StateMI || memo.Dirty {
			wbCmd = coherence.CmdPutM
		}

		line.ClearOwner()
		line.RemoveSharer(memo.Src)

		if action == ActionDone {
			e.sendWritebackFromMSHR(wbCmd, line, e.top, memo.Payload)
			line.State = coherence.StateI
		}

		return action

	case coherence.StateEInvX, coherence.StateMInvX:
		return e.resolveInvX(memo, line, reqEvent, action)

	case coherence.StateEInv, coherence.StateMInv:
		return e.resolveInvWithData(memo, line, reqEvent, action)

	case coherence.StateSInv, coherence.StateSMInv:
		line.RemoveSharer(memo.Src)

		if action != ActionDone {
			e.mshr.SetDataBuffer(addr, memo.Payload)
			return ActionIgnore
		}

		e.sendResponseDownFromMSHR(memo, false)
		if line.State == coherence.StateSInv {
			line.State = coherence.StateI
		} else {
			line.State = coherence.StateIM
		}

		return ActionDone

	default:
		log.Panicf("cannot handle %s in state %s for 0x%x",
			memo.Cmd, line.State, addr)
		return ActionDone
	}
}

// resolveFetch completes the Fetch or GetS that a *_D state was waiting on.
func (e *engine) resolveFetch(
	memo *coherence.Memo,
	line *directory.Line,
	reqEvent *coherence.Memo,
) Action {
	dirty := line.State == coherence.StateMD || memo.Dirty

	switch line.State {
	case coherence.StateSD:
		line.State = coherence.StateS
	case coherence.StateSMD:
		line.State = coherence.StateSM
	case coherence.StateED:
		line.State = coherence.StateE
	default:
		line.State = coherence.StateM
	}

	if reqEvent == nil {
		return ActionDone
	}

	switch reqEvent.Cmd {
	case coherence.CmdFetch:
		e.sendResponseDownFromMSHR(memo, dirty)
	case coherence.CmdGetS:
		data := memo.Payload
		if line.IsCached() {
			data = line.Data.Bytes
		}

		line.AddSharer(reqEvent.Src)
		sendTime := e.sendResponseUp(reqEvent, coherence.CmdGetSResp,
			data, true, line.Timestamp)
		line.Timestamp = sendTime
	default:
		log.Panicf("cannot resolve fetch for %s at 0x%x",
			reqEvent.Cmd, memo.BaseAddr)
	}

	return ActionDone
}

// resolveInvX completes whatever an E_InvX or M_InvX state was waiting on
// once the owner's copy came back.
func (e *engine) resolveInvX(
	memo *coherence.Memo,
	line *directory.Line,
	reqEvent *coherence.Memo,
	action Action,
) Action {
	addr := memo.BaseAddr
	wasMInvX := line.State == coherence.StateMInvX
	dirty := wasMInvX || memo.Dirty

	if memo.Src == line.Owner() {
		line.ClearOwner()
		line.AddSharer(memo.Src)
	}
	if !line.IsCached() {
		e.mshr.SetDataBuffer(addr, memo.Payload)
	}

	if action != ActionDone || reqEvent == nil {
		return action
	}

	switch reqEvent.Cmd {
	case coherence.CmdFetchInvX:
		e.sendResponseDownFromMSHR(memo, dirty)
		line.State = coherence.StateS

		return ActionDone

	case coherence.CmdFetchInv:
		if line.NumSharers() > 0 {
			e.invalidateAllSharers(line, reqEvent.Rqstr, true)
			if wasMInvX {
				line.State = coherence.StateMInv
			} else {
				line.State = coherence.StateEInv
			}

			return ActionStall
		}

		e.sendResponseDownFromMSHR(memo, dirty)
		line.State = coherence.StateI

		return ActionDone

	case coherence.CmdFlushLine:
		if dirty {
			line.State = coherence.StateM
		} else {
			line.State = coherence.StateE
		}

		return e.handleFlushLine(reqEvent, line, true)

	case coherence.CmdGetS:
		data := memo.Payload
		if line.IsCached() {
			data = line.Data.Bytes
		}

		line.AddSharer(reqEvent.Src)
		sendTime := e.sendResponseUp(reqEvent, coherence.CmdGetSResp,
			data, true, line.Timestamp)
		line.Timestamp = sendTime

		if dirty {
			line.State = coherence.StateM
		} else {
			line.State = coherence.StateE
		}

		return ActionDone

	default:
		log.Panicf("cannot resolve %s in state %s for 0x%x",
			reqEvent.Cmd, line.State, addr)
		return ActionDone
	}
}

// resolveInvWithData completes whatever an E_Inv or M_Inv state was waiting
// on once the owner's copy came back.
func (e *engine) resolveInvWithData(
	memo *coherence.Memo,
	line *directory.Line,
	reqEvent *coherence.Memo,
	action Action,
) Action {
	addr := memo.BaseAddr
	wasMInv := line.State == coherence.StateMInv || memo.Dirty

	if memo.Src == line.Owner() {
		line.ClearOwner()
	} else {
		line.RemoveSharer(memo.Src)
	}

	if action != ActionDone {
		if memo.Dirty {
			line.State = coherence.StateMInv
		}
		e.mshr.SetDataBuffer(addr, memo.Payload)

		return ActionIgnore
	}

	if reqEvent == nil {
		return ActionDone
	}

	switch reqEvent.Cmd {
	case coherence.CmdGetX, coherence.CmdGetSX:
		line.SetOwner(reqEvent.Src)
		line.RemoveSharer(reqEvent.Src)
		line.State = coherence.StateM

		data := memo.Payload
		if line.IsCached() {
			data = line.Data.Bytes
		}
		sendTime := e.sendResponseUp(reqEvent, coherence.CmdGetXResp,
			data, true, line.Timestamp)
		line.Timestamp = sendTime

		return ActionDone

	case coherence.CmdFlushLineInv:
		if wasMInv {
			line.State = coherence.StateM
		} else {
			line.State = coherence.StateE
		}

		return e.handleFlushLineInv(reqEvent, line, true)

	default:
		e.sendResponseDownFromMSHR(memo, wasMInv)
		line.State = coherence.StateI

		return ActionDone
	}
}

func (e *engine) handleAckInv(
	memo *coherence.Memo,
	line *directory.Line,
	reqEvent *coherence.Memo,
) Action {
	addr := memo.BaseAddr

	if line == nil {
		log.Panicf("invalidation ack for untracked block 0x%x", addr)
	}

	if memo.Src == line.Owner() {
		line.ClearOwner()
	} else {
		line.RemoveSharer(memo.Src)
	}

	if e.mshr.AcksNeeded(addr) > 0 {
		e.mshr.DecrementAcksNeeded(addr)
	}
	if e.mshr.AcksNeeded(addr) > 0 {
		return ActionIgnore
	}

	data := e.lineData(line, addr)

	switch line.State {
	case coherence.StateSInv:
		if reqEvent != nil && reqEvent.Cmd == coherence.CmdFetchInv {
			e.sendResponseDown(reqEvent, line, data, false, true)
		} else if reqEvent != nil {
			e.sendAckInv(reqEvent)
		}
		line.State = coherence.StateI

		return ActionDone

	case coherence.StateEInv, coherence.StateMInv:
		dirty := line.State == coherence.StateMInv
		action := ActionDone

		switch {
		case reqEvent == nil:
			line.State = coherence.StateI
		case reqEvent.Cmd == coherence.CmdFetchInv:
			e.sendResponseDown(reqEvent, line, data, dirty, true)
			line.State = coherence.StateI
		case reqEvent.Cmd == coherence.CmdForceInv:
			e.sendAckInv(reqEvent)
			line.State = coherence.StateI
		case reqEvent.Cmd == coherence.CmdGetX ||
			reqEvent.Cmd == coherence.CmdGetSX:
			line.SetOwner(reqEvent.Src)
			line.RemoveSharer(reqEvent.Src)
			line.State = coherence.StateM

			sendTime := e.sendResponseUp(reqEvent, coherence.CmdGetXResp,
				data, true, line.Timestamp)
			line.Timestamp = sendTime
		default:
			log.Panicf("cannot resolve %s in state %s for 0x%x",
				reqEvent.Cmd, line.State, addr)
		}

		return action

	case coherence.StateSMInv:
		switch {
		case reqEvent == nil:
			line.State = coherence.StateSM
			return ActionIgnore
		case reqEvent.Cmd == coherence.CmdInv ||
			reqEvent.Cmd == coherence.CmdForceInv:
			if line.NumSharers() > 0 {
				e.invalidateAllSharers(line, reqEvent.Rqstr, true)
				return ActionStall
			}

			e.sendAckInv(reqEvent)
			line.State = coherence.StateIM

			return ActionDone
		case reqEvent.Cmd == coherence.CmdFetchInv:
			e.sendResponseDown(reqEvent, line, data, false, true)
			line.State = coherence.StateIM

			return ActionDone
		default:
			line.State = coherence.StateSM
			return ActionIgnore
		}

	case coherence.StateSBInv:
		if line.NumSharers() > 0 {
			e.invalidateAllSharers(line, memo.Rqstr, true)
			return ActionIgnore
		}

		if reqEvent != nil {
			e.sendAckInv(reqEvent)
		}
		line.State = coherence.StateIB

		return ActionDone

	case coherence.StateSI:
		e.sendWritebackFromMSHR(coherence.CmdPutS, line, e.top, data)
		line.State = coherence.StateI

		return ActionDone

	case coherence.StateEI:
		e.sendWritebackFromMSHR(coherence.CmdPutE, line, e.top, data)
		line.State = coherence.StateI

		return ActionDone

	case coherence.StateMI:
		e.sendWritebackFromMSHR(coherence.CmdPutM, line, e.top, data)
		line.State = coherence.StateI

		return ActionDone

	default:
		log.Panicf("cannot handle AckInv in state %s for 0x%x",
			line.State, addr)
		return ActionDone
	}
}
