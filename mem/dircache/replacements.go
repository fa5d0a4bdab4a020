package dircache

import (
	"log"

	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/mem/dircache/internal/directory"
)

// handleEviction clears a victim line so that its frame can be reused. When
// fromDataCache is set only the data-array slot is being reclaimed and a
// line that children still hold keeps its directory entry.
func (e *engine) handleEviction(
	line *directory.Line,
	fromDataCache bool,
) Action {
	addr := line.BaseAddr

	// A Put racing with this eviction already carries the acknowledgement
	// and the freshest data.
	collision := e.frontCollision(addr)
	if collision != nil {
		if line.State == coherence.StateE &&
			(collision.Cmd == coherence.CmdPutM || collision.Dirty) {
			line.State = coherence.StateM
		}

		if collision.Cmd == coherence.CmdPutS {
			line.RemoveSharer(collision.Src)
		} else {
			line.ClearOwner()
		}

		e.mshr.SetDataBuffer(addr, collision.Payload)
		e.mshr.RemoveFront(addr)
	}

	switch line.State {
	case coherence.StateI:
		return ActionDone

	case coherence.StateS:
		line.Prefetch = false

		if line.NumSharers() > 0 && !fromDataCache {
			if line.IsCached() || collision != nil {
				e.invalidateAllSharers(line, e.top, false)
			} else {
				e.invalidateAllSharersAndFetch(line, e.top, false)
			}
			line.State = coherence.StateSI

			return ActionStall
		}

		if !line.IsCached() && collision == nil && line.NumSharers() == 0 {
			log.Panicf(
				"evicting uncached block 0x%x with no sharers", addr)
		}

		if fromDataCache && line.NumSharers() > 0 {
			return ActionDone
		}

		if collision != nil || !line.IsCached() {
			e.sendWritebackFromMSHR(coherence.CmdPutS, line, e.top,
				e.mshr.DataBuffer(addr))
		} else {
			e.sendWritebackFromCache(coherence.CmdPutS, line, e.top)
		}

		if line.NumSharers() == 0 {
			line.State = coherence.StateI
		}

		return ActionDone

	case coherence.StateE, coherence.StateM:
		cmd := coherence.CmdPutE
		evicting := coherence.StateEI
		if line.State == coherence.StateM {
			cmd = coherence.CmdPutM
			evicting = coherence.StateMI
		}

		if line.NumSharers() > 0 && !fromDataCache {
			if line.IsCached() || collision != nil {
				e.invalidateAllSharers(line, e.top, false)
			} else {
				e.invalidateAllSharersAndFetch(line, e.top, false)
			}
			line.State = evicting

			return ActionStall
		}

		if line.HasOwner() {
			e.sendFetchInv(line, e.top, false)
			e.mshr.IncrementAcksNeeded(addr)
			line.State = evicting

			return ActionStall
		}

		if !line.IsCached() && collision == nil {
			log.Panicf(
				"evicting uncached block 0x%x with no sharers or owner",
				addr)
		}

		if fromDataCache && line.NumSharers() > 0 {
			return ActionDone
		}

		if collision != nil || !line.IsCached() {
			e.sendWritebackFromMSHR(cmd, line, e.top,
				e.mshr.DataBuffer(addr))
		} else {
			e.sendWritebackFromCache(cmd, line, e.top)
		}
		line.State = coherence.StateI

		return ActionDone

	default:
		return ActionStall
	}
}

// handleReplacement dispatches a PutS, PutE, or PutM from a child.
func (e *engine) handleReplacement(memo *coherence.Memo, replay bool) Action {
	addr := memo.BaseAddr

	line := e.dir.Lookup(addr, true)
	if line == nil {
		log.Panicf("%s for untracked block 0x%x from %s",
			memo.Cmd, addr, memo.Src)
	}

	if !line.IsCached() {
		ok := e.allocateDataSlot(line, line.State.InTransition())
		if !ok && !line.State.InTransition() {
			return e.stall(memo, replay)
		}
	}

	reqEvent := e.frontEvent(addr, memo)

	var action Action
	switch memo.Cmd {
	case coherence.CmdPutS:
		action = e.handlePutS(memo, line, reqEvent)
	case coherence.CmdPutE, coherence.CmdPutM:
		action = e.handlePutM(memo, line, reqEvent)
	default:
		log.Panicf("cannot handle %s as a replacement", memo.Cmd)
	}

	if action == ActionDone && reqEvent != nil {
		e.mshr.Remove(addr, reqEvent)
	}
	if action == ActionDone {
		e.mshr.ClearDataBuffer(addr)
	}

	if (action == ActionStall || action == ActionBlock) && !replay {
		err := e.mshr.Insert(addr, memo)
		if err != nil {
			log.Panicf("cannot buffer %s for 0x%x: %v", memo.Cmd, addr, err)
		}
	}

	return action
}

func (e *engine) handlePutS(
	memo *coherence.Memo,
	line *directory.Line,
	reqEvent *coherence.Memo,
) Action {
	addr := memo.BaseAddr
	state := line.State

	switch state {
	case coherence.StateSD, coherence.StateED,
		coherence.StateMD, coherence.StateSMD:
		// Only the sharer the Fetch targeted carries the pending ack.
		if line.FirstSharer() == memo.Src {
			e.mshr.DecrementAcksNeeded(addr)
		}
	default:
		if e.mshr.AcksNeeded(addr) > 0 {
			e.mshr.DecrementAcksNeeded(addr)
		}
	}

	line.RemoveSharer(memo.Src)
	e.deposit(line, addr, memo.Payload)

	if e.mshr.AcksNeeded(addr) > 0 {
		return ActionIgnore
	}

	switch state {
	case coherence.StateI, coherence.StateS, coherence.StateE,
		coherence.StateM, coherence.StateSB:
		e.sendWritebackAck(memo)
		return ActionDone

	case coherence.StateSI:
		e.sendWritebackFromMSHR(coherence.CmdPutS, line, e.top, memo.Payload)
		line.State = coherence.StateI
		return ActionDone

	case coherence.StateEI:
		e.sendWritebackFromMSHR(coherence.CmdPutE, line, e.top, memo.Payload)
		line.State = coherence.StateI
		return ActionDone

	case coherence.StateMI:
		e.sendWritebackFromMSHR(coherence.CmdPutM, line, e.top, memo.Payload)
		line.State = coherence.StateI
		return ActionDone

	case coherence.StateSInv:
		if reqEvent != nil && reqEvent.Cmd == coherence.CmdInv {
			e.sendAckInv(reqEvent)
		} else {
			e.sendResponseDownFromMSHR(memo, false)
		}
		line.State = coherence.StateI
		return ActionDone

	case coherence.StateSBInv:
		e.sendAckInv(reqEvent)
		line.State = coherence.StateIB
		return ActionDone

	case coherence.StateSD:
		line.State = coherence.StateS
		return e.resolveFetchWithPut(memo, line, reqEvent,
			coherence.CmdPutS, false)

	case coherence.StateED:
		line.State = coherence.StateE
		return e.resolveFetchWithPut(memo, line, reqEvent,
			coherence.CmdPutE, false)

	case coherence.StateMD:
		line.State = coherence.StateM
		return e.resolveFetchWithPut(memo, line, reqEvent,
			coherence.CmdPutM, true)

	case coherence.StateSMD:
		line.State = coherence.StateSM
		if reqEvent != nil && reqEvent.Cmd == coherence.CmdFetch {
			e.sendResponseDownFromMSHR(memo, false)
		}
		return ActionDone

	case coherence.StateEInv:
		e.sendResponseDown(reqEvent, line, memo.Payload, memo.Dirty, true)
		line.State = coherence.StateI
		return ActionDone

	case coherence.StateMInv:
		if reqEvent != nil && reqEvent.Cmd == coherence.CmdFetchInv {
			e.sendResponseDown(reqEvent, line, memo.Payload, true, true)
			line.State = coherence.StateI
			return ActionDone
		}

		line.SetOwner(reqEvent.Src)
		line.RemoveSharer(reqEvent.Src)
		sendTime := e.sendResponseUp(reqEvent, coherence.CmdGetXResp,
			memo.Payload, true, line.Timestamp)
		line.Timestamp = sendTime
		line.State = coherence.StateM
		return ActionDone

	case coherence.StateSMInv:
		if reqEvent != nil && reqEvent.Cmd == coherence.CmdInv {
			if line.NumSharers() > 0 {
				e.invalidateAllSharers(line, reqEvent.Rqstr, true)
				return ActionIgnore
			}
			e.sendAckInv(reqEvent)
			line.State = coherence.StateIM
			return ActionDone
		}

		if reqEvent != nil && reqEvent.Cmd == coherence.CmdFetchInv {
			if line.NumSharers() > 0 {
				e.invalidateAllSharers(line, reqEvent.Rqstr, true)
				return ActionIgnore
			}
			e.sendResponseDownFromMSHR(memo, false)
			line.State = coherence.StateIM
			return ActionDone
		}

		line.State = coherence.StateSM
		return ActionIgnore

	default:
		log.Panicf("PutS for 0x%x in state %s", addr, state)
		return ActionDone
	}
}

// resolveFetchWithPut completes the Fetch or GetS that a *_D state was
// waiting on, using the data that the Put carried.
func (e *engine) resolveFetchWithPut(
	memo *coherence.Memo,
	line *directory.Line,
	reqEvent *coherence.Memo,
	wbCmd coherence.Command,
	dirty bool,
) Action {
	if reqEvent == nil {
		return ActionDone
	}

	if reqEvent.Cmd == coherence.CmdFetch {
		if !line.IsCached() && line.NumSharers() == 0 {
			e.sendWritebackFromMSHR(wbCmd, line, e.top, memo.Payload)
			line.State = coherence.StateI
		} else {
			e.sendResponseDownFromMSHR(memo, dirty)
		}
		return ActionDone
	}

	// A GetS was waiting for the data.
	if e.protocolMES && line.NumSharers() == 0 &&
		line.State != coherence.StateS {
		line.SetOwner(reqEvent.Src)
		sendTime := e.sendResponseUp(reqEvent, coherence.CmdGetXResp,
			memo.Payload, true, line.Timestamp)
		line.Timestamp = sendTime
	} else {
		line.AddSharer(reqEvent.Src)
		sendTime := e.sendResponseUp(reqEvent, coherence.CmdGetSResp,
			memo.Payload, true, line.Timestamp)
		line.Timestamp = sendTime
	}

	return ActionDone
}

func (e *engine) handlePutM(
	memo *coherence.Memo,
	line *directory.Line,
	reqEvent *coherence.Memo,
) Action {
	addr := memo.BaseAddr

	e.deposit(line, addr, memo.Payload)

	if e.mshr.AcksNeeded(addr) > 0 {
		e.mshr.DecrementAcksNeeded(addr)
	}

	dirty := memo.Cmd == coherence.CmdPutM || memo.Dirty

	switch line.State {
	case coherence.StateE, coherence.StateM:
		wbCmd := coherence.CmdPutE
		if line.State == coherence.StateM || dirty {
			line.State = coherence.StateM
			wbCmd = coherence.CmdPutM
		}

		line.ClearOwner()
		e.sendWritebackAck(memo)

		if !line.IsCached() {
			e.sendWritebackFromMSHR(wbCmd, line, e.top, memo.Payload)
			line.State = coherence.StateI
		}

		return ActionDone

	case coherence.StateEI, coherence.StateMI:
		wbCmd := coherence.CmdPutE
		if line.State == coherence.StateMI || dirty {
			wbCmd = coherence.CmdPutM
		}

		line.ClearOwner()

		if line.IsCached() {
			e.sendWritebackFromCache(wbCmd, line, e.top)
		} else {
			e.sendWritebackFromMSHR(wbCmd, line, e.top, memo.Payload)
		}
		line.State = coherence.StateI

		return ActionDone

	case coherence.StateEInvX, coherence.StateMInvX:
		wasMInvX := line.State == coherence.StateMInvX
		line.ClearOwner()

		if reqEvent != nil && reqEvent.Cmd == coherence.CmdFetchInvX {
			if !line.IsCached() {
				wbCmd := coherence.CmdPutE
				if dirty || wasMInvX {
					wbCmd = coherence.CmdPutM
				}
				e.sendWritebackFromMSHR(wbCmd, line, e.top, memo.Payload)
				line.State = coherence.StateI
			} else {
				e.sendResponseDownFromMSHR(memo, dirty || wasMInvX)
				line.State = coherence.StateS
			}
			return ActionDone
		}

		// A GetS was waiting for the downgrade.
		if e.protocolMES && line.NumSharers() == 0 {
			line.SetOwner(reqEvent.Src)
			sendTime := e.sendResponseUp(reqEvent, coherence.CmdGetXResp,
				memo.Payload, true, line.Timestamp)
			line.Timestamp = sendTime
		} else {
			line.AddSharer(reqEvent.Src)
			sendTime := e.sendResponseUp(reqEvent, coherence.CmdGetSResp,
				memo.Payload, true, line.Timestamp)
			line.Timestamp = sendTime
		}

		if dirty || wasMInvX {
			line.State = coherence.StateM
		} else {
			line.State = coherence.StateE
		}

		return ActionDone

	case coherence.StateEInv, coherence.StateMInv:
		if line.State == coherence.StateEInv && dirty {
			line.State = coherence.StateMInv
		}
		wasMInv := line.State == coherence.StateMInv
		line.ClearOwner()

		if reqEvent != nil &&
			(reqEvent.Cmd == coherence.CmdGetX ||
				reqEvent.Cmd == coherence.CmdGetSX) {
			line.SetOwner(reqEvent.Src)
			line.RemoveSharer(reqEvent.Src)
			line.State = coherence.StateM
			sendTime := e.sendResponseUp(reqEvent, coherence.CmdGetXResp,
				memo.Payload, true, line.Timestamp)
			line.Timestamp = sendTime
			return ActionDone
		}

		e.sendResponseDownFromMSHR(memo, wasMInv)
		line.State = coherence.StateI

		return ActionDone

	default:
		log.Panicf("%s for 0x%x in state %s", memo.Cmd, addr, line.State)
		return ActionDone
	}
}
