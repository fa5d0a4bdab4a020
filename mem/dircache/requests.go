package dircache

import (
	"log"

	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/mem/dircache/internal/directory"
)

func (e *engine) isLocalPrefetch(memo *coherence.Memo) bool {
	return memo.MemFlags&coherence.MemFlagPrefetch != 0 && memo.Rqstr == e.top
}

// missClass tells how a request relates to the current directory state
// without mutating anything.
func (e *engine) missClass(memo *coherence.Memo) MissClass {
	cmd := memo.Cmd
	if cmd == coherence.CmdGetSX {
		cmd = coherence.CmdGetX
	}

	line := e.dir.Lookup(memo.BaseAddr, false)
	if line == nil {
		return MissClassNotPresent
	}

	if line.Prefetch && e.isLocalPrefetch(memo) {
		return MissClassHit
	}

	state := line.State
	if state == coherence.StateS && e.lastLevel {
		state = coherence.StateM
	}

	switch state {
	case coherence.StateI:
		return MissClassNotPresent
	case coherence.StateS:
		if cmd == coherence.CmdGetS {
			return MissClassHit
		}
		return MissClassWrongState
	case coherence.StateE, coherence.StateM:
		if line.HasOwner() {
			return MissClassWrongState
		}
		if cmd == coherence.CmdGetS {
			return MissClassHit
		}
		if line.NumSharers() == 0 ||
			(line.NumSharers() == 1 && line.IsSharer(memo.Src)) {
			return MissClassHit
		}
		return MissClassWrongState
	default:
		return MissClassPending
	}
}

// handleRequest dispatches a GetS, GetX, or GetSX from a child.
func (e *engine) handleRequest(memo *coherence.Memo, replay bool) Action {
	addr := memo.BaseAddr

	if !replay {
		e.notifyAccess(memo, e.missClass(memo))
	}

	line := e.dir.Lookup(addr, !replay)
	if line == nil {
		newLine, ok := e.allocateLine(addr)
		if !ok {
			return e.stall(memo, replay)
		}
		line = newLine
	}

	switch memo.Cmd {
	case coherence.CmdGetS:
		return e.handleGetS(memo, line, replay)
	case coherence.CmdGetX, coherence.CmdGetSX:
		return e.handleGetX(memo, line, replay)
	default:
		log.Panicf("cannot handle %s as a request", memo.Cmd)
		return ActionDone
	}
}

func (e *engine) handleGetS(
	memo *coherence.Memo,
	line *directory.Line,
	replay bool,
) Action {
	addr := memo.BaseAddr
	localPrefetch := e.isLocalPrefetch(memo)

	switch line.State {
	case coherence.StateI:
		if localPrefetch && !e.allocateDataSlot(line, false) {
			return e.stall(memo, replay)
		}

		sendTime := e.forwardToParent(memo, line, replay)
		line.State = coherence.StateIS
		line.Timestamp = sendTime

		return e.stall(memo, replay)

	case coherence.StateS:
		if localPrefetch {
			return ActionDone
		}
		line.Prefetch = false

		if line.IsCached() {
			line.AddSharer(memo.Src)
			sendTime := e.sendResponseUp(memo, coherence.CmdGetSResp,
				line.Data.Bytes, replay, line.Timestamp)
			line.Timestamp = sendTime

			return ActionDone
		}

		e.sendFetch(line, memo.Rqstr, replay)
		e.mshr.IncrementAcksNeeded(addr)
		line.State = coherence.StateSD

		return e.stall(memo, replay)

	case coherence.StateE, coherence.StateM:
		if localPrefetch {
			return ActionDone
		}
		line.Prefetch = false

		if line.HasOwner() {
			e.sendFetchInvX(line, memo.Rqstr, replay)
			e.mshr.IncrementAcksNeeded(addr)
			if line.State == coherence.StateE {
				line.State = coherence.StateEInvX
			} else {
				line.State = coherence.StateMInvX
			}

			return e.stall(memo, replay)
		}

		if line.IsCached() {
			var sendTime = line.Timestamp
			if e.protocolMES && line.NumSharers() == 0 {
				sendTime = e.sendResponseUp(memo, coherence.CmdGetXResp,
					line.Data.Bytes, replay, line.Timestamp)
				line.SetOwner(memo.Src)
			} else {
				line.AddSharer(memo.Src)
				sendTime = e.sendResponseUp(memo, coherence.CmdGetSResp,
					line.Data.Bytes, replay, line.Timestamp)
			}
			line.Timestamp = sendTime

			return ActionDone
		}

		e.sendFetch(line, memo.Rqstr, replay)
		e.mshr.IncrementAcksNeeded(addr)
		if line.State == coherence.StateE {
			line.State = coherence.StateED
		} else {
			line.State = coherence.StateMD
		}

		return e.stall(memo, replay)

	default:
		return e.stall(memo, replay)
	}
}

func (e *engine) handleGetX(
	memo *coherence.Memo,
	line *directory.Line,
	replay bool,
) Action {
	addr := memo.BaseAddr

	// At the last level nobody above can hold the line, so an S line can be
	// written without asking the parent.
	if line.State == coherence.StateS && e.lastLevel {
		line.State = coherence.StateM
	}

	switch line.State {
	case coherence.StateI:
		sendTime := e.forwardToParent(memo, line, replay)
		line.State = coherence.StateIM
		line.Timestamp = sendTime

		return e.stall(memo, replay)

	case coherence.StateS:
		sendTime := e.forwardToParent(memo, line, replay)

		if e.invalidateSharersExceptRequestor(
			line, memo.Src, memo.Rqstr, replay, false) {
			line.State = coherence.StateSMInv
		} else {
			line.State = coherence.StateSM
			line.Timestamp = sendTime
		}

		return e.stall(memo, replay)

	case coherence.StateE, coherence.StateM:
		line.State = coherence.StateM
		line.Prefetch = false

		if e.invalidateSharersExceptRequestor(
			line, memo.Src, memo.Rqstr, replay, !line.IsCached()) {
			line.State = coherence.StateMInv
			return e.stall(memo, replay)
		}

		if line.HasOwner() {
			e.sendFetchInv(line, memo.Rqstr, replay)
			e.mshr.IncrementAcksNeeded(addr)
			line.State = coherence.StateMInv

			return e.stall(memo, replay)
		}

		line.SetOwner(memo.Src)
		line.RemoveSharer(memo.Src)

		var data []byte
		if line.IsCached() {
			data = line.Data.Bytes
		}
		sendTime := e.sendResponseUp(memo, coherence.CmdGetXResp,
			data, replay, line.Timestamp)
		line.Timestamp = sendTime

		return ActionDone

	default:
		return e.stall(memo, replay)
	}
}
