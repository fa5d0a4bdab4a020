package dircache

import (
	"github.com/sarchlab/mesidir/mem/coherence"
)

// handleNACK decides whether a rejected message is still wanted. A stale
// recall, one whose target already gave up the line, is dropped instead of
// retried.
func (e *engine) handleNACK(nack *coherence.Memo) Action {
	nacked := nack.Wrapped
	line := e.dir.Lookup(nacked.BaseAddr, false)

	retry := false
	switch nacked.Cmd {
	case coherence.CmdGetS, coherence.CmdGetX, coherence.CmdGetSX,
		coherence.CmdFlushLine, coherence.CmdFlushLineInv:
		retry = true

	case coherence.CmdPutS, coherence.CmdPutE, coherence.CmdPutM:
		retry = !e.expectWritebackAck ||
			e.mshr.PendingWriteback(nacked.BaseAddr)

	case coherence.CmdFetchInvX:
		retry = line != nil && line.State != coherence.StateI &&
			line.Owner() == nacked.Dst

	case coherence.CmdFetchInv, coherence.CmdForceInv:
		retry = line != nil && line.State != coherence.StateI &&
			(line.Owner() == nacked.Dst || line.IsSharer(nacked.Dst))

	case coherence.CmdFetch, coherence.CmdInv:
		retry = line != nil && line.State != coherence.StateI &&
			line.IsSharer(nacked.Dst)
	}

	if retry {
		e.resend(nacked)
	}

	return ActionDone
}
