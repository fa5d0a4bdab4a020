// Package dircache provides a coherence directory for a non-inclusive cache
// level that is shared by multiple children. The directory tracks every block
// cached above it, keeps data for a subset of the tracked blocks, and runs a
// MESI protocol with an optional exclusive state between its children and its
// parent.
package dircache

import (
	"log"

	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/sim"
)

// Comp is the directory component. Children connect to the Top port and the
// parent connects through the Bottom port.
type Comp struct {
	*sim.TickingComponent

	topPort    sim.Port
	bottomPort sim.Port

	engine *engine
	out    *outbound

	retryAddrs []uint64
}

// Tick updates the directory state in one cycle.
func (c *Comp) Tick() bool {
	madeProgress := false

	madeProgress = c.send() || madeProgress
	madeProgress = c.replay() || madeProgress
	madeProgress = c.processBottom() || madeProgress
	madeProgress = c.processTop() || madeProgress

	return madeProgress
}

func (c *Comp) send() bool {
	madeProgress := false

	madeProgress = c.sendQueue(&c.out.toTop, c.topPort) || madeProgress
	madeProgress = c.sendQueue(&c.out.toBottom, c.bottomPort) || madeProgress

	return madeProgress
}

// sendQueue drains one outbound queue up to the current time. It keeps the
// component ticking while stamped messages wait for their delivery time.
func (c *Comp) sendQueue(queue *[]*coherence.Memo, port sim.Port) bool {
	now := c.engine.now()
	madeProgress := false

	for len(*queue) > 0 {
		memo := (*queue)[0]
		if memo.SendTime > now {
			return true
		}

		err := port.Send(memo)
		if err != nil {
			return madeProgress
		}

		*queue = (*queue)[1:]
		madeProgress = true
	}

	return madeProgress
}

func (c *Comp) replay() bool {
	if len(c.retryAddrs) == 0 {
		return false
	}

	addr := c.retryAddrs[0]
	c.retryAddrs = c.retryAddrs[1:]
	c.replayAddr(addr)

	return true
}

// replayAddr retries the queued work of an address until an entry refuses to
// complete. Eviction pointers redirect the retry to the address that waited
// for the victim.
func (c *Comp) replayAddr(addr uint64) {
	for c.engine.mshr.IsHit(addr) {
		item, found := c.engine.mshr.Front(addr)
		if !found {
			return
		}

		if item.IsPtr {
			c.engine.mshr.RemoveFront(addr)
			c.retryAddrs = append(c.retryAddrs, item.PtrAddr)
			continue
		}

		action := c.engine.replayEvent(item.Memo)
		if action != ActionDone {
			return
		}

		c.engine.mshr.Remove(addr, item.Memo)
	}
}

func (c *Comp) processBottom() bool {
	msg := c.bottomPort.PeekIncoming()
	if msg == nil {
		return false
	}

	memo := msg.(*coherence.Memo)
	addr := memo.BaseAddr

	var action Action
	switch memo.Cmd {
	case coherence.CmdGetSResp, coherence.CmdGetXResp,
		coherence.CmdFlushLineResp:
		action = c.engine.handleResponse(memo)
	case coherence.CmdAckPut:
		action = c.engine.handleFetchResponse(memo)
	case coherence.CmdInv, coherence.CmdFetch, coherence.CmdFetchInv,
		coherence.CmdFetchInvX, coherence.CmdForceInv:
		action = c.engine.handleInvalidation(memo, false)
	case coherence.CmdNACK:
		action = c.engine.handleNACK(memo)
	default:
		log.Panicf("cannot handle %s from the parent", memo.Cmd)
	}

	c.bottomPort.RetrieveIncoming()
	c.afterHandle(addr, action)

	return true
}

func (c *Comp) processTop() bool {
	msg := c.topPort.PeekIncoming()
	if msg == nil {
		return false
	}

	memo := msg.(*coherence.Memo)
	addr := memo.BaseAddr

	var action Action
	switch {
	case memo.Cmd.IsRequest(), memo.Cmd.IsReplacement(), memo.Cmd.IsFlush():
		if c.engine.mshr.IsFull() && !c.engine.mshr.Exists(addr) {
			c.engine.sendNACKUp(memo)
			action = ActionDone
			break
		}

		switch {
		case memo.Cmd.IsRequest():
			action = c.engine.handleRequest(memo, false)
		case memo.Cmd.IsReplacement():
			action = c.engine.handleReplacement(memo, false)
		default:
			action = c.engine.handleFlush(memo, false)
		}
	case memo.Cmd == coherence.CmdFetchResp,
		memo.Cmd == coherence.CmdFetchXResp,
		memo.Cmd == coherence.CmdAckInv:
		action = c.engine.handleFetchResponse(memo)
	case memo.Cmd == coherence.CmdNACK:
		action = c.engine.handleNACK(memo)
	default:
		log.Panicf("cannot handle %s from a child", memo.Cmd)
	}

	c.topPort.RetrieveIncoming()
	c.afterHandle(addr, action)

	return true
}

// afterHandle schedules a replay when a completed event may have unblocked
// queued work for the same address.
func (c *Comp) afterHandle(addr uint64, action Action) {
	if action != ActionDone {
		return
	}

	if c.engine.mshr.IsHit(addr) {
		c.retryAddrs = append(c.retryAddrs, addr)
	}
}
