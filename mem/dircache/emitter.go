package dircache

import (
	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/mem/dircache/internal/directory"
	"github.com/sarchlab/mesidir/sim"
)

// The outbound queues hold stamped messages until their delivery time. The
// send time of a message is its earliest departure; queues stay sorted by
// that time.
type outbound struct {
	packetHeaderBytes int

	toTop    []*coherence.Memo
	toBottom []*coherence.Memo
}

func insertByTime(queue []*coherence.Memo, memo *coherence.Memo) []*coherence.Memo {
	i := len(queue)
	for i > 0 && queue[i-1].SendTime > memo.SendTime {
		i--
	}

	queue = append(queue, nil)
	copy(queue[i+1:], queue[i:])
	queue[i] = memo

	return queue
}

func (o *outbound) queueToTop(memo *coherence.Memo, t sim.VTimeInSec) {
	memo.SendTime = t
	memo.TrafficBytes += o.packetHeaderBytes
	o.toTop = insertByTime(o.toTop, memo)
}

func (o *outbound) queueToBottom(memo *coherence.Memo, t sim.VTimeInSec) {
	memo.SendTime = t
	memo.TrafficBytes += o.packetHeaderBytes
	o.toBottom = insertByTime(o.toBottom, memo)
}

// stamp computes the delivery time of a send that serializes after both the
// current time and the last send on the line.
func (e *engine) stamp(lineTime sim.VTimeInSec, cycles int) sim.VTimeInSec {
	baseTime := e.now()
	if lineTime > baseTime {
		baseTime = lineTime
	}

	return e.freq.NCyclesLater(cycles, baseTime)
}

func (e *engine) latency(replay bool, normal int) int {
	if replay {
		return e.mshrLatency
	}

	return normal
}

func (e *engine) makeResponse(
	req *coherence.Memo,
	cmd coherence.Command,
	src sim.RemotePort,
) coherence.MemoBuilder {
	return coherence.MemoBuilder{}.
		WithSrc(src).
		WithDst(req.Src).
		WithRqstr(req.Rqstr).
		WithCmd(cmd).
		WithBaseAddr(req.BaseAddr).
		WithAddr(req.Addr).
		WithAccessSize(req.AccessSize).
		WithMemFlags(req.MemFlags).
		WithRespKey(req.ID)
}

// sendResponseUp answers a child request with data. It returns the delivery
// time so that the caller can stamp the line.
func (e *engine) sendResponseUp(
	req *coherence.Memo,
	cmd coherence.Command,
	data []byte,
	replay bool,
	lineTime sim.VTimeInSec,
) sim.VTimeInSec {
	resp := e.makeResponse(req, cmd, e.top).
		WithPayload(data).
		Build()

	deliveryTime := e.stamp(lineTime, e.latency(replay, e.accessLatency))
	e.out.queueToTop(resp, deliveryTime)

	return deliveryTime
}

// sendResponseDown answers a parent fetch or invalidation with data.
func (e *engine) sendResponseDown(
	req *coherence.Memo,
	line *directory.Line,
	data []byte,
	dirty bool,
	replay bool,
) {
	resp := e.makeResponse(req, req.Cmd.ResponseCmd(), e.bottom).
		WithPayload(data).
		WithDirty(dirty).
		Build()

	deliveryTime := e.stamp(line.Timestamp, e.latency(replay, e.accessLatency))
	e.out.queueToBottom(resp, deliveryTime)
	line.Timestamp = deliveryTime
}

// sendResponseDownFromMSHR answers the parent request at the head of the
// MSHR queue with the payload that the carrier message just delivered.
func (e *engine) sendResponseDownFromMSHR(carrier *coherence.Memo, dirty bool) {
	req := e.frontEvent(carrier.BaseAddr, nil)
	resp := e.makeResponse(req, req.Cmd.ResponseCmd(), e.bottom).
		WithPayload(carrier.Payload).
		WithDirty(dirty).
		Build()

	deliveryTime := e.freq.NCyclesLater(e.mshrLatency, e.now())
	e.out.queueToBottom(resp, deliveryTime)
}

func (e *engine) sendAckInv(req *coherence.Memo) {
	ack := coherence.MemoBuilder{}.
		WithSrc(e.bottom).
		WithDst(e.parent).
		WithRqstr(req.Rqstr).
		WithCmd(coherence.CmdAckInv).
		WithBaseAddr(req.BaseAddr).
		WithAddr(req.BaseAddr).
		WithRespKey(req.ID).
		Build()

	deliveryTime := e.freq.NCyclesLater(e.tagLatency, e.now())
	e.out.queueToBottom(ack, deliveryTime)
}

func (e *engine) sendWritebackAck(put *coherence.Memo) {
	ack := coherence.MemoBuilder{}.
		WithSrc(e.top).
		WithDst(put.Src).
		WithRqstr(put.Src).
		WithCmd(coherence.CmdAckPut).
		WithBaseAddr(put.BaseAddr).
		WithAddr(put.BaseAddr).
		WithAccessSize(put.AccessSize).
		WithRespKey(put.ID).
		Build()

	deliveryTime := e.freq.NCyclesLater(e.tagLatency, e.now())
	e.out.queueToTop(ack, deliveryTime)
}

func (e *engine) writebackBuilder(
	cmd coherence.Command,
	line *directory.Line,
	rqstr sim.RemotePort,
) coherence.MemoBuilder {
	return coherence.MemoBuilder{}.
		WithSrc(e.bottom).
		WithDst(e.parent).
		WithRqstr(rqstr).
		WithCmd(cmd).
		WithBaseAddr(line.BaseAddr).
		WithAddr(line.BaseAddr).
		WithAccessSize(uint64(e.lineSize))
}

// sendWritebackFromCache evicts a block whose bytes live in the data array.
// Clean writebacks carry data only when configured to.
func (e *engine) sendWritebackFromCache(
	cmd coherence.Command,
	line *directory.Line,
	rqstr sim.RemotePort,
) {
	b := e.writebackBuilder(cmd, line, rqstr)
	if cmd == coherence.CmdPutM || e.writebackCleanBlocks {
		b = b.WithPayload(line.Data.Bytes)
	}
	if cmd == coherence.CmdPutM {
		b = b.WithDirty(true)
	}

	deliveryTime := e.stamp(line.Timestamp, e.accessLatency)
	e.out.queueToBottom(b.Build(), deliveryTime)
	line.Timestamp = deliveryTime

	if e.expectWritebackAck {
		e.mshr.InsertWriteback(line.BaseAddr)
	}
}

// sendWritebackFromMSHR evicts a block whose bytes arrived while the line
// was uncached.
func (e *engine) sendWritebackFromMSHR(
	cmd coherence.Command,
	line *directory.Line,
	rqstr sim.RemotePort,
	data []byte,
) {
	b := e.writebackBuilder(cmd, line, rqstr)
	if cmd == coherence.CmdPutM || e.writebackCleanBlocks {
		b = b.WithPayload(data)
	}
	if cmd == coherence.CmdPutM {
		b = b.WithDirty(true)
	}

	deliveryTime := e.freq.NCyclesLater(e.accessLatency, e.now())
	e.out.queueToBottom(b.Build(), deliveryTime)

	e.mshr.ClearDataBuffer(line.BaseAddr)

	if e.expectWritebackAck {
		e.mshr.InsertWriteback(line.BaseAddr)
	}
}

func (e *engine) sendFlushResponse(req *coherence.Memo, success bool) {
	resp := e.makeResponse(req, coherence.CmdFlushLineResp, e.top).
		WithSuccess(success).
		Build()

	deliveryTime := e.freq.NCyclesLater(e.mshrLatency, e.now())
	e.out.queueToTop(resp, deliveryTime)
}

// forwardFlushLine forwards a flush toward the parent, carrying the freshest
// bytes available. The line is stamped one cycle before the delivery so that
// the flush response can complete in order.
func (e *engine) forwardFlushLine(
	orig *coherence.Memo,
	line *directory.Line,
	dirty bool,
	cmd coherence.Command,
) {
	b := coherence.MemoBuilder{}.
		WithSrc(e.bottom).
		WithDst(e.parent).
		WithRqstr(orig.Rqstr).
		WithCmd(cmd).
		WithBaseAddr(orig.BaseAddr).
		WithAddr(orig.BaseAddr).
		WithAccessSize(uint64(e.lineSize)).
		WithDirty(dirty).
		WithRespKey(orig.ID)

	lineTime := sim.VTimeInSec(0)
	if line != nil {
		lineTime = line.Timestamp

		switch {
		case line.IsCached():
			b = b.WithPayload(line.Data.Bytes)
		case e.mshr.IsHit(orig.BaseAddr) &&
			e.mshr.DataBuffer(orig.BaseAddr) != nil:
			b = b.WithPayload(e.mshr.DataBuffer(orig.BaseAddr))
		case len(orig.Payload) != 0:
			b = b.WithPayload(orig.Payload)
		}
	}

	deliveryTime := e.stamp(lineTime, e.tagLatency)
	e.out.queueToBottom(b.Build(), deliveryTime)

	if line != nil {
		line.Timestamp = deliveryTime - e.freq.Period()
	}
}

// forwardToParent forwards a child request or flush downward and returns the
// delivery time.
func (e *engine) forwardToParent(
	req *coherence.Memo,
	line *directory.Line,
	replay bool,
) sim.VTimeInSec {
	fwd := coherence.MemoBuilder{}.
		WithSrc(e.bottom).
		WithDst(e.parent).
		WithRqstr(req.Rqstr).
		WithCmd(req.Cmd).
		WithBaseAddr(req.BaseAddr).
		WithAddr(req.Addr).
		WithAccessSize(uint64(e.lineSize)).
		WithMemFlags(req.MemFlags).
		WithRespKey(req.ID).
		Build()

	lineTime := sim.VTimeInSec(0)
	if line != nil {
		lineTime = line.Timestamp
	}

	deliveryTime := e.stamp(lineTime, e.latency(replay, e.tagLatency))
	e.out.queueToBottom(fwd, deliveryTime)

	return deliveryTime
}

func (e *engine) buildInv(
	cmd coherence.Command,
	line *directory.Line,
	dst, rqstr sim.RemotePort,
) *coherence.Memo {
	return coherence.MemoBuilder{}.
		WithSrc(e.top).
		WithDst(dst).
		WithRqstr(rqstr).
		WithCmd(cmd).
		WithBaseAddr(line.BaseAddr).
		WithAddr(line.BaseAddr).
		WithAccessSize(uint64(e.lineSize)).
		Build()
}

// invalidateAllSharers sends an Inv to every sharer and counts one pending
// acknowledgement per sharer.
func (e *engine) invalidateAllSharers(
	line *directory.Line,
	rqstr sim.RemotePort,
	replay bool,
) {
	deliveryTime := e.stamp(line.Timestamp, e.latency(replay, e.tagLatency))

	sent := false
	for _, sharer := range line.Sharers() {
		inv := e.buildInv(coherence.CmdInv, line, sharer, rqstr)
		e.out.queueToTop(inv, deliveryTime)
		e.mshr.IncrementAcksNeeded(line.BaseAddr)
		sent = true
	}

	if sent {
		line.Timestamp = deliveryTime
	}
}

// invalidateAllSharersAndFetch invalidates every sharer and turns the first
// invalidation into a FetchInv so that the data comes back too.
func (e *engine) invalidateAllSharersAndFetch(
	line *directory.Line,
	rqstr sim.RemotePort,
	replay bool,
) {
	deliveryTime := e.stamp(line.Timestamp, e.latency(replay, e.tagLatency))

	fetched := false
	sent := false
	for _, sharer := range line.Sharers() {
		cmd := coherence.CmdInv
		if !fetched {
			cmd = coherence.CmdFetchInv
			fetched = true
		}

		inv := e.buildInv(cmd, line, sharer, rqstr)
		e.out.queueToTop(inv, deliveryTime)
		e.mshr.IncrementAcksNeeded(line.BaseAddr)
		sent = true
	}

	if sent {
		line.Timestamp = deliveryTime
	}
}

// invalidateSharersExceptRequestor invalidates every sharer other than the
// requestor. When the block is uncached and the requestor holds no copy, the
// first invalidation becomes a FetchInv. It reports whether anything was
// sent.
func (e *engine) invalidateSharersExceptRequestor(
	line *directory.Line,
	requestor, origRqstr sim.RemotePort,
	replay bool,
	uncached bool,
) bool {
	needFetch := uncached && !line.IsSharer(requestor)
	deliveryTime := e.stamp(line.Timestamp, e.latency(replay, e.tagLatency))

	sent := false
	for _, sharer := range line.Sharers() {
		if sharer == requestor {
			continue
		}

		cmd := coherence.CmdInv
		if needFetch {
			cmd = coherence.CmdFetchInv
			needFetch = false
		}

		inv := e.buildInv(cmd, line, sharer, origRqstr)
		e.out.queueToTop(inv, deliveryTime)
		e.mshr.IncrementAcksNeeded(line.BaseAddr)
		sent = true
	}

	if sent {
		line.Timestamp = deliveryTime
	}

	return sent
}

// sendFetchInv recalls and invalidates the block, targeting the owner when
// one exists and the oldest sharer otherwise.
func (e *engine) sendFetchInv(
	line *directory.Line,
	rqstr sim.RemotePort,
	replay bool,
) {
	dst := line.Owner()
	if dst == "" {
		dst = line.FirstSharer()
	}

	fetch := e.buildInv(coherence.CmdFetchInv, line, dst, rqstr)
	deliveryTime := e.stamp(line.Timestamp, e.latency(replay, e.tagLatency))
	e.out.queueToTop(fetch, deliveryTime)
	line.Timestamp = deliveryTime
}

// sendFetchInvX downgrades the owner to a sharer and recalls the data.
func (e *engine) sendFetchInvX(
	line *directory.Line,
	rqstr sim.RemotePort,
	replay bool,
) {
	fetch := e.buildInv(coherence.CmdFetchInvX, line, line.Owner(), rqstr)
	deliveryTime := e.stamp(line.Timestamp, e.latency(replay, e.tagLatency))
	e.out.queueToTop(fetch, deliveryTime)
	line.Timestamp = deliveryTime
}

// sendFetch asks the oldest sharer for a copy of the data.
func (e *engine) sendFetch(
	line *directory.Line,
	rqstr sim.RemotePort,
	replay bool,
) {
	fetch := e.buildInv(coherence.CmdFetch, line, line.FirstSharer(), rqstr)
	deliveryTime := e.stamp(line.Timestamp, e.tagLatency)
	e.out.queueToTop(fetch, deliveryTime)
	line.Timestamp = deliveryTime
}

// sendForceInv drops the owner's copy without recalling the data.
func (e *engine) sendForceInv(
	line *directory.Line,
	rqstr sim.RemotePort,
	replay bool,
) {
	inv := e.buildInv(coherence.CmdForceInv, line, line.Owner(), rqstr)
	deliveryTime := e.stamp(line.Timestamp, e.latency(replay, e.tagLatency))
	e.out.queueToTop(inv, deliveryTime)
	line.Timestamp = deliveryTime
}

func (e *engine) buildNACK(
	orig *coherence.Memo,
	src sim.RemotePort,
) *coherence.Memo {
	return coherence.MemoBuilder{}.
		WithSrc(src).
		WithDst(orig.Src).
		WithRqstr(orig.Rqstr).
		WithCmd(coherence.CmdNACK).
		WithBaseAddr(orig.BaseAddr).
		WithAddr(orig.Addr).
		WithRespKey(orig.ID).
		WithWrapped(orig).
		Build()
}

// sendNACKUp rejects a child message that cannot be buffered.
func (e *engine) sendNACKUp(orig *coherence.Memo) {
	nack := e.buildNACK(orig, e.top)
	deliveryTime := e.freq.NCyclesLater(e.tagLatency, e.now())
	e.out.queueToTop(nack, deliveryTime)
}

// sendNACKDown rejects a parent message that cannot be buffered.
func (e *engine) sendNACKDown(orig *coherence.Memo) {
	nack := e.buildNACK(orig, e.bottom)
	deliveryTime := e.freq.NCyclesLater(e.tagLatency, e.now())
	e.out.queueToBottom(nack, deliveryTime)
}

// resend retries a message that a peer rejected, in its original direction.
func (e *engine) resend(memo *coherence.Memo) {
	deliveryTime := e.freq.NCyclesLater(e.mshrLatency, e.now())

	if memo.Src == e.top {
		e.out.queueToTop(memo, deliveryTime)
		return
	}

	e.out.queueToBottom(memo, deliveryTime)
}
