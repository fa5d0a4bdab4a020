package main

import (
	"log"
	"math/rand"

	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/sim"
)

type queuedMsg struct {
	memo    *coherence.Memo
	readyAt sim.VTimeInSec
}

// memCtrl is an ideal memory that backs the directory. It answers every
// request after a fixed latency.
type memCtrl struct {
	*sim.TickingComponent

	topPort sim.Port

	latency      int
	lineSize     int
	ackWriteback bool

	storage map[uint64][]byte
	pending []queuedMsg
}

func newMemCtrl(
	name string,
	engine sim.Engine,
	freq sim.Freq,
	latency, lineSize int,
	ackWriteback bool,
) *memCtrl {
	m := &memCtrl{
		latency:      latency,
		lineSize:     lineSize,
		ackWriteback: ackWriteback,
		storage:      make(map[uint64][]byte),
	}
	m.TickingComponent = sim.NewTickingComponent(name, engine, freq, m)
	m.topPort = sim.NewPort(m, 8, 8, name+".Top")
	m.AddPort("Top", m.topPort)

	return m
}

func (m *memCtrl) Tick() bool {
	madeProgress := false

	madeProgress = m.sendPending() || madeProgress
	madeProgress = m.processIncoming() || madeProgress

	return madeProgress
}

func (m *memCtrl) sendPending() bool {
	now := m.Engine.CurrentTime()
	madeProgress := false

	for len(m.pending) > 0 {
		head := m.pending[0]
		if head.readyAt > now {
			return true
		}

		err := m.topPort.Send(head.memo)
		if err != nil {
			return madeProgress
		}

		m.pending = m.pending[1:]
		madeProgress = true
	}

	return madeProgress
}

func (m *memCtrl) lineAt(addr uint64) []byte {
	data, found := m.storage[addr]
	if !found {
		data = make([]byte, m.lineSize)
		m.storage[addr] = data
	}

	return data
}

func (m *memCtrl) reply(
	req *coherence.Memo,
	cmd coherence.Command,
) coherence.MemoBuilder {
	return coherence.MemoBuilder{}.
		WithSrc(m.topPort.AsRemote()).
		WithDst(req.Src).
		WithRqstr(req.Rqstr).
		WithCmd(cmd).
		WithBaseAddr(req.BaseAddr).
		WithAddr(req.Addr).
		WithAccessSize(req.AccessSize).
		WithRespKey(req.ID)
}

func (m *memCtrl) enqueue(memo *coherence.Memo) {
	readyAt := m.Freq.NCyclesLater(m.latency, m.Engine.CurrentTime())
	m.pending = append(m.pending, queuedMsg{memo: memo, readyAt: readyAt})
}

func (m *memCtrl) processIncoming() bool {
	msg := m.topPort.PeekIncoming()
	if msg == nil {
		return false
	}

	memo := msg.(*coherence.Memo)

	switch memo.Cmd {
	case coherence.CmdGetS, coherence.CmdGetX, coherence.CmdGetSX:
		data := m.lineAt(memo.BaseAddr)
		resp := m.reply(memo, memo.Cmd.ResponseCmd()).
			WithPayload(data).
			Build()
		m.enqueue(resp)

	case coherence.CmdPutS, coherence.CmdPutE, coherence.CmdPutM:
		if len(memo.Payload) > 0 {
			copy(m.lineAt(memo.BaseAddr), memo.Payload)
		}
		if m.ackWriteback {
			m.enqueue(m.reply(memo, coherence.CmdAckPut).Build())
		}

	case coherence.CmdFlushLine, coherence.CmdFlushLineInv:
		if memo.Dirty && len(memo.Payload) > 0 {
			copy(m.lineAt(memo.BaseAddr), memo.Payload)
		}
		resp := m.reply(memo, coherence.CmdFlushLineResp).
			WithSuccess(true).
			Build()
		m.enqueue(resp)

	default:
		log.Panicf("memory cannot handle %s", memo.Cmd)
	}

	m.topPort.RetrieveIncoming()

	return true
}

type agentLine struct {
	state byte
	data  []byte
}

// trafficAgent plays the role of a private cache above the directory. It
// issues randomized reads and writes and keeps just enough state to answer
// the directory's recalls.
type trafficAgent struct {
	*sim.TickingComponent

	port sim.Port
	dir  sim.RemotePort
	rng  *rand.Rand

	lineSize int
	numLines int

	lines   map[uint64]*agentLine
	pending map[uint64]coherence.Command
	toSend  []*coherence.Memo

	issued        int
	totalAccesses int
}

func newTrafficAgent(
	name string,
	engine sim.Engine,
	freq sim.Freq,
	dir sim.RemotePort,
	lineSize, numLines, totalAccesses int,
	seed int64,
) *trafficAgent {
	a := &trafficAgent{
		dir:           dir,
		rng:           rand.New(rand.NewSource(seed)),
		lineSize:      lineSize,
		numLines:      numLines,
		lines:         make(map[uint64]*agentLine),
		pending:       make(map[uint64]coherence.Command),
		totalAccesses: totalAccesses,
	}
	a.TickingComponent = sim.NewTickingComponent(name, engine, freq, a)
	a.port = sim.NewPort(a, 8, 8, name+".Port")
	a.AddPort("Port", a.port)

	return a
}

func (a *trafficAgent) Tick() bool {
	madeProgress := false

	madeProgress = a.sendQueued() || madeProgress
	madeProgress = a.processIncoming() || madeProgress
	madeProgress = a.issue() || madeProgress

	return madeProgress
}

func (a *trafficAgent) sendQueued() bool {
	madeProgress := false

	for len(a.toSend) > 0 {
		err := a.port.Send(a.toSend[0])
		if err != nil {
			return madeProgress
		}

		a.toSend = a.toSend[1:]
		madeProgress = true
	}

	return madeProgress
}

func (a *trafficAgent) reply(
	req *coherence.Memo,
	cmd coherence.Command,
) coherence.MemoBuilder {
	return coherence.MemoBuilder{}.
		WithSrc(a.port.AsRemote()).
		WithDst(req.Src).
		WithRqstr(req.Rqstr).
		WithCmd(cmd).
		WithBaseAddr(req.BaseAddr).
		WithAddr(req.BaseAddr).
		WithRespKey(req.ID)
}

func (a *trafficAgent) processIncoming() bool {
	msg := a.port.PeekIncoming()
	if msg == nil {
		return false
	}

	memo := msg.(*coherence.Memo)
	addr := memo.BaseAddr

	switch memo.Cmd {
	case coherence.CmdGetSResp:
		delete(a.pending, addr)
		a.lines[addr] = &agentLine{state: 'S', data: memo.Payload}

	case coherence.CmdGetXResp:
		wanted := a.pending[addr]
		delete(a.pending, addr)

		state := byte('E')
		if wanted == coherence.CmdGetX || wanted == coherence.CmdGetSX {
			state = 'M'
		}
		a.lines[addr] = &agentLine{state: state, data: memo.Payload}

	case coherence.CmdInv:
		delete(a.lines, addr)
		a.toSend = append(a.toSend,
			a.reply(memo, coherence.CmdAckInv).Build())

	case coherence.CmdFetch:
		line := a.lines[addr]
		if line == nil {
			a.nack(memo)
			break
		}
		a.toSend = append(a.toSend,
			a.reply(memo, coherence.CmdFetchResp).
				WithPayload(line.data).
				Build())

	case coherence.CmdFetchInv, coherence.CmdForceInv:
		line := a.lines[addr]
		if line == nil {
			a.nack(memo)
			break
		}

		delete(a.lines, addr)

		if memo.Cmd == coherence.CmdForceInv {
			a.toSend = append(a.toSend,
				a.reply(memo, coherence.CmdAckInv).Build())
			break
		}

		a.toSend = append(a.toSend,
			a.reply(memo, coherence.CmdFetchResp).
				WithPayload(line.data).
				WithDirty(line.state == 'M').
				Build())

	case coherence.CmdFetchInvX:
		line := a.lines[addr]
		if line == nil {
			a.nack(memo)
			break
		}

		dirty := line.state == 'M'
		line.state = 'S'
		a.toSend = append(a.toSend,
			a.reply(memo, coherence.CmdFetchXResp).
				WithPayload(line.data).
				WithDirty(dirty).
				Build())

	case coherence.CmdAckPut, coherence.CmdFlushLineResp:
		delete(a.pending, addr)

	case coherence.CmdNACK:
		a.toSend = append(a.toSend, memo.Wrapped)

	default:
		log.Panicf("agent cannot handle %s", memo.Cmd)
	}

	a.port.RetrieveIncoming()

	return true
}

func (a *trafficAgent) nack(memo *coherence.Memo) {
	a.toSend = append(a.toSend,
		a.reply(memo, coherence.CmdNACK).
			WithWrapped(memo).
			Build())
}

func (a *trafficAgent) request(addr uint64, cmd coherence.Command) {
	memo := coherence.MemoBuilder{}.
		WithSrc(a.port.AsRemote()).
		WithDst(a.dir).
		WithRqstr(a.port.AsRemote()).
		WithCmd(cmd).
		WithBaseAddr(addr).
		WithAddr(addr).
		WithAccessSize(uint64(a.lineSize)).
		Build()

	a.toSend = append(a.toSend, memo)
}

func (a *trafficAgent) issue() bool {
	if a.issued >= a.totalAccesses || len(a.pending) >= 4 {
		return false
	}

	addr := uint64(a.rng.Intn(a.numLines)) * uint64(a.lineSize)
	if _, busy := a.pending[addr]; busy {
		return false
	}

	line := a.lines[addr]

	switch {
	case line == nil:
		cmd := coherence.CmdGetS
		if a.rng.Intn(100) < 30 {
			cmd = coherence.CmdGetX
		}
		a.pending[addr] = cmd
		a.request(addr, cmd)

	case line.state == 'S':
		if a.rng.Intn(100) < 40 {
			a.pending[addr] = coherence.CmdGetX
			a.request(addr, coherence.CmdGetX)
		} else if a.rng.Intn(100) < 10 {
			delete(a.lines, addr)
			a.request(addr, coherence.CmdPutS)
		}

	case line.state == 'E', line.state == 'M':
		switch {
		case a.rng.Intn(100) < 50:
			line.state = 'M'
			a.fill(line)
		case a.rng.Intn(100) < 30:
			cmd := coherence.CmdPutE
			if line.state == 'M' {
				cmd = coherence.CmdPutM
			}
			a.writeback(addr, line, cmd)
		default:
			a.pending[addr] = coherence.CmdFlushLine
			a.flush(addr, line)
		}
	}

	a.issued++

	return true
}

func (a *trafficAgent) fill(line *agentLine) {
	if len(line.data) == 0 {
		line.data = make([]byte, a.lineSize)
	}
	a.rng.Read(line.data)
}

func (a *trafficAgent) writeback(
	addr uint64,
	line *agentLine,
	cmd coherence.Command,
) {
	delete(a.lines, addr)

	memo := coherence.MemoBuilder{}.
		WithSrc(a.port.AsRemote()).
		WithDst(a.dir).
		WithRqstr(a.port.AsRemote()).
		WithCmd(cmd).
		WithBaseAddr(addr).
		WithAddr(addr).
		WithAccessSize(uint64(a.lineSize)).
		WithPayload(line.data).
		WithDirty(cmd == coherence.CmdPutM).
		Build()

	a.toSend = append(a.toSend, memo)
}

func (a *trafficAgent) flush(addr uint64, line *agentLine) {
	dirty := line.state == 'M'
	delete(a.lines, addr)

	memo := coherence.MemoBuilder{}.
		WithSrc(a.port.AsRemote()).
		WithDst(a.dir).
		WithRqstr(a.port.AsRemote()).
		WithCmd(coherence.CmdFlushLineInv).
		WithBaseAddr(addr).
		WithAddr(addr).
		WithAccessSize(uint64(a.lineSize)).
		WithPayload(line.data).
		WithDirty(dirty).
		Build()

	a.toSend = append(a.toSend, memo)
}
