package dircache

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/mem/dircache/internal/directory"
	"github.com/sarchlab/mesidir/mem/dircache/internal/mshr"
	"github.com/sarchlab/mesidir/sim"
)

const (
	testTop    = sim.RemotePort("Directory.Top")
	testBottom = sim.RemotePort("Directory.Bottom")
	testParent = sim.RemotePort("MemCtrl.Top")
	child0     = sim.RemotePort("Child0.Port")
	child1     = sim.RemotePort("Child1.Port")
)

type fakeTimeTeller struct {
	time sim.VTimeInSec
}

func (t *fakeTimeTeller) CurrentTime() sim.VTimeInSec {
	return t.time
}

type recordingListener struct {
	memos   []*coherence.Memo
	classes []MissClass
}

func (l *recordingListener) NotifyAccess(
	memo *coherence.Memo,
	class MissClass,
) {
	l.memos = append(l.memos, memo)
	l.classes = append(l.classes, class)
}

func newTestEngine() (*engine, *fakeTimeTeller) {
	tt := &fakeTimeTeller{}
	e := &engine{
		timeTeller: tt,
		freq:       1 * sim.GHz,
		top:        testTop,
		bottom:     testBottom,
		parent:     testParent,
		dir: directory.NewArray(4, 4, 2, 4,
			directory.NewLRUVictimFinder()),
		mshr:          mshr.New(8),
		out:           &outbound{packetHeaderBytes: 4},
		lineSize:      4,
		protocolMES:   true,
		tagLatency:    1,
		accessLatency: 4,
		mshrLatency:   1,
	}

	return e, tt
}

func installLine(
	e *engine,
	addr uint64,
	state coherence.State,
	cached bool,
) *directory.Line {
	victim := e.dir.FindVictim(addr)
	line := e.dir.Replace(addr, victim, cached)
	line.State = state

	return line
}

func childMsg(
	src sim.RemotePort,
	cmd coherence.Command,
	addr uint64,
) *coherence.Memo {
	return coherence.MemoBuilder{}.
		WithSrc(src).
		WithDst(testTop).
		WithRqstr(src).
		WithCmd(cmd).
		WithBaseAddr(addr).
		WithAddr(addr).
		WithAccessSize(4).
		Build()
}

func parentMsg(
	cmd coherence.Command,
	addr uint64,
	payload []byte,
) *coherence.Memo {
	return coherence.MemoBuilder{}.
		WithSrc(testParent).
		WithDst(testBottom).
		WithRqstr(child0).
		WithCmd(cmd).
		WithBaseAddr(addr).
		WithAddr(addr).
		WithAccessSize(4).
		WithPayload(payload).
		Build()
}

var _ = Describe("Protocol Engine", func() {
	var (
		e  *engine
		tt *fakeTimeTeller
	)

	BeforeEach(func() {
		e, tt = newTestEngine()
	})

	Context("read requests", func() {
		It("should forward a read for an untracked block to the parent", func() {
			req := childMsg(child0, coherence.CmdGetS, 0x40)

			action := e.handleRequest(req, false)

			Expect(action).To(Equal(ActionStall))

			line := e.dir.Lookup(0x40, false)
			Expect(line).NotTo(BeNil())
			Expect(line.State).To(Equal(coherence.StateIS))

			Expect(e.out.toBottom).To(HaveLen(1))
			Expect(e.out.toBottom[0].Cmd).To(Equal(coherence.CmdGetS))
			Expect(e.out.toBottom[0].Dst).To(Equal(testParent))
			Expect(e.out.toBottom[0].RespKey).To(Equal(req.ID))

			Expect(e.mshr.IsHit(0x40)).To(BeTrue())
		})

		It("should add a sharer when the parent returns shared data", func() {
			req := childMsg(child0, coherence.CmdGetS, 0x40)
			e.handleRequest(req, false)
			e.out.toBottom = nil

			resp := parentMsg(coherence.CmdGetSResp, 0x40,
				[]byte{1, 2, 3, 4})
			action := e.handleResponse(resp)

			Expect(action).To(Equal(ActionDone))

			line := e.dir.Lookup(0x40, false)
			Expect(line.State).To(Equal(coherence.StateS))
			Expect(line.IsSharer(child0)).To(BeTrue())
			Expect(line.HasOwner()).To(BeFalse())

			Expect(e.out.toTop).To(HaveLen(1))
			Expect(e.out.toTop[0].Cmd).To(Equal(coherence.CmdGetSResp))
			Expect(e.out.toTop[0].Dst).To(Equal(child0))
			Expect(e.out.toTop[0].Payload).To(Equal([]byte{1, 2, 3, 4}))

			Expect(e.mshr.IsHit(0x40)).To(BeFalse())
		})

		It("should grant exclusive ownership when the parent data is unshared",
			func() {
				req := childMsg(child0, coherence.CmdGetS, 0x40)
				e.handleRequest(req, false)
				e.out.toBottom = nil

				resp := parentMsg(coherence.CmdGetXResp, 0x40,
					[]byte{1, 2, 3, 4})
				action := e.handleResponse(resp)

				Expect(action).To(Equal(ActionDone))

				line := e.dir.Lookup(0x40, false)
				Expect(line.State).To(Equal(coherence.StateE))
				Expect(line.Owner()).To(Equal(child0))
				Expect(line.NumSharers()).To(Equal(0))

				Expect(e.out.toTop).To(HaveLen(1))
				Expect(e.out.toTop[0].Cmd).To(Equal(coherence.CmdGetXResp))
			})

		It("should serve a read of a cached shared block directly", func() {
			line := installLine(e, 0x40, coherence.StateS, true)
			line.AddSharer(child0)
			copy(line.Data.Bytes, []byte{9, 9, 9, 9})

			req := childMsg(child1, coherence.CmdGetS, 0x40)
			action := e.handleRequest(req, false)

			Expect(action).To(Equal(ActionDone))
			Expect(line.IsSharer(child1)).To(BeTrue())
			Expect(e.out.toBottom).To(BeEmpty())
			Expect(e.out.toTop).To(HaveLen(1))
			Expect(e.out.toTop[0].Payload).To(Equal([]byte{9, 9, 9, 9}))
		})

		It("should fetch from a sharer when the block is not cached locally",
			func() {
				line := installLine(e, 0x40, coherence.StateS, false)
				line.AddSharer(child0)

				req := childMsg(child1, coherence.CmdGetS, 0x40)
				action := e.handleRequest(req, false)

				Expect(action).To(Equal(ActionStall))
				Expect(line.State).To(Equal(coherence.StateSD))
				Expect(e.mshr.AcksNeeded(0x40)).To(Equal(1))

				Expect(e.out.toTop).To(HaveLen(1))
				Expect(e.out.toTop[0].Cmd).To(Equal(coherence.CmdFetch))
				Expect(e.out.toTop[0].Dst).To(Equal(child0))
			})

		It("should answer the blocked read when the fetched data returns",
			func() {
				line := installLine(e, 0x40, coherence.StateS, false)
				line.AddSharer(child0)

				req := childMsg(child1, coherence.CmdGetS, 0x40)
				e.handleRequest(req, false)
				e.out.toTop = nil

				resp := coherence.MemoBuilder{}.
					WithSrc(child0).
					WithDst(testTop).
					WithRqstr(child1).
					WithCmd(coherence.CmdFetchResp).
					WithBaseAddr(0x40).
					WithAddr(0x40).
					WithPayload([]byte{5, 6, 7, 8}).
					Build()
				action := e.handleFetchResponse(resp)

				Expect(action).To(Equal(ActionDone))
				Expect(line.State).To(Equal(coherence.StateS))
				Expect(line.IsSharer(child1)).To(BeTrue())

				Expect(e.out.toTop).To(HaveLen(1))
				Expect(e.out.toTop[0].Cmd).To(Equal(coherence.CmdGetSResp))
				Expect(e.out.toTop[0].Dst).To(Equal(child1))
				Expect(e.out.toTop[0].Payload).To(Equal([]byte{5, 6, 7, 8}))

				Expect(e.mshr.IsHit(0x40)).To(BeFalse())
			})

		It("should recall the owner's copy before sharing it", func() {
			line := installLine(e, 0x40, coherence.StateE, false)
			line.SetOwner(child0)

			req := childMsg(child1, coherence.CmdGetS, 0x40)
			action := e.handleRequest(req, false)

			Expect(action).To(Equal(ActionStall))
			Expect(line.State).To(Equal(coherence.StateEInvX))

			Expect(e.out.toTop).To(HaveLen(1))
			Expect(e.out.toTop[0].Cmd).To(Equal(coherence.CmdFetchInvX))
			Expect(e.out.toTop[0].Dst).To(Equal(child0))
		})
	})

	Context("write requests", func() {
		It("should invalidate the other sharers before granting ownership",
			func() {
				line := installLine(e, 0x40, coherence.StateS, true)
				line.AddSharer(child0)
				line.AddSharer(child1)

				req := childMsg(child0, coherence.CmdGetX, 0x40)
				action := e.handleRequest(req, false)

				Expect(action).To(Equal(ActionStall))
				Expect(line.State).To(Equal(coherence.StateSMInv))
				Expect(e.mshr.AcksNeeded(0x40)).To(Equal(1))

				Expect(e.out.toBottom).To(HaveLen(1))
				Expect(e.out.toBottom[0].Cmd).To(Equal(coherence.CmdGetX))

				Expect(e.out.toTop).To(HaveLen(1))
				Expect(e.out.toTop[0].Cmd).To(Equal(coherence.CmdInv))
				Expect(e.out.toTop[0].Dst).To(Equal(child1))
			})

		It("should complete the write after the data and the acks arrive",
			func() {
				line := installLine(e, 0x40, coherence.StateS, true)
				line.AddSharer(child0)
				line.AddSharer(child1)

				req := childMsg(child0, coherence.CmdGetX, 0x40)
				e.handleRequest(req, false)
				e.out.toTop = nil
				e.out.toBottom = nil

				resp := parentMsg(coherence.CmdGetXResp, 0x40,
					[]byte{1, 2, 3, 4})
				action := e.handleResponse(resp)

				Expect(action).To(Equal(ActionStall))
				Expect(line.State).To(Equal(coherence.StateMInv))

				ack := coherence.MemoBuilder{}.
					WithSrc(child1).
					WithDst(testTop).
					WithRqstr(child0).
					WithCmd(coherence.CmdAckInv).
					WithBaseAddr(0x40).
					WithAddr(0x40).
					Build()
				action = e.handleFetchResponse(ack)

				Expect(action).To(Equal(ActionDone))
				Expect(line.State).To(Equal(coherence.StateM))
				Expect(line.Owner()).To(Equal(child0))
				Expect(line.NumSharers()).To(Equal(0))

				Expect(e.out.toTop).To(HaveLen(1))
				Expect(e.out.toTop[0].Cmd).To(Equal(coherence.CmdGetXResp))
				Expect(e.out.toTop[0].Dst).To(Equal(child0))

				Expect(e.mshr.IsHit(0x40)).To(BeFalse())
			})

		It("should grant a write on a shared line locally at the last level",
			func() {
				e.lastLevel = true
				line := installLine(e, 0x40, coherence.StateS, true)
				line.AddSharer(child0)

				req := childMsg(child0, coherence.CmdGetX, 0x40)
				action := e.handleRequest(req, false)

				Expect(action).To(Equal(ActionDone))
				Expect(line.State).To(Equal(coherence.StateM))
				Expect(line.Owner()).To(Equal(child0))
				Expect(line.NumSharers()).To(Equal(0))

				Expect(e.out.toBottom).To(BeEmpty())
				Expect(e.out.toTop).To(HaveLen(1))
				Expect(e.out.toTop[0].Cmd).To(Equal(coherence.CmdGetXResp))
			})
	})

	Context("writebacks", func() {
		It("should acknowledge a dirty writeback into the data array", func() {
			line := installLine(e, 0x40, coherence.StateM, true)
			line.SetOwner(child0)

			put := childMsg(child0, coherence.CmdPutM, 0x40)
			put.Payload = []byte{7, 7, 7, 7}
			put.Dirty = true

			action := e.handleReplacement(put, false)

			Expect(action).To(Equal(ActionDone))
			Expect(line.State).To(Equal(coherence.StateM))
			Expect(line.HasOwner()).To(BeFalse())
			Expect(line.Data.Bytes).To(Equal([]byte{7, 7, 7, 7}))

			Expect(e.out.toTop).To(HaveLen(1))
			Expect(e.out.toTop[0].Cmd).To(Equal(coherence.CmdAckPut))
			Expect(e.out.toTop[0].Dst).To(Equal(child0))

			Expect(e.out.toBottom).To(BeEmpty())
		})

		It("should recall and write back a dirty block on eviction", func() {
			line := installLine(e, 0x40, coherence.StateM, false)
			line.SetOwner(child0)

			action := e.handleEviction(line, false)

			Expect(action).To(Equal(ActionStall))
			Expect(line.State).To(Equal(coherence.StateMI))
			Expect(e.out.toTop).To(HaveLen(1))
			Expect(e.out.toTop[0].Cmd).To(Equal(coherence.CmdFetchInv))
			e.out.toTop = nil

			resp := coherence.MemoBuilder{}.
				WithSrc(child0).
				WithDst(testTop).
				WithRqstr(child0).
				WithCmd(coherence.CmdFetchResp).
				WithBaseAddr(0x40).
				WithAddr(0x40).
				WithPayload([]byte{3, 3, 3, 3}).
				WithDirty(true).
				Build()
			action = e.handleFetchResponse(resp)

			Expect(action).To(Equal(ActionDone))
			Expect(line.State).To(Equal(coherence.StateI))

			Expect(e.out.toBottom).To(HaveLen(1))
			Expect(e.out.toBottom[0].Cmd).To(Equal(coherence.CmdPutM))
			Expect(e.out.toBottom[0].Dst).To(Equal(testParent))
			Expect(e.out.toBottom[0].Payload).To(Equal([]byte{3, 3, 3, 3}))
		})
	})

	Context("parent invalidations", func() {
		It("should invalidate every sharer before answering the parent",
			func() {
				line := installLine(e, 0x40, coherence.StateS, true)
				line.AddSharer(child0)
				line.AddSharer(child1)

				inv := parentMsg(coherence.CmdInv, 0x40, nil)
				action := e.handleInvalidation(inv, false)

				Expect(action).To(Equal(ActionStall))
				Expect(line.State).To(Equal(coherence.StateSInv))
				Expect(e.mshr.AcksNeeded(0x40)).To(Equal(2))

				Expect(e.out.toTop).To(HaveLen(2))
				Expect(e.out.toTop[0].Cmd).To(Equal(coherence.CmdInv))
				Expect(e.out.toTop[1].Cmd).To(Equal(coherence.CmdInv))

				item, found := e.mshr.Front(0x40)
				Expect(found).To(BeTrue())
				Expect(item.Memo).To(BeIdenticalTo(inv))
				e.out.toTop = nil

				ack0 := childMsg(child0, coherence.CmdAckInv, 0x40)
				Expect(e.handleFetchResponse(ack0)).To(Equal(ActionIgnore))

				ack1 := childMsg(child1, coherence.CmdAckInv, 0x40)
				Expect(e.handleFetchResponse(ack1)).To(Equal(ActionDone))

				Expect(line.State).To(Equal(coherence.StateI))
				Expect(e.out.toBottom).To(HaveLen(1))
				Expect(e.out.toBottom[0].Cmd).To(Equal(coherence.CmdAckInv))
				Expect(e.out.toBottom[0].Dst).To(Equal(testParent))

				Expect(e.mshr.IsHit(0x40)).To(BeFalse())
			})

		It("should treat an invalidation as the ack of a racing writeback",
			func() {
				e.expectWritebackAck = true
				e.mshr.InsertWriteback(0x40)

				inv := parentMsg(coherence.CmdInv, 0x40, nil)
				action := e.handleInvalidation(inv, false)

				Expect(action).To(Equal(ActionDone))
				Expect(e.mshr.PendingWriteback(0x40)).To(BeFalse())
				Expect(e.out.toTop).To(BeEmpty())
				Expect(e.out.toBottom).To(BeEmpty())
			})

		It("should reject a parent invalidation when no register is free",
			func() {
				small, _ := newTestEngine()
				small.mshr = mshr.New(1)
				err := small.mshr.Insert(0x100,
					childMsg(child0, coherence.CmdGetS, 0x100))
				Expect(err).To(BeNil())

				inv := parentMsg(coherence.CmdFetchInv, 0x40, nil)
				action := small.handleInvalidation(inv, false)

				Expect(action).To(Equal(ActionDone))
				Expect(small.out.toBottom).To(HaveLen(1))
				Expect(small.out.toBottom[0].Cmd).To(Equal(coherence.CmdNACK))
				Expect(small.out.toBottom[0].Wrapped).To(BeIdenticalTo(inv))
			})
	})

	Context("flushes", func() {
		It("should forward a flush and answer it on the parent response",
			func() {
				line := installLine(e, 0x40, coherence.StateM, false)
				line.SetOwner(child0)

				flush := childMsg(child0, coherence.CmdFlushLineInv, 0x40)
				flush.Payload = []byte{2, 2, 2, 2}
				flush.Dirty = true

				action := e.handleFlush(flush, false)

				Expect(action).To(Equal(ActionStall))
				Expect(line.State).To(Equal(coherence.StateIB))
				Expect(line.HasOwner()).To(BeFalse())

				Expect(e.out.toBottom).To(HaveLen(1))
				Expect(e.out.toBottom[0].Cmd).
					To(Equal(coherence.CmdFlushLineInv))
				Expect(e.out.toBottom[0].Payload).
					To(Equal([]byte{2, 2, 2, 2}))
				Expect(e.out.toBottom[0].Dirty).To(BeTrue())
				e.out.toBottom = nil

				resp := parentMsg(coherence.CmdFlushLineResp, 0x40, nil)
				resp.Success = true
				action = e.handleResponse(resp)

				Expect(action).To(Equal(ActionDone))
				Expect(line.State).To(Equal(coherence.StateI))

				Expect(e.out.toTop).To(HaveLen(1))
				Expect(e.out.toTop[0].Cmd).
					To(Equal(coherence.CmdFlushLineResp))
				Expect(e.out.toTop[0].Dst).To(Equal(child0))
				Expect(e.out.toTop[0].Success).To(BeTrue())

				Expect(e.mshr.IsHit(0x40)).To(BeFalse())
			})
	})

	Context("negative acknowledgements", func() {
		It("should retry a rejected recall while the target holds the block",
			func() {
				line := installLine(e, 0x40, coherence.StateS, false)
				line.AddSharer(child0)

				fetch := e.buildInv(coherence.CmdFetch, line, child0, child1)
				nack := e.buildNACK(fetch, child0)

				action := e.handleNACK(nack)

				Expect(action).To(Equal(ActionDone))
				Expect(e.out.toTop).To(HaveLen(1))
				Expect(e.out.toTop[0]).To(BeIdenticalTo(fetch))
			})

		It("should drop a rejected recall when the target gave up the block",
			func() {
				line := installLine(e, 0x40, coherence.StateS, false)
				line.AddSharer(child0)

				fetch := e.buildInv(coherence.CmdFetch, line, child0, child1)
				line.RemoveSharer(child0)
				nack := e.buildNACK(fetch, child0)

				action := e.handleNACK(nack)

				Expect(action).To(Equal(ActionDone))
				Expect(e.out.toTop).To(BeEmpty())
			})
	})

	Context("evictions with in-flight work", func() {
		It("should defer an allocation behind a victim that must wait", func() {
			for _, addr := range []uint64{0x0, 0x10, 0x20, 0x30} {
				line := installLine(e, addr, coherence.StateS, false)
				line.AddSharer(child0)
			}

			req := childMsg(child1, coherence.CmdGetS, 0x40)
			action := e.handleRequest(req, false)

			Expect(action).To(Equal(ActionStall))
			Expect(e.dir.Lookup(0x40, false)).To(BeNil())

			victim := e.dir.Lookup(0x0, false)
			Expect(victim.State).To(Equal(coherence.StateSI))

			item, found := e.mshr.Front(0x0)
			Expect(found).To(BeTrue())
			Expect(item.IsPtr).To(BeTrue())
			Expect(item.PtrAddr).To(Equal(uint64(0x40)))

			item, found = e.mshr.Front(0x40)
			Expect(found).To(BeTrue())
			Expect(item.Memo).To(BeIdenticalTo(req))
		})
	})

	Context("timing", func() {
		It("should serialize sends on a line after its previous send", func() {
			line := installLine(e, 0x40, coherence.StateS, true)
			line.AddSharer(child0)
			line.Timestamp = e.freq.NCyclesLater(10, 0)

			req := childMsg(child1, coherence.CmdGetS, 0x40)
			e.handleRequest(req, false)

			expected := e.freq.NCyclesLater(
				e.accessLatency, e.freq.NCyclesLater(10, 0))
			Expect(e.out.toTop).To(HaveLen(1))
			Expect(e.out.toTop[0].SendTime).To(Equal(expected))
			Expect(line.Timestamp).To(Equal(expected))
		})

		It("should use the shorter latency when replaying an event", func() {
			tt.time = e.freq.NCyclesLater(20, 0)
			line := installLine(e, 0x40, coherence.StateS, true)
			line.AddSharer(child0)

			req := childMsg(child1, coherence.CmdGetS, 0x40)
			Expect(e.mshr.Insert(0x40, req)).To(Succeed())
			e.handleRequest(req, true)

			expected := e.freq.NCyclesLater(e.mshrLatency, tt.time)
			Expect(e.out.toTop).To(HaveLen(1))
			Expect(e.out.toTop[0].SendTime).To(Equal(expected))
		})

		It("should keep the outbound queue sorted by send time", func() {
			o := &outbound{}

			late := childMsg(child0, coherence.CmdGetSResp, 0x0)
			early := childMsg(child0, coherence.CmdGetSResp, 0x10)

			o.queueToTop(late, 5e-9)
			o.queueToTop(early, 2e-9)

			Expect(o.toTop).To(HaveLen(2))
			Expect(o.toTop[0]).To(BeIdenticalTo(early))
			Expect(o.toTop[1]).To(BeIdenticalTo(late))
		})
	})

	Context("access classification", func() {
		It("should classify accesses for the listeners", func() {
			listener := &recordingListener{}
			e.listeners = append(e.listeners, listener)

			req := childMsg(child0, coherence.CmdGetS, 0x40)
			e.handleRequest(req, false)

			Expect(listener.memos).To(HaveLen(1))
			Expect(listener.classes).To(
				Equal([]MissClass{MissClassNotPresent}))
		})

		It("should report hits and wrong states", func() {
			line := installLine(e, 0x40, coherence.StateS, true)
			line.AddSharer(child0)

			read := childMsg(child1, coherence.CmdGetS, 0x40)
			Expect(e.missClass(read)).To(Equal(MissClassHit))

			write := childMsg(child1, coherence.CmdGetX, 0x40)
			Expect(e.missClass(write)).To(Equal(MissClassWrongState))
		})

		It("should report a transient line as pending", func() {
			installLine(e, 0x40, coherence.StateIS, false)

			req := childMsg(child0, coherence.CmdGetS, 0x40)
			Expect(e.missClass(req)).To(Equal(MissClassPending))
		})

		It("should let a write through at the last level when only the "+
			"writer shares the line", func() {
			e.lastLevel = true
			line := installLine(e, 0x40, coherence.StateS, true)
			line.AddSharer(child0)

			write := childMsg(child0, coherence.CmdGetX, 0x40)
			Expect(e.missClass(write)).To(Equal(MissClassHit))
		})
	})
})
