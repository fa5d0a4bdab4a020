package dircache

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/sim"
)

func queuePut(
	e *engine,
	src sim.RemotePort,
	cmd coherence.Command,
	addr uint64,
	payload []byte,
	dirty bool,
) *coherence.Memo {
	put := childMsg(src, cmd, addr)
	put.Payload = payload
	put.Dirty = dirty

	Expect(e.mshr.Insert(addr, put)).To(Succeed())

	return put
}

var _ = Describe("Writeback Races", func() {
	var (
		e *engine
	)

	BeforeEach(func() {
		e, _ = newTestEngine()
	})

	Context("replacements racing with parent invalidations", func() {
		It("should consume a queued clean writeback as the invalidation ack",
			func() {
				line := installLine(e, 0x40, coherence.StateS, false)
				line.AddSharer(child0)
				queuePut(e, child0, coherence.CmdPutS, 0x40,
					[]byte{1, 1, 1, 1}, false)

				inv := parentMsg(coherence.CmdInv, 0x40, nil)
				action := e.handleInvalidation(inv, false)

				Expect(action).To(Equal(ActionDone))
				Expect(line.State).To(Equal(coherence.StateI))
				Expect(line.NumSharers()).To(Equal(0))

				Expect(e.out.toBottom).To(HaveLen(1))
				Expect(e.out.toBottom[0].Cmd).To(Equal(coherence.CmdAckInv))
				Expect(e.out.toBottom[0].Dst).To(Equal(testParent))

				Expect(e.out.toTop).To(HaveLen(1))
				Expect(e.out.toTop[0].Cmd).To(Equal(coherence.CmdInv))
				Expect(e.out.toTop[0].Dst).To(Equal(child0))

				Expect(e.mshr.Exists(0x40)).To(BeFalse())
			})

		It("should demote a racing owner writeback when the parent downgrades",
			func() {
				line := installLine(e, 0x40, coherence.StateE, false)
				line.SetOwner(child0)
				put := queuePut(e, child0, coherence.CmdPutM, 0x40,
					[]byte{9, 8, 7, 6}, true)

				fx := parentMsg(coherence.CmdFetchInvX, 0x40, nil)
				action := e.handleInvalidation(fx, false)

				Expect(action).To(Equal(ActionDone))
				Expect(line.State).To(Equal(coherence.StateS))
				Expect(line.HasOwner()).To(BeFalse())
				Expect(line.IsSharer(child0)).To(BeTrue())

				Expect(e.out.toBottom).To(HaveLen(1))
				Expect(e.out.toBottom[0].Cmd).
					To(Equal(coherence.CmdFetchXResp))
				Expect(e.out.toBottom[0].Payload).
					To(Equal([]byte{9, 8, 7, 6}))
				Expect(e.out.toBottom[0].Dirty).To(BeTrue())

				item, found := e.mshr.Front(0x40)
				Expect(found).To(BeTrue())
				Expect(item.Memo).To(BeIdenticalTo(put))
				Expect(put.Cmd).To(Equal(coherence.CmdPutS))
			})

		It("should answer a recall with the data a queued writeback carries",
			func() {
				line := installLine(e, 0x40, coherence.StateS, false)
				line.AddSharer(child0)
				queuePut(e, child0, coherence.CmdPutS, 0x40,
					[]byte{1, 2, 3, 4}, false)

				fetch := parentMsg(coherence.CmdFetch, 0x40, nil)
				action := e.handleInvalidation(fetch, false)

				Expect(action).To(Equal(ActionDone))
				Expect(line.State).To(Equal(coherence.StateS))
				Expect(line.IsSharer(child0)).To(BeTrue())

				Expect(e.out.toBottom).To(HaveLen(1))
				Expect(e.out.toBottom[0].Cmd).To(Equal(coherence.CmdFetchResp))
				Expect(e.out.toBottom[0].Payload).
					To(Equal([]byte{1, 2, 3, 4}))

				Expect(e.out.toTop).To(BeEmpty())
				Expect(e.mshr.IsHit(0x40)).To(BeTrue())
			})

		It("should retire a queued writeback before honoring a forced "+
			"invalidation", func() {
			line := installLine(e, 0x40, coherence.StateM, false)
			line.SetOwner(child0)
			queuePut(e, child0, coherence.CmdPutM, 0x40,
				[]byte{5, 5, 5, 5}, true)

			finv := parentMsg(coherence.CmdForceInv, 0x40, nil)
			action := e.handleInvalidation(finv, false)

			Expect(action).To(Equal(ActionDone))
			Expect(line.State).To(Equal(coherence.StateI))
			Expect(line.HasOwner()).To(BeFalse())

			Expect(e.out.toTop).To(HaveLen(1))
			Expect(e.out.toTop[0].Cmd).To(Equal(coherence.CmdAckPut))
			Expect(e.out.toTop[0].Dst).To(Equal(child0))

			Expect(e.out.toBottom).To(HaveLen(1))
			Expect(e.out.toBottom[0].Cmd).To(Equal(coherence.CmdAckInv))

			Expect(e.mshr.Exists(0x40)).To(BeFalse())
		})
	})

	Context("replacements racing with evictions", func() {
		It("should write back from the buffered copy when the owner's "+
			"writeback collides with an eviction", func() {
			line := installLine(e, 0x40, coherence.StateM, false)
			line.SetOwner(child0)
			queuePut(e, child0, coherence.CmdPutM, 0x40,
				[]byte{4, 4, 4, 4}, true)

			action := e.handleEviction(line, false)

			Expect(action).To(Equal(ActionDone))
			Expect(line.State).To(Equal(coherence.StateI))
			Expect(line.HasOwner()).To(BeFalse())

			Expect(e.out.toBottom).To(HaveLen(1))
			Expect(e.out.toBottom[0].Cmd).To(Equal(coherence.CmdPutM))
			Expect(e.out.toBottom[0].Dst).To(Equal(testParent))
			Expect(e.out.toBottom[0].Payload).To(Equal([]byte{4, 4, 4, 4}))
			Expect(e.out.toBottom[0].Dirty).To(BeTrue())

			Expect(e.out.toTop).To(BeEmpty())
			Expect(e.mshr.Exists(0x40)).To(BeFalse())
		})

		It("should hold the writeback marker until the parent acknowledges",
			func() {
				e.expectWritebackAck = true

				line := installLine(e, 0x40, coherence.StateM, false)
				line.SetOwner(child0)
				queuePut(e, child0, coherence.CmdPutM, 0x40,
					[]byte{4, 4, 4, 4}, true)

				action := e.handleEviction(line, false)

				Expect(action).To(Equal(ActionDone))
				Expect(e.mshr.PendingWriteback(0x40)).To(BeTrue())

				inv := parentMsg(coherence.CmdInv, 0x40, nil)
				action = e.handleInvalidation(inv, false)

				Expect(action).To(Equal(ActionDone))
				Expect(e.mshr.PendingWriteback(0x40)).To(BeFalse())
				Expect(e.mshr.Exists(0x40)).To(BeFalse())
			})
	})
})
