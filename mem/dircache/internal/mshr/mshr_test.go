package mshr_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/mem/dircache/internal/mshr"
)

func memo(cmd coherence.Command, addr uint64) *coherence.Memo {
	return coherence.MemoBuilder{}.
		WithCmd(cmd).
		WithBaseAddr(addr).
		Build()
}

var _ = Describe("MSHR", func() {
	var m mshr.MSHR

	BeforeEach(func() {
		m = mshr.New(4)
	})

	Context("queue ordering", func() {
		It("should serve messages in insertion order", func() {
			first := memo(coherence.CmdGetS, 0x100)
			second := memo(coherence.CmdGetX, 0x100)

			Expect(m.Insert(0x100, first)).To(Succeed())
			Expect(m.Insert(0x100, second)).To(Succeed())

			item, found := m.Front(0x100)
			Expect(found).To(BeTrue())
			Expect(item.Memo).To(BeIdenticalTo(first))

			m.RemoveFront(0x100)

			item, found = m.Front(0x100)
			Expect(found).To(BeTrue())
			Expect(item.Memo).To(BeIdenticalTo(second))

			m.RemoveFront(0x100)
			Expect(m.Exists(0x100)).To(BeFalse())
		})

		It("should place an InsertFront message at the head", func() {
			old := memo(coherence.CmdGetS, 0x100)
			urgent := memo(coherence.CmdPutM, 0x100)

			Expect(m.Insert(0x100, old)).To(Succeed())
			Expect(m.InsertFront(0x100, urgent)).To(Succeed())

			item, _ := m.Front(0x100)
			Expect(item.Memo).To(BeIdenticalTo(urgent))
		})

		It("should place an InsertBehindFront message behind the head", func() {
			head := memo(coherence.CmdGetS, 0x100)
			tail := memo(coherence.CmdGetX, 0x100)
			mid := memo(coherence.CmdGetSX, 0x100)

			Expect(m.Insert(0x100, head)).To(Succeed())
			Expect(m.Insert(0x100, tail)).To(Succeed())
			Expect(m.InsertBehindFront(0x100, mid)).To(Succeed())

			item, _ := m.Front(0x100)
			Expect(item.Memo).To(BeIdenticalTo(head))

			m.RemoveFront(0x100)
			item, _ = m.Front(0x100)
			Expect(item.Memo).To(BeIdenticalTo(mid))

			m.RemoveFront(0x100)
			item, _ = m.Front(0x100)
			Expect(item.Memo).To(BeIdenticalTo(tail))
		})

		It("should append with InsertBehindFront when the queue is empty",
			func() {
				only := memo(coherence.CmdGetS, 0x100)

				Expect(m.InsertBehindFront(0x100, only)).To(Succeed())

				item, found := m.Front(0x100)
				Expect(found).To(BeTrue())
				Expect(item.Memo).To(BeIdenticalTo(only))
			})

		It("should remove a specific message wherever it sits", func() {
			head := memo(coherence.CmdGetS, 0x100)
			victim := memo(coherence.CmdGetX, 0x100)
			tail := memo(coherence.CmdGetSX, 0x100)

			Expect(m.Insert(0x100, head)).To(Succeed())
			Expect(m.Insert(0x100, victim)).To(Succeed())
			Expect(m.Insert(0x100, tail)).To(Succeed())

			Expect(m.Remove(0x100, victim)).To(BeTrue())
			Expect(m.Remove(0x100, victim)).To(BeFalse())

			m.RemoveFront(0x100)
			item, _ := m.Front(0x100)
			Expect(item.Memo).To(BeIdenticalTo(tail))
		})
	})

	Context("eviction pointers", func() {
		It("should record a pointer item", func() {
			Expect(m.InsertPointer(0x100, 0x240)).To(Succeed())

			item, found := m.Front(0x100)
			Expect(found).To(BeTrue())
			Expect(item.IsPtr).To(BeTrue())
			Expect(item.PtrAddr).To(Equal(uint64(0x240)))
		})

		It("should not record the same pointer twice", func() {
			Expect(m.InsertPointer(0x100, 0x240)).To(Succeed())
			Expect(m.InsertPointer(0x100, 0x240)).To(Succeed())

			m.RemoveFront(0x100)
			Expect(m.Exists(0x100)).To(BeFalse())
		})
	})

	Context("capacity", func() {
		It("should reject a new address when full", func() {
			small := mshr.New(2)

			Expect(small.Insert(0x100, memo(coherence.CmdGetS, 0x100))).
				To(Succeed())
			Expect(small.Insert(0x140, memo(coherence.CmdGetS, 0x140))).
				To(Succeed())
			Expect(small.IsFull()).To(BeTrue())

			err := small.Insert(0x180, memo(coherence.CmdGetS, 0x180))
			Expect(err).To(MatchError("mshr is full"))
		})

		It("should keep accepting messages for a tracked address when full",
			func() {
				small := mshr.New(1)

				Expect(small.Insert(0x100, memo(coherence.CmdGetS, 0x100))).
					To(Succeed())
				Expect(small.IsFull()).To(BeTrue())

				Expect(small.Insert(0x100, memo(coherence.CmdGetX, 0x100))).
					To(Succeed())
			})
	})

	Context("register lifetime", func() {
		It("should keep the register alive while acks are outstanding", func() {
			Expect(m.Insert(0x100, memo(coherence.CmdGetX, 0x100))).
				To(Succeed())
			m.IncrementAcksNeeded(0x100)
			m.IncrementAcksNeeded(0x100)

			m.RemoveFront(0x100)
			Expect(m.Exists(0x100)).To(BeTrue())
			Expect(m.IsHit(0x100)).To(BeFalse())
			Expect(m.AcksNeeded(0x100)).To(Equal(2))

			Expect(m.DecrementAcksNeeded(0x100)).To(Equal(1))
			Expect(m.Exists(0x100)).To(BeTrue())

			Expect(m.DecrementAcksNeeded(0x100)).To(Equal(0))
			Expect(m.Exists(0x100)).To(BeFalse())
		})

		It("should return zero when no acks are outstanding", func() {
			Expect(m.DecrementAcksNeeded(0x100)).To(Equal(0))
			Expect(m.Exists(0x100)).To(BeFalse())
		})

		It("should keep the register alive until the writeback is acked",
			func() {
				m.InsertWriteback(0x100)

				Expect(m.Exists(0x100)).To(BeTrue())
				Expect(m.PendingWriteback(0x100)).To(BeTrue())

				m.RemoveWriteback(0x100)

				Expect(m.PendingWriteback(0x100)).To(BeFalse())
				Expect(m.Exists(0x100)).To(BeFalse())
			})

		It("should keep the register alive while a data buffer is held",
			func() {
				Expect(m.Insert(0x100, memo(coherence.CmdPutM, 0x100))).
					To(Succeed())
				m.SetDataBuffer(0x100, []byte{1, 2, 3, 4})

				m.RemoveFront(0x100)
				Expect(m.Exists(0x100)).To(BeTrue())
				Expect(m.DataBuffer(0x100)).To(Equal([]byte{1, 2, 3, 4}))

				m.ClearDataBuffer(0x100)
				Expect(m.DataBuffer(0x100)).To(BeNil())
				Expect(m.Exists(0x100)).To(BeFalse())
			})
	})
})
