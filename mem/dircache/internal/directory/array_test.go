package directory_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/mesidir/mem/coherence"
	"github.com/sarchlab/mesidir/mem/dircache/internal/directory"
)

var _ = Describe("Array", func() {
	var a directory.Array

	BeforeEach(func() {
		a = directory.NewArray(4, 4, 2, 64, directory.NewLRUVictimFinder())
	})

	install := func(addr uint64, state coherence.State) *directory.Line {
		victim := a.FindVictim(addr)
		line := a.Replace(addr, victim, false)
		line.State = state

		return line
	}

	Context("lookup", func() {
		It("should miss on an unknown address", func() {
			Expect(a.Lookup(0x1000, true)).To(BeNil())
		})

		It("should find an installed line", func() {
			line := install(0x1000, coherence.StateS)

			found := a.Lookup(0x1000, true)
			Expect(found).To(BeIdenticalTo(line))
		})

		It("should not find a line after it is invalidated", func() {
			line := install(0x1000, coherence.StateS)

			line.State = coherence.StateI
			line.ClearSharers()

			Expect(a.Lookup(0x1000, true)).To(BeNil())
		})

		It("should find an invalid line that still tracks sharers", func() {
			line := install(0x1000, coherence.StateI)
			line.AddSharer("Child0.Port")

			Expect(a.Lookup(0x1000, false)).To(BeIdenticalTo(line))
		})
	})

	Context("victim selection", func() {
		It("should prefer an invalid line", func() {
			install(0x1000, coherence.StateM)

			victim := a.FindVictim(0x1000)
			Expect(victim.State).To(Equal(coherence.StateI))
		})

		It("should pick the least recently used stable line when "+
			"no way is invalid", func() {
			oldest := install(0x1000, coherence.StateS)
			install(0x2000, coherence.StateS)
			install(0x3000, coherence.StateS)
			install(0x4000, coherence.StateS)

			victim := a.FindVictim(0x5000)
			Expect(victim).To(BeIdenticalTo(oldest))
		})

		It("should spare a recently touched line", func() {
			oldest := install(0x1000, coherence.StateS)
			second := install(0x2000, coherence.StateS)
			install(0x3000, coherence.StateS)
			install(0x4000, coherence.StateS)

			a.Lookup(0x1000, true)

			victim := a.FindVictim(0x5000)
			Expect(victim).To(BeIdenticalTo(second))
			Expect(victim).NotTo(BeIdenticalTo(oldest))
		})

		It("should skip lines in transition while a stable line remains",
			func() {
				inFlight := install(0x1000, coherence.StateIM)
				stable := install(0x2000, coherence.StateS)
				install(0x3000, coherence.StateSInv)
				install(0x4000, coherence.StateMI)

				victim := a.FindVictim(0x5000)
				Expect(victim).To(BeIdenticalTo(stable))
				Expect(victim).NotTo(BeIdenticalTo(inFlight))
			})

		It("should fall back to the oldest line when every way is in "+
			"transition", func() {
			oldest := install(0x1000, coherence.StateIM)
			install(0x2000, coherence.StateSInv)
			install(0x3000, coherence.StateMI)
			install(0x4000, coherence.StateEInv)

			victim := a.FindVictim(0x5000)
			Expect(victim).To(BeIdenticalTo(oldest))
		})
	})

	Context("replacement", func() {
		It("should reset the victim line", func() {
			line := install(0x1000, coherence.StateM)
			line.SetOwner("Child0.Port")
			a.AllocateData(line)

			replaced := a.Replace(0x5000, line, false)

			Expect(replaced.BaseAddr).To(Equal(uint64(0x5000)))
			Expect(replaced.State).To(Equal(coherence.StateI))
			Expect(replaced.HasOwner()).To(BeFalse())
			Expect(replaced.NumSharers()).To(Equal(0))
			Expect(replaced.IsCached()).To(BeFalse())
		})

		It("should bind a data slot when asked", func() {
			victim := a.FindVictim(0x1000)
			line := a.Replace(0x1000, victim, true)

			Expect(line.IsCached()).To(BeTrue())
			Expect(line.Data.Bytes).To(HaveLen(64))
		})
	})

	Context("data array", func() {
		It("should cap the cached lines of a set at the data ways", func() {
			l1 := install(0x1000, coherence.StateS)
			a.AllocateData(l1)
			Expect(a.CanAllocateData(0x1000)).To(BeTrue())

			l2 := install(0x2000, coherence.StateS)
			a.AllocateData(l2)
			Expect(a.CanAllocateData(0x1000)).To(BeFalse())

			a.DropData(l1)
			Expect(a.CanAllocateData(0x1000)).To(BeTrue())
		})

		It("should reclaim the stable cached line first", func() {
			busy := install(0x1000, coherence.StateMInv)
			a.AllocateData(busy)
			stable := install(0x2000, coherence.StateS)
			a.AllocateData(stable)

			victim := a.FindDataVictim(0x3000)
			Expect(victim).To(BeIdenticalTo(stable))
		})

		It("should reclaim a transitioning cached line when nothing "+
			"stable holds data", func() {
			busy := install(0x1000, coherence.StateMInv)
			a.AllocateData(busy)
			install(0x2000, coherence.StateS)

			victim := a.FindDataVictim(0x3000)
			Expect(victim).To(BeIdenticalTo(busy))
		})

		It("should report no data victim when the set holds no data", func() {
			install(0x1000, coherence.StateS)

			Expect(a.FindDataVictim(0x1000)).To(BeNil())
		})

		It("should size the data array by sets and data ways", func() {
			Expect(a.TotalSize()).To(Equal(uint64(4 * 2 * 64)))
		})
	})
})

var _ = Describe("Line", func() {
	var line *directory.Line

	BeforeEach(func() {
		line = &directory.Line{State: coherence.StateS}
	})

	It("should deduplicate sharers", func() {
		line.AddSharer("Child0.Port")
		line.AddSharer("Child0.Port")
		line.AddSharer("Child1.Port")

		Expect(line.NumSharers()).To(Equal(2))
		Expect(line.IsSharer("Child0.Port")).To(BeTrue())
		Expect(line.IsSharer("Child1.Port")).To(BeTrue())
	})

	It("should remove a sharer", func() {
		line.AddSharer("Child0.Port")
		line.AddSharer("Child1.Port")

		line.RemoveSharer("Child0.Port")

		Expect(line.NumSharers()).To(Equal(1))
		Expect(line.IsSharer("Child0.Port")).To(BeFalse())
		Expect(line.FirstSharer()).To(Equal(line.Sharers()[0]))
	})

	It("should report an empty first sharer when no child shares", func() {
		Expect(line.FirstSharer()).To(BeEquivalentTo(""))
	})

	It("should track the owner", func() {
		Expect(line.HasOwner()).To(BeFalse())

		line.SetOwner("Child0.Port")

		Expect(line.HasOwner()).To(BeTrue())
		Expect(line.Owner()).To(BeEquivalentTo("Child0.Port"))

		line.ClearOwner()

		Expect(line.HasOwner()).To(BeFalse())
	})
})
