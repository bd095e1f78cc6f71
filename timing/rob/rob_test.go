package rob_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/archsim/tomasulo/insts"
	"github.com/archsim/tomasulo/timing/latency"
	"github.com/archsim/tomasulo/timing/rob"
)

var _ = Describe("Engine", func() {
	var (
		cfg *latency.Config
		eng *rob.Engine
	)

	BeforeEach(func() {
		cfg = hpConfig()
		eng = rob.New(cfg)
	})

	// stageOf finds the current stage of the instruction issued with the
	// given sequence number.
	stageOf := func(seq uint64) rob.Stage {
		GinkgoHelper()
		for _, ent := range eng.GetStages() {
			if ent.IssueSeq == seq {
				return ent.Stage
			}
		}
		Fail("no in-flight entry with that issue sequence")
		return rob.Stage{}
	}

	Describe("Add", func() {
		It("accepts instructions until the reorder buffer is full", func() {
			trace := []insts.Instruction{
				op("fadd f1,f0,f0"),
				op("fmul f2,f0,f0"),
				op("add x1,x2,x3"),
				op("lw x4,0(x5):0"),
				op("sub x6,x7,x8"),
			}
			for _, i := range trace {
				Expect(eng.Add(i)).To(Succeed())
			}

			err := eng.Add(op("fadd f3,f0,f0"))
			Expect(err).To(MatchError(rob.ErrBackpressure))
		})

		It("refuses without side effect", func() {
			for _, line := range []string{
				"fadd f1,f0,f0", "fmul f2,f0,f0", "add x1,x2,x3",
				"lw x4,0(x5):0", "sub x6,x7,x8",
			} {
				Expect(eng.Add(op(line))).To(Succeed())
			}
			free := eng.FreeStations(insts.FPUAdd)

			Expect(eng.Add(op("fadd f3,f0,f0"))).NotTo(Succeed())

			Expect(eng.GetStages()).To(HaveLen(5))
			Expect(eng.FreeStations(insts.FPUAdd)).To(Equal(free))
		})

		It("refuses an instruction whose class has no free reservation station", func() {
			Expect(eng.Add(op("fmul f1,f0,f0"))).To(Succeed())
			Expect(eng.Add(op("fmul f2,f0,f0"))).To(Succeed())
			Expect(eng.Add(op("fmul f3,f0,f0"))).To(Succeed())
			Expect(eng.FreeStations(insts.FPUMul)).To(BeZero())

			err := eng.Add(op("fmul f4,f0,f0"))
			Expect(err).To(MatchError(rob.ErrBackpressure))
		})

		It("refuses a second memory op at an in-flight effective address", func() {
			Expect(eng.Add(op("sw x1,0(x2):8"))).To(Succeed())

			Expect(eng.Add(op("lw x3,0(x4):8"))).To(MatchError(rob.ErrBackpressure))
			Expect(eng.Add(op("lw x3,0(x4):12"))).To(Succeed())
		})

		It("renames a reissued destination instead of stalling on it", func() {
			Expect(eng.Add(op("fadd f1,f0,f0"))).To(Succeed())
			Expect(eng.Add(op("fadd f1,f0,f0"))).To(Succeed())

			eng.Tick(cfg)

			Expect(stageOf(0)).To(Equal(rob.Stage{Kind: rob.Execute, CyclesLeft: 2}))
			Expect(stageOf(1)).To(Equal(rob.Stage{Kind: rob.Execute, CyclesLeft: 2}))
		})
	})

	Describe("GetStages", func() {
		It("reports entries in issue order with increasing sequence numbers", func() {
			Expect(eng.Add(op("fadd f1,f0,f0"))).To(Succeed())
			Expect(eng.Add(op("fmul f2,f0,f0"))).To(Succeed())
			Expect(eng.Add(op("add x1,x2,x3"))).To(Succeed())

			entries := eng.GetStages()
			Expect(entries).To(HaveLen(3))
			for i, ent := range entries {
				Expect(ent.IssueSeq).To(Equal(uint64(i)))
			}
		})
	})

	Describe("Tick", func() {
		It("walks a 1-cycle ALU op through write-back and commit", func() {
			Expect(eng.Add(op("add x1,x2,x3"))).To(Succeed())

			eng.Tick(cfg)
			Expect(stageOf(0)).To(Equal(rob.Stage{Kind: rob.Execute, CyclesLeft: 1}))

			eng.Tick(cfg)
			Expect(stageOf(0).Kind).To(Equal(rob.WriteBack))

			eng.Tick(cfg)
			Expect(stageOf(0).Kind).To(Equal(rob.Commit))

			eng.Tick(cfg)
			Expect(eng.GetStages()).To(BeEmpty())
			Expect(eng.GetFinishedInstructions()).To(Equal(uint64(1)))
		})

		It("routes a load through the memory-access stage", func() {
			Expect(eng.Add(op("flw f6,32(x2):0"))).To(Succeed())

			wantKinds := []rob.StageKind{
				rob.Execute, rob.MemAccess, rob.WriteBack, rob.Commit,
			}
			for _, want := range wantKinds {
				eng.Tick(cfg)
				Expect(stageOf(0).Kind).To(Equal(want))
			}

			eng.Tick(cfg)
			Expect(eng.GetFinishedInstructions()).To(Equal(uint64(1)))
		})

		It("commits a store straight from Execute", func() {
			Expect(eng.Add(op("sw x1,0(x2):8"))).To(Succeed())

			eng.Tick(cfg)
			Expect(stageOf(0).Kind).To(Equal(rob.Execute))

			eng.Tick(cfg)
			Expect(stageOf(0).Kind).To(Equal(rob.Commit))

			eng.Tick(cfg)
			Expect(eng.GetFinishedInstructions()).To(Equal(uint64(1)))
		})

		It("holds a dependent instruction in Issue until its producer clears the rename map", func() {
			Expect(eng.Add(op("flw f2,48(x3):4"))).To(Succeed())
			Expect(eng.Add(op("fmul f0,f2,f4"))).To(Succeed())

			eng.Tick(cfg) // load: Issue -> Execute(1)
			eng.Tick(cfg) // load: -> MemAccess
			eng.Tick(cfg) // load: -> WriteBack
			Expect(stageOf(1).Kind).To(Equal(rob.Issue))

			// The CDB broadcast clears f2 before the issue-ready check runs,
			// so the multiply starts executing this same tick.
			eng.Tick(cfg)
			Expect(stageOf(0).Kind).To(Equal(rob.Commit))
			Expect(stageOf(1)).To(Equal(rob.Stage{Kind: rob.Execute, CyclesLeft: 5}))
		})

		It("lets only one instruction per cycle use the common data bus", func() {
			Expect(eng.Add(op("add x1,x2,x3"))).To(Succeed())
			Expect(eng.Add(op("add x4,x5,x6"))).To(Succeed())

			eng.Tick(cfg)
			eng.Tick(cfg)
			Expect(stageOf(0).Kind).To(Equal(rob.WriteBack))
			Expect(stageOf(1).Kind).To(Equal(rob.WriteBack))

			eng.Tick(cfg)
			Expect(stageOf(0).Kind).To(Equal(rob.Commit))
			Expect(stageOf(1).Kind).To(Equal(rob.WriteBack))

			eng.Tick(cfg)
			Expect(eng.GetFinishedInstructions()).To(Equal(uint64(1)))
			Expect(stageOf(1).Kind).To(Equal(rob.Commit))
		})

		It("parks an early finisher in WaitingToCommit until older work commits", func() {
			Expect(eng.Add(op("fdiv f10,f0,f6"))).To(Succeed())
			eng.Tick(cfg)
			Expect(eng.Add(op("fadd f6,f8,f2"))).To(Succeed())

			var (
				parkedWhileOlderRan bool
				divCommitTick       int
				addCommitTick       int
				tick                int
			)
			for eng.GetFinishedInstructions() < 2 && tick < 50 {
				eng.Tick(cfg)
				tick++
				for _, ent := range eng.GetStages() {
					switch {
					case ent.IssueSeq == 1 && ent.Stage.Kind == rob.WaitingToCommit:
						parkedWhileOlderRan = true
					case ent.IssueSeq == 0 && ent.Stage.Kind == rob.Commit && divCommitTick == 0:
						divCommitTick = tick
					case ent.IssueSeq == 1 && ent.Stage.Kind == rob.Commit && addCommitTick == 0:
						addCommitTick = tick
					}
				}
			}

			Expect(parkedWhileOlderRan).To(BeTrue())
			Expect(divCommitTick).NotTo(BeZero())
			Expect(addCommitTick).To(BeNumerically(">", divCommitTick))
		})

		It("keeps the reservation-station accounting balanced across a full run", func() {
			trace := []insts.Instruction{
				op("flw f6,32(x2):0"),
				op("flw f2,48(x3):4"),
				op("fmul f0,f2,f4"),
				op("fsub f8,f6,f2"),
				op("fdiv f10,f0,f6"),
				op("fadd f6,f8,f2"),
				op("fdiv f13,f10,f6"),
			}
			capacities := map[insts.FunctionalUnit]uint64{
				insts.ALU:        cfg.IntBufferEntries,
				insts.EffectAddr: cfg.EffAddrBufferEntries,
				insts.FPUAdd:     cfg.FPAddBufferEntries,
				insts.FPUMul:     cfg.FPMulBufferEntries,
			}

			next := 0
			for tick := 0; eng.GetFinishedInstructions() < uint64(len(trace)) && tick < 100; tick++ {
				if next < len(trace) && eng.Add(trace[next]) == nil {
					next++
				}
				eng.Tick(cfg)

				held := map[insts.FunctionalUnit]uint64{}
				for _, ent := range eng.GetStages() {
					if ent.Stage.Kind == rob.Issue || ent.Stage.Kind == rob.Execute {
						held[ent.Op.FunctionalUnit()]++
					}
				}
				for fu, capacity := range capacities {
					Expect(eng.FreeStations(fu)+held[fu]).To(Equal(capacity),
						"unbalanced %s accounting on tick %d", fu, tick)
				}
			}
			Expect(eng.GetFinishedInstructions()).To(Equal(uint64(len(trace))))
		})

		It("commits the textbook trace in issue order", func() {
			trace := []insts.Instruction{
				op("flw f6,32(x2):0"),
				op("flw f2,48(x3):4"),
				op("fmul f0,f2,f4"),
				op("fsub f8,f6,f2"),
				op("fdiv f10,f0,f6"),
				op("fadd f6,f8,f2"),
				op("fdiv f13,f10,f6"),
			}

			commitTick := make(map[uint64]int)
			next := 0
			for tick := 1; eng.GetFinishedInstructions() < uint64(len(trace)) && tick < 100; tick++ {
				if next < len(trace) && eng.Add(trace[next]) == nil {
					next++
				}
				eng.Tick(cfg)
				for _, ent := range eng.GetStages() {
					if ent.Stage.Kind == rob.Commit {
						if _, seen := commitTick[ent.IssueSeq]; !seen {
							commitTick[ent.IssueSeq] = tick
						}
					}
				}
			}

			Expect(commitTick).To(HaveLen(len(trace)))
			for seq := uint64(1); seq < uint64(len(trace)); seq++ {
				Expect(commitTick[seq]).To(BeNumerically(">", commitTick[seq-1]))
			}
		})
	})

	Describe("Stats", func() {
		It("counts committed instructions and elapsed cycles", func() {
			Expect(eng.Add(op("add x1,x2,x3"))).To(Succeed())
			for i := 0; i < 4; i++ {
				eng.Tick(cfg)
			}

			stats := eng.Stats()
			Expect(stats.EntriesCommitted).To(Equal(uint64(1)))
			Expect(stats.CyclesElapsed).To(Equal(uint64(4)))
		})
	})
})
