package rob

import (
	"github.com/archsim/tomasulo/insts"
	"github.com/archsim/tomasulo/timing/latency"
)

// Tick advances the engine by one cycle, running the six phases in the
// fixed order the model requires: release committed entries, promote
// waiting-to-commit entries, arbitrate the common data bus, arbitrate the
// memory port, count down in-flight execution, and finally check Issue
// for hazards. At most one entry may transition into Commit during a
// single call; once that happens, every later phase in this call leaves
// Commit alone.
func (e *Engine) Tick(cfg *latency.Config) {
	e.releaseCommitted()

	committedThisTick := e.promoteWaitingToCommit()
	committedThisTick = e.advanceCDB(committedThisTick) || committedThisTick
	e.advanceMemAccess()
	committedThisTick = e.advanceExecute(committedThisTick) || committedThisTick
	e.advanceIssue(cfg)

	e.cycles++
	e.logTraceSnapshot()
}

// releaseCommitted frees every entry sitting in Commit, in tail order.
// Committed entries always occupy a contiguous prefix starting at tail,
// since commit is strictly in order.
func (e *Engine) releaseCommitted() {
	for e.entriesUsed > 0 && e.entries[e.tail].stage.Kind == Commit {
		ent := e.entries[e.tail]

		if op := ent.op; op.HasAddr() {
			delete(e.addressesLoaded, op.Addr)
			delete(e.addressesStored, op.Addr)
		}

		e.entries[e.tail] = nil
		e.tail = (e.tail + 1) % e.size
		e.entriesUsed--
		e.entriesCommitted++
	}
}

// promoteWaitingToCommit advances the oldest WaitingToCommit entry to
// Commit, if every entry older than it has already committed, and reports
// whether it did so. Checking only the oldest waiter is enough: a younger
// waiter always has this one ahead of it.
func (e *Engine) promoteWaitingToCommit() bool {
	promoted := false
	done := false
	e.forEachOccupied(func(idx int, ent *entry) {
		if done || ent.stage.Kind != WaitingToCommit {
			return
		}
		done = true
		if !e.allOlderCommitted(idx) {
			return
		}
		ent.stage = Stage{Kind: Commit}
		promoted = true
	})
	return promoted
}

// advanceCDB lets the single oldest WriteBack entry broadcast on the
// common data bus: its rename-map entry is cleared (if still live) and it
// moves on to Commit, or to WaitingToCommit if an entry already committed
// this tick or an older entry hasn't. It reports whether it committed.
func (e *Engine) advanceCDB(committedThisTick bool) bool {
	committed := false
	done := false
	e.forEachOccupied(func(idx int, ent *entry) {
		if done || ent.stage.Kind != WriteBack {
			return
		}
		done = true

		if dst, ok := ent.op.DstReg(); ok {
			if e.registerMapping[dst] == idx {
				delete(e.registerMapping, dst)
			}
		}

		if !committedThisTick && e.allOlderCommitted(idx) {
			ent.stage = Stage{Kind: Commit}
			committed = true
		} else {
			ent.stage = Stage{Kind: WaitingToCommit}
		}
	})
	return committed
}

// advanceMemAccess lets the single oldest unblocked MemAccess entry use
// the memory port: it records its address against the in-flight sets and
// advances to WriteBack. Entries blocked by an older, still in-flight
// store at the same address are skipped, not halted on.
func (e *Engine) advanceMemAccess() {
	done := false
	e.forEachOccupied(func(idx int, ent *entry) {
		if done || ent.stage.Kind != MemAccess {
			return
		}

		op := ent.op
		if op.IsLoad() && e.addressesStored[op.Addr] {
			return
		}

		if op.HasAddr() {
			if op.IsLoad() {
				e.addressesLoaded[op.Addr] = true
			} else {
				e.addressesStored[op.Addr] = true
			}
		}
		ent.stage = Stage{Kind: WriteBack}
		done = true
	})
}

// advanceExecute counts down every entry in Execute. An entry that
// reaches zero frees its reservation station and moves on: to MemAccess
// if it touches memory, to WriteBack if it writes back, or straight to
// Commit/WaitingToCommit (branches and stores) gated by the same
// in-order-commit rule the CDB phase uses. It reports whether it
// committed a store or branch directly.
func (e *Engine) advanceExecute(committedThisTick bool) bool {
	committed := false
	e.forEachOccupied(func(idx int, ent *entry) {
		if ent.stage.Kind != Execute {
			return
		}

		if ent.stage.CyclesLeft > 0 {
			ent.stage.CyclesLeft--
		}
		if ent.stage.CyclesLeft > 0 {
			return
		}

		fu := ent.op.FunctionalUnit()
		e.availableReservationStations[fu]++
		e.logger.V(1).Info("reservation station released", "unit", fu.String())

		switch {
		case ent.op.AccessesMemory():
			ent.stage = Stage{Kind: MemAccess}
		case ent.op.WritesBack():
			ent.stage = Stage{Kind: WriteBack}
		default:
			if !committedThisTick && !committed && e.allOlderCommitted(idx) {
				ent.stage = Stage{Kind: Commit}
				committed = true
			} else {
				ent.stage = Stage{Kind: WaitingToCommit}
			}
		}
	})
	return committed
}

// advanceIssue moves every Issue-stage entry whose sources are ready into
// Execute, scheduled for the latency that op's class draws from cfg.
func (e *Engine) advanceIssue(cfg *latency.Config) {
	e.forEachOccupied(func(idx int, ent *entry) {
		if ent.stage.Kind != Issue {
			return
		}
		if e.hazard.StalledAtIssue(ent.op) {
			return
		}
		ent.stage = Stage{Kind: Execute, CyclesLeft: executeLatency(ent.op, cfg)}
	})
}

// executeLatency looks up how many Execute cycles op draws from cfg.
// Integer ops, branches, loads, and stores take a single cycle. FloatAdd
// and FloatSub both draw FPAddBufferLatency; FPSubBufferLatency is carried
// on Config but never consulted here (see DESIGN.md).
func executeLatency(op insts.Instruction, cfg *latency.Config) uint64 {
	switch op.Op {
	case insts.FloatAdd, insts.FloatSub:
		return cfg.FPAddBufferLatency
	case insts.FloatMul:
		return cfg.FPMulBufferLatency
	case insts.FloatDiv:
		return cfg.FPDivBufferLatency
	default:
		return 1
	}
}
