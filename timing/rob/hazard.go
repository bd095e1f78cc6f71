package rob

import "github.com/archsim/tomasulo/insts"

// HazardUnit enforces the engine's RAW-on-register rule: an instruction
// may not leave Issue while one of its source registers is still pending
// in the rename map, unless that register happens to be the instruction's
// own destination.
type HazardUnit struct {
	registerMapping map[insts.Register]int
}

// NewHazardUnit builds a hazard unit backed by the engine's live rename
// map. The map is shared, not copied: hazard checks always see the
// engine's current renaming state.
func NewHazardUnit(registerMapping map[insts.Register]int) *HazardUnit {
	return &HazardUnit{registerMapping: registerMapping}
}

// StalledAtIssue reports whether op must remain in the Issue stage this
// cycle because one of its sources is produced by an in-flight,
// not-yet-written-back instruction.
func (h *HazardUnit) StalledAtIssue(op insts.Instruction) bool {
	ownDst, hasDst := op.DstReg()

	pending := func(operand insts.Operand) bool {
		reg, ok := operand.DepReg()
		if !ok {
			return false
		}
		if _, producing := h.registerMapping[reg]; !producing {
			return false
		}
		return !hasDst || reg != ownDst
	}

	return pending(op.Src1) || pending(op.Src2)
}
