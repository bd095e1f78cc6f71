// Package rob implements the reorder-buffer engine at the heart of the
// Tomasulo simulator: the circular buffer of in-flight instructions, the
// register-renaming map, per-functional-unit reservation-station
// accounting, and the per-cycle state machine that advances everything
// while enforcing in-order issue, in-order commit, a single common data
// bus, and conservative memory disambiguation.
package rob

import (
	"errors"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-logr/logr"
	"golang.org/x/exp/slices"

	"github.com/archsim/tomasulo/insts"
	"github.com/archsim/tomasulo/timing/latency"
)

// ErrBackpressure is returned by Add when an instruction cannot issue this
// cycle. It is not a fault: the caller should retry on a later tick.
var ErrBackpressure = errors.New("rob: cannot issue this cycle")

// entry is one occupied slot of the circular reorder buffer.
type entry struct {
	issueSeq uint64
	op       insts.Instruction
	stage    Stage
}

// Entry is a value snapshot of one in-flight instruction, returned by
// GetStages. It does not alias engine state.
type Entry struct {
	IssueSeq uint64
	Op       insts.Instruction
	Stage    Stage
}

// Stats is additive telemetry about the engine's progress; it never
// influences any recorded cycle value.
type Stats struct {
	EntriesCommitted uint64
	CyclesElapsed    uint64
}

// Engine is the reorder-buffer state machine.
// All shared resources (ROB slots, reservation stations, the CDB, the
// memory port, the rename map, and the address sets) are owned
// exclusively by the engine; mutation happens only inside Add and Tick.
type Engine struct {
	entries []*entry
	size    int

	head, tail  int
	entriesUsed int

	issueCount       uint64
	entriesCommitted uint64
	cycles           uint64

	registerMapping map[insts.Register]int

	availableReservationStations map[insts.FunctionalUnit]uint64

	addressesLoaded map[uint64]bool
	addressesStored map[uint64]bool

	hazard *HazardUnit
	logger logr.Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger injects a leveled logger for diagnostics. V(1) carries
// reservation-station and rename-map bookkeeping; V(2) carries a full
// engine snapshot dumped once per tick. The default is a discarding
// logger, so diagnostics are silent unless a caller opts in.
func WithLogger(l logr.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an Engine sized and provisioned from cfg.
func New(cfg *latency.Config, opts ...Option) *Engine {
	size := int(cfg.ReorderBufferEntries)

	e := &Engine{
		entries:         make([]*entry, size),
		size:            size,
		registerMapping: make(map[insts.Register]int),
		availableReservationStations: map[insts.FunctionalUnit]uint64{
			insts.ALU:        cfg.IntBufferEntries,
			insts.EffectAddr: cfg.EffAddrBufferEntries,
			insts.FPUAdd:     cfg.FPAddBufferEntries,
			insts.FPUMul:     cfg.FPMulBufferEntries,
		},
		addressesLoaded: make(map[uint64]bool),
		addressesStored: make(map[uint64]bool),
		logger:          logr.Discard(),
	}
	e.hazard = NewHazardUnit(e.registerMapping)

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Add attempts to issue op into the reorder buffer this cycle. It fails,
// without side effect, if the buffer is full, if op's functional-unit
// class has no free reservation station, or if op's effective address
// collides with an in-flight load or store.
func (e *Engine) Add(op insts.Instruction) error {
	if e.entriesUsed >= e.size {
		return fmt.Errorf("%w: reorder buffer full", ErrBackpressure)
	}

	fu := op.FunctionalUnit()
	available, ok := e.availableReservationStations[fu]
	if !ok || available == 0 {
		return fmt.Errorf("%w: no free %s reservation station", ErrBackpressure, fu)
	}

	if op.HasAddr() {
		if e.addressesLoaded[op.Addr] || e.addressesStored[op.Addr] {
			return fmt.Errorf("%w: address %d already in flight", ErrBackpressure, op.Addr)
		}
	}

	// Reserve the effective address as soon as the op is in flight, so a
	// second memory op to the same address is held back at issue until
	// this one commits.
	if op.HasAddr() {
		if op.IsLoad() {
			e.addressesLoaded[op.Addr] = true
		} else {
			e.addressesStored[op.Addr] = true
		}
	}

	e.availableReservationStations[fu] = available - 1
	e.logger.V(1).Info("reservation station granted", "unit", fu.String(), "remaining", available-1)

	if dst, ok := op.DstReg(); ok {
		e.registerMapping[dst] = e.head
		e.logger.V(1).Info("rename map updated", "register", dst.String(), "slot", e.head)
	}

	e.entries[e.head] = &entry{issueSeq: e.issueCount, op: op, stage: Stage{Kind: Issue}}
	e.logger.V(1).Info("issued instruction", "seq", e.issueCount, "op", op.String())

	e.head = (e.head + 1) % e.size
	e.entriesUsed++
	e.issueCount++

	return nil
}

// GetStages returns a value snapshot of all occupied entries, in circular
// order from tail to head.
func (e *Engine) GetStages() []Entry {
	result := make([]Entry, 0, e.entriesUsed)
	e.forEachOccupied(func(_ int, ent *entry) {
		result = append(result, Entry{IssueSeq: ent.issueSeq, Op: ent.op, Stage: ent.stage})
	})
	return result
}

// GetFinishedInstructions returns the total number of instructions that
// have committed and freed their slot.
func (e *Engine) GetFinishedInstructions() uint64 {
	return e.entriesCommitted
}

// FreeStations returns how many reservation stations of class fu are
// currently unclaimed. Stations are claimed at issue and returned when an
// instruction finishes its last Execute cycle.
func (e *Engine) FreeStations(fu insts.FunctionalUnit) uint64 {
	return e.availableReservationStations[fu]
}

// Stats returns engine-progress telemetry.
func (e *Engine) Stats() Stats {
	return Stats{EntriesCommitted: e.entriesCommitted, CyclesElapsed: e.cycles}
}

// forEachOccupied visits every occupied slot in circular order from tail
// to head, which is also issue order.
func (e *Engine) forEachOccupied(fn func(idx int, ent *entry)) {
	for k := 0; k < e.entriesUsed; k++ {
		idx := (e.tail + k) % e.size
		fn(idx, e.entries[idx])
	}
}

// allOlderCommitted reports whether every occupied entry strictly older
// than the one at slotIdx (i.e. visited before it in tail-to-head order)
// is already in the Commit stage. It is the in-order-commit gate used by
// the WaitingToCommit promotion, the CDB advance, and the direct
// Execute-to-Commit transition for branches and stores.
func (e *Engine) allOlderCommitted(slotIdx int) bool {
	allCommitted := true
	reached := false
	e.forEachOccupied(func(idx int, ent *entry) {
		if reached || !allCommitted {
			return
		}
		if idx == slotIdx {
			reached = true
			return
		}
		if ent.stage.Kind != Commit {
			allCommitted = false
		}
	})
	return allCommitted
}

// engineDump is the structured shape traced at V(2); it mirrors the
// original Display-style dump of register mapping, reservation stations,
// and address sets. The address sets are sorted; the two map fields are
// printed in spew's default, unsorted key order.
type engineDump struct {
	Head, Tail, EntriesUsed          int
	EntriesCommitted                 uint64
	RegisterMapping                  map[insts.Register]int
	AvailableReservationStations     map[insts.FunctionalUnit]uint64
	AddressesLoaded, AddressesStored []uint64
	Entries                          []string
}

func (e *Engine) traceDump() engineDump {
	loaded := make([]uint64, 0, len(e.addressesLoaded))
	for addr := range e.addressesLoaded {
		loaded = append(loaded, addr)
	}
	slices.Sort(loaded)

	stored := make([]uint64, 0, len(e.addressesStored))
	for addr := range e.addressesStored {
		stored = append(stored, addr)
	}
	slices.Sort(stored)

	entries := make([]string, 0, e.entriesUsed)
	e.forEachOccupied(func(idx int, ent *entry) {
		entries = append(entries, fmt.Sprintf("#%d) %s (%s) issued on %d", idx, ent.op, ent.stage, ent.issueSeq))
	})

	return engineDump{
		Head:                         e.head,
		Tail:                         e.tail,
		EntriesUsed:                  e.entriesUsed,
		EntriesCommitted:             e.entriesCommitted,
		RegisterMapping:              e.registerMapping,
		AvailableReservationStations: e.availableReservationStations,
		AddressesLoaded:              loaded,
		AddressesStored:              stored,
		Entries:                      entries,
	}
}

func (e *Engine) logTraceSnapshot() {
	if !e.logger.V(2).Enabled() {
		return
	}
	e.logger.V(2).Info("engine snapshot", "state", spew.Sdump(e.traceDump()))
}
