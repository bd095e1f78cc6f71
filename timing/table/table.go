// Package table drives the simulation loop and records the per-instruction
// timing table: the cycle in which each instruction entered each pipeline
// stage, rendered in the fixed-width report format.
package table

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-logr/logr"
	"golang.org/x/exp/slices"

	"github.com/archsim/tomasulo/insts"
	"github.com/archsim/tomasulo/timing/latency"
	"github.com/archsim/tomasulo/timing/rob"
)

// Row records the cycle numbers observed for one instruction. Cycles are
// 1-based; a zero field means the instruction was never observed in that
// stage.
type Row struct {
	Op insts.Instruction

	Issued    uint64
	StartEx   uint64
	EndEx     uint64
	MemAccess uint64
	WriteBack uint64
	Committed uint64
}

// Stats summarizes a completed run.
type Stats struct {
	InstructionsCommitted uint64
	TotalCycles           uint64
}

// Table owns the rows recorded while driving a reorder-buffer engine
// through a trace.
type Table struct {
	rows   []Row
	stats  Stats
	logger logr.Logger
}

// Option configures a Table at construction time.
type Option func(*Table)

// WithLogger injects a leveled logger, passed through to the engine the
// table drives.
func WithLogger(l logr.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// New builds an empty Table.
func New(opts ...Option) *Table {
	t := &Table{logger: logr.Discard()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run simulates trace on a fresh engine provisioned from cfg, recording
// the stage-entry cycles of every instruction. Each cycle it offers the
// next unissued instruction to the engine, samples the in-flight stages,
// ticks the engine, and samples again, so stages held for a single cycle
// are still captured. The loop ends when the last instruction commits.
func (t *Table) Run(trace []insts.Instruction, cfg *latency.Config) {
	eng := rob.New(cfg, rob.WithLogger(t.logger))

	t.rows = make([]Row, len(trace))
	for i := range t.rows {
		t.rows[i].Op = trace[i]
	}

	next := 0
	cycle := uint64(1)
	for eng.GetFinishedInstructions() < uint64(len(trace)) {
		if next < len(trace) {
			if err := eng.Add(trace[next]); err == nil {
				t.rows[next].Issued = cycle
				next++
			} else {
				t.logger.V(2).Info("issue held back", "index", next, "reason", err.Error())
			}
		}

		t.observe(eng.GetStages(), cycle)
		eng.Tick(cfg)
		cycle++
		t.observe(eng.GetStages(), cycle)
	}

	engStats := eng.Stats()
	t.stats = Stats{
		InstructionsCommitted: engStats.EntriesCommitted,
		TotalCycles:           engStats.CyclesElapsed,
	}
}

// observe folds one stage snapshot into the rows. EndEx deliberately
// tracks the last cycle an instruction was seen in its final Execute
// cycle, and MemAccess/WriteBack/Commit overwrite so each records the
// last cycle spent in that stage.
func (t *Table) observe(entries []rob.Entry, cycle uint64) {
	for _, ent := range entries {
		row := &t.rows[ent.IssueSeq]
		switch ent.Stage.Kind {
		case rob.Execute:
			if row.StartEx == 0 {
				row.StartEx = cycle
			}
			if ent.Stage.CyclesLeft == 1 {
				row.EndEx = cycle
			}
		case rob.MemAccess:
			row.MemAccess = cycle
		case rob.WriteBack:
			row.WriteBack = cycle
		case rob.Commit:
			row.Committed = cycle
		}
	}
}

// Rows returns a copy of the recorded rows.
func (t *Table) Rows() []Row {
	return slices.Clone(t.rows)
}

// Stats returns the totals of the last completed Run.
func (t *Table) Stats() Stats {
	return t.stats
}

const header = "                    Pipeline Simulation\n" +
	"-----------------------------------------------------------\n" +
	"                                      Memory Writes\n" +
	"     Instruction      Issues Executes  Read  Result Commits\n" +
	"--------------------- ------ -------- ------ ------ -------\n"

// Format writes the timing table to w in the fixed-width report layout.
func (t *Table) Format(w io.Writer) error {
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	for i := range t.rows {
		if _, err := fmt.Fprintln(w, t.rows[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) String() string {
	var b strings.Builder
	_ = t.Format(&b) // strings.Builder writes cannot fail
	return b.String()
}

// String renders one table line. Cycle cells print "?" when the stage was
// never reached; the memory-read and result columns are left blank for
// instructions that never pass through those stages.
func (r Row) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%-22s", r.Op.String())
	writeCell(&b, 6, r.Issued)
	writeCell(&b, 4, r.StartEx)
	b.WriteString(" -")
	writeCell(&b, 3, r.EndEx)

	switch {
	case r.MemAccess != 0:
		fmt.Fprintf(&b, "%7d", r.MemAccess)
	case r.Op.AccessesMemory():
		fmt.Fprintf(&b, "%7s", "?")
	default:
		fmt.Fprintf(&b, "%7s", "")
	}

	switch {
	case r.WriteBack != 0:
		fmt.Fprintf(&b, "%7d", r.WriteBack)
	case r.Op.WritesBack():
		fmt.Fprintf(&b, "%7s", "?")
	default:
		fmt.Fprintf(&b, "%7s", "")
	}

	writeCell(&b, 8, r.Committed)

	return b.String()
}

func writeCell(b *strings.Builder, width int, cycle uint64) {
	if cycle == 0 {
		fmt.Fprintf(b, "%*s", width, "?")
		return
	}
	fmt.Fprintf(b, "%*d", width, cycle)
}
