// Package main provides the entry point for tomasim, a cycle-accurate
// simulator of Tomasulo's algorithm with a reorder buffer. It reads the
// machine configuration from config.txt, the instruction trace from
// standard input, and prints the per-instruction pipeline timing table.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/spf13/cobra"

	"github.com/archsim/tomasulo/insts"
	"github.com/archsim/tomasulo/timing/latency"
	"github.com/archsim/tomasulo/timing/table"
)

var (
	flagConfigPath string
	flagVerbosity  int
)

func main() {
	root := &cobra.Command{
		Use:   "tomasim",
		Short: "Cycle-accurate Tomasulo reorder-buffer simulator",
		Long: "tomasim reads a machine configuration from config.txt and an\n" +
			"instruction trace from standard input, then prints the cycle in\n" +
			"which each instruction entered each pipeline stage.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	fs := root.Flags()
	fs.StringVar(&flagConfigPath, "config", "config.txt", "Path to the machine configuration file")
	fs.IntVarP(&flagVerbosity, "verbosity", "v", 0, "Diagnostic verbosity (1=debug, 2=trace)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logger := newLogger(flagVerbosity)

	cfg, err := latency.ParseFile(flagConfigPath)
	if err != nil {
		logger.Error(err, "configuration error")
		return err
	}
	if err := cfg.Validate(); err != nil {
		logger.Error(err, "configuration error")
		return err
	}

	trace, err := readTrace(cmd.InOrStdin())
	if err != nil {
		logger.Error(err, "trace error")
		return err
	}
	logger.V(1).Info("trace loaded", "instructions", len(trace))

	out := cmd.OutOrStdout()
	fmt.Fprint(out, cfg)

	tbl := table.New(table.WithLogger(logger))
	tbl.Run(trace, cfg)
	fmt.Fprint(out, tbl)

	stats := tbl.Stats()
	logger.V(1).Info("simulation finished",
		"instructions", stats.InstructionsCommitted,
		"cycles", stats.TotalCycles)

	return nil
}

// readTrace reads one instruction per line until the first blank line or
// end of input.
func readTrace(r io.Reader) ([]insts.Instruction, error) {
	var trace []insts.Instruction
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			break
		}
		i, err := insts.Parse(line)
		if err != nil {
			return nil, err
		}
		trace = append(trace, i)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("reading trace: %w", err)
	}
	return trace, nil
}

// newLogger builds the stderr diagnostic logger. Verbosity 1 enables
// debug output, 2 adds per-tick engine snapshots.
func newLogger(verbosity int) logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			fmt.Fprintln(os.Stderr, prefix, args)
			return
		}
		fmt.Fprintln(os.Stderr, args)
	}, funcr.Options{Verbosity: verbosity}).WithName("tomasim")
}
