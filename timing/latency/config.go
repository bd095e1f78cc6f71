// Package latency holds the machine configuration consumed by the
// reorder-buffer engine: reservation-station capacities per functional-unit
// class, the reorder-buffer depth, and the floating-point execute
// latencies.
package latency

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Config is the fixed, immutable set of sizes and latencies the engine
// consumes. Reservation-station counts and the reorder-buffer depth are
// buffer entries; the four FP fields are Execute-stage cycle counts.
// Integer/branch/memory-effective-address execute latency is always 1
// cycle and is not configurable.
type Config struct {
	EffAddrBufferEntries uint64 `json:"eff_addr_buffer_entries"`
	FPAddBufferEntries   uint64 `json:"fp_add_buffer_entries"`
	FPMulBufferEntries   uint64 `json:"fp_mul_buffer_entries"`
	IntBufferEntries     uint64 `json:"int_buffer_entries"`
	ReorderBufferEntries uint64 `json:"reorder_buffer_entries"`

	FPAddBufferLatency uint64 `json:"fp_add_buffer_latency"`
	// FPSubBufferLatency is parsed and carried but never consulted by the
	// ROB engine: FloatSub uses FPAddBufferLatency (see DESIGN.md).
	FPSubBufferLatency uint64 `json:"fp_sub_buffer_latency"`
	FPMulBufferLatency uint64 `json:"fp_mul_buffer_latency"`
	FPDivBufferLatency uint64 `json:"fp_div_buffer_latency"`
}

// fieldNames lists the nine recognized config-file parameter names, used
// by Parse to report which ones are missing.
var fieldNames = []string{
	"eff addr", "fp adds", "fp muls", "ints", "reorder",
	"fp_add", "fp_sub", "fp_mul", "fp_div",
}

// Parse reads the "name: value" configuration grammar from r.
// Blank lines, lines beginning with "#" or "//", and
// any line not containing exactly one ':' are silently skipped. Exactly
// the nine recognized names must each appear exactly once; a missing,
// duplicated, unknown, or non-integer parameter is a fatal error.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	seen := make(map[string]bool, len(fieldNames))

	scan := bufio.NewScanner(r)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}

		parts := strings.Split(line, ":")
		if len(parts) != 2 {
			continue
		}

		name := strings.TrimSpace(parts[0])
		valueStr := strings.TrimSpace(parts[1])
		value, err := strconv.ParseUint(valueStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("latency: parameter %q: invalid value %q: %w", name, valueStr, err)
		}

		if seen[name] {
			return nil, fmt.Errorf("latency: duplicate config parameter %q", name)
		}

		switch name {
		case "eff addr":
			cfg.EffAddrBufferEntries = value
		case "fp adds":
			cfg.FPAddBufferEntries = value
		case "fp muls":
			cfg.FPMulBufferEntries = value
		case "ints":
			cfg.IntBufferEntries = value
		case "reorder":
			cfg.ReorderBufferEntries = value
		case "fp_add":
			cfg.FPAddBufferLatency = value
		case "fp_sub":
			cfg.FPSubBufferLatency = value
		case "fp_mul":
			cfg.FPMulBufferLatency = value
		case "fp_div":
			cfg.FPDivBufferLatency = value
		default:
			return nil, fmt.Errorf("latency: unknown config parameter %q", name)
		}
		seen[name] = true
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("latency: reading config: %w", err)
	}

	if len(seen) != len(fieldNames) {
		var missing []string
		for _, n := range fieldNames {
			if !seen[n] {
				missing = append(missing, n)
			}
		}
		return nil, fmt.Errorf("latency: missing config parameter(s): %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}

// ParseFile opens path and parses it as a configuration file.
func ParseFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("latency: opening %s: %w", path, err)
	}
	defer f.Close()

	return Parse(f)
}

// LoadJSON reads a Config serialized as JSON, an ambient alternative to
// the canonical config.txt grammar.
func LoadJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("latency: reading %s: %w", path, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("latency: parsing JSON config: %w", err)
	}

	return cfg, nil
}

// SaveJSON writes c to path as indented JSON.
func (c *Config) SaveJSON(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("latency: serializing config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("latency: writing %s: %w", path, err)
	}

	return nil
}

// Validate reports whether c describes a machine the engine can actually
// make progress on: a reorder buffer with no entries can never issue
// anything.
func (c *Config) Validate() error {
	if c.ReorderBufferEntries == 0 {
		return fmt.Errorf("latency: reorder_buffer_entries must be > 0")
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String renders the configuration echo in the exact form emitted to
// stdout before the timing table.
func (c Config) String() string {
	var b strings.Builder
	fmt.Fprintln(&b, "Configuration")
	fmt.Fprintln(&b, "-------------")
	fmt.Fprintln(&b, "buffers:")
	fmt.Fprintf(&b, "   eff addr: %d\n", c.EffAddrBufferEntries)
	fmt.Fprintf(&b, "    fp adds: %d\n", c.FPAddBufferEntries)
	fmt.Fprintf(&b, "    fp muls: %d\n", c.FPMulBufferEntries)
	fmt.Fprintf(&b, "       ints: %d\n", c.IntBufferEntries)
	fmt.Fprintf(&b, "    reorder: %d\n", c.ReorderBufferEntries)
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "latencies:")
	fmt.Fprintf(&b, "   fp add: %d\n", c.FPAddBufferLatency)
	fmt.Fprintf(&b, "   fp sub: %d\n", c.FPSubBufferLatency)
	fmt.Fprintf(&b, "   fp mul: %d\n", c.FPMulBufferLatency)
	fmt.Fprintf(&b, "   fp div: %d\n", c.FPDivBufferLatency)
	fmt.Fprintln(&b)
	return b.String()
}
