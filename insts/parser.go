package insts

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseRegister parses a bare register token ("x3" or "f12"). It returns
// false if the token is not a register reference.
func ParseRegister(tok string) (Register, bool) {
	tok = strings.TrimSpace(tok)
	if strings.HasPrefix(tok, "x") {
		if n, err := strconv.ParseUint(tok[1:], 10, 64); err == nil {
			return Register{Kind: GP, Index: n}, true
		}
	}
	if strings.HasPrefix(tok, "f") {
		if n, err := strconv.ParseUint(tok[1:], 10, 64); err == nil {
			return Register{Kind: FP, Index: n}, true
		}
	}
	return Register{}, false
}

// ParseOperand parses a single operand token: a register, a decimal or
// 0x-hex immediate, an offset(register) indirect form, or a bare global
// name.
func ParseOperand(tok string) (Operand, error) {
	tok = strings.TrimSpace(tok)

	if reg, ok := ParseRegister(tok); ok {
		return Operand{Kind: OperandRegister, Reg: reg}, nil
	}

	if strings.HasPrefix(tok, "0x") {
		if n, err := strconv.ParseUint(strings.TrimSpace(tok[2:]), 16, 64); err == nil {
			return Operand{Kind: OperandImmediate, Imm: n}, nil
		}
	}

	if n, err := strconv.ParseUint(tok, 10, 64); err == nil {
		return Operand{Kind: OperandImmediate, Imm: n}, nil
	}

	if open := strings.IndexByte(tok, '('); open >= 0 {
		close := strings.IndexByte(tok, ')')
		if close < open {
			return Operand{}, fmt.Errorf("insts: malformed indirect operand %q", tok)
		}
		offsetStr := strings.TrimSpace(tok[:open])
		offset, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			return Operand{}, fmt.Errorf("insts: could not parse offset %q: %w", offsetStr, err)
		}
		regStr := strings.TrimSpace(tok[open+1 : close])
		reg, ok := ParseRegister(regStr)
		if !ok {
			return Operand{}, fmt.Errorf("insts: could not parse register %q", regStr)
		}
		return Operand{Kind: OperandIndirect, Reg: reg, Offset: offset}, nil
	}

	return Operand{Kind: OperandGlobal, Global: tok}, nil
}

// Parse decodes a single trace line such as "fmul f0,f2,f4" or
// "flw f6,32(x2):0" into an Instruction.
//
// Tokenization follows the mnemonic, then the comma-separated argument
// list, then an optional ":N" effective-address suffix (default 0).
func Parse(line string) (Instruction, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Instruction{}, fmt.Errorf("insts: empty instruction line")
	}
	mnemonic := fields[0]

	rest := strings.TrimSpace(line[len(mnemonic):])
	addr := uint64(0)
	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		addrStr := strings.TrimSpace(rest[idx+1:])
		rest = rest[:idx]
		n, err := strconv.ParseUint(addrStr, 10, 64)
		if err != nil {
			return Instruction{}, fmt.Errorf("insts: could not parse address %q: %w", addrStr, err)
		}
		addr = n
	}

	args := strings.Split(rest, ",")
	for i := range args {
		args[i] = strings.TrimSpace(args[i])
	}
	if len(args) < 2 {
		return Instruction{}, fmt.Errorf("insts: %q: expected at least a destination and one argument", line)
	}

	dst, err := ParseOperand(args[0])
	if err != nil {
		return Instruction{}, err
	}
	arg1, err := ParseOperand(args[1])
	if err != nil {
		return Instruction{}, err
	}
	var arg2 Operand
	if len(args) >= 3 {
		arg2, err = ParseOperand(args[2])
		if err != nil {
			return Instruction{}, err
		}
	}

	mk := func(op Op, hasDst bool) Instruction {
		return Instruction{Op: op, Dst: dst, Src1: arg1, Src2: arg2, Addr: addr, hasDst: hasDst}
	}

	switch mnemonic {
	case "add":
		return mk(Add, true), nil
	case "sub":
		return mk(Sub, true), nil
	case "lw":
		return mk(LoadWord, true), nil
	case "sw":
		return mk(StoreWord, false), nil
	case "beq":
		return mk(BranchEqual, true), nil
	case "bne":
		return mk(BranchNotEqual, true), nil
	case "flw":
		return mk(LoadFloat, true), nil
	case "fsw":
		return mk(StoreFloat, false), nil
	case "fadd", "fadd.s":
		return mk(FloatAdd, true), nil
	case "fsub", "fsub.s":
		return mk(FloatSub, true), nil
	case "fmul", "fmul.s":
		return mk(FloatMul, true), nil
	case "fdiv", "fdiv.s":
		return mk(FloatDiv, true), nil
	default:
		return Instruction{}, fmt.Errorf("insts: unknown mnemonic %q", mnemonic)
	}
}
