// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package disasm wraps golang.org/x/arch/x86/x86asm to decode the x86-64
// instruction stream a protected image exposes through its section bytes.
// It is the single place the rest of the module talks to the decoder, so a
// future architecture (or decoder swap) only touches this package.
package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Instruction is one decoded x86-64 instruction, anchored to the RVA it was
// read from.
type Instruction struct {
	RVA  uint64
	Len  int
	Op   x86asm.Op
	Inst x86asm.Inst
}

// String renders the instruction using Intel syntax, the convention the
// rest of this module's logging and dumps use.
func (i Instruction) String() string {
	return x86asm.IntelSyntax(i.Inst, i.RVA, nil)
}

// IsCall reports whether the instruction is a near or far CALL.
func (i Instruction) IsCall() bool {
	return i.Op == x86asm.CALL
}

// IsJump reports whether the instruction is any conditional or
// unconditional jump.
func (i Instruction) IsJump() bool {
	switch i.Op {
	case x86asm.JMP,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.JE, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE,
		x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS,
		x86asm.JO, x86asm.JP, x86asm.JS:
		return true
	default:
		return false
	}
}

// IsConditionalJump reports whether the instruction is a Jcc rather than an
// unconditional JMP; the CFG stepper treats these as two-successor blocks.
func (i Instruction) IsConditionalJump() bool {
	return i.IsJump() && i.Op != x86asm.JMP
}

// IsUnconditionalJump reports whether the instruction is a plain JMP.
func (i Instruction) IsUnconditionalJump() bool {
	return i.Op == x86asm.JMP
}

// IsReturn reports whether the instruction is a RET/RETF.
func (i Instruction) IsReturn() bool {
	return i.Op == x86asm.RET || i.Op == x86asm.RETF
}

// BranchTarget returns the absolute RVA a direct CALL/JMP/Jcc targets, and
// true if the instruction has a statically-known (non-indirect) target.
func (i Instruction) BranchTarget() (uint64, bool) {
	if !i.IsCall() && !i.IsJump() {
		return 0, false
	}
	rel, ok := i.Inst.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return uint64(int64(i.RVA) + int64(i.Len) + int64(rel)), true
}

// Decode decodes one instruction from code, which is interpreted as living
// at virtual address rva.
func Decode(code []byte, rva uint64) (Instruction, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("disasm: decode at 0x%x: %w", rva, err)
	}
	return Instruction{RVA: rva, Len: inst.Len, Op: inst.Op, Inst: inst}, nil
}

// DecodeAll decodes a straight-line run of instructions starting at rva,
// stopping at the first control-flow instruction (call, jump, or return) or
// when code is exhausted. The CFG stepper does not use it; it calls Decode
// once per step instead.
func DecodeAll(code []byte, rva uint64) ([]Instruction, error) {
	var out []Instruction
	offset := 0
	for offset < len(code) {
		inst, err := Decode(code[offset:], rva+uint64(offset))
		if err != nil {
			return out, err
		}
		out = append(out, inst)
		offset += inst.Len
		if inst.IsCall() || inst.IsJump() || inst.IsReturn() {
			break
		}
	}
	return out, nil
}
