// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package emulate wraps the Unicorn engine to execute x86-64 code lifted
// from a protected image, the way the instruction-dispatcher and CFG
// recovery passes need to: map the image once, run a bounded number of
// steps or until a target address, and report back whatever register and
// memory state the caller asked to observe.
package emulate

import (
	"errors"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout for the emulated address space. The image is mapped at its
// preferred image base (or 0 for headerless input); the stack sits in its
// own region far above any plausible image size so a stack-relative bug
// can't quietly corrupt the image being analyzed.
const (
	StackBase = 0x7FFF_0000_0000
	StackSize = 0x0010_0000 // 1MB
)

// ImageView is the minimal slice of pe.File the emulator needs: a flat byte
// view of the image plus its preferred load address. Defined locally to
// avoid an import cycle with the root package.
type ImageView interface {
	ImageBase() uint64
	ImageBytes() []byte
}

// FaultKind classifies why emulation stopped early.
type FaultKind int

// Fault kinds.
const (
	// FaultNone means emulation reached its target or step budget cleanly.
	FaultNone FaultKind = iota
	// FaultMemoryRead/Write/Fetch mean the CPU touched unmapped memory.
	FaultMemoryRead
	FaultMemoryWrite
	FaultMemoryFetch
	// FaultInvalidInsn means the decoder/CPU rejected the instruction
	// stream, a common symptom of stepping into junk inserted by the
	// obfuscator.
	FaultInvalidInsn
	// FaultTimeout means the step/instruction budget was exhausted before
	// the target address was reached.
	FaultTimeout
)

func (k FaultKind) String() string {
	switch k {
	case FaultNone:
		return "none"
	case FaultMemoryRead:
		return "memory-read"
	case FaultMemoryWrite:
		return "memory-write"
	case FaultMemoryFetch:
		return "memory-fetch"
	case FaultInvalidInsn:
		return "invalid-instruction"
	case FaultTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Fault describes an abnormal emulation stop.
type Fault struct {
	Kind    FaultKind
	Address uint64
}

func (f Fault) Error() string {
	return fmt.Sprintf("emulate: %s at 0x%x", f.Kind, f.Address)
}

// Registers is the subset of the x86-64 general-purpose register file the
// dispatcher and CFG recovery passes read and write.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP                uint64
	EFlags             uint64
}

var gpRegs = [...]struct {
	id  int
	get func(*Registers) *uint64
}{
	{uc.X86_REG_RAX, func(r *Registers) *uint64 { return &r.RAX }},
	{uc.X86_REG_RBX, func(r *Registers) *uint64 { return &r.RBX }},
	{uc.X86_REG_RCX, func(r *Registers) *uint64 { return &r.RCX }},
	{uc.X86_REG_RDX, func(r *Registers) *uint64 { return &r.RDX }},
	{uc.X86_REG_RSI, func(r *Registers) *uint64 { return &r.RSI }},
	{uc.X86_REG_RDI, func(r *Registers) *uint64 { return &r.RDI }},
	{uc.X86_REG_RBP, func(r *Registers) *uint64 { return &r.RBP }},
	{uc.X86_REG_RSP, func(r *Registers) *uint64 { return &r.RSP }},
	{uc.X86_REG_R8, func(r *Registers) *uint64 { return &r.R8 }},
	{uc.X86_REG_R9, func(r *Registers) *uint64 { return &r.R9 }},
	{uc.X86_REG_R10, func(r *Registers) *uint64 { return &r.R10 }},
	{uc.X86_REG_R11, func(r *Registers) *uint64 { return &r.R11 }},
	{uc.X86_REG_R12, func(r *Registers) *uint64 { return &r.R12 }},
	{uc.X86_REG_R13, func(r *Registers) *uint64 { return &r.R13 }},
	{uc.X86_REG_R14, func(r *Registers) *uint64 { return &r.R14 }},
	{uc.X86_REG_R15, func(r *Registers) *uint64 { return &r.R15 }},
	{uc.X86_REG_RIP, func(r *Registers) *uint64 { return &r.RIP }},
	{uc.X86_REG_EFLAGS, func(r *Registers) *uint64 { return &r.EFlags }},
}

// Emulator runs x86-64 code over a mapped image using Unicorn.
type Emulator struct {
	mu        uc.Unicorn
	imageBase uint64
	imageSize uint64
	imageData []byte
	fault     *Fault
}

// New creates an Emulator with an empty address space; call MapImage before
// running anything.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	if err != nil {
		return nil, fmt.Errorf("emulate: create unicorn: %w", err)
	}

	e := &Emulator{mu: mu}
	if err := e.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return e, nil
}

// Close releases the underlying Unicorn context.
func (e *Emulator) Close() error {
	return e.mu.Close()
}

func pageAlign(n uint64) uint64 {
	const page = 0x1000
	return (n + page - 1) &^ (page - 1)
}

// MapImage maps img's bytes read-execute-only at its preferred base, and
// maps a scratch read-write stack region. The image is intentionally
// non-writable: dispatcher classification (Component D) must be
// deterministic across runs, and a writable image lets a self-modifying
// stub leave state behind that would otherwise leak into whatever site is
// classified next on a reused emulator. A guest write attempt against the
// image faults as FaultMemoryWrite instead of silently succeeding.
func (e *Emulator) MapImage(img ImageView) error {
	e.imageBase = img.ImageBase()
	data := img.ImageBytes()
	e.imageSize = pageAlign(uint64(len(data)))
	if e.imageSize == 0 {
		e.imageSize = 0x1000
	}

	if err := e.mu.MemMapProt(e.imageBase, e.imageSize, uc.PROT_READ|uc.PROT_EXEC); err != nil {
		return fmt.Errorf("emulate: map image at 0x%x: %w", e.imageBase, err)
	}
	e.imageData = make([]byte, e.imageSize)
	copy(e.imageData, data)
	if len(data) > 0 {
		if err := e.mu.MemWrite(e.imageBase, data); err != nil {
			return fmt.Errorf("emulate: write image bytes: %w", err)
		}
	}

	if err := e.mu.MemMap(StackBase, StackSize); err != nil {
		return fmt.Errorf("emulate: map stack: %w", err)
	}
	sp := uint64(StackBase + StackSize - 0x1000)
	if err := e.mu.RegWrite(uc.X86_REG_RSP, sp); err != nil {
		return fmt.Errorf("emulate: set RSP: %w", err)
	}
	if err := e.mu.RegWrite(uc.X86_REG_RBP, sp); err != nil {
		return fmt.Errorf("emulate: set RBP: %w", err)
	}
	return nil
}

// Reset restores the emulator to the state MapImage originally left it in:
// the stack pointer/base pointer reset to their initial top, any pending
// fault cleared, and the image bytes rewritten over whatever a faulted
// write attempt or a future mutable region left behind. It is cheap enough
// to call between every classification job on a reused emulator, which is
// how Component D keeps worker-pool reuse from producing run-to-run
// nondeterminism.
func (e *Emulator) Reset() error {
	if e.imageSize > 0 && len(e.imageData) > 0 {
		if err := e.mu.MemWrite(e.imageBase, e.imageData); err != nil {
			return fmt.Errorf("emulate: reset image bytes: %w", err)
		}
	}
	sp := uint64(StackBase + StackSize - 0x1000)
	if err := e.mu.RegWrite(uc.X86_REG_RSP, sp); err != nil {
		return fmt.Errorf("emulate: reset RSP: %w", err)
	}
	if err := e.mu.RegWrite(uc.X86_REG_RBP, sp); err != nil {
		return fmt.Errorf("emulate: reset RBP: %w", err)
	}
	e.fault = nil
	return nil
}

// WriteImageByte patches a single mapped byte of the image at rva. No other
// package in this module calls it.
func (e *Emulator) WriteImageByte(rva uint64, b byte) error {
	return e.mu.MemWrite(e.imageBase+rva, []byte{b})
}

// ReadMem reads n bytes from the emulated address space at addr.
func (e *Emulator) ReadMem(addr uint64, n int) ([]byte, error) {
	return e.mu.MemRead(addr, uint64(n))
}

func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_MEM_READ_UNMAPPED|uc.HOOK_MEM_WRITE_UNMAPPED|uc.HOOK_MEM_FETCH_UNMAPPED|
		uc.HOOK_MEM_WRITE_PROT|uc.HOOK_MEM_FETCH_PROT,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			kind := FaultMemoryRead
			switch access {
			case uc.MEM_WRITE_UNMAPPED, uc.MEM_WRITE_PROT:
				kind = FaultMemoryWrite
			case uc.MEM_FETCH_UNMAPPED, uc.MEM_FETCH_PROT:
				kind = FaultMemoryFetch
			}
			e.fault = &Fault{Kind: kind, Address: addr}
			return false
		}, 1, 0)
	return err
}

// SetRegisters loads regs into the CPU state.
func (e *Emulator) SetRegisters(regs Registers) error {
	for _, r := range gpRegs {
		if err := e.mu.RegWrite(r.id, *r.get(&regs)); err != nil {
			return fmt.Errorf("emulate: write register: %w", err)
		}
	}
	return nil
}

// ReadRegisters returns the current CPU state.
func (e *Emulator) ReadRegisters() (Registers, error) {
	var regs Registers
	for _, r := range gpRegs {
		v, err := e.mu.RegRead(r.id)
		if err != nil {
			return Registers{}, fmt.Errorf("emulate: read register: %w", err)
		}
		*r.get(&regs) = v
	}
	return regs, nil
}

// RunOutcome reports how RunUntil/RunSteps stopped.
type RunOutcome struct {
	// ReachedTarget is true when RunUntil's target address was hit.
	ReachedTarget bool
	// Fault is non-nil if a memory or decode error aborted emulation.
	Fault *Fault
	// StepsTaken is always zero: neither RunSteps nor RunUntil counts the
	// instructions executed.
	StepsTaken uint64
}

var errEmulationFault = errors.New("emulate: fault during execution")

// RunSteps starts execution at start and runs for up to maxInstructions
// instructions with no target address; stopping short because the budget
// ran out is the expected, non-error outcome here (callers that want to
// know whether a specific address was reached use RunUntil instead).
func (e *Emulator) RunSteps(start uint64, maxInstructions uint64) (RunOutcome, error) {
	e.fault = nil
	err := e.mu.StartWithOptions(start, 0, &uc.UcOptions{Count: maxInstructions})

	outcome := RunOutcome{}
	if e.fault != nil {
		outcome.Fault = e.fault
		return outcome, errEmulationFault
	}
	if err != nil {
		return outcome, fmt.Errorf("emulate: run: %w", err)
	}
	return outcome, nil
}

// RunUntil starts execution at start and runs until either target is
// reached, maxInstructions have executed, or a fault occurs.
func (e *Emulator) RunUntil(start, target uint64, maxInstructions uint64) (RunOutcome, error) {
	e.fault = nil
	err := e.mu.StartWithOptions(start, target, &uc.UcOptions{Count: maxInstructions})

	outcome := RunOutcome{}
	if e.fault != nil {
		outcome.Fault = e.fault
		return outcome, errEmulationFault
	}
	if err != nil {
		return outcome, fmt.Errorf("emulate: run: %w", err)
	}

	rip, ripErr := e.mu.RegRead(uc.X86_REG_RIP)
	if ripErr == nil && rip == target {
		outcome.ReachedTarget = true
	} else {
		outcome.Fault = &Fault{Kind: FaultTimeout, Address: rip}
	}
	return outcome, nil
}

// StepInto executes exactly one instruction starting at start and returns
// the resulting instruction pointer, used to resolve an indirect CALL/JMP
// target by letting the CPU do the resolving.
func (e *Emulator) StepInto(start uint64) (uint64, error) {
	e.fault = nil
	err := e.mu.StartWithOptions(start, 0, &uc.UcOptions{Count: 1})
	if e.fault != nil {
		return 0, *e.fault
	}
	if err != nil {
		return 0, fmt.Errorf("emulate: step: %w", err)
	}
	return e.mu.RegRead(uc.X86_REG_RIP)
}
