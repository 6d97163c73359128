// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package cfg

import (
	"testing"
)

// fakeBytes is an in-memory ByteSource backed by a flat image buffer.
type fakeBytes struct {
	base uint32
	data []byte
}

func (f fakeBytes) BytesAt(rva uint32, n uint32) ([]byte, error) {
	if rva < f.base || int(rva-f.base)+int(n) > len(f.data) {
		return nil, errOutOfRange
	}
	off := rva - f.base
	return f.data[off : off+n], nil
}

var errOutOfRange = &outOfRangeErr{}

type outOfRangeErr struct{}

func (e *outOfRangeErr) Error() string { return "out of range" }

type noResolver struct{}

func (noResolver) Resolve(rva uint64) (uint64, bool) { return 0, false }

func TestWalkFunctionStraightLine(t *testing.T) {
	// push rbp; ret
	code := []byte{0x55, 0xC3}
	bytes := fakeBytes{base: 0x1000, data: code}

	stepper := NewStepper(bytes, noResolver{}, RuleSet1)
	fn := stepper.WalkFunction(0x1000)

	if fn.State != StateComplete {
		t.Fatalf("State = %v, want Complete", fn.State)
	}
	block, ok := fn.Blocks[0x1000]
	if !ok {
		t.Fatalf("expected a block at entry RVA")
	}
	if block.Terminator != TerminatorReturn {
		t.Errorf("Terminator = %v, want Return", block.Terminator)
	}
	if len(block.Instructions) != 2 {
		t.Errorf("len(Instructions) = %d, want 2", len(block.Instructions))
	}
}

func TestWalkFunctionConditionalBranchSplitsBlock(t *testing.T) {
	// je +2 (74 02); nop; nop; ret
	code := []byte{0x74, 0x02, 0x90, 0x90, 0xC3}
	bytes := fakeBytes{base: 0x2000, data: code}

	stepper := NewStepper(bytes, noResolver{}, RuleSet1)
	fn := stepper.WalkFunction(0x2000)

	entry, ok := fn.Blocks[0x2000]
	if !ok {
		t.Fatalf("expected entry block")
	}
	if entry.Terminator != TerminatorConditionalBranch {
		t.Fatalf("Terminator = %v, want ConditionalBranch", entry.Terminator)
	}
	if len(entry.Successors) != 2 {
		t.Fatalf("len(Successors) = %d, want 2 (fallthrough + taken)", len(entry.Successors))
	}
}

func TestJunkJumpConsumedAsDeadCode(t *testing.T) {
	// jmp +0 (EB 00, target == next instruction) then ret.
	code := []byte{0xEB, 0x00, 0xC3}
	bytes := fakeBytes{base: 0x3000, data: code}

	stepper := NewStepper(bytes, noResolver{}, RuleSet1)
	fn := stepper.WalkFunction(0x3000)

	block, ok := fn.Blocks[0x3000]
	if !ok {
		t.Fatalf("expected entry block")
	}
	if block.Terminator != TerminatorReturn {
		t.Errorf("Terminator = %v, want Return (jmp should have been consumed as dead code)", block.Terminator)
	}
	if len(block.Instructions) != 1 {
		t.Errorf("len(Instructions) = %d, want 1 (only the RET)", len(block.Instructions))
	}
}

func TestDispatcherCallRedirectsControlFlow(t *testing.T) {
	// call rel32 to an arbitrary target; the dispatcher resolver claims it.
	code := []byte{0xE8, 0x00, 0x00, 0x00, 0x00}
	bytes := fakeBytes{base: 0x4000, data: code}

	resolver := resolverFunc(func(rva uint64) (uint64, bool) {
		if rva == 0x4000 {
			return 0x9000, true
		}
		return 0, false
	})

	stepper := NewStepper(bytes, resolver, RuleSet1)
	fn := stepper.WalkFunction(0x4000)

	block, ok := fn.Blocks[0x4000]
	if !ok {
		t.Fatalf("expected entry block")
	}
	if len(block.Successors) != 1 || block.Successors[0] != 0x9000 {
		t.Errorf("Successors = %v, want [0x9000]", block.Successors)
	}
}

type resolverFunc func(rva uint64) (uint64, bool)

func (f resolverFunc) Resolve(rva uint64) (uint64, bool) { return f(rva) }

func TestNonDispatcherCallFallsThrough(t *testing.T) {
	// call +0 (rel32=0, target is the very next byte, unresolved by the
	// dispatcher); ret.
	code := []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0xC3}
	bytes := fakeBytes{base: 0x5000, data: code}

	stepper := NewStepper(bytes, noResolver{}, RuleSet1)
	fn := stepper.WalkFunction(0x5000)

	block, ok := fn.Blocks[0x5000]
	if !ok {
		t.Fatalf("expected entry block")
	}
	if block.Terminator != TerminatorReturn {
		t.Errorf("Terminator = %v, want Return (call should fall through, not terminate the block)", block.Terminator)
	}
	if len(block.Instructions) != 2 {
		t.Errorf("len(Instructions) = %d, want 2 (call + ret)", len(block.Instructions))
	}
	if len(block.CallTargets) != 1 || block.CallTargets[0] != 0x5005 {
		t.Errorf("CallTargets = %v, want [0x5005]", block.CallTargets)
	}
	if len(fn.Blocks) != 1 {
		t.Errorf("len(Blocks) = %d, want 1 (call is not a block boundary)", len(fn.Blocks))
	}
}

func TestOpaquePredicateAlwaysTakenSkipsDeadBranch(t *testing.T) {
	// cmp eax,eax; je +2 (always taken, lands directly on the ret); nop; nop; ret
	code := []byte{0x39, 0xC0, 0x74, 0x02, 0x90, 0x90, 0xC3}
	bytes := fakeBytes{base: 0x6000, data: code}

	stepper := NewStepper(bytes, noResolver{}, RuleSet1)
	fn := stepper.WalkFunction(0x6000)

	block, ok := fn.Blocks[0x6000]
	if !ok {
		t.Fatalf("expected entry block")
	}
	if block.Terminator != TerminatorReturn {
		t.Errorf("Terminator = %v, want Return", block.Terminator)
	}
	if len(block.Instructions) != 2 {
		t.Errorf("len(Instructions) = %d, want 2 (cmp + ret; je and the dead nops are resolved away)", len(block.Instructions))
	}
}

func TestOpaquePredicateNeverTakenConsumesDeadBranch(t *testing.T) {
	// cmp eax,eax; jne +2 (never taken, dead); nop; nop; ret
	code := []byte{0x39, 0xC0, 0x75, 0x02, 0x90, 0x90, 0xC3}
	bytes := fakeBytes{base: 0x7000, data: code}

	stepper := NewStepper(bytes, noResolver{}, RuleSet1)
	fn := stepper.WalkFunction(0x7000)

	block, ok := fn.Blocks[0x7000]
	if !ok {
		t.Fatalf("expected entry block")
	}
	if block.Terminator != TerminatorReturn {
		t.Errorf("Terminator = %v, want Return", block.Terminator)
	}
	if len(block.Instructions) != 4 {
		t.Errorf("len(Instructions) = %d, want 4 (cmp + nop + nop + ret; the dead jne is dropped)", len(block.Instructions))
	}
}
