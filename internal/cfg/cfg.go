// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package cfg implements the mutation-rule-driven instruction stepper that
// turns ScatterBrain-obfuscated code into a clean basic-block graph, one
// instruction at a time.
package cfg

import (
	"github.com/saferwall/scatterbrain/internal/disasm"
	"golang.org/x/arch/x86/x86asm"
)

// TerminatorKind classifies how a basic block ends.
type TerminatorKind int

// Terminator kinds.
const (
	TerminatorFallthrough TerminatorKind = iota
	TerminatorUnconditionalBranch
	TerminatorConditionalBranch
	TerminatorReturn
	TerminatorIndirect
)

func (k TerminatorKind) String() string {
	switch k {
	case TerminatorFallthrough:
		return "fallthrough"
	case TerminatorUnconditionalBranch:
		return "branch"
	case TerminatorConditionalBranch:
		return "cond-branch"
	case TerminatorReturn:
		return "return"
	case TerminatorIndirect:
		return "indirect"
	default:
		return "unknown"
	}
}

// BasicBlock is a contiguous run of cleaned instructions in the recovered
// address space, ending in exactly one control-flow-affecting instruction.
type BasicBlock struct {
	StartRVA     uint64
	Instructions []disasm.Instruction
	Terminator   TerminatorKind
	Successors   []uint64
	Unresolved   bool

	// CallTargets lists the direct, statically-known targets of every
	// non-dispatcher CALL instruction emitted into this block. A plain
	// call is not a CFG edge of this function — it returns here — so it
	// is tracked separately from Successors; Component E enqueues these
	// as new function entries.
	CallTargets []uint64
}

// FunctionState is a function's position in the recovery state machine.
type FunctionState int

// States.
const (
	StatePending FunctionState = iota
	StateWalking
	StateComplete
	StateUnresolved
)

func (s FunctionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateWalking:
		return "walking"
	case StateComplete:
		return "complete"
	case StateUnresolved:
		return "unresolved"
	default:
		return "unknown"
	}
}

// Function is one recovered function: its entry RVA and the blocks
// discovered while walking it.
type Function struct {
	EntryRVA uint64
	State    FunctionState
	Blocks   map[uint64]*BasicBlock
}

// CFG is the set of recovered functions, keyed by entry RVA.
type CFG struct {
	Functions map[uint64]*Function
}

// NewCFG returns an empty graph.
func NewCFG() *CFG {
	return &CFG{Functions: make(map[uint64]*Function)}
}

// RuleKind enumerates the closed set of mutation-rule behaviors; rules are
// a tagged-variant type rather than an interface so a rule set can be
// serialized, compared, and reordered without worrying about hidden
// implementation state.
type RuleKind int

// Rule kinds, matching spec-level rule-family names. Dead-store and
// flag-wash elimination were dropped: both would require retroactively
// un-emitting an instruction already committed to block.Instructions by a
// prior step, which this single-pass-forward stepper has no mechanism to
// express — a Rewrite only changes how the *next* instruction is handled.
const (
	RuleOpaquePredicate RuleKind = iota
	RuleJunkJump
	RuleDispatcherCall
)

// Rule is one mutation rule: a predicate over a Window plus the rewrite it
// performs when it fires. Every rule set lists the dispatcher-call rule
// first, and all rules take priority over import-stub recognition done
// downstream in the function/scbimport packages, since a window can
// coincidentally resemble more than one family.
type Rule struct {
	Name string
	Kind RuleKind
}

// RuleSet is a totally-ordered list of rules bound to a protection variant.
// Distinct sets exist because ScatterBrain variants emit overlapping but
// distinguishable garbage patterns.
type RuleSet struct {
	Name  string
	Rules []Rule
}

// RuleSet1 targets the primary ScatterBrain dropper variant.
var RuleSet1 = RuleSet{
	Name: "RULE_SET_1",
	Rules: []Rule{
		{Name: "dispatcher-call", Kind: RuleDispatcherCall},
		{Name: "opaque-predicate", Kind: RuleOpaquePredicate},
		{Name: "junk-jump", Kind: RuleJunkJump},
	},
}

// RuleSet2 targets a second, looser dropper variant: junk jumps are checked
// before opaque predicates, since that variant's predicate windows are
// short enough to false-positive against the junk-jump pattern otherwise.
var RuleSet2 = RuleSet{
	Name: "RULE_SET_2",
	Rules: []Rule{
		{Name: "dispatcher-call", Kind: RuleDispatcherCall},
		{Name: "junk-jump", Kind: RuleJunkJump},
		{Name: "opaque-predicate", Kind: RuleOpaquePredicate},
	},
}

// windowDepth is the number of trailing instructions a Window retains;
// enough context for the opaque-predicate rule family without requiring
// full dataflow analysis.
const windowDepth = 4

// Window is the stepper's local view at a given RVA: the last few emitted
// instructions, in program order.
type Window struct {
	Instructions []disasm.Instruction
}

func newWindow() Window {
	return Window{}
}

func (w *Window) push(inst disasm.Instruction) {
	w.Instructions = append(w.Instructions, inst)
	if len(w.Instructions) > windowDepth {
		w.Instructions = w.Instructions[len(w.Instructions)-windowDepth:]
	}
}

// Rewrite is the outcome of a fired rule: either a redirect to a resolved
// RVA, or a marker that the window was consumed as dead code.
type Rewrite struct {
	RedirectRVA uint64
	Redirected  bool
	ConsumedLen int
}

// DispatcherResolver answers whether rva is a known dispatcher-call/jump
// site, and if so, its resolved target. Component D satisfies this.
type DispatcherResolver interface {
	Resolve(rva uint64) (target uint64, ok bool)
}

// ByteSource supplies raw bytes for decoding at a given RVA. Component B
// satisfies this through BytesAt.
type ByteSource interface {
	BytesAt(rva uint32, n uint32) ([]byte, error)
}

// maxDecodeWindow is the largest buffer requested per decode attempt; more
// than enough for the longest legal x86-64 instruction (15 bytes).
const maxDecodeWindow = 16

// perFunctionInstructionBudget bounds how many instructions (including
// those consumed as dead code) a single function walk may process, so a
// pathological rewrite loop cannot hang recovery.
const perFunctionInstructionBudget = 1_000_000

// Stepper walks instructions one at a time, applying a RuleSet's rewrites
// and emitting a basic-block graph.
type Stepper struct {
	Bytes      ByteSource
	Dispatcher DispatcherResolver
	Rules      RuleSet
}

// NewStepper returns a Stepper bound to the given byte source, dispatcher
// resolver, and rule set.
func NewStepper(bytes ByteSource, dispatcher DispatcherResolver, rules RuleSet) *Stepper {
	return &Stepper{Bytes: bytes, Dispatcher: dispatcher, Rules: rules}
}

// WalkFunction builds the CFG reachable from entryRVA, starting fresh (no
// already-recovered blocks). Cycles back to entryRVA or any block already
// present in fn.Blocks are handled as joins: the stepper adds a successor
// edge and stops walking that path, rather than re-emitting the block.
func (s *Stepper) WalkFunction(entryRVA uint64) *Function {
	fn := &Function{EntryRVA: entryRVA, State: StatePending, Blocks: make(map[uint64]*BasicBlock)}
	fn.State = StateWalking

	worklist := []uint64{entryRVA}
	budget := perFunctionInstructionBudget
	anyUnresolved := false

	for len(worklist) > 0 {
		rva := worklist[0]
		worklist = worklist[1:]

		if _, already := fn.Blocks[rva]; already {
			continue
		}

		block, succs, unresolved, consumed := s.walkBlock(rva, &budget)
		fn.Blocks[rva] = block
		if unresolved {
			anyUnresolved = true
		}
		_ = consumed
		for _, succ := range succs {
			block.Successors = append(block.Successors, succ)
			if _, already := fn.Blocks[succ]; !already {
				worklist = append(worklist, succ)
			}
		}
		if budget <= 0 {
			anyUnresolved = true
			break
		}
	}

	if anyUnresolved {
		fn.State = StateUnresolved
	} else {
		fn.State = StateComplete
	}
	return fn
}

// walkBlock steps through instructions starting at rva until a block
// terminator is reached, returns the built block, the RVAs it branches to,
// and whether the block ended unresolved.
func (s *Stepper) walkBlock(rva uint64, budget *int) (*BasicBlock, []uint64, bool, int) {
	block := &BasicBlock{StartRVA: rva}
	window := newWindow()
	cur := rva
	rulesDisabledThisStep := false
	consumed := 0

	for {
		if *budget <= 0 {
			block.Terminator = TerminatorIndirect
			block.Unresolved = true
			return block, nil, true, consumed
		}

		code, err := s.Bytes.BytesAt(uint32(cur), maxDecodeWindow)
		if err != nil || len(code) == 0 {
			block.Terminator = TerminatorIndirect
			block.Unresolved = true
			return block, nil, true, consumed
		}

		inst, decErr := disasm.Decode(code, cur)
		if decErr != nil {
			block.Terminator = TerminatorIndirect
			block.Unresolved = true
			return block, nil, true, consumed
		}

		*budget--
		consumed++

		if !rulesDisabledThisStep {
			if rewrite, fired := s.applyRules(window, inst); fired {
				if rewrite.Redirected {
					cur = rewrite.RedirectRVA
					continue
				}
				// Dead-code window: advance past it without emitting.
				cur += uint64(inst.Len)
				window.push(inst)
				continue
			}
		}
		rulesDisabledThisStep = false

		switch {
		case inst.IsCall():
			if target, ok := s.Dispatcher.Resolve(uint64(inst.RVA)); ok {
				block.Instructions = append(block.Instructions, inst)
				block.Terminator = TerminatorUnconditionalBranch
				return block, []uint64{target}, false, consumed
			}
			// An ordinary call is not a dispatcher site: the callee is a
			// separate function (Component E discovers it from
			// CallTargets), and execution returns here, so the block
			// keeps growing past it instead of terminating.
			block.Instructions = append(block.Instructions, inst)
			if target, ok := inst.BranchTarget(); ok {
				block.CallTargets = append(block.CallTargets, target)
			}
			window.push(inst)
			cur += uint64(inst.Len)

		case inst.IsJump():
			if target, ok := s.Dispatcher.Resolve(uint64(inst.RVA)); ok {
				block.Instructions = append(block.Instructions, inst)
				block.Terminator = TerminatorUnconditionalBranch
				return block, []uint64{target}, false, consumed
			}
			if inst.IsConditionalJump() {
				block.Instructions = append(block.Instructions, inst)
				block.Terminator = TerminatorConditionalBranch
				fallthroughRVA := cur + uint64(inst.Len)
				if target, ok := inst.BranchTarget(); ok {
					return block, []uint64{fallthroughRVA, target}, false, consumed
				}
				return block, []uint64{fallthroughRVA}, false, consumed
			}
			if target, ok := inst.BranchTarget(); ok {
				block.Instructions = append(block.Instructions, inst)
				block.Terminator = TerminatorUnconditionalBranch
				return block, []uint64{target}, false, consumed
			}
			block.Instructions = append(block.Instructions, inst)
			block.Terminator = TerminatorIndirect
			block.Unresolved = true
			return block, nil, true, consumed

		case inst.IsReturn():
			block.Instructions = append(block.Instructions, inst)
			block.Terminator = TerminatorReturn
			return block, nil, false, consumed

		default:
			block.Instructions = append(block.Instructions, inst)
			window.push(inst)
			cur += uint64(inst.Len)
		}
	}
}

// applyRules evaluates the stepper's rule set in priority order against
// window+next, returning the first rule that fires. walkBlock applies the
// rewrite as returned: there is no roll-back of a rewrite that removes a
// block's terminator, and rulesDisabledThisStep is never set, so rules are
// evaluated on every step.
func (s *Stepper) applyRules(window Window, next disasm.Instruction) (Rewrite, bool) {
	for _, rule := range s.Rules.Rules {
		if rewrite, ok := apply(rule, window, next, s.Dispatcher); ok {
			return rewrite, true
		}
	}
	return Rewrite{}, false
}

// apply dispatches a single rule against the window. Each rule family is
// a narrow, conservative pattern match: the goal is to recognize
// ScatterBrain's known garbage shapes, not to perform general-purpose
// superoptimization.
func apply(rule Rule, window Window, next disasm.Instruction, resolver DispatcherResolver) (Rewrite, bool) {
	switch rule.Kind {
	case RuleDispatcherCall:
		// Dispatcher calls are not a dead-code rewrite: resolving one and
		// closing the block is walkBlock's job, since the call/jump itself
		// must still be recorded as the block's terminator instruction.
		// This rule kind stays in the priority list so a rule set can be
		// compared and reordered like any other, but it never fires here.
		return Rewrite{}, false

	case RuleOpaquePredicate:
		// A conditional jump immediately preceded by a compare of a
		// register against itself is always-taken or never-taken; the
		// stepper resolves it statically and falls through to the live
		// side rather than emitting a branch for a window that can never
		// diverge.
		if !next.IsConditionalJump() || len(window.Instructions) == 0 {
			return Rewrite{}, false
		}
		last := window.Instructions[len(window.Instructions)-1]
		if !isSelfComparingOp(last) {
			return Rewrite{}, false
		}
		taken, known := selfCompareOutcome(next.Op)
		if !known {
			return Rewrite{}, false
		}
		if !taken {
			// The predicate never holds: the jump is dead, fall through to
			// whatever comes after it.
			return Rewrite{ConsumedLen: next.Len}, true
		}
		// The predicate always holds: resolve straight to the jump's
		// target instead of emitting a branch that can never diverge.
		target, ok := next.BranchTarget()
		if !ok {
			return Rewrite{}, false
		}
		return Rewrite{Redirected: true, RedirectRVA: target, ConsumedLen: next.Len}, true

	case RuleJunkJump:
		// An unconditional jump to the very next instruction is inert;
		// consume it as dead code.
		if !next.IsUnconditionalJump() {
			return Rewrite{}, false
		}
		target, ok := next.BranchTarget()
		if !ok || target != uint64(next.RVA)+uint64(next.Len) {
			return Rewrite{}, false
		}
		return Rewrite{ConsumedLen: next.Len}, true

	default:
		return Rewrite{}, false
	}
}

// isSelfComparingOp reports whether inst compares a register against
// itself (CMP/XOR/SUB reg, reg), the shape ScatterBrain uses to manufacture
// a flags value that is always structurally the same regardless of the
// register's runtime content.
func isSelfComparingOp(inst disasm.Instruction) bool {
	switch inst.Op {
	case x86asm.CMP, x86asm.XOR, x86asm.SUB:
	default:
		return false
	}
	a, ok := inst.Inst.Args[0].(x86asm.Reg)
	if !ok {
		return false
	}
	b, ok := inst.Inst.Args[1].(x86asm.Reg)
	if !ok {
		return false
	}
	return a == b
}

// selfCompareOutcome reports whether the conditional jump op is statically
// known to be taken or not taken given the flags a self-compare always
// produces (ZF=1, SF=0, CF=0, OF=0, PF=1). JCXZ/JECXZ/JRCXZ test a register,
// not flags, so they are never known here.
func selfCompareOutcome(op x86asm.Op) (taken bool, known bool) {
	switch op {
	case x86asm.JE, x86asm.JNS, x86asm.JP, x86asm.JNO, x86asm.JAE, x86asm.JBE, x86asm.JGE, x86asm.JLE:
		return true, true
	case x86asm.JNE, x86asm.JS, x86asm.JNP, x86asm.JO, x86asm.JB, x86asm.JA, x86asm.JL, x86asm.JG:
		return false, true
	default:
		return false, false
	}
}
