// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package function

import (
	"testing"

	"github.com/saferwall/scatterbrain/internal/cfg"
)

// fakeWalker returns pre-built functions from a fixed map, recording which
// entries it was asked to walk so tests can assert on call order/count.
type fakeWalker struct {
	fns    map[uint64]*cfg.Function
	walked []uint64
}

func (w *fakeWalker) WalkFunction(entryRVA uint64) *cfg.Function {
	w.walked = append(w.walked, entryRVA)
	if fn, ok := w.fns[entryRVA]; ok {
		return fn
	}
	return &cfg.Function{EntryRVA: entryRVA, State: cfg.StateComplete, Blocks: map[uint64]*cfg.BasicBlock{}}
}

func TestRecoverWalksBranchTargetsOnce(t *testing.T) {
	walker := &fakeWalker{fns: map[uint64]*cfg.Function{
		0x1000: {
			EntryRVA: 0x1000,
			State:    cfg.StateComplete,
			Blocks: map[uint64]*cfg.BasicBlock{
				0x1000: {
					StartRVA:   0x1000,
					Terminator: cfg.TerminatorUnconditionalBranch,
					Successors: []uint64{0x2000},
				},
			},
		},
		0x2000: {
			EntryRVA: 0x2000,
			State:    cfg.StateComplete,
			Blocks: map[uint64]*cfg.BasicBlock{
				0x2000: {StartRVA: 0x2000, Terminator: cfg.TerminatorReturn},
			},
		},
	}}

	graph := Recover(walker, []uint64{0x1000})

	if len(graph.Functions) != 2 {
		t.Fatalf("len(Functions) = %d, want 2", len(graph.Functions))
	}
	if _, ok := graph.Functions[0x1000]; !ok {
		t.Errorf("expected function at root entry 0x1000")
	}
	if _, ok := graph.Functions[0x2000]; !ok {
		t.Errorf("expected function at discovered branch target 0x2000")
	}
	if len(walker.walked) != 2 {
		t.Errorf("WalkFunction called %d times, want 2", len(walker.walked))
	}
}

func TestRecoverSkipsReturnTerminatedSuccessors(t *testing.T) {
	walker := &fakeWalker{fns: map[uint64]*cfg.Function{
		0x1000: {
			EntryRVA: 0x1000,
			State:    cfg.StateComplete,
			Blocks: map[uint64]*cfg.BasicBlock{
				0x1000: {StartRVA: 0x1000, Terminator: cfg.TerminatorReturn},
			},
		},
	}}

	graph := Recover(walker, []uint64{0x1000})
	if len(graph.Functions) != 1 {
		t.Fatalf("len(Functions) = %d, want 1 (no successors to enqueue)", len(graph.Functions))
	}
}

func TestRecoverWalksCallTargets(t *testing.T) {
	walker := &fakeWalker{fns: map[uint64]*cfg.Function{
		0x1000: {
			EntryRVA: 0x1000,
			State:    cfg.StateComplete,
			Blocks: map[uint64]*cfg.BasicBlock{
				0x1000: {
					StartRVA:    0x1000,
					Terminator:  cfg.TerminatorReturn,
					CallTargets: []uint64{0x3000},
				},
			},
		},
		0x3000: {
			EntryRVA: 0x3000,
			State:    cfg.StateComplete,
			Blocks: map[uint64]*cfg.BasicBlock{
				0x3000: {StartRVA: 0x3000, Terminator: cfg.TerminatorReturn},
			},
		},
	}}

	graph := Recover(walker, []uint64{0x1000})

	if _, ok := graph.Functions[0x3000]; !ok {
		t.Errorf("expected call target 0x3000 to be recovered as its own function")
	}
	if len(walker.walked) != 2 {
		t.Errorf("WalkFunction called %d times, want 2", len(walker.walked))
	}
}

func TestRecoverDeduplicatesRoots(t *testing.T) {
	walker := &fakeWalker{fns: map[uint64]*cfg.Function{
		0x1000: {EntryRVA: 0x1000, State: cfg.StateComplete, Blocks: map[uint64]*cfg.BasicBlock{}},
	}}

	Recover(walker, []uint64{0x1000, 0x1000})
	if len(walker.walked) != 1 {
		t.Errorf("WalkFunction called %d times for duplicate roots, want 1", len(walker.walked))
	}
}
