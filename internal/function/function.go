// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package function drives recursive-descent function discovery: a FIFO
// worklist of candidate entry RVAs, each walked into a CFG by the cfg
// package, with call-shaped terminators feeding new candidates back into
// the worklist until it drains.
package function

import "github.com/saferwall/scatterbrain/internal/cfg"

// Walker builds a CFG function for a given entry RVA. *cfg.Stepper
// satisfies this.
type Walker interface {
	WalkFunction(entryRVA uint64) *cfg.Function
}

// Recover runs recursive-descent function discovery starting from roots,
// returning every function reached. A call target already recovered (or
// already queued) is never walked twice; WalkFunction's own join handling
// covers any cycle back to a block inside the same function.
func Recover(walker Walker, roots []uint64) *cfg.CFG {
	graph := cfg.NewCFG()
	seen := make(map[uint64]bool)
	var worklist []uint64

	for _, root := range roots {
		if !seen[root] {
			seen[root] = true
			worklist = append(worklist, root)
		}
	}

	for len(worklist) > 0 {
		entry := worklist[0]
		worklist = worklist[1:]

		if _, already := graph.Functions[entry]; already {
			continue
		}

		fn := walker.WalkFunction(entry)
		graph.Functions[entry] = fn

		for _, block := range fn.Blocks {
			if block.Terminator == cfg.TerminatorUnconditionalBranch ||
				block.Terminator == cfg.TerminatorConditionalBranch {
				for _, succ := range block.Successors {
					if _, already := graph.Functions[succ]; already {
						continue
					}
					if seen[succ] {
						continue
					}
					seen[succ] = true
					worklist = append(worklist, succ)
				}
			}

			// Every direct call's target is a candidate function entry,
			// independent of how its own block ends: a plain call no
			// longer terminates the block it appears in, so CallTargets is
			// the only place these targets surface.
			for _, target := range block.CallTargets {
				if _, already := graph.Functions[target]; already {
					continue
				}
				if seen[target] {
					continue
				}
				seen[target] = true
				worklist = append(worklist, target)
			}
		}
	}

	return graph
}
