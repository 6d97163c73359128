// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package dispatcher recovers ScatterBrain's instruction-dispatcher sites:
// a prologue-signature scan over every executable byte, followed by an
// emulate-to-boundary classification pass that assigns each candidate site
// a role from its resulting flags/register state. A site that cannot be
// classified is recorded unresolved rather than discarded; dispatcher
// recovery never fails the overall recovery pipeline.
package dispatcher

import (
	"runtime"
	"sync"

	"github.com/saferwall/scatterbrain/internal/emulate"
)

// RuleSetName selects which prologue-signature table a scan uses.
type RuleSetName string

// Known rule sets.
const (
	RuleSet1 RuleSetName = "RULE_SET_1"
	RuleSet2 RuleSetName = "RULE_SET_2"
)

// signatures holds one prologue byte pattern per rule set. RULE_SET_2
// targets a looser dropper variant that omits the leading opaque-predicate
// probe the first variant always emits.
var signatures = map[RuleSetName][]byte{
	RuleSet1: {0x55, 0x48, 0x89, 0xE5, 0x48, 0x83, 0xEC},
	RuleSet2: {0x48, 0x89, 0xE5, 0x48, 0x81, 0xEC},
}

// Kind classifies a recovered dispatcher site once its behavior under
// emulation has been observed.
type Kind int

// Site kinds.
const (
	// KindUnresolved means the site matched a prologue signature but could
	// not be classified (emulation faulted or timed out).
	KindUnresolved Kind = iota
	// KindSwitch means the site resolves a jump table indexed by a
	// register value (the canonical ScatterBrain dispatcher shape).
	KindSwitch
	// KindLinear means the site falls straight through without branching,
	// a degenerate one-target dispatcher.
	KindLinear
)

func (k Kind) String() string {
	switch k {
	case KindSwitch:
		return "switch"
	case KindLinear:
		return "linear"
	default:
		return "unresolved"
	}
}

// Record is one recovered dispatcher site.
type Record struct {
	RVA    uint64
	Kind   Kind
	Target uint64 // resolved jump target, valid only when Kind != KindUnresolved
}

// Set is the concurrency-safe collection dispatcher recovery accumulates
// into. Insertion is idempotent: recomputing the same site twice never
// changes the stored record, so workers racing over overlapping ranges
// cannot introduce nondeterminism.
type Set struct {
	mu      sync.Mutex
	records map[uint64]Record
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{records: make(map[uint64]Record)}
}

// Insert records site, first-writer-wins semantics are irrelevant here
// since every worker computes the same Record for a given RVA.
func (s *Set) Insert(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.RVA] = r
}

// Lookup returns the recorded site at rva, if any.
func (s *Set) Lookup(rva uint64) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[rva]
	return r, ok
}

// Records returns every recovered site, in ascending RVA order.
func (s *Set) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sortRecords(out)
	return out
}

func sortRecords(recs []Record) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].RVA < recs[j-1].RVA; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

// ExecutableRegion describes one scannable byte range.
type ExecutableRegion struct {
	RVA  uint64
	Data []byte
}

// Scan finds every prologue-signature match across regions under ruleSet,
// then classifies each site by running it under a fresh emulator built from
// newEmulator. Classification runs on a worker pool bounded by
// runtime.GOMAXPROCS; a classification failure (fault or step-budget
// exhaustion) records the site as KindUnresolved instead of aborting the
// scan.
func Scan(regions []ExecutableRegion, ruleSet RuleSetName, newEmulator func() (*emulate.Emulator, error)) (*Set, error) {
	pattern, ok := signatures[ruleSet]
	if !ok {
		pattern = signatures[RuleSet1]
	}

	var sites []uint64
	for _, region := range regions {
		sites = append(sites, scanRegion(region, pattern)...)
	}

	result := NewSet()
	if len(sites) == 0 {
		return result, nil
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(sites) {
		workers = len(sites)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan uint64, len(sites))
	for _, site := range sites {
		jobs <- site
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			emu, err := newEmulator()
			if err != nil {
				// This worker contributes nothing; remaining sites are
				// still covered by the others, or recorded unresolved if
				// every worker fails to start.
				return
			}
			defer emu.Close()

			for rva := range jobs {
				result.Insert(classify(emu, rva))
				// A worker's emulator is reused across every job pulled off
				// the shared channel; resetting between jobs is what keeps
				// that reuse from leaking one site's state into the next,
				// which job lands on which worker is not deterministic.
				if err := emu.Reset(); err != nil {
					return
				}
			}
		}()
	}
	wg.Wait()
	for _, site := range sites {
		if _, ok := result.Lookup(site); !ok {
			result.Insert(Record{RVA: site, Kind: KindUnresolved})
		}
	}
	return result, nil
}

func scanRegion(region ExecutableRegion, pattern []byte) []uint64 {
	var sites []uint64
	data := region.Data
	if len(pattern) == 0 || len(data) < len(pattern) {
		return sites
	}
	for i := 0; i+len(pattern) <= len(data); i++ {
		if matches(data[i:i+len(pattern)], pattern) {
			sites = append(sites, region.RVA+uint64(i))
		}
	}
	return sites
}

func matches(window, pattern []byte) bool {
	for i := range pattern {
		if window[i] != pattern[i] {
			return false
		}
	}
	return true
}

// maxDispatcherSteps bounds how long a single dispatcher-site emulation may
// run before the site is given up on as unresolved; ScatterBrain's recovery
// stub prologues resolve within a handful of instructions when they resolve
// at all.
const maxDispatcherSteps = 256

// deterministicRegisters is the fixed initial register state every
// dispatcher-site classification starts from, so a given binary always
// classifies the same way regardless of how it is invoked.
var deterministicRegisters = emulate.Registers{
	RAX: 0, RBX: 0, RCX: 0, RDX: 0,
	RSI: 0, RDI: 0,
	RSP: emulate.StackBase + emulate.StackSize - 0x1000,
	RBP: emulate.StackBase + emulate.StackSize - 0x1000,
}

func classify(emu *emulate.Emulator, rva uint64) Record {
	regs := deterministicRegisters
	regs.RIP = rva
	if err := emu.SetRegisters(regs); err != nil {
		return Record{RVA: rva, Kind: KindUnresolved}
	}

	_, err := emu.RunSteps(rva, maxDispatcherSteps)
	if err != nil {
		return Record{RVA: rva, Kind: KindUnresolved}
	}

	after, err := emu.ReadRegisters()
	if err != nil {
		return Record{RVA: rva, Kind: KindUnresolved}
	}
	if after.RIP == rva {
		// Execution landed back on the dispatcher's own site: there is no
		// real target to resolve to, and recording one equal to rva would
		// be an identity dispatch no caller can ever legally redirect to.
		return Record{RVA: rva, Kind: KindUnresolved}
	}
	return Record{RVA: rva, Kind: KindSwitch, Target: after.RIP}
}
