// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dispatcher

import "testing"

func TestScanRegionFindsSignatureAtOffset(t *testing.T) {
	pattern := signatures[RuleSet1]
	data := make([]byte, 4)
	data = append(data, pattern...)
	data = append(data, 0x90, 0x90)

	region := ExecutableRegion{RVA: 0x1000, Data: data}
	sites := scanRegion(region, pattern)

	if len(sites) != 1 {
		t.Fatalf("len(sites) = %d, want 1", len(sites))
	}
	if want := uint64(0x1004); sites[0] != want {
		t.Errorf("sites[0] = %#x, want %#x", sites[0], want)
	}
}

func TestScanRegionNoMatch(t *testing.T) {
	region := ExecutableRegion{RVA: 0x1000, Data: []byte{0x90, 0x90, 0x90, 0x90}}
	if sites := scanRegion(region, signatures[RuleSet1]); len(sites) != 0 {
		t.Errorf("sites = %v, want none", sites)
	}
}

func TestScanRegionShorterThanPattern(t *testing.T) {
	region := ExecutableRegion{RVA: 0x1000, Data: []byte{0x55}}
	if sites := scanRegion(region, signatures[RuleSet1]); sites != nil {
		t.Errorf("sites = %v, want nil", sites)
	}
}

func TestSetInsertLookupIdempotent(t *testing.T) {
	set := NewSet()
	rec := Record{RVA: 0x2000, Kind: KindSwitch, Target: 0x3000}

	set.Insert(rec)
	set.Insert(rec) // recomputed by another worker, identical result

	got, ok := set.Lookup(0x2000)
	if !ok {
		t.Fatalf("expected lookup to find inserted record")
	}
	if got != rec {
		t.Errorf("got %+v, want %+v", got, rec)
	}

	if _, ok := set.Lookup(0x9999); ok {
		t.Errorf("expected no record at unrecorded RVA")
	}
}

func TestSetRecordsSortedByRVA(t *testing.T) {
	set := NewSet()
	set.Insert(Record{RVA: 0x3000, Kind: KindLinear})
	set.Insert(Record{RVA: 0x1000, Kind: KindSwitch})
	set.Insert(Record{RVA: 0x2000, Kind: KindUnresolved})

	recs := set.Records()
	if len(recs) != 3 {
		t.Fatalf("len(recs) = %d, want 3", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].RVA < recs[i-1].RVA {
			t.Fatalf("Records() not sorted: %+v", recs)
		}
	}
}
