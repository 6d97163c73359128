// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "testing"

func newHeaderlessFile(t *testing.T, data []byte) *File {
	t.Helper()
	f, err := NewBytes(data, &Options{Mode: ModeHeaderless})
	if err != nil {
		t.Fatalf("NewBytes failed: %v", err)
	}
	if err := f.Parse(); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return f
}

func TestBytesAtReturnsUnderlyingBytes(t *testing.T) {
	f := newHeaderlessFile(t, []byte{0xAA, 0xBB, 0xCC, 0xDD})

	got, err := f.BytesAt(1, 2)
	if err != nil {
		t.Fatalf("BytesAt failed: %v", err)
	}
	if len(got) != 2 || got[0] != 0xBB || got[1] != 0xCC {
		t.Errorf("BytesAt(1, 2) = %x, want [bb cc]", got)
	}
}

func TestBytesAtOutOfRange(t *testing.T) {
	f := newHeaderlessFile(t, []byte{0xAA, 0xBB})
	if _, err := f.BytesAt(10, 2); err != ErrOutOfRange {
		t.Errorf("err = %v, want ErrOutOfRange", err)
	}
}

func TestPatchOverlaysBytesAtWithoutMutatingUnderlying(t *testing.T) {
	f := newHeaderlessFile(t, []byte{0x00, 0x00, 0x00, 0x00})

	if err := f.Patch(1, []byte{0x90, 0x90}); err != nil {
		t.Fatalf("Patch failed: %v", err)
	}

	got, err := f.BytesAt(0, 4)
	if err != nil {
		t.Fatalf("BytesAt failed: %v", err)
	}
	want := []byte{0x00, 0x90, 0x90, 0x00}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("BytesAt(0,4) = %x, want %x", got, want)
		}
	}

	// Patch leaves the underlying data untouched.
	if f.data[1] != 0x00 || f.data[2] != 0x00 {
		t.Errorf("underlying data mutated before commit: %x", f.data)
	}
}

func TestPatchAfterCommitFails(t *testing.T) {
	f := newHeaderlessFile(t, []byte{0x00, 0x00})
	f.CommitPatches()
	if err := f.Patch(0, []byte{0x90}); err == nil {
		t.Errorf("expected Patch after CommitPatches to fail")
	}
}

func TestPendingPatchesPreservesStagingOrder(t *testing.T) {
	f := newHeaderlessFile(t, []byte{0x00, 0x00, 0x00, 0x00})
	_ = f.Patch(2, []byte{0x01})
	_ = f.Patch(0, []byte{0x02})

	pending := f.PendingPatches()
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(pending))
	}
	if pending[0].RVA != 2 || pending[1].RVA != 0 {
		t.Errorf("pending RVAs = [%d, %d], want [2, 0] (staging order)", pending[0].RVA, pending[1].RVA)
	}
}

func TestIsExecutableHeaderlessSingleRegion(t *testing.T) {
	f := newHeaderlessFile(t, []byte{0x90, 0x90})
	if !f.IsExecutable(0) {
		t.Errorf("expected synthesized .scbimg region to be executable")
	}
}
