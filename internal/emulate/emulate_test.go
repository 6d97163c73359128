// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package emulate

import "testing"

func TestPageAlign(t *testing.T) {
	tests := []struct {
		n, want uint64
	}{
		{0, 0},
		{1, 0x1000},
		{0x1000, 0x1000},
		{0x1001, 0x2000},
	}
	for _, tt := range tests {
		if got := pageAlign(tt.n); got != tt.want {
			t.Errorf("pageAlign(%#x) = %#x, want %#x", tt.n, got, tt.want)
		}
	}
}

func TestFaultKindString(t *testing.T) {
	tests := []struct {
		kind FaultKind
		want string
	}{
		{FaultNone, "none"},
		{FaultMemoryRead, "memory-read"},
		{FaultMemoryWrite, "memory-write"},
		{FaultMemoryFetch, "memory-fetch"},
		{FaultInvalidInsn, "invalid-instruction"},
		{FaultTimeout, "timeout"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("%v.String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestFaultError(t *testing.T) {
	f := Fault{Kind: FaultMemoryFetch, Address: 0xDEAD}
	want := "emulate: memory-fetch at 0xdead"
	if got := f.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
