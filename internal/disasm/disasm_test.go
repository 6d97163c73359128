// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package disasm

import "testing"

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		code     []byte
		wantLen  int
		wantCall bool
		wantJump bool
		wantRet  bool
	}{
		{name: "ret", code: []byte{0xC3}, wantLen: 1, wantRet: true},
		{name: "nop", code: []byte{0x90}, wantLen: 1},
		{name: "push rbp", code: []byte{0x55}, wantLen: 1},
		{name: "jmp rel8", code: []byte{0xEB, 0x02}, wantLen: 2, wantJump: true},
		{name: "call rel32", code: []byte{0xE8, 0x00, 0x00, 0x00, 0x00}, wantLen: 5, wantCall: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := Decode(tt.code, 0x1000)
			if err != nil {
				t.Fatalf("Decode(%s) failed: %v", tt.name, err)
			}
			if inst.Len != tt.wantLen {
				t.Errorf("Len = %d, want %d", inst.Len, tt.wantLen)
			}
			if inst.IsCall() != tt.wantCall {
				t.Errorf("IsCall() = %v, want %v", inst.IsCall(), tt.wantCall)
			}
			if inst.IsJump() != tt.wantJump {
				t.Errorf("IsJump() = %v, want %v", inst.IsJump(), tt.wantJump)
			}
			if inst.IsReturn() != tt.wantRet {
				t.Errorf("IsReturn() = %v, want %v", inst.IsReturn(), tt.wantRet)
			}
		})
	}
}

func TestDecodeBranchTarget(t *testing.T) {
	// EB 02: jmp +2, decoded at 0x1000, so target is 0x1000+2+2 = 0x1004.
	inst, err := Decode([]byte{0xEB, 0x02}, 0x1000)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	target, ok := inst.BranchTarget()
	if !ok {
		t.Fatalf("BranchTarget() ok = false, want true")
	}
	if want := uint64(0x1004); target != want {
		t.Errorf("BranchTarget() = 0x%x, want 0x%x", target, want)
	}
}

func TestDecodeAllStopsAtControlFlow(t *testing.T) {
	code := []byte{0x90, 0x90, 0xC3, 0x90}
	insts, err := DecodeAll(code, 0x2000)
	if err != nil {
		t.Fatalf("DecodeAll failed: %v", err)
	}
	if len(insts) != 3 {
		t.Fatalf("len(insts) = %d, want 3 (two nops + ret)", len(insts))
	}
	if !insts[2].IsReturn() {
		t.Errorf("last instruction should be the RET that stopped the scan")
	}
}
