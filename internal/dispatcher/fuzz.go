// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dispatcher

// Fuzz exercises the prologue-signature scan in isolation, the pure-logic
// half of Scan that needs no emulator: data is treated as one executable
// region starting at RVA 0 and scanned under both known rule sets.
func Fuzz(data []byte) int {
	region := ExecutableRegion{RVA: 0, Data: data}
	scanRegion(region, signatures[RuleSet1])
	scanRegion(region, signatures[RuleSet2])
	return 1
}
