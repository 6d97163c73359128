// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package scbimport

import "encoding/binary"

// Fuzz exercises the name-decryption mixing function directly, the same
// go-fuzz entry-point shape as the root package's own Fuzz: the first four
// bytes of data seed the decrypt constant, the remainder is the ciphertext.
func Fuzz(data []byte) int {
	if len(data) < 4 {
		return 0
	}
	seed := binary.LittleEndian.Uint32(data[:4])
	if _, err := decryptName(seed, data[4:]); err != nil {
		return 0
	}
	return 1
}
