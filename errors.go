// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "errors"

// Recovery-pipeline error taxonomy. ParseError, OutOfRange, LayoutError, and
// ImportDecryptError are fatal: they abort the control surface operation
// that raised them. EmulationTimeout, EmulationFault, UnresolvedDispatcher,
// and UnresolvedBlock are recorded against the relevant dispatcher/function
// record instead of being returned as errors, matching dispatcher/block
// recovery's non-fatal failure policy.
var (
	// ErrParseFailed wraps a fatal failure parsing the protected input.
	ErrParseFailed = errors.New("pe: parse failed")

	// ErrLayoutFailed is returned when the output assembler cannot lay out
	// a consistent new image.
	ErrLayoutFailed = errors.New("pe: output layout failed")

	// ErrImportDecryptFailed wraps an error returned by import recovery. A
	// single stub whose name cannot be decrypted is skipped, not reported
	// through this error.
	ErrImportDecryptFailed = errors.New("pe: import name decryption failed")
)
