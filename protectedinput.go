// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "errors"

// ProtectionMode selects how a protected image is parsed and which
// recovery subroutines are enabled. It is immutable for the lifetime of a
// File once Parse has returned.
type ProtectionMode uint8

// Protection modes.
const (
	// ModeFull parses a well-formed PE header, section table, and data
	// directories, the way any ordinary PE would be parsed.
	ModeFull ProtectionMode = iota

	// ModeHeaderless treats the input as a raw blob with no DOS/NT header,
	// using either the caller-supplied section layout or a single RX+RW
	// region covering the whole buffer.
	ModeHeaderless

	// ModeSelective parses the header and section table like ModeFull, but
	// restricts data-directory parsing to the directories import recovery
	// needs (Import, IAT), skipping the rest for speed on large inputs.
	ModeSelective
)

func (m ProtectionMode) String() string {
	switch m {
	case ModeFull:
		return "FULL"
	case ModeHeaderless:
		return "HEADERLESS"
	case ModeSelective:
		return "SELECTIVE"
	default:
		return "UNKNOWN"
	}
}

// selectiveDirectories lists the data directories parsed under ModeSelective.
var selectiveDirectories = map[ImageDirectoryEntry]bool{
	ImageDirectoryEntryImport: true,
	ImageDirectoryEntryIAT:    true,
}

// SectionLayout describes one section of a headerless blob, as supplied by
// a caller who already knows (from a previous unpacking pass, typically)
// where the code and data regions fall.
type SectionLayout struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Characteristics uint32
}

// ErrOutOfRange is returned when an RVA falls outside every mapped section.
var ErrOutOfRange = errors.New("rva is not mapped by any section")

// parseHeaderless builds the synthetic section/header state Component B
// needs when there is no PE header to parse: either the caller-supplied
// section layout, or (absent one) a single region covering the entire blob,
// marked executable and writable so every recovery pass can proceed without
// special-casing "no sections" everywhere else in the codebase.
func (pe *File) parseHeaderless() error {
	if len(pe.data) == 0 {
		return ErrInvalidPESize
	}

	layouts := pe.opts.HeaderlessSections
	if len(layouts) == 0 {
		layouts = []SectionLayout{{
			Name:            ".scbimg",
			VirtualAddress:  0,
			VirtualSize:     uint32(len(pe.data)),
			Characteristics: ImageScnMemExecute | ImageScnMemRead | ImageScnMemWrite | ImageScnCntCode,
		}}
	}

	// A single-region PE32+ optional header shell makes the alignment
	// helpers (adjustFileAlignment/adjustSectionAlignment) behave: file
	// alignment == section alignment == 1 disables rounding entirely, which
	// is exactly what an unaligned raw blob needs.
	pe.Is64 = true
	pe.NtHeader.OptionalHeader = ImageOptionalHeader64{
		Magic:            ImageNtOptionalHeader64Magic,
		FileAlignment:    1,
		SectionAlignment: 1,
		ImageBase:        0,
	}
	pe.NtHeader.FileHeader = ImageFileHeader{
		Machine:        ImageFileMachineAMD64,
		NumberOfSections: uint16(len(layouts)),
	}

	pe.Sections = make([]Section, 0, len(layouts))
	for _, l := range layouts {
		hdr := ImageSectionHeader{
			VirtualAddress:   l.VirtualAddress,
			VirtualSize:      l.VirtualSize,
			PointerToRawData: l.VirtualAddress,
			SizeOfRawData:    l.VirtualSize,
			Characteristics:  l.Characteristics,
		}
		copy(hdr.Name[:], l.Name)
		pe.Sections = append(pe.Sections, Section{Header: hdr})
	}

	pe.HasSections = true
	pe.HasNTHdr = true
	pe.patches = make(map[uint32][]byte)
	return nil
}

// BytesAt returns a read-only view of n bytes at rva, honoring any patches
// staged so far (a patch shadows the underlying bytes until it is committed
// by the output assembler, but reads always see the latest staged value so
// later passes observe earlier ones' edits).
func (pe *File) BytesAt(rva uint32, n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	section := pe.getSectionByRva(rva)
	if section == nil && (pe.Mode != ModeHeaderless || rva+n > uint32(len(pe.data))) {
		return nil, ErrOutOfRange
	}

	out := make([]byte, n)
	offset := pe.GetOffsetFromRva(rva)
	if offset == ^uint32(0) || offset+n > uint32(len(pe.data)) {
		return nil, ErrOutOfRange
	}
	copy(out, pe.data[offset:offset+n])

	// Overlay any staged patches that intersect [rva, rva+n).
	for _, site := range pe.patchOrder {
		patch := pe.patches[site]
		patchLen := uint32(len(patch))
		if site+patchLen <= rva || site >= rva+n {
			continue
		}
		for i := uint32(0); i < patchLen; i++ {
			pos := site + i
			if pos < rva || pos >= rva+n {
				continue
			}
			out[pos-rva] = patch[i]
		}
	}
	return out, nil
}

// RvaToOffset converts an RVA to a file offset. Returns ErrOutOfRange if the
// RVA is not covered by any mapped section.
func (pe *File) RvaToOffset(rva uint32) (uint32, error) {
	off := pe.GetOffsetFromRva(rva)
	if off == ^uint32(0) {
		return 0, ErrOutOfRange
	}
	return off, nil
}

// OffsetToRva converts a file offset to an RVA.
func (pe *File) OffsetToRva(offset uint32) (uint32, error) {
	rva := pe.GetRVAFromOffset(offset)
	if rva == ^uint32(0) {
		return 0, ErrOutOfRange
	}
	return rva, nil
}

// IsExecutable reports whether rva lies in a section marked executable.
func (pe *File) IsExecutable(rva uint32) bool {
	section := pe.getSectionByRva(rva)
	if section == nil {
		return false
	}
	return section.Header.Characteristics&ImageScnMemExecute != 0
}

// Patch stages a byte-level edit at rva. The edit never changes the
// underlying image bytes: BytesAt and ImageBytes overlay it on each read.
// Once CommitPatches has run, Patch returns an error.
func (pe *File) Patch(rva uint32, data []byte) error {
	if pe.patchApplied {
		return errors.New("patches already committed, image is finalized")
	}
	if pe.patches == nil {
		pe.patches = make(map[uint32][]byte)
	}
	if _, exists := pe.patches[rva]; !exists {
		pe.patchOrder = append(pe.patchOrder, rva)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	pe.patches[rva] = buf
	return nil
}

// PendingPatches returns the staged (rva, bytes) edits in the order they
// were staged. The rebuild in control.go does not use this list; it gets
// the patched image from ImageBytes.
func (pe *File) PendingPatches() []Patch {
	out := make([]Patch, 0, len(pe.patchOrder))
	for _, rva := range pe.patchOrder {
		out = append(out, Patch{RVA: rva, Bytes: pe.patches[rva]})
	}
	return out
}

// CommitPatches marks the image as finalized; no further staging is
// permitted. It changes no bytes. The rebuild in control.go calls it once,
// after ImageBytes has folded the staged patches into the new image buffer.
func (pe *File) CommitPatches() {
	pe.patchApplied = true
}

// Patch is a single staged byte-level edit.
type Patch struct {
	RVA   uint32
	Bytes []byte
}
