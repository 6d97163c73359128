// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package assemble rebuilds a deobfuscated PE image: a new section holding
// the cleaned function bodies, a standards-form import directory built
// from recovered imports, a patched relocation directory, and a trampoline
// at the original entry point when it moved. It writes the same on-disk
// structures the root package's parser reads, in the opposite direction.
package assemble

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"

	"github.com/saferwall/scatterbrain/internal/cfg"
	"github.com/saferwall/scatterbrain/internal/scbimport"
)

// ErrLayout is returned when the new image cannot be laid out consistently,
// e.g. a function references a block RVA never recovered.
var ErrLayout = errors.New("assemble: inconsistent layout")

const (
	sectionAlignment = 0x1000
	fileAlignment    = 0x200
	newSectionName   = ".scbtext"
)

// ImageImportDescriptor mirrors the root package's wire-format struct; it
// is redefined here (rather than imported) because importing the root
// package back would create an import cycle. Component G writes this exact
// byte layout; Component B parses it on the way in.
type ImageImportDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

// SectionHeader is the minimal on-disk section header shape the assembler
// emits for its new section.
type SectionHeader struct {
	Name             [8]byte
	VirtualSize      uint32
	VirtualAddress   uint32
	SizeOfRawData    uint32
	PointerToRawData uint32
	Characteristics  uint32
}

const (
	imageScnCntCode        = 0x00000020
	imageScnMemExecute     = 0x20000000
	imageScnMemRead        = 0x40000000
	imageScnCntInitialized = 0x00000040
	imageScnMemWrite       = 0x80000000
)

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// Layout is the result of laying out recovered functions into a new
// section: the section header, the concatenated code bytes, each
// function's new RVA keyed by its original entry RVA (for trampoline
// purposes), and every block's new RVA keyed by its original start RVA
// (for relocation fixups, since a relocation can target any instruction
// inside a function, not just its entry).
type Layout struct {
	Section       SectionHeader
	Code          []byte
	NewRVAByFn    map[uint64]uint64
	NewRVAByBlock map[uint64]uint64
}

// ByteSource supplies the original image bytes backing a decoded
// instruction, so the assembler can copy its cleaned encoding into the new
// section without re-deriving byte-for-byte semantics.
type ByteSource interface {
	BytesAt(rva uint32, n uint32) ([]byte, error)
}

// LayoutFunctions appends every function's basic blocks, in increasing
// original-entry-RVA order, into one new section placed at sectionRVABase
// in memory and fileOffsetBase on disk.
func LayoutFunctions(graph *cfg.CFG, src ByteSource, sectionRVABase uint32, fileOffsetBase uint32) (*Layout, error) {
	entries := make([]uint64, 0, len(graph.Functions))
	for entry := range graph.Functions {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i] < entries[j] })

	var code []byte
	newRVA := make(map[uint64]uint64)
	newRVAByBlock := make(map[uint64]uint64)

	for _, entry := range entries {
		fn := graph.Functions[entry]
		newRVA[entry] = uint64(sectionRVABase) + uint64(len(code))

		blocks := make([]*cfg.BasicBlock, 0, len(fn.Blocks))
		for _, b := range fn.Blocks {
			blocks = append(blocks, b)
		}
		sort.Slice(blocks, func(i, j int) bool { return blocks[i].StartRVA < blocks[j].StartRVA })

		for _, block := range blocks {
			newRVAByBlock[block.StartRVA] = uint64(sectionRVABase) + uint64(len(code))
			for _, inst := range block.Instructions {
				if inst.Len <= 0 {
					return nil, ErrLayout
				}
				raw, err := src.BytesAt(uint32(inst.RVA), uint32(inst.Len))
				if err != nil {
					return nil, ErrLayout
				}
				code = append(code, raw...)
			}
		}
	}

	rawSize := alignUp(uint32(len(code)), fileAlignment)
	padded := make([]byte, rawSize)
	copy(padded, code)

	var name [8]byte
	copy(name[:], newSectionName)

	section := SectionHeader{
		Name:             name,
		VirtualSize:      uint32(len(code)),
		VirtualAddress:   sectionRVABase,
		SizeOfRawData:    rawSize,
		PointerToRawData: fileOffsetBase,
		Characteristics:  imageScnCntCode | imageScnMemExecute | imageScnMemRead | imageScnCntInitialized,
	}

	return &Layout{Section: section, Code: padded, NewRVAByFn: newRVA, NewRVAByBlock: newRVAByBlock}, nil
}

// BuildImportDirectory serializes a recovered import set into a standard
// IMAGE_IMPORT_DESCRIPTOR array plus its backing name/thunk tables, ready
// to be written at importDirRVA within the new section. Descriptors are
// grouped by DLL name; the array is terminated by a zeroed descriptor per
// the PE format's own convention.
func BuildImportDirectory(imports *scbimport.Set, importDirRVA uint32, is64 bool) ([]byte, uint32, error) {
	byDLL := make(map[string][]scbimport.Import)
	var dllOrder []string
	for _, imp := range imports.Imports {
		if _, ok := byDLL[imp.DLL]; !ok {
			dllOrder = append(dllOrder, imp.DLL)
		}
		byDLL[imp.DLL] = append(byDLL[imp.DLL], imp)
	}
	sort.Strings(dllOrder)

	thunkSize := uint32(4)
	if is64 {
		thunkSize = 8
	}

	descriptorsSize := uint32(len(dllOrder)+1) * 20 // sizeof(ImageImportDescriptor) == 20
	cursor := importDirRVA + descriptorsSize

	var buf bytes.Buffer
	var descriptors []ImageImportDescriptor
	var tail bytes.Buffer

	for _, dll := range dllOrder {
		names := byDLL[dll]

		// Bytes land in tail in the order [DLL name][hint/name table][thunk
		// array]; cursor/RVA bookkeeping below follows that same order so
		// each RVA actually points at the bytes it claims to.
		dllNameRVA := cursor
		cursor += uint32(len(dll) + 1)
		tail.WriteString(dll)
		tail.WriteByte(0)

		hintNameRVAs := make([]uint32, len(names))
		for i, imp := range names {
			hintNameRVAs[i] = cursor
			tail.Write([]byte{0, 0}) // hint, always 0 for recovered imports
			tail.WriteString(imp.Name)
			tail.WriteByte(0)
			cursor += uint32(2 + len(imp.Name) + 1)
			if cursor%2 != 0 {
				tail.WriteByte(0)
				cursor++
			}
		}

		iltRVA := cursor
		thunkCount := uint32(len(names) + 1)
		cursor += thunkCount * thunkSize

		for _, hn := range hintNameRVAs {
			if is64 {
				binary.Write(&tail, binary.LittleEndian, uint64(hn))
			} else {
				binary.Write(&tail, binary.LittleEndian, uint32(hn))
			}
		}
		if is64 {
			binary.Write(&tail, binary.LittleEndian, uint64(0))
		} else {
			binary.Write(&tail, binary.LittleEndian, uint32(0))
		}

		descriptors = append(descriptors, ImageImportDescriptor{
			OriginalFirstThunk: iltRVA,
			Name:               dllNameRVA,
			FirstThunk:         iltRVA,
		})
	}
	descriptors = append(descriptors, ImageImportDescriptor{})

	for _, d := range descriptors {
		binary.Write(&buf, binary.LittleEndian, d)
	}
	buf.Write(tail.Bytes())

	return buf.Bytes(), cursor, nil
}

// Relocation is one base-relocation entry the assembler must patch because
// a fixed-up address now points into the relocated new section instead of
// its original location.
type Relocation struct {
	RVA  uint32
	Type uint16
}

// PatchRelocations rewrites relocation entries whose target RVA moved into
// the new section, per the NewRVAByBlock mapping produced by LayoutFunctions
// (a function's entry block is itself indexed there, so a relocation
// targeting a function entry is covered the same way as one targeting any
// other instruction inside it). Relocations that do not reference a
// relocated block pass through unchanged.
func PatchRelocations(relocs []Relocation, oldToNewBlock map[uint64]uint64) []Relocation {
	out := make([]Relocation, len(relocs))
	for i, r := range relocs {
		if newRVA, ok := oldToNewBlock[uint64(r.RVA)]; ok {
			out[i] = Relocation{RVA: uint32(newRVA), Type: r.Type}
			continue
		}
		out[i] = r
	}
	return out
}

// BuildRelocDirectory serializes relocation entries into the standard
// IMAGE_BASE_RELOCATION block format: one block per 4KB page, each holding
// a VirtualAddress/SizeOfBlock header followed by packed 16-bit
// (type<<12 | offset) entries, padded to a 4-byte block size with a trailing
// IMAGE_REL_BASED_ABSOLUTE (type 0) entry when the count is odd.
func BuildRelocDirectory(relocs []Relocation) []byte {
	const pageSize = 0x1000

	byPage := make(map[uint32][]Relocation)
	var pages []uint32
	for _, r := range relocs {
		page := r.RVA &^ (pageSize - 1)
		if _, ok := byPage[page]; !ok {
			pages = append(pages, page)
		}
		byPage[page] = append(byPage[page], r)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })

	var buf bytes.Buffer
	for _, page := range pages {
		entries := byPage[page]
		sort.Slice(entries, func(i, j int) bool { return entries[i].RVA < entries[j].RVA })

		count := len(entries)
		if count%2 != 0 {
			count++
		}
		blockSize := uint32(8 + count*2)

		binary.Write(&buf, binary.LittleEndian, page)
		binary.Write(&buf, binary.LittleEndian, blockSize)
		for _, e := range entries {
			offset := uint16(e.RVA-page) & 0x0FFF
			value := uint16(e.Type)<<12 | offset
			binary.Write(&buf, binary.LittleEndian, value)
		}
		if len(entries)%2 != 0 {
			binary.Write(&buf, binary.LittleEndian, uint16(0))
		}
	}
	return buf.Bytes()
}

// Trampoline returns the 5-byte relative-JMP encoding redirecting execution
// from oldEntryRVA to newEntryRVA, written at the image's original entry
// point when recovery relocated it into the new section.
func Trampoline(oldEntryRVA, newEntryRVA uint64) []byte {
	rel := int32(int64(newEntryRVA) - int64(oldEntryRVA) - 5)
	out := make([]byte, 5)
	out[0] = 0xE9
	binary.LittleEndian.PutUint32(out[1:], uint32(rel))
	return out
}
