// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"fmt"
	"os"

	"golang.org/x/arch/x86/x86asm"

	"github.com/saferwall/scatterbrain/internal/assemble"
	"github.com/saferwall/scatterbrain/internal/cfg"
	"github.com/saferwall/scatterbrain/internal/disasm"
	"github.com/saferwall/scatterbrain/internal/dispatcher"
	"github.com/saferwall/scatterbrain/internal/emulate"
	"github.com/saferwall/scatterbrain/internal/function"
	"github.com/saferwall/scatterbrain/internal/scbimport"
)

// ProtectedInput is the control surface over a parsed, protected image: it
// owns the File (Component B) plus every derived artifact the recovery
// pipeline produces, in pipeline order D -> (C+D->E) -> (B+C->F) -> G.
type ProtectedInput struct {
	file *File

	// ImpDecryptConst seeds scbimport's name-decryption mixing function.
	ImpDecryptConst uint32

	// MutationRuleSet selects the CFG stepper's rule set.
	MutationRuleSet cfg.RuleSet

	dispatcherLocs *dispatcher.Set
	imports        *scbimport.Set
	graph          *cfg.CFG
	entryRVA       uint64
	newImageBuffer []byte
}

// NewProtectedInput builds a control surface over an already-parsed File.
func NewProtectedInput(file *File, impDecryptConst uint32, ruleSet cfg.RuleSet) *ProtectedInput {
	return &ProtectedInput{
		file:            file,
		ImpDecryptConst: impDecryptConst,
		MutationRuleSet: ruleSet,
	}
}

// DispatcherLocs returns the dispatcher sites recovered so far.
func (p *ProtectedInput) DispatcherLocs() []dispatcher.Record {
	if p.dispatcherLocs == nil {
		return nil
	}
	return p.dispatcherLocs.Records()
}

// Imports returns the recovered import set, if RecoverImportsMerge has run.
func (p *ProtectedInput) Imports() *scbimport.Set { return p.imports }

// CFG returns the recovered function graph, if RecoverRecursiveInFull has run.
func (p *ProtectedInput) CFG() *cfg.CFG { return p.graph }

// NewImageBuffer returns the reassembled output image, if RebuildOutput has run.
func (p *ProtectedInput) NewImageBuffer() []byte { return p.newImageBuffer }

// ImageBase satisfies emulate.ImageView.
func (pe *File) ImageBase() uint64 {
	if pe.Is64 {
		if oh, ok := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64); ok {
			return oh.ImageBase
		}
		return 0
	}
	if oh, ok := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32); ok {
		return uint64(oh.ImageBase)
	}
	return 0
}

// ImageBytes satisfies emulate.ImageView: a flat view of the underlying
// buffer, honoring any patches staged so far.
func (pe *File) ImageBytes() []byte {
	out := make([]byte, len(pe.data))
	copy(out, pe.data)
	for _, rva := range pe.patchOrder {
		patch := pe.patches[rva]
		for i, b := range patch {
			pos := int(rva) + i
			if pos >= 0 && pos < len(out) {
				out[pos] = b
			}
		}
	}
	return out
}

// executableRegions collects every section marked executable into the
// scannable-region shape dispatcher.Scan consumes.
func (pe *File) executableRegions() []dispatcher.ExecutableRegion {
	var regions []dispatcher.ExecutableRegion
	for _, section := range pe.Sections {
		if section.Header.Characteristics&ImageScnMemExecute == 0 {
			continue
		}
		data, err := pe.BytesAt(section.Header.VirtualAddress, section.Header.VirtualSize)
		if err != nil {
			continue
		}
		regions = append(regions, dispatcher.ExecutableRegion{
			RVA:  uint64(section.Header.VirtualAddress),
			Data: data,
		})
	}
	return regions
}

// RecoverInstructionDispatchers runs Component D: a prologue-signature scan
// over every executable section, classifying each candidate site under a
// worker pool of private emulators. A scan failure here means no dispatcher
// sites could be started at all (e.g. the emulator backend is unavailable)
// and is the only way this operation returns an error; individual sites
// that fail to classify are simply recorded unresolved.
func (p *ProtectedInput) RecoverInstructionDispatchers() error {
	regions := p.file.executableRegions()
	ruleSetName := dispatcher.RuleSet1
	if p.MutationRuleSet.Name == cfg.RuleSet2.Name {
		ruleSetName = dispatcher.RuleSet2
	}

	newEmulator := func() (*emulate.Emulator, error) {
		emu, err := emulate.New()
		if err != nil {
			return nil, err
		}
		if err := emu.MapImage(p.file); err != nil {
			emu.Close()
			return nil, err
		}
		return emu, nil
	}

	set, err := dispatcher.Scan(regions, ruleSetName, newEmulator)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	p.dispatcherLocs = set
	return nil
}

// dispatcherResolver adapts the recovered dispatcher.Set to cfg.DispatcherResolver.
type dispatcherResolver struct {
	set *dispatcher.Set
}

func (r dispatcherResolver) Resolve(rva uint64) (uint64, bool) {
	if r.set == nil {
		return 0, false
	}
	rec, ok := r.set.Lookup(rva)
	if !ok || rec.Kind == dispatcher.KindUnresolved {
		return 0, false
	}
	return rec.Target, true
}

// RecoverRecursiveInFull runs Components C and E: recursive-descent function
// discovery from entry, walking each function's CFG with the mutation rule
// set configured on p. RecoverInstructionDispatchers must run first so
// dispatcher-call rewrites can resolve.
func (p *ProtectedInput) RecoverRecursiveInFull(entryRVA uint64) error {
	stepper := cfg.NewStepper(p.file, dispatcherResolver{set: p.dispatcherLocs}, p.MutationRuleSet)
	p.graph = function.Recover(stepper, []uint64{entryRVA})
	p.entryRVA = entryRVA
	return nil
}

// importStubCiphertextLen bounds how many bytes are read from a candidate
// import stub's embedded ciphertext blob; decryptName stops at the first
// decoded NUL, so this only needs to be generous enough to cover the
// longest realistic "dll.dll!ApiName" string.
const importStubCiphertextLen = 64

// EnumerateImportStubs runs the discovery half of Component F: it walks
// every recovered function's blocks looking for the stub shape ScatterBrain
// emits around an encrypted import reference -- a RIP-relative LEA loading
// the address of the encrypted name, a 32-bit immediate MOV loading the
// decrypt constant, a CALL into the shared decrypt routine, and a second,
// register-indirect CALL through the resolved pointer. The two calls need
// not be adjacent to the LEA/MOV pair, so the scan keeps the most recent
// LEA target and MOV immediate seen in each block and fires a stub whenever
// it then sees back-to-back CALLs. This heuristic is fixture-bound in the
// same way scbimport's decrypt constant is: it is shaped around the
// scenario-1 sample and may miss variants that reorder the pair or split
// the two calls across a block boundary.
func (p *ProtectedInput) EnumerateImportStubs() []scbimport.Stub {
	if p.graph == nil {
		return nil
	}

	var stubs []scbimport.Stub
	for _, fn := range p.graph.Functions {
		for _, block := range fn.Blocks {
			var (
				haveCipher  bool
				cipherRVA   uint64
				haveConst   bool
				decryptK    uint32
				lastWasCall bool
				lastCallRVA uint64
			)
			for _, inst := range block.Instructions {
				switch inst.Op {
				case x86asm.LEA:
					if target, ok := ripRelativeTarget(inst); ok {
						cipherRVA = target
						haveCipher = true
					}
					lastWasCall = false
				case x86asm.MOV:
					if imm, ok := mov32Immediate(inst); ok {
						decryptK = imm
						haveConst = true
					}
					lastWasCall = false
				case x86asm.CALL:
					if lastWasCall && haveCipher && haveConst {
						ciphertext, err := p.file.BytesAt(uint32(cipherRVA), importStubCiphertextLen)
						if err == nil {
							stubs = append(stubs, scbimport.Stub{
								RVA:          lastCallRVA,
								Ciphertext:   ciphertext,
								DecryptConst: decryptK,
								CallSiteRVAs: []uint64{uint64(inst.RVA)},
							})
						}
						haveCipher, haveConst = false, false
					}
					lastWasCall = true
					lastCallRVA = uint64(inst.RVA)
				default:
					lastWasCall = false
				}
			}
		}
	}
	return stubs
}

// ripRelativeTarget returns the absolute RVA a RIP-relative memory operand
// addresses, taken from the first of inst's arguments that is one.
func ripRelativeTarget(inst disasm.Instruction) (uint64, bool) {
	for _, arg := range inst.Inst.Args {
		mem, ok := arg.(x86asm.Mem)
		if !ok {
			continue
		}
		if mem.Base != x86asm.RIP {
			continue
		}
		return uint64(int64(inst.RVA) + int64(inst.Len) + mem.Disp), true
	}
	return 0, false
}

// mov32Immediate returns the 32-bit immediate a "MOV reg, imm32" instruction
// loads, if inst is one.
func mov32Immediate(inst disasm.Instruction) (uint32, bool) {
	if len(inst.Inst.Args) < 2 {
		return 0, false
	}
	if _, ok := inst.Inst.Args[0].(x86asm.Reg); !ok {
		return 0, false
	}
	imm, ok := inst.Inst.Args[1].(x86asm.Imm)
	if !ok {
		return 0, false
	}
	return uint32(imm), true
}

// RecoverImportsMerge runs Component F: decrypts every recognized import
// stub's name, merges duplicate DLL/API pairs, and assigns IAT slots. A
// stub whose name fails to decrypt is skipped by scbimport.Recover; any
// error Recover does return is fatal and wrapped in ErrImportDecryptFailed.
func (p *ProtectedInput) RecoverImportsMerge(stubs []scbimport.Stub) error {
	set, err := scbimport.Recover(stubs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImportDecryptFailed, err)
	}
	p.imports = set
	return nil
}

// flattenRelocations expands the root package's page-blocked relocation
// records into assemble's flat per-entry shape, dropping padding entries
// (IMAGE_REL_BASED_ABSOLUTE) that carry no real fixup.
func flattenRelocations(relocs []Relocation) []assemble.Relocation {
	var out []assemble.Relocation
	for _, r := range relocs {
		for _, e := range r.Entries {
			if e.Type == ImageRelBasedAbsolute {
				continue
			}
			out = append(out, assemble.Relocation{
				RVA:  r.Data.VirtualAddress + uint32(e.Offset),
				Type: uint16(e.Type),
			})
		}
	}
	return out
}

// RebuildOutput runs Component G: lays out recovered functions into a new
// section, rebuilds the import and relocation directories, tramplines the
// original entry point if it moved, appends a matching section header, and
// patches the NT header's size and data directories, producing the final
// output image buffer.
func (p *ProtectedInput) RebuildOutput() error {
	if p.graph == nil {
		return fmt.Errorf("%w: no recovered functions to assemble", ErrLayoutFailed)
	}

	lastSection := uint32(0)
	lastFileOffset := uint32(0)
	for _, s := range p.file.Sections {
		end := s.Header.VirtualAddress + s.Header.VirtualSize
		if end > lastSection {
			lastSection = end
		}
		fend := s.Header.PointerToRawData + s.Header.SizeOfRawData
		if fend > lastFileOffset {
			lastFileOffset = fend
		}
	}
	newSectionRVA := alignUpU32(lastSection, sectionAlignmentScb)
	newFileOffset := alignUpU32(lastFileOffset, fileAlignmentScb)

	layout, err := assemble.LayoutFunctions(p.graph, p.file, newSectionRVA, newFileOffset)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLayoutFailed, err)
	}

	// sectionBytes accumulates every byte range that lands in the new
	// section, in the order it is written: function bodies first, then the
	// import directory, then the relocation directory. Each directory's RVA
	// is computed from how much of sectionBytes already exists, so this
	// order must match the order bytes are actually appended below.
	sectionBytes := append([]byte{}, layout.Code...)

	var importDirRVA, importDirSize uint32
	if p.imports != nil && len(p.imports.Imports) > 0 {
		importDirRVA = newSectionRVA + uint32(len(sectionBytes))
		importBytes, end, err := assemble.BuildImportDirectory(p.imports, importDirRVA, p.file.Is64)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrLayoutFailed, err)
		}
		importDirSize = end - importDirRVA
		sectionBytes = append(sectionBytes, importBytes...)
	}

	var relocDirRVA, relocDirSize uint32
	if len(p.file.Relocations) > 0 {
		patched := assemble.PatchRelocations(flattenRelocations(p.file.Relocations), layout.NewRVAByBlock)
		relocBytes := assemble.BuildRelocDirectory(patched)
		if len(relocBytes) > 0 {
			relocDirRVA = newSectionRVA + uint32(len(sectionBytes))
			relocDirSize = uint32(len(relocBytes))
			sectionBytes = append(sectionBytes, relocBytes...)
		}
	}

	if p.entryRVA != 0 {
		if newEntry, ok := layout.NewRVAByFn[p.entryRVA]; ok && newEntry != p.entryRVA {
			trampoline := assemble.Trampoline(p.entryRVA, newEntry)
			if err := p.file.Patch(uint32(p.entryRVA), trampoline); err != nil {
				return fmt.Errorf("%w: %v", ErrLayoutFailed, err)
			}
		}
	}

	// ImageBytes overlays every patch staged above (the trampoline
	// included); CommitPatches itself folds nothing, so it must not run
	// until after ImageBytes has already read them.
	image := p.file.ImageBytes()
	image = append(image, sectionBytes...)

	rawSize := alignUpU32(uint32(len(sectionBytes)), fileAlignmentScb)
	if pad := int(rawSize) - len(sectionBytes); pad > 0 {
		image = append(image, make([]byte, pad)...)
	}

	newSection := ImageSectionHeader{
		Name:             layout.Section.Name,
		VirtualSize:      uint32(len(sectionBytes)),
		VirtualAddress:   newSectionRVA,
		SizeOfRawData:    rawSize,
		PointerToRawData: newFileOffset,
		Characteristics:  layout.Section.Characteristics,
	}
	p.file.Sections = append(p.file.Sections, Section{Header: newSection})
	p.file.NtHeader.FileHeader.NumberOfSections++

	newSizeOfImage := alignUpU32(newSectionRVA+newSection.VirtualSize, sectionAlignmentScb)
	switch oh := p.file.NtHeader.OptionalHeader.(type) {
	case ImageOptionalHeader64:
		patchDataDirectories(&oh.DataDirectory, importDirRVA, importDirSize, relocDirRVA, relocDirSize)
		if newSizeOfImage > oh.SizeOfImage {
			oh.SizeOfImage = newSizeOfImage
		}
		p.file.NtHeader.OptionalHeader = oh
	case ImageOptionalHeader32:
		patchDataDirectories(&oh.DataDirectory, importDirRVA, importDirSize, relocDirRVA, relocDirSize)
		if newSizeOfImage > oh.SizeOfImage {
			oh.SizeOfImage = newSizeOfImage
		}
		p.file.NtHeader.OptionalHeader = oh
	}

	p.file.CommitPatches()
	p.newImageBuffer = image
	return nil
}

// patchDataDirectories rewrites the import and base-relocation data
// directory entries in place when this rebuild produced a new instance of
// either; a zero size leaves the existing entry untouched, since not every
// rebuild introduces both directories.
func patchDataDirectories(dirs *[16]DataDirectory, importRVA, importSize, relocRVA, relocSize uint32) {
	if importSize > 0 {
		dirs[ImageDirectoryEntryImport] = DataDirectory{VirtualAddress: importRVA, Size: importSize}
	}
	if relocSize > 0 {
		dirs[ImageDirectoryEntryBaseReloc] = DataDirectory{VirtualAddress: relocRVA, Size: relocSize}
	}
}

// fileAlignmentScb/sectionAlignmentScb mirror the alignment constants
// assemble.LayoutFunctions lays the new section out against; RebuildOutput
// needs its own copies to align the directories appended after the code and
// to compute the section header's on-disk/in-memory sizes.
const (
	fileAlignmentScb    = 0x200
	sectionAlignmentScb = 0x1000
)

func alignUpU32(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// DumpNewImageBufferToDisk writes the reassembled output image to path.
// On-disk writing of the final image is a thin convenience on top of the
// control surface; the recovery pipeline itself never touches disk.
func (p *ProtectedInput) DumpNewImageBufferToDisk(path string) error {
	if p.newImageBuffer == nil {
		return fmt.Errorf("%w: RebuildOutput has not run", ErrLayoutFailed)
	}
	return os.WriteFile(path, p.newImageBuffer, 0o644)
}
