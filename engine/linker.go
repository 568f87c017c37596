package engine

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/liveedit/kpatch/kinds"
	"github.com/liveedit/kpatch/patchfile"
	"github.com/liveedit/kpatch/types"
)

// SelfContainedLinker is the default Linker (spec.md §1's resolve/relocate
// external collaborator) for patches whose replacement code calls nothing
// outside the patch itself — no undefined externs, so no symbol-table
// lookup against the live target's loaded libraries is required. It is to
// Linker what ptrace.NoCoroutines is to CoroutineFinder: a real but
// narrowly-scoped default, not a stub. A target that patches in calls to
// unresolved host symbols needs a Linker backed by the target's own symbol
// tables, which only a caller with that knowledge can supply.
//
// Layout convention: the embedded ELF's replacement code for hunk i starts
// at the sum of the prior hunks' 8-byte-rounded Slen, in hunk order — the
// same position-indexed convention apply.go/revoke.go use for undo slots,
// so no symbol name ever has to travel alongside a PatchHunk.
type SelfContainedLinker struct{}

var _ Linker = SelfContainedLinker{}

func (SelfContainedLinker) CountUndefined(dup []byte) (int, error) {
	f, _, err := embeddedELF(dup)
	if err != nil {
		return 0, err
	}
	defer f.Close() //nolint:errcheck

	syms, err := f.Symbols()
	if err != nil {
		// No symbol table at all means no externs to resolve.
		return 0, nil //nolint:nilerr
	}
	undef := 0
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF && elf.ST_TYPE(s.Info) == elf.STT_FUNC {
			undef++
		}
	}
	return undef, nil
}

// NewJmpTable returns n zeroed 16-byte PLT-style stub slots (`FF 25 00 00 00
// 00` = `jmp *[rip+0]` followed by an 8-byte absolute address, both halves
// padded to 16), or nil for n == 0. SelfContainedLinker never has an
// address to put in one: whenever CountUndefined reports an undefined
// extern, Resolve rejects the object, so Apply unmaps the region before a
// table is ever written.
func (SelfContainedLinker) NewJmpTable(n int) []byte {
	if n <= 0 {
		return nil
	}
	return make([]byte, n*16)
}

// Resolve validates that dup carries no undefined externs; SelfContainedLinker
// cannot resolve any, so it fails closed rather than install a trampoline to
// code that calls through an unresolved stub.
func (SelfContainedLinker) Resolve(dup []byte, o *types.ObjectFile) error {
	if o.JmpTableEntries > 0 {
		return fmt.Errorf("object %s has %d undefined extern(s), which requires a target-symbol-aware Linker: %w", o.Name, o.JmpTableEntries, kinds.ErrRelocate)
	}
	return nil
}

// Relocate assigns each non-new hunk's Saddr by the position-indexed layout
// convention above, then applies the embedded ELF's PC-relative and
// absolute relocations against the replacement code now living at kpta.
func (SelfContainedLinker) Relocate(dup []byte, o *types.ObjectFile, kpta uintptr) error {
	f, kpatchOffset, err := embeddedELF(dup)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	textOff := make([]uint64, len(o.Info))
	var cursor uint64
	for i, h := range o.Info {
		textOff[i] = cursor
		cursor += roundUp(uint64(h.Slen), 8)
	}

	for i := range o.Info {
		h := &o.Info[i]
		if h.IsNew() {
			continue
		}
		h.Saddr = kpta + uintptr(kpatchOffset) + uintptr(textOff[i])
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		target := f.Sections[sec.Info]
		if target.Name != ".text" {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("read relocation section %s: %w: %w", sec.Name, err, kinds.ErrRelocate)
		}
		if err := applyRelocations(dup, data, kpatchOffset, kpta, f); err != nil {
			return err
		}
	}
	return nil
}

// embeddedELF parses the ET_REL object embedded at the blob's kpatch_offset,
// reusing patchfile.Parse for the header fields rather than re-deriving them.
func embeddedELF(dup []byte) (*elf.File, uint64, error) {
	blob, _, err := patchfile.Parse(dup)
	if err != nil {
		return nil, 0, err
	}
	f, err := elf.NewFile(bytes.NewReader(dup[blob.KpatchOffset:]))
	if err != nil {
		return nil, 0, fmt.Errorf("parse embedded ELF: %w: %w", err, kinds.ErrRelocate)
	}
	return f, blob.KpatchOffset, nil
}

// applyRelocations walks one SHT_RELA section's Elf64_Rela records and
// patches dup in place for the relocation types a self-contained patch
// actually needs: absolute 64-bit pointers and PC-relative 32-bit
// displacements (call/jmp/lea to another function within the same patch).
func applyRelocations(dup, rela []byte, kpatchOffset uint64, kpta uintptr, f *elf.File) error {
	const relaEntSize = 24 // Elf64_Rela: r_offset(8) + r_info(8) + r_addend(8)
	syms, err := f.Symbols()
	if err != nil {
		return fmt.Errorf("read symbol table: %w: %w", err, kinds.ErrRelocate)
	}

	for off := 0; off+relaEntSize <= len(rela); off += relaEntSize {
		rOffset := binary.LittleEndian.Uint64(rela[off : off+8])
		rInfo := binary.LittleEndian.Uint64(rela[off+8 : off+16])
		rAddend := int64(binary.LittleEndian.Uint64(rela[off+16 : off+24]))

		symIdx := rInfo >> 32
		relType := elf.R_X86_64(rInfo & 0xffffffff)
		if symIdx == 0 || int(symIdx-1) >= len(syms) {
			continue
		}
		sym := syms[symIdx-1]
		if sym.Section == elf.SHN_UNDEF {
			return fmt.Errorf("relocation against undefined symbol %s: %w", sym.Name, kinds.ErrRelocate)
		}

		symAddr := kpta + uintptr(kpatchOffset) + uintptr(sym.Value) + uintptr(rAddend)
		patchAt := kpatchOffset + rOffset // offset of the relocated field within dup/.text

		switch relType {
		case elf.R_X86_64_64:
			binary.LittleEndian.PutUint64(dup[patchAt:patchAt+8], uint64(symAddr))
		case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
			pc := kpta + uintptr(patchAt)
			rel := int32(int64(symAddr) - int64(pc))
			binary.LittleEndian.PutUint32(dup[patchAt:patchAt+4], uint32(rel))
		case elf.R_X86_64_32, elf.R_X86_64_32S:
			binary.LittleEndian.PutUint32(dup[patchAt:patchAt+4], uint32(symAddr))
		default:
			return fmt.Errorf("unsupported relocation type %s against %s: %w", relType, sym.Name, kinds.ErrRelocate)
		}
	}
	return nil
}
