// Package engine implements the apply and revoke engines of spec.md §4.5
// and §4.6: the per-object pipeline that maps a patch region into a target
// process, resolves and relocates the embedded patch image against the
// live process, and installs or removes the five-byte jump trampolines.
package engine

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/liveedit/kpatch/kinds"
	"github.com/liveedit/kpatch/patchfile"
	"github.com/liveedit/kpatch/safety"
	"github.com/liveedit/kpatch/types"
)

const (
	pageSize      = 4096
	undoSlotSize  = 5
	jmpTableAlign = 128
	undoAlign     = 16
	// proximityWindow is the ±2GiB reach of the five-byte E9 rel32 trampoline.
	proximityWindow = 1 << 31
)

// Linker resolves and relocates a patch blob against a target's live image,
// and sizes/produces the jump table for externs the blob leaves undefined.
// It is an external collaborator: spec.md §1 lists resolve/relocate/
// count_undefined/new_jmp_table as services consumed, not implemented, by
// the core patch-application pipeline — their correctness depends on full
// ELF symbol-table and relocation-record handling belonging to a linker,
// not a patch installer.
//
// Relocate's contract: on return, every non-new hunk in o.Info carries
// final absolute addresses — Daddr resolved against the target's live
// image, Saddr resolved against kpta — and dup has been mutated in place
// to match.
type Linker interface {
	CountUndefined(dup []byte) (int, error)
	NewJmpTable(n int) []byte
	Resolve(dup []byte, o *types.ObjectFile) error
	Relocate(dup []byte, o *types.ObjectFile, kpta uintptr) error
}

// Allocator maps and unmaps the patch region in the target, and moves bytes
// into/out of it. Satisfied by *ptrace.Process.
type Allocator interface {
	Mmap(hint uintptr, size uint64) (uintptr, error)
	Munmap(addr uintptr, size uint64) error
	ReadMem(addr uintptr, buf []byte) error
	WriteMem(addr uintptr, buf []byte) error
}

// EnsureSafetyFunc runs the safety verifier (and, on failure, the drive
// loop) for o/action. Bound to a concrete process/unwinder set by the
// orchestrator; see driver.EnsureSafety.
type EnsureSafetyFunc func(ctx context.Context, o *types.ObjectFile, action types.Action) (*safety.Result, error)

// Apply implements spec.md §4.5 for one ObjectFile whose Storage blob is
// already populated.
func Apply(ctx context.Context, alloc Allocator, linker Linker, o *types.ObjectFile, ensureSafety EnsureSafetyFunc) error {
	logger := log.WithFunc("engine.Apply")
	if o.Storage == nil {
		return fmt.Errorf("object %s has no storage blob: %w", o.Name, kinds.ErrStorageMiss)
	}
	if o.IsPatched() {
		return fmt.Errorf("object %s already has an applied patch", o.Name)
	}

	// 1. Duplicate the storage blob into a private buffer.
	dup := make([]byte, len(o.Storage.Bytes))
	copy(dup, o.Storage.Bytes)
	o.Duplicate = dup

	// 2. Hunk info is already parsed into o.Info by the caller (patchfile.Parse
	// at storage lookup time); nothing further to load here.
	if len(o.Info) == 0 {
		return fmt.Errorf("object %s has no parsed hunk info", o.Name)
	}

	// 3. Lay out the patch region.
	layout := layoutRegion(o.Storage.TotalSize, len(o.Info))
	undef, err := linker.CountUndefined(dup)
	if err != nil {
		return fmt.Errorf("count undefined externs: %w: %w", err, kinds.ErrRelocate)
	}
	if undef > 0 {
		jmp := linker.NewJmpTable(undef)
		layout = layout.withJmpTable(uint64(len(jmp)))
		o.JmpTableEntries = undef
	}
	layout = layout.finalize()

	// 4. Allocate as close to the original code as possible.
	hint := proximityHint(o.Info)
	kpta, err := alloc.Mmap(hint, layout.size)
	if err != nil {
		return fmt.Errorf("allocate patch region: %w: %w", err, kinds.ErrAlloc)
	}
	o.Kpta = kpta
	logger.Infof(ctx, "mapped patch region for %s at %#x (%d bytes)", o.Name, kpta, layout.size)

	rollback := func() { _ = alloc.Munmap(kpta, layout.size) }

	// 5. Resolve, then relocate in place. Relocate finalizes absolute
	// addresses in o.Info against kpta and the live image.
	if err := linker.Resolve(dup, o); err != nil {
		rollback()
		return fmt.Errorf("resolve %s: %w: %w", o.Name, err, kinds.ErrRelocate)
	}
	if err := linker.Relocate(dup, o, kpta); err != nil {
		rollback()
		return fmt.Errorf("relocate %s: %w: %w", o.Name, err, kinds.ErrRelocate)
	}

	for _, h := range o.Info {
		if h.IsNew() {
			continue
		}
		if !withinProximity(kpta, h.Daddr) {
			rollback()
			return fmt.Errorf("patch region %#x exceeds ±2GiB reach of daddr %#x: %w", kpta, h.Daddr, kinds.ErrAlloc)
		}
	}

	// Stamp the runtime layout into dup's own header before it lands in the
	// target, so a future cold read of the region (no cached AppliedPatch)
	// can recover user_undo without re-deriving it.
	patchfile.RewriteLayout(dup, layout.size, layout.undoOffset, layout.jmpOffset)

	// 6. Write blob, then jump table.
	if err := alloc.WriteMem(kpta, dup); err != nil {
		rollback()
		return fmt.Errorf("write patch blob for %s: %w", o.Name, err)
	}
	if undef > 0 {
		jmp := linker.NewJmpTable(undef)
		if err := alloc.WriteMem(kpta+uintptr(layout.jmpOffset), jmp); err != nil {
			rollback()
			return fmt.Errorf("write jump table for %s: %w", o.Name, err)
		}
	}

	// 7. Safety check before touching any live code.
	if _, err := ensureSafety(ctx, o, types.ActionApply); err != nil {
		// The region stays mapped; hunks are not yet installed so the
		// target's original code is untouched. Caller rolls back via
		// object_unapply(check_flag=true) if the overall transaction fails.
		return fmt.Errorf("ensure safety for apply of %s: %w", o.Name, err)
	}

	// 8. Install trampolines.
	undoBase := kpta + uintptr(layout.undoOffset)
	for i := range o.Info {
		h := &o.Info[i]
		if h.IsNew() {
			continue
		}
		orig := make([]byte, undoSlotSize)
		if err := alloc.ReadMem(h.Daddr, orig); err != nil {
			return fmt.Errorf("save original bytes for hunk %d of %s: %w", i, o.Name, err)
		}
		if err := alloc.WriteMem(undoBase+uintptr(undoSlotSize*i), orig); err != nil {
			return fmt.Errorf("write undo slot %d for %s: %w", i, o.Name, err)
		}

		trampoline := encodeTrampoline(h.Daddr, h.Saddr)
		if err := alloc.WriteMem(h.Daddr, trampoline); err != nil {
			return fmt.Errorf("install trampoline %d for %s: %w", i, o.Name, err)
		}
		h.Flags |= types.FlagPatchApplied
	}

	o.Applied = &types.AppliedPatch{
		Kpta:      kpta,
		Size:      layout.size,
		UserInfo:  o.Storage.UserInfo,
		UserUndo:  layout.undoOffset,
		UserLevel: o.Storage.UserLevel,
		Info:      append([]types.PatchHunk(nil), o.Info...),
	}
	logger.Infof(ctx, "applied patch level %d to %s (%d hunks)", o.Storage.UserLevel, o.Name, len(o.Info))
	return nil
}

// region describes the layout of a mapped patch region, computed per
// spec.md §4.5 step 3.
type region struct {
	size      uint64
	jmpOffset uint64
	undoOffset uint64
	cursor    uint64
	nhunks    int
}

func layoutRegion(totalSize uint64, nhunks int) region {
	return region{cursor: roundUp(totalSize, 8), nhunks: nhunks}
}

func (r region) withJmpTable(tableSize uint64) region {
	r.jmpOffset = r.cursor
	r.cursor += roundUp(tableSize, jmpTableAlign)
	return r
}

func (r region) finalize() region {
	r.undoOffset = r.cursor
	r.cursor += roundUp(undoSlotSize*uint64(r.nhunks), undoAlign)
	r.size = roundUp(r.cursor, pageSize)
	return r
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}

// proximityHint picks a hint address for Mmap: the lowest daddr among
// non-new hunks, so the allocator has the best chance of landing within
// ±2GiB of every patched function.
func proximityHint(hunks []types.PatchHunk) uintptr {
	var hint uintptr
	for _, h := range hunks {
		if h.IsNew() {
			continue
		}
		if hint == 0 || h.Daddr < hint {
			hint = h.Daddr
		}
	}
	return hint
}

func withinProximity(kpta, daddr uintptr) bool {
	var delta int64
	if kpta >= daddr {
		delta = int64(kpta - daddr)
	} else {
		delta = int64(daddr - kpta)
	}
	return delta >= 0 && delta < proximityWindow
}

// encodeTrampoline builds the five-byte `E9 rel32` relative jump from daddr
// to saddr: {0xE9, rel32} where rel32 = saddr - daddr - 5, per invariant 1.
func encodeTrampoline(daddr, saddr uintptr) []byte {
	rel := int32(int64(saddr) - int64(daddr) - 5)
	b := make([]byte, 5)
	b[0] = 0xE9
	b[1] = byte(rel)
	b[2] = byte(rel >> 8)
	b[3] = byte(rel >> 16)
	b[4] = byte(rel >> 24)
	return b
}
