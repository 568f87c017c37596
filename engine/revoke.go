package engine

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/liveedit/kpatch/kinds"
	"github.com/liveedit/kpatch/patchfile"
	"github.com/liveedit/kpatch/types"
)

// hunkGrowChunk is the batch size used to grow the read buffer while
// scanning for the sentinel hunk when recovering patch info directly from
// target memory.
const hunkGrowChunk = 16

// RevokeOptions controls object_unapply's restore pass.
type RevokeOptions struct {
	// CheckFlag, when true, restores original bytes only for hunks that
	// actually carry FlagPatchApplied. Used when rolling back a patch
	// whose apply failed partway through: trampolines for later hunks were
	// never installed, so their undo slots hold nothing meaningful and
	// must not be copied back over live code.
	CheckFlag bool
}

// Revoke implements object_unapply from spec.md §4.6: verify it is safe to
// remove o's trampolines, restore original bytes from the undo slots, and
// unmap the patch region.
func Revoke(ctx context.Context, alloc Allocator, o *types.ObjectFile, opts RevokeOptions, ensureSafety EnsureSafetyFunc) error {
	logger := log.WithFunc("engine.Revoke")
	if o.Kpta == 0 {
		return fmt.Errorf("object %s has no mapped patch region: %w", o.Name, kinds.ErrStorageMiss)
	}

	var totalSize, userInfo, userUndo uint64
	if o.Applied != nil {
		totalSize, userInfo, userUndo = o.Applied.Size, o.Applied.UserInfo, o.Applied.UserUndo
	} else {
		var err error
		totalSize, userInfo, userUndo, _, err = readLayout(alloc, o.Kpta)
		if err != nil {
			return fmt.Errorf("read layout for %s: %w", o.Name, err)
		}
	}

	if len(o.Info) == 0 {
		hunks, err := recoverHunks(alloc, o.Kpta+uintptr(userInfo))
		if err != nil {
			return fmt.Errorf("recover hunk info for %s: %w", o.Name, err)
		}
		o.Info = hunks
	}

	if _, err := ensureSafety(ctx, o, types.ActionRevoke); err != nil {
		return fmt.Errorf("ensure safety for revoke of %s: %w", o.Name, err)
	}

	undoBase := o.Kpta + uintptr(userUndo)
	restored := 0
	for i := range o.Info {
		h := &o.Info[i]
		if h.IsNew() {
			continue
		}
		// Undo slots are addressed by hunk position, not by a cursor: slot
		// i was only ever written at apply time for this same hunk, so
		// skipping a hunk here (check_flag) does not shift which slot the
		// next restored hunk reads from.
		if opts.CheckFlag && !h.Applied() {
			continue
		}
		orig := make([]byte, undoSlotSize)
		if err := alloc.ReadMem(undoBase+uintptr(undoSlotSize*i), orig); err != nil {
			return fmt.Errorf("read undo slot %d for %s: %w", i, o.Name, err)
		}
		if err := alloc.WriteMem(h.Daddr, orig); err != nil {
			return fmt.Errorf("restore original bytes for hunk %d of %s: %w", i, o.Name, err)
		}
		h.Flags &^= types.FlagPatchApplied
		restored++
	}

	if err := alloc.Munmap(o.Kpta, totalSize); err != nil {
		return fmt.Errorf("unmap patch region for %s: %w", o.Name, err)
	}

	logger.Infof(ctx, "revoked patch for %s (%d hunk(s) restored)", o.Name, restored)
	o.Applied = nil
	o.Kpta = 0
	o.Info = nil
	o.Duplicate = nil
	return nil
}

// headerPeekSize is the fixed on-disk header size (see patchfile's own
// headerFixedSize), the minimum number of bytes ReadLayout needs.
const headerPeekSize = 56

// readLayout reads a blob header directly out of the target's mapped patch
// region at kpta and decodes its user_info/user_undo/user_level fields.
func readLayout(alloc Allocator, kpta uintptr) (totalSize, userInfo, userUndo uint64, userLevel uint32, err error) {
	raw := make([]byte, headerPeekSize)
	if err := alloc.ReadMem(kpta, raw); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("read header at %#x: %w", kpta, err)
	}
	return patchfile.ReadLayout(raw)
}

// recoverHunks scans the PatchHunk array at addr, reading in growing
// chunks of hunkGrowChunk records, until it finds the sentinel.
func recoverHunks(alloc Allocator, addr uintptr) ([]types.PatchHunk, error) {
	var hunks []types.PatchHunk
	for batch := 1; ; batch++ {
		n := batch * hunkGrowChunk
		buf := make([]byte, n*patchfile.HunkSize)
		if err := alloc.ReadMem(addr, buf); err != nil {
			return nil, fmt.Errorf("read hunk array at %#x: %w", addr, err)
		}
		hunks = hunks[:0]
		found := false
		for i := 0; i < n; i++ {
			rec := buf[i*patchfile.HunkSize : (i+1)*patchfile.HunkSize]
			h, err := patchfile.DecodeHunk(rec)
			if err != nil {
				return nil, err
			}
			if h.IsEnd() {
				found = true
				break
			}
			hunks = append(hunks, h)
		}
		if found {
			return append([]types.PatchHunk(nil), hunks...), nil
		}
	}
}
