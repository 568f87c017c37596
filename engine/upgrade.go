package engine

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/liveedit/kpatch/types"
)

// Upgrade implements the patch-level comparison of spec.md §4.5: if o
// already has an applied patch at or above storage's level, it is a no-op.
// Otherwise the old patch is revoked (without the PATCH_APPLIED check —
// every hunk of a fully-applied prior patch is, by definition, installed)
// and the new one applied in its place.
//
// newInfo is the hunk array parsed from o.Storage's blob for the
// incoming patch level — distinct from the hunk array of whatever patch
// is currently live, which Revoke recovers from o.Applied.
func Upgrade(ctx context.Context, alloc Allocator, linker Linker, o *types.ObjectFile, newInfo []types.PatchHunk, ensureSafety EnsureSafetyFunc) (upgraded bool, err error) {
	logger := log.WithFunc("engine.Upgrade")
	if o.Storage == nil {
		return false, fmt.Errorf("object %s has no patch in storage to upgrade to", o.Name)
	}

	switch {
	case o.Applied != nil:
		if o.Applied.UserLevel >= o.Storage.UserLevel {
			logger.Debugf(ctx, "object %s already at level %d >= storage level %d, skipping", o.Name, o.Applied.UserLevel, o.Storage.UserLevel)
			return false, nil
		}
		o.Info = append([]types.PatchHunk(nil), o.Applied.Info...)
		if err := Revoke(ctx, alloc, o, RevokeOptions{CheckFlag: false}, ensureSafety); err != nil {
			return false, fmt.Errorf("revoke prior patch level %d for %s: %w", o.Applied.UserLevel, o.Name, err)
		}
	case o.Kpta != 0:
		// Patched by an earlier invocation of this tool: recoverAppliedPatches
		// only ever records Kpta, never Applied, so the currently-installed
		// level has to be read directly out of the target's live header
		// instead of o.Applied.UserLevel.
		_, _, _, level, lerr := readLayout(alloc, o.Kpta)
		if lerr != nil {
			return false, fmt.Errorf("recover applied level for %s: %w", o.Name, lerr)
		}
		if level >= o.Storage.UserLevel {
			logger.Debugf(ctx, "object %s already at level %d >= storage level %d, skipping", o.Name, level, o.Storage.UserLevel)
			return false, nil
		}
		// o.Info is left unset: Revoke cold-recovers the hunk array itself
		// from target memory whenever o.Kpta != 0 and o.Info is empty.
		if err := Revoke(ctx, alloc, o, RevokeOptions{CheckFlag: false}, ensureSafety); err != nil {
			return false, fmt.Errorf("revoke prior patch level %d for %s: %w", level, o.Name, err)
		}
	}

	o.Info = append([]types.PatchHunk(nil), newInfo...)
	if err := Apply(ctx, alloc, linker, o, ensureSafety); err != nil {
		return false, fmt.Errorf("apply patch level %d for %s: %w", o.Storage.UserLevel, o.Name, err)
	}
	return true, nil
}
