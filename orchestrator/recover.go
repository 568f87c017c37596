package orchestrator

import (
	"strings"

	"github.com/liveedit/kpatch/patchfile"
	"github.com/liveedit/kpatch/ptrace"
	"github.com/liveedit/kpatch/types"
)

const headerPeekSize = 56

// recoverAppliedPatches scans proc's anonymous executable regions for the
// KPATCH1 magic and, for every one found, matches its embedded build-ID
// (uname) against objects and records the region's address as that object's
// Kpta — with no AppliedPatch or hunk array populated. engine.Revoke and
// engine.Upgrade both already recover the rest (layout, hunk array) from
// target memory when Kpta is set but Applied is nil, the same cold path
// exercised for a single object by the engine package's own tests.
//
// This is spec.md §4.7's "associate live applied patches back to
// ObjectFiles" step for unpatch, and doubles as the upgrade path's "is this
// object already patched" check for patch.
func recoverAppliedPatches(proc *ptrace.Process, objects []*types.ObjectFile) error {
	byBuildID := make(map[string]*types.ObjectFile, len(objects))
	for _, o := range objects {
		byBuildID[o.BuildID] = o
	}
	if len(byBuildID) == 0 {
		return nil
	}

	regions, err := proc.ListAnonExecRegions()
	if err != nil {
		return err
	}

	for _, r := range regions {
		if r.Size < headerPeekSize {
			continue
		}
		header := make([]byte, headerPeekSize)
		if err := proc.ReadMem(r.Start, header); err != nil {
			continue // unreadable region, not a patch candidate
		}
		_, _, _, _, err := patchfile.ReadLayout(header)
		if err != nil {
			continue // no KPATCH1 magic here
		}
		unameLen, err := patchfile.PeekUnameLen(header)
		if err != nil || unameLen == 0 {
			continue
		}
		unameBuf := make([]byte, unameLen)
		if err := proc.ReadMem(r.Start+headerPeekSize, unameBuf); err != nil {
			continue
		}
		uname := strings.TrimRight(string(unameBuf), "\x00")

		obj, ok := byBuildID[uname]
		if !ok || obj.Kpta != 0 {
			continue
		}
		obj.Kpta = r.Start
	}
	return nil
}
