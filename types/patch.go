// Package types holds the data model shared across the patch-application
// pipeline: PatchHunk/PatchBlob (the on-disk and in-memory patch format),
// ObjectFile (a loaded ELF object in a target process), and the action kind
// that the safety verifier and engines are polymorphic over.
package types

// Action identifies which direction of the pipeline a safety check or
// hazard-interval computation applies to.
type Action int

const (
	// ActionApply computes hazards over [daddr, daddr+dlen) — the original bytes about to be overwritten.
	ActionApply Action = iota
	// ActionRevoke computes hazards over [saddr, saddr+slen) — the replacement bytes about to be removed.
	ActionRevoke
)

func (a Action) String() string {
	if a == ActionRevoke {
		return "revoke"
	}
	return "apply"
}

// HunkFlag bits. PatchApplied is set only on the tool's local copy of the
// hunk array; it is written neither into live target memory nor to the
// on-disk patch file.
type HunkFlag uint32

const (
	// FlagPatchApplied (bit 31) marks a hunk whose trampoline has actually been installed.
	FlagPatchApplied HunkFlag = 1 << 31
)

// PatchHunk describes one replaced function. daddr==0 marks a new function
// (no original code to hook); it is skipped by both safety checks and
// trampoline installation. A sentinel hunk (IsEnd()) terminates the array.
type PatchHunk struct {
	Daddr uintptr  // destination address in the original code, absolute in the target's address space
	Dlen  uint32   // bytes of original code covered by the jump; >= 5 for a real hunk
	Saddr uintptr  // absolute address of the replacement, in the mapped patch region
	Slen  uint32   // length of the replacement code
	Flags HunkFlag
}

// IsNew reports whether h replaces nothing (a newly-introduced function).
func (h PatchHunk) IsNew() bool { return h.Daddr == 0 }

// IsEnd reports whether h is the sentinel that terminates a hunk array.
func (h PatchHunk) IsEnd() bool {
	return h.Daddr == 0 && h.Dlen == 0 && h.Saddr == 0 && h.Slen == 0 && h.Flags == 0
}

// Applied reports whether the PatchApplied bit is set on h.
func (h PatchHunk) Applied() bool { return h.Flags&FlagPatchApplied != 0 }

// HazardInterval returns the half-open byte range that action makes unsafe
// to execute in, or (0, 0, false) for a new-function hunk which contributes
// no hazard.
func (h PatchHunk) HazardInterval(action Action) (start, end uintptr, ok bool) {
	if h.IsNew() {
		return 0, 0, false
	}
	if action == ActionRevoke {
		return h.Saddr, h.Saddr + uintptr(h.Slen), true
	}
	return h.Daddr, h.Daddr + uintptr(h.Dlen), true
}

// BlobHeader is the fixed header that prefixes a PatchBlob, following the
// documented magic + offsets layout of spec.md §3/§6.
type BlobHeader struct {
	TotalSize    uint64
	KpatchOffset uint64 // offset of the embedded relocatable ELF image
	UserInfo     uint64 // offset of the packed PatchHunk array
	UserUndo     uint64 // offset of the per-hunk original-bytes backup
	JmpOffset    uint64 // offset of the jump table for undefined externs; 0 if none
	UserLevel    uint32 // monotonically increasing patch level
	Uname        string // build-ID of the object this patch targets
}

// Blob is a PatchBlob: the fixed header plus the raw bytes it describes.
// Bytes is owned by Storage's cache until apply-time duplicates it into a
// private buffer owned by the target ObjectFile (see Storage invariants in
// spec.md §3 "Ownership").
type Blob struct {
	BlobHeader
	Bytes []byte
}

// ObjectFile is one loaded ELF object inside a target Process.
type ObjectFile struct {
	Name    string
	BuildID string

	// Storage is the patch blob found in storage for this object's BuildID, or nil.
	Storage *Blob

	// Applied is the metadata of a patch applied by this run's Apply, or nil.
	// A patch applied by an earlier invocation shows up only as a non-zero Kpta.
	Applied *AppliedPatch

	// Kpta is the address of the mapped patch region in the target, 0 if none is mapped.
	Kpta uintptr

	// LoadBase is this object's load bias in the target address space (from /proc/<pid>/maps).
	LoadBase uintptr

	// Info holds the parsed hunk array once loaded (apply) or recovered (revoke).
	Info []PatchHunk

	// JmpTableEntries is the undefined-extern count computed for this object's patch.
	JmpTableEntries int

	// Duplicate is the private owned copy of the storage blob bytes, mutated
	// in place by resolve/relocate. Nil until apply begins.
	Duplicate []byte
}

// IsPatched reports whether this object currently has a live applied patch.
// Kpta alone (Applied nil) still counts: recoverAppliedPatches only ever
// records Kpta for a patch applied by an earlier invocation of this tool,
// never the cached AppliedPatch metadata.
func (o *ObjectFile) IsPatched() bool { return o.Applied != nil || o.Kpta != 0 }

// AppliedPatch is the live-side bookkeeping for a patch currently mapped
// into a target process.
type AppliedPatch struct {
	Kpta      uintptr
	Size      uint64
	UserInfo  uint64
	UserUndo  uint64
	UserLevel uint32
	Info      []PatchHunk
}
