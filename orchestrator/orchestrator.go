package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/liveedit/kpatch/driver"
	"github.com/liveedit/kpatch/engine"
	"github.com/liveedit/kpatch/kinds"
	"github.com/liveedit/kpatch/patchfile"
	"github.com/liveedit/kpatch/ptrace"
	"github.com/liveedit/kpatch/safety"
	"github.com/liveedit/kpatch/storage"
	"github.com/liveedit/kpatch/types"
)

// ErrNoApplicablePatches is returned by ProcessPatch when none of a target's
// loaded objects have a matching build-ID in storage.
var ErrNoApplicablePatches = errors.New("no applicable patches")

// Orchestrator owns the per-process lifecycle of spec.md §4.7: init, attach,
// discover objects, match against storage, find coroutines, apply/revoke,
// detach. Grounded on the batch-with-partial-results shape of
// cloudhypervisor's forEachVM, generalized from "operate on N VMs" to
// "operate on N patched objects inside one process."
type Orchestrator struct {
	Store           storage.Store
	Linker          engine.Linker
	CoroutineFinder ptrace.CoroutineFinder
	SafetyOptions   safety.Options
	// DriveTimeout bounds the action driver's single-step loop; zero falls
	// back to driver.DefaultDriveTimeout (spec.md §9 open question 3).
	DriveTimeout time.Duration
	LockDir      string
}

func (o *Orchestrator) driveTimeout() time.Duration {
	if o.DriveTimeout > 0 {
		return o.DriveTimeout
	}
	return driver.DefaultDriveTimeout
}

// ObjectOutcome is one object's result within a patch or unpatch run.
type ObjectOutcome struct {
	Name     string
	BuildID  string
	Upgraded bool // ProcessPatch: true if applied/upgraded, false if skipped (already current)
	Revoked  bool // ProcessUnpatch: true if revoked
	Err      error
}

// Report is the aggregate result of one ProcessPatch or ProcessUnpatch call.
type Report struct {
	PID int
	// OperationID identifies this run in logs; a fresh run gets a fresh ID
	// even when invoked repeatedly against the same pid, so a caller fanning
	// out over "all" can correlate one line of output with one log stream.
	OperationID string
	Outcomes    []ObjectOutcome
}

// AnyFailed reports whether any outcome carries a non-nil error, the signal
// the caller uses to set a non-zero process exit code.
func (r *Report) AnyFailed() bool {
	for _, o := range r.Outcomes {
		if o.Err != nil {
			return true
		}
	}
	return false
}

// ProcessPatch implements spec.md §4.7's patch operation: attach to pid, map
// its loaded objects, look each one up in storage, and apply (or
// level-upgrade) every match. justStarted, when true, means pid was just
// spawned by the caller and is still sitting at its dynamic loader's entry
// point; it is accepted and ignored: the process is not driven to its
// program entry point before its objects are listed. sendFd carries the
// CLI's `-r` file descriptor and is not used; nothing is written to it.
func (o *Orchestrator) ProcessPatch(ctx context.Context, pid int, justStarted bool, sendFd int) (*Report, error) {
	logger := log.WithFunc("orchestrator.ProcessPatch")
	report := &Report{PID: pid, OperationID: uuid.NewString()}
	logger.Infof(ctx, "operation %s: patching pid %d", report.OperationID, pid)

	err := withProcessLock(ctx, o.LockDir, pid, func() error {
		proc, err := ptrace.Attach(ctx, pid)
		if err != nil {
			return err
		}
		// A plain "defer proc.Detach(ctx)" would bind today's proc value
		// immediately; ensureSafetyFor's refresh can replace proc with a
		// freshly re-attached Process mid-run, so the deferred call must
		// read proc at return time instead.
		defer func() { _ = proc.Detach(ctx) }()

		_ = justStarted // see doc comment: not acted on

		objects, err := o.mapObjectFiles(ctx, proc)
		if err != nil {
			return fmt.Errorf("map object files: %w", err)
		}

		var matched []*types.ObjectFile
		for _, obj := range objects {
			blob, err := o.Store.Find(ctx, obj.BuildID, true)
			if err != nil {
				if errors.Is(err, kinds.ErrStorageMiss) {
					continue
				}
				return fmt.Errorf("storage lookup for %s: %w", obj.Name, err)
			}
			_, parsedHunks, perr := patchfile.Parse(blob.Bytes)
			if perr != nil {
				return fmt.Errorf("parse patch blob for %s: %w", obj.Name, perr)
			}
			obj.Storage = blob
			obj.Info = parsedHunks
			matched = append(matched, obj)
		}
		if len(matched) == 0 {
			logger.Infof(ctx, "pid %d: no applicable patches", pid)
			return ErrNoApplicablePatches
		}

		if err := recoverAppliedPatches(proc, matched); err != nil {
			return fmt.Errorf("recover applied patches: %w", err)
		}

		ensureSafety := ensureSafetyFor(&proc, o.CoroutineFinder, o.SafetyOptions, o.driveTimeout())

		for _, obj := range matched {
			upgraded, aerr := engine.Upgrade(ctx, proc, o.Linker, obj, obj.Info, ensureSafety)
			outcome := ObjectOutcome{Name: obj.Name, BuildID: obj.BuildID, Upgraded: upgraded}
			if aerr != nil {
				// spec.md §4.5 "Multi-object transaction": roll back only the
				// object currently being applied; objects already committed in
				// this same run are left patched, and no further objects in
				// this run are attempted.
				if obj.Kpta != 0 {
					if rerr := engine.Revoke(ctx, proc, obj, engine.RevokeOptions{CheckFlag: true}, ensureSafety); rerr != nil {
						aerr = fmt.Errorf("%w (rollback also failed: %w)", aerr, rerr)
					}
				}
				outcome.Err = aerr
				report.Outcomes = append(report.Outcomes, outcome)
				return nil
			}
			report.Outcomes = append(report.Outcomes, outcome)
		}
		return nil
	})
	return report, err
}

// ProcessUnpatch implements spec.md §4.7's unpatch operation: attach, map
// objects, find coroutines, associate any live applied patch back to its
// ObjectFile, and revoke every one matching a selector (an empty selector
// list means all patched objects).
func (o *Orchestrator) ProcessUnpatch(ctx context.Context, pid int, selectors []string) (*Report, error) {
	logger := log.WithFunc("orchestrator.ProcessUnpatch")
	report := &Report{PID: pid, OperationID: uuid.NewString()}
	logger.Infof(ctx, "operation %s: unpatching pid %d", report.OperationID, pid)

	err := withProcessLock(ctx, o.LockDir, pid, func() error {
		proc, err := ptrace.Attach(ctx, pid)
		if err != nil {
			return err
		}
		// See the equivalent comment in ProcessPatch: proc can be replaced by
		// ensureSafetyFor's refresh mid-run, so this must read proc lazily.
		defer func() { _ = proc.Detach(ctx) }()

		objects, err := o.mapObjectFiles(ctx, proc)
		if err != nil {
			return fmt.Errorf("map object files: %w", err)
		}

		if err := recoverAppliedPatches(proc, objects); err != nil {
			return fmt.Errorf("recover applied patches: %w", err)
		}

		ensureSafety := ensureSafetyFor(&proc, o.CoroutineFinder, o.SafetyOptions, o.driveTimeout())

		for _, obj := range objects {
			if !selected(obj, selectors) {
				continue
			}
			// CheckFlag is false here: PATCH_APPLIED is a local apply-loop
			// bookkeeping bit, never persisted to the target's own memory, so
			// every hunk recovered from a live (not just-failed-apply) patch
			// region is, by definition, installed and must be restored.
			// CheckFlag:true is only for unwinding a partial Apply/Upgrade
			// failure within the same process, where o.Info's flags reflect
			// which trampolines actually got installed this run (see
			// engine/upgrade.go and orchestrator.go's ProcessPatch rollback).
			if err := engine.Revoke(ctx, proc, obj, engine.RevokeOptions{CheckFlag: false}, ensureSafety); err != nil {
				if errors.Is(err, kinds.ErrStorageMiss) {
					// Object has no mapped patch region at all: not an error,
					// just nothing to revoke for a named-but-unpatched selector.
					continue
				}
				report.Outcomes = append(report.Outcomes, ObjectOutcome{Name: obj.Name, BuildID: obj.BuildID, Err: err})
				continue
			}
			report.Outcomes = append(report.Outcomes, ObjectOutcome{Name: obj.Name, BuildID: obj.BuildID, Revoked: true})
		}
		return nil
	})
	return report, err
}

// selected reports whether obj matches the unpatch selector list: empty
// means every object with a mapped patch region; otherwise an exact
// build-ID or name match against any selector, per spec.md §4.7 Selection.
func selected(obj *types.ObjectFile, selectors []string) bool {
	if obj.Kpta == 0 {
		return false
	}
	if len(selectors) == 0 {
		return true
	}
	for _, s := range selectors {
		if s == obj.BuildID || s == obj.Name {
			return true
		}
	}
	return false
}

// InfoFilter narrows ProcessInfo's output, per spec.md §4.7/§6: an exact
// build-ID match, a name regexp match, or "has a patch in storage" — the
// caller (cmd/info) enforces that BuildID and NameRegexp are mutually
// exclusive before constructing this.
type InfoFilter struct {
	BuildID           string
	NameRegexp        *regexp.Regexp
	HasPatchInStorage bool
}

// ObjectSummary is one reported ELF object for the info operation.
type ObjectSummary struct {
	Name       string
	BuildID    string
	LoadBase   uintptr
	HasInStore bool
	UserLevel  uint32
	// PatchSizeBytes is the stored blob's total size, or 0 if HasInStore is
	// false. cmd/info formats it with docker/go-units for display.
	PatchSizeBytes int64
}

// ProcessInfo implements spec.md §4.7's info operation: attach, parse only
// /proc/<pid>/maps (no patch application or safety verification — this is a
// read-only inspection), and report every ELF object matching filter.
func (o *Orchestrator) ProcessInfo(ctx context.Context, pid int, filter InfoFilter) ([]ObjectSummary, error) {
	proc, err := ptrace.Attach(ctx, pid)
	if err != nil {
		return nil, err
	}
	defer proc.Detach(ctx) //nolint:errcheck

	mapped, err := proc.ListObjects()
	if err != nil {
		return nil, fmt.Errorf("list objects for pid %d: %w", pid, err)
	}

	var out []ObjectSummary
	for _, m := range mapped {
		if filter.BuildID != "" && m.BuildID != filter.BuildID {
			continue
		}
		if filter.NameRegexp != nil && !filter.NameRegexp.MatchString(m.Path) {
			continue
		}

		summary := ObjectSummary{Name: m.Path, BuildID: m.BuildID, LoadBase: m.LoadBase}
		if o.Store != nil {
			if blob, err := o.Store.Find(ctx, m.BuildID, false); err == nil {
				summary.HasInStore = true
				summary.UserLevel = blob.UserLevel
				summary.PatchSizeBytes = int64(blob.TotalSize)
			}
		}
		if filter.HasPatchInStorage && !summary.HasInStore {
			continue
		}
		out = append(out, summary)
	}
	return out, nil
}

// ProcessStorageInfo implements the storage-only info browse (info -s
// without an explicit -p): list every build-ID o.Store holds, with no /proc
// scan and no ptrace.Attach. filter.NameRegexp never matches anything here —
// storage has no notion of a live object's mapped path — so it is ignored.
func (o *Orchestrator) ProcessStorageInfo(ctx context.Context, filter InfoFilter) ([]ObjectSummary, error) {
	lister, ok := o.Store.(storage.Lister)
	if !ok {
		return nil, fmt.Errorf("storage backend does not support listing")
	}
	ids, err := lister.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []ObjectSummary
	for _, id := range ids {
		if filter.BuildID != "" && id != filter.BuildID {
			continue
		}
		blob, err := o.Store.Find(ctx, id, false)
		if err != nil {
			continue
		}
		out = append(out, ObjectSummary{
			BuildID:        id,
			HasInStore:     true,
			UserLevel:      blob.UserLevel,
			PatchSizeBytes: int64(blob.TotalSize),
		})
	}
	return out, nil
}

// mapObjectFiles implements spec.md §4.7's "map object files" step: list
// every file-backed executable mapping and turn it into an ObjectFile, one
// per distinct build-ID/path pair. Kernel-only pseudo-mappings never reach
// here — ListObjects already filters "[...]" entries.
func (o *Orchestrator) mapObjectFiles(_ context.Context, proc *ptrace.Process) ([]*types.ObjectFile, error) {
	mapped, err := proc.ListObjects()
	if err != nil {
		return nil, err
	}
	objects := make([]*types.ObjectFile, 0, len(mapped))
	for _, m := range mapped {
		objects = append(objects, &types.ObjectFile{Name: m.Path, BuildID: m.BuildID, LoadBase: m.LoadBase})
	}
	return objects, nil
}

