// Package orchestrator implements the per-process lifecycle of spec.md
// §4.7: init, attach, discover objects, find matching patches, find
// coroutines, apply or revoke, detach — and the fan-out over every process
// on the host.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/liveedit/kpatch/driver"
	"github.com/liveedit/kpatch/engine"
	"github.com/liveedit/kpatch/ptrace"
	"github.com/liveedit/kpatch/safety"
	"github.com/liveedit/kpatch/types"
	"github.com/liveedit/kpatch/unwind"
)

// buildSafetySources snapshots every thread and coroutine in proc into the
// cursor/unwinder pairs the safety verifier needs. Called once up front and
// again by the action driver's Refresh callback, so it always reflects the
// target's current thread set (spec.md §4.4's "re-attach to catch
// newly-spawned threads").
func buildSafetySources(proc *ptrace.Process, finder ptrace.CoroutineFinder) ([]safety.NativeSource, []safety.CoroutineSource, error) {
	unwinder := &unwind.NativeUnwinder{Process: proc}

	threads := make([]safety.NativeSource, 0, len(proc.Threads()))
	for _, tid := range proc.Threads() {
		cursor, err := unwind.NewThreadCursor(proc, tid)
		if err != nil {
			return nil, nil, fmt.Errorf("seed cursor for tid %d: %w", tid, err)
		}
		threads = append(threads, safety.NativeSource{TID: tid, Cursor: cursor, Unwinder: unwinder})
	}

	if finder == nil {
		finder = ptrace.NoCoroutines{}
	}
	coros, err := finder.FindCoroutines(proc)
	if err != nil {
		return nil, nil, fmt.Errorf("find coroutines: %w", err)
	}
	coroutines := make([]safety.CoroutineSource, 0, len(coros))
	for _, co := range coros {
		coroutines = append(coroutines, safety.CoroutineSource{ID: co.ID, Cursor: unwind.NewCoroutineCursor(co), Unwinder: unwinder})
	}

	return threads, coroutines, nil
}

// ensureSafetyFor binds a proc/finder pair into an engine.EnsureSafetyFunc,
// snapshotting sources fresh on every call (the first Verify pass) and again
// inside driver.EnsureSafety's Refresh (the post-drive re-verify). proc is a
// pointer to the caller's own *ptrace.Process variable: refresh detaches and
// re-attaches (producing a new Process, not a mutation of the old one), and
// writes the replacement back through *proc so the caller's own deferred
// Detach — and every later call into this same closure — sees the live
// attachment instead of the stale one.
func ensureSafetyFor(proc **ptrace.Process, finder ptrace.CoroutineFinder, opts safety.Options, timeout time.Duration) engine.EnsureSafetyFunc {
	refresh := func(ctx context.Context) ([]safety.NativeSource, []safety.CoroutineSource, error) {
		if err := (*proc).Detach(ctx); err != nil {
			return nil, nil, fmt.Errorf("detach before refresh: %w", err)
		}
		next, err := ptrace.Attach(ctx, (*proc).PID())
		if err != nil {
			return nil, nil, fmt.Errorf("re-attach during refresh: %w", err)
		}
		*proc = next
		return buildSafetySources(*proc, finder)
	}

	return func(ctx context.Context, o *types.ObjectFile, action types.Action) (*safety.Result, error) {
		threads, coroutines, err := buildSafetySources(*proc, finder)
		if err != nil {
			return nil, err
		}
		return driver.EnsureSafety(ctx, *proc, o, action, threads, coroutines, opts, timeout, refresh)
	}
}
