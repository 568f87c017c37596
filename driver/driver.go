// Package driver implements the action driver of spec.md §4.4: given a
// safety verification failure limited to native threads, compute each
// unsafe thread's return-hazard, drive it forward to that instruction
// pointer, re-attach to catch newly-spawned threads, and re-verify.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/liveedit/kpatch/kinds"
	"github.com/liveedit/kpatch/ptrace"
	"github.com/liveedit/kpatch/safety"
	"github.com/liveedit/kpatch/types"
	"github.com/liveedit/kpatch/utils"
)

// DefaultDriveTimeout is spec.md §4.4's hard-coded 3000 seconds, now exposed
// as a default rather than a compile-time constant (spec.md §9 open
// question 3).
const DefaultDriveTimeout = 3000 * time.Second

const drivePollInterval = 10 * time.Millisecond

// Target is the subset of ptrace.Process the driver needs: reading a
// thread's current instruction pointer and continuing it until that IP
// changes. ptrace.Process advances the thread one instruction per Continue
// (PTRACE_SINGLESTEP) and the driver polls GetRegs() between steps; tests
// substitute a fake that simulates forward progress.
type Target interface {
	GetRegs(tid int) (*ptrace.Regs, error)
	Continue(tid int) error
}

// Refresh re-attaches to the target and rebuilds the thread/coroutine
// sources the safety verifier needs, picking up any thread spawned since
// the first verification pass.
type Refresh func(ctx context.Context) ([]safety.NativeSource, []safety.CoroutineSource, error)

// EnsureSafety runs the safety verifier for o/action, and if any thread
// (but no coroutine) is unsafe, drives those threads to their computed
// return-hazard IPs, refreshes the thread/coroutine list, and re-verifies
// once. A second failure — or any coroutine failure at any point — is
// fatal for this object.
func EnsureSafety(ctx context.Context, target Target, o *types.ObjectFile, action types.Action, threads []safety.NativeSource, coroutines []safety.CoroutineSource, opts safety.Options, timeout time.Duration, refresh Refresh) (*safety.Result, error) {
	logger := log.WithFunc("driver.EnsureSafety")
	if timeout <= 0 {
		timeout = DefaultDriveTimeout
	}

	res, err := safety.Verify(ctx, o, action, threads, coroutines, opts)
	if err != nil {
		return nil, err
	}
	if res.Clean {
		return res, nil
	}
	if res.CoroutineFailures > 0 {
		return res, fmt.Errorf("%d coroutine(s) unsafe for %s: %w", res.CoroutineFailures, action, kinds.ErrSafetyUnsafeCoroutine)
	}

	logger.Infof(ctx, "driving %d unsafe thread(s) forward for %s", len(res.ThreadHazards), action)
	for _, hz := range res.ThreadHazards {
		if !hz.Resolved {
			return res, fmt.Errorf("thread %d has no resolvable return-hazard for %s: %w", hz.TID, action, kinds.ErrSafetyUnsafeThread)
		}
		if err := driveThread(ctx, target, hz.TID, hz.ReturnIP, timeout); err != nil {
			return res, fmt.Errorf("drive thread %d to %#x: %w", hz.TID, hz.ReturnIP, err)
		}
	}

	threads2, coroutines2, err := refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh process state before re-verify: %w", err)
	}
	res2, err := safety.Verify(ctx, o, action, threads2, coroutines2, opts)
	if err != nil {
		return nil, err
	}
	if !res2.Clean {
		return res2, fmt.Errorf("safety check still unsafe after drive for %s: %w", action, kinds.ErrSafetyUnsafeThread)
	}
	return res2, nil
}

// driveThread single-steps tid forward, checking its instruction pointer
// after each step, until it reaches returnIP or timeout elapses.
func driveThread(ctx context.Context, target Target, tid int, returnIP uintptr, timeout time.Duration) error {
	err := utils.WaitFor(ctx, timeout, drivePollInterval, func() (bool, error) {
		regs, err := target.GetRegs(tid)
		if err != nil {
			return false, err
		}
		if uintptr(regs.Rip) == returnIP {
			return true, nil
		}
		if err := target.Continue(tid); err != nil {
			return false, err
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", err, kinds.ErrDriveTimeout)
	}
	return nil
}
