package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/liveedit/kpatch/lock/flock"
)

// perPIDLock serializes concurrent tool invocations against the same target
// process — not specified by spec.md, which assumes one invocation per
// process at a time without saying how a second concurrent invocation is
// kept from racing the first's attach/apply/detach sequence.
func perPIDLock(lockDir string, pid int) *flock.Lock {
	return flock.New(filepath.Join(lockDir, strconv.Itoa(pid)+".lock"))
}

// withProcessLock runs fn while holding pid's per-process lock, creating
// lockDir if it does not already exist.
func withProcessLock(ctx context.Context, lockDir string, pid int, fn func() error) error {
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return fmt.Errorf("create lock dir %s: %w", lockDir, err)
	}
	l := perPIDLock(lockDir, pid)
	if err := l.Lock(ctx); err != nil {
		return fmt.Errorf("lock pid %d: %w", pid, err)
	}
	defer l.Unlock(ctx) //nolint:errcheck

	return fn()
}
