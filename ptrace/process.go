// Package ptrace attaches to a running process via ptrace(2), exposing
// remote memory read/write, thread enumeration, and remote mmap/munmap —
// the external collaborators spec.md §1 assumes without specifying, since
// their implementation is entirely OS-syscall plumbing rather than
// patch-application logic.
package ptrace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/projecteru2/core/log"

	"github.com/liveedit/kpatch/kinds"
	"github.com/liveedit/kpatch/utils"
)

// Process is an attached target. Its zero value is not usable; construct
// with Attach.
type Process struct {
	pid      int
	threads  []int // thread IDs, main thread first
	attached bool
}

// Attach seizes pid and all of its current threads via PTRACE_SEIZE,
// stopping them with PTRACE_INTERRUPT so their register state and memory
// can be inspected. The returned Process must be released with Detach.
func Attach(ctx context.Context, pid int) (*Process, error) {
	logger := log.WithFunc("ptrace.Attach")
	if !utils.IsProcessAlive(pid) {
		return nil, fmt.Errorf("pid %d not alive: %w", pid, kinds.ErrProcessAttach)
	}

	p := &Process{pid: pid}
	if err := p.attachAllThreads(); err != nil {
		return nil, fmt.Errorf("attach pid %d: %w: %w", pid, err, kinds.ErrProcessAttach)
	}
	p.attached = true
	logger.Infof(ctx, "attached to pid %d (%d threads)", pid, len(p.threads))
	return p, nil
}

// Detach resumes every attached thread and releases ptrace control. It is
// safe to call more than once.
func (p *Process) Detach(ctx context.Context) error {
	if !p.attached {
		return nil
	}
	logger := log.WithFunc("ptrace.Process.Detach")
	if err := p.detachAllThreads(); err != nil {
		return fmt.Errorf("detach pid %d: %w: %w", p.pid, err, kinds.ErrProcessAttach)
	}
	p.attached = false
	logger.Infof(ctx, "detached from pid %d", p.pid)
	return nil
}

// PID returns the target's process ID.
func (p *Process) PID() int { return p.pid }

// Threads returns the thread IDs observed at attach time, main thread first.
func (p *Process) Threads() []int { return p.threads }

// refreshThreads re-reads /proc/<pid>/task, used by attachAllThreads to
// discover threads before seizing each one.
func (p *Process) refreshThreads() error {
	entries, err := os.ReadDir(filepath.Join("/proc", strconv.Itoa(p.pid), "task"))
	if err != nil {
		return fmt.Errorf("read task dir: %w", err)
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	// Keep the main thread (tid == pid) first if present.
	for i, tid := range tids {
		if tid == p.pid && i != 0 {
			tids[0], tids[i] = tids[i], tids[0]
			break
		}
	}
	p.threads = tids
	return nil
}
