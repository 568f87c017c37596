//go:build linux

package ptrace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/liveedit/kpatch/kinds"
)

// attachAllThreads discovers the target's threads and PTRACE_SEIZEs each,
// then PTRACE_INTERRUPTs them to a known-stopped state. If a new thread is
// created concurrently with attach, a caller retrying Attach will pick it
// up; spec.md treats the thread set as a snapshot taken under the lock the
// orchestrator holds for the whole operation.
func (p *Process) attachAllThreads() error {
	if err := p.refreshThreads(); err != nil {
		return err
	}
	seized := make([]int, 0, len(p.threads))
	for _, tid := range p.threads {
		if err := unix.PtraceSeize(tid); err != nil {
			for _, s := range seized {
				_ = unix.PtraceDetach(s)
			}
			return fmt.Errorf("seize tid %d: %w", tid, err)
		}
		if err := unix.PtraceInterrupt(tid); err != nil {
			for _, s := range seized {
				_ = unix.PtraceDetach(s)
			}
			return fmt.Errorf("interrupt tid %d: %w", tid, err)
		}
		if _, err := waitStopped(tid); err != nil {
			for _, s := range seized {
				_ = unix.PtraceDetach(s)
			}
			return fmt.Errorf("wait tid %d: %w", tid, err)
		}
		seized = append(seized, tid)
	}
	return nil
}

func (p *Process) detachAllThreads() error {
	var firstErr error
	for _, tid := range p.threads {
		if err := unix.PtraceDetach(tid); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("detach tid %d: %w", tid, err)
		}
	}
	return firstErr
}

// waitStopped waits for tid to report a ptrace-stop, as required after
// PTRACE_SEIZE + PTRACE_INTERRUPT before registers/memory can be touched.
func waitStopped(tid int) (status unix.WaitStatus, err error) {
	var ws unix.WaitStatus
	_, err = unix.Wait4(tid, &ws, unix.WALL, nil)
	return ws, err
}

// ReadMem reads len(buf) bytes from the target's address space at addr via
// /proc/<pid>/mem, which is faster than PTRACE_PEEKTEXT word-at-a-time reads
// for the multi-kilobyte patch regions this tool moves.
func (p *Process) ReadMem(addr uintptr, buf []byte) error {
	f, err := os.OpenFile(memPath(p.pid), os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open mem: %w: %w", err, kinds.ErrMemRead)
	}
	defer f.Close() //nolint:errcheck
	if _, err := f.ReadAt(buf, int64(addr)); err != nil {
		return fmt.Errorf("pread at %#x: %w: %w", addr, err, kinds.ErrMemRead)
	}
	return nil
}

// WriteMem writes buf to the target's address space at addr via
// /proc/<pid>/mem.
func (p *Process) WriteMem(addr uintptr, buf []byte) error {
	f, err := os.OpenFile(memPath(p.pid), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open mem: %w: %w", err, kinds.ErrMemWrite)
	}
	defer f.Close() //nolint:errcheck
	if _, err := f.WriteAt(buf, int64(addr)); err != nil {
		return fmt.Errorf("pwrite at %#x: %w: %w", addr, err, kinds.ErrMemWrite)
	}
	return nil
}

func memPath(pid int) string {
	return filepath.Join("/proc", strconv.Itoa(pid), "mem")
}

// Regs is the subset of general-purpose register state the unwinder and
// the syscall-injection helpers below need. Field names follow
// golang.org/x/sys/unix.PtraceRegs on amd64/arm64.
type Regs = unix.PtraceRegs

// GetRegs reads tid's general-purpose registers.
func (p *Process) GetRegs(tid int) (*Regs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return nil, fmt.Errorf("getregs tid %d: %w: %w", tid, err, kinds.ErrProcessAttach)
	}
	return &regs, nil
}

// SetRegs writes tid's general-purpose registers.
func (p *Process) SetRegs(tid int, regs *Regs) error {
	if err := unix.PtraceSetRegs(tid, regs); err != nil {
		return fmt.Errorf("setregs tid %d: %w: %w", tid, err, kinds.ErrProcessAttach)
	}
	return nil
}

// Continue advances tid by one instruction via PTRACE_SINGLESTEP and waits
// for it to re-stop, so its registers are immediately readable again. The
// action driver calls this in a poll loop rather than PTRACE_CONT, since
// GETREGS is only valid while the tracee is stopped — matching spec.md
// §4.4's "single-step / continue each thread until it reaches its target IP."
func (p *Process) Continue(tid int) error {
	if err := unix.PtraceSingleStep(tid); err != nil {
		return fmt.Errorf("single-step tid %d: %w: %w", tid, err, kinds.ErrProcessAttach)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
		return fmt.Errorf("wait after single-step tid %d: %w: %w", tid, err, kinds.ErrProcessAttach)
	}
	return nil
}

// Mmap allocates size bytes of RWX memory in the target, passing hint to
// mmap(2) as a placement hint only (no MAP_FIXED): the kernel may return an
// address anywhere, and the ±2GiB reach is checked by the caller. It works
// by injecting a remote mmap(2) syscall on the main thread: save registers, overwrite them with
// the syscall number and arguments plus a `syscall` instruction at the
// current IP, single-step past it, read back the return value, then
// restore the original registers.
func (p *Process) Mmap(hint uintptr, size uint64) (uintptr, error) {
	tid := p.threads[0]
	saved, err := p.GetRegs(tid)
	if err != nil {
		return 0, err
	}
	defer p.SetRegs(tid, saved) //nolint:errcheck

	prot := unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	ret, err := p.injectSyscall(tid, saved, unix.SYS_MMAP, hint, uintptr(size), uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if err != nil {
		return 0, fmt.Errorf("inject mmap: %w: %w", err, kinds.ErrRemap)
	}
	addr := ret
	if int64(addr) < 0 && int64(addr) > -4096 {
		return 0, fmt.Errorf("remote mmap returned errno %d: %w", -int64(addr), kinds.ErrRemap)
	}
	return addr, nil
}

// Munmap releases a region previously returned by Mmap.
func (p *Process) Munmap(addr uintptr, size uint64) error {
	tid := p.threads[0]
	saved, err := p.GetRegs(tid)
	if err != nil {
		return err
	}
	defer p.SetRegs(tid, saved) //nolint:errcheck

	ret, err := p.injectSyscall(tid, saved, unix.SYS_MUNMAP, addr, uintptr(size), 0, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("inject munmap: %w: %w", err, kinds.ErrRemap)
	}
	if int64(ret) < 0 {
		return fmt.Errorf("remote munmap returned errno %d: %w", -int64(ret), kinds.ErrRemap)
	}
	return nil
}

// injectSyscall is architecture-specific register plumbing; see
// ptrace_linux_amd64.go.
func (p *Process) injectSyscall(tid int, saved *Regs, nr uintptr, a1, a2, a3, a4, a5, a6 uintptr) (uintptr, error) {
	return injectSyscallArch(p, tid, saved, nr, a1, a2, a3, a4, a5, a6)
}
