//go:build linux && amd64

package ptrace

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// syscallInsn is the two-byte x86-64 `syscall` instruction.
var syscallInsn = [2]byte{0x0f, 0x05}

// injectSyscallArch performs the classic ptrace syscall-injection dance on
// amd64: point RIP at a temporary `syscall` instruction written over the
// bytes currently at RIP, load the syscall number and arguments into the
// SysV syscall ABI registers, single-step once, read the return value from
// RAX, then restore both the original instruction bytes and registers.
//
// This only runs against a thread that is already ptrace-stopped (Attach
// guarantees this for threads[0]).
func injectSyscallArch(p *Process, tid int, saved *Regs, nr uintptr, a1, a2, a3, a4, a5, a6 uintptr) (uintptr, error) {
	origInsn := make([]byte, len(syscallInsn))
	pc := uintptr(saved.Rip)
	if err := p.ReadMem(pc, origInsn); err != nil {
		return 0, fmt.Errorf("save insn at %#x: %w", pc, err)
	}
	if err := p.WriteMem(pc, syscallInsn[:]); err != nil {
		return 0, fmt.Errorf("write syscall insn: %w", err)
	}
	defer p.WriteMem(pc, origInsn) //nolint:errcheck

	work := *saved
	work.Rax = uint64(nr)
	work.Rdi = uint64(a1)
	work.Rsi = uint64(a2)
	work.Rdx = uint64(a3)
	work.R10 = uint64(a4)
	work.R8 = uint64(a5)
	work.R9 = uint64(a6)
	if err := p.SetRegs(tid, &work); err != nil {
		return 0, fmt.Errorf("set injected regs: %w", err)
	}

	if err := unix.PtraceSingleStep(tid); err != nil {
		return 0, fmt.Errorf("single-step syscall: %w", err)
	}
	var ws unix.WaitStatus
	if _, err := unix.Wait4(tid, &ws, 0, nil); err != nil {
		return 0, fmt.Errorf("wait after single-step: %w", err)
	}

	after, err := p.GetRegs(tid)
	if err != nil {
		return 0, fmt.Errorf("read result regs: %w", err)
	}
	return uintptr(after.Rax), nil
}
