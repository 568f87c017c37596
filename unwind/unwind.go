// Package unwind walks a stopped execution context's call stack, frame by
// frame, so the safety verifier can check every return address against a
// patch's hazard intervals — not just the current instruction pointer.
package unwind

import (
	"context"
	"fmt"

	"github.com/liveedit/kpatch/kinds"
	"github.com/liveedit/kpatch/ptrace"
)

// Source identifies what kind of execution context a Cursor was initialized
// from, since coroutine unwinding is unsafe to retry across (spec.md §4.3:
// an unsafe coroutine is fatal, not retried) while a native thread is.
type Source int

const (
	// SourceThread is a native OS thread, safe to drive forward and retry.
	SourceThread Source = iota
	// SourceCoroutine is a non-native execution context; an unsafe frame here is fatal.
	SourceCoroutine
)

// Frame is one stack frame's program counter, the only field the safety
// verifier consults.
type Frame struct {
	PC uintptr
}

// Cursor is an in-progress unwind over one execution context.
type Cursor struct {
	Source Source
	TID    int // valid only for SourceThread

	pc uintptr
	sp uintptr
	fp uintptr

	done bool
}

// RemoteUnwinder produces stack frames for an execution context stopped in
// a target process. Native-thread and coroutine contexts share this
// interface; only construction differs (NewThreadCursor vs NewCoroutineCursor).
type RemoteUnwinder interface {
	// Init seeds the cursor from the context's current register state.
	Init(ctx context.Context, cursor *Cursor) error
	// Step advances the cursor to the caller's frame. more is false once the
	// walk reaches the end of the chain (a null frame pointer).
	Step(ctx context.Context, cursor *Cursor) (frame Frame, more bool, err error)
}

// NewThreadCursor creates a cursor for a native thread's current register state.
func NewThreadCursor(p *ptrace.Process, tid int) (*Cursor, error) {
	regs, err := p.GetRegs(tid)
	if err != nil {
		return nil, err
	}
	return &Cursor{Source: SourceThread, TID: tid, pc: uintptr(regs.Rip), sp: uintptr(regs.Rsp), fp: uintptr(regs.Rbp)}, nil
}

// NewCoroutineCursor creates a cursor for a coroutine's reported IP/SP. The
// coroutine's frame pointer is assumed equal to SP at call entry, matching
// a standard frame-pointer-based ABI; runtimes that omit frame pointers
// cannot be safety-checked by NativeUnwinder and must supply their own
// RemoteUnwinder.
func NewCoroutineCursor(co ptrace.Coroutine) *Cursor {
	return &Cursor{Source: SourceCoroutine, pc: co.IP, sp: co.SP, fp: co.SP}
}

// PC returns the cursor's current frame program counter.
func (c *Cursor) PC() uintptr { return c.pc }

// Walk drives u across every frame of cursor, calling visit(pc) for each,
// stopping at the first error, the first visit that returns false, or the
// end of the chain.
func Walk(ctx context.Context, u RemoteUnwinder, cursor *Cursor, visit func(pc uintptr) bool) error {
	if err := u.Init(ctx, cursor); err != nil {
		return fmt.Errorf("init unwind cursor: %w: %w", err, kinds.ErrUnwindInit)
	}
	if !visit(cursor.PC()) {
		return nil
	}
	for {
		frame, more, err := u.Step(ctx, cursor)
		if err != nil {
			return fmt.Errorf("step unwind cursor: %w: %w", err, kinds.ErrUnwindInit)
		}
		// The frame returned together with more=false is still a real frame
		// (the outermost caller); a zero PC means Step had no frame to give.
		if frame.PC != 0 && !visit(frame.PC) {
			return nil
		}
		if !more {
			return nil
		}
	}
}
