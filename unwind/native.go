package unwind

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/liveedit/kpatch/ptrace"
)

// NativeUnwinder walks a standard x86-64 frame-pointer chain: each frame's
// saved RBP points at [caller's RBP, return address]. It requires the
// target to be built with frame pointers retained (no -fomit-frame-pointer),
// the same assumption spec.md's trampoline placement already depends on for
// locating call sites.
type NativeUnwinder struct {
	Process *ptrace.Process
}

var _ RemoteUnwinder = (*NativeUnwinder)(nil)

// Init only rejects a cursor with a null frame pointer: Cursor already
// carries pc/sp/fp from construction.
func (u *NativeUnwinder) Init(_ context.Context, cursor *Cursor) error {
	if cursor.fp == 0 {
		return fmt.Errorf("null frame pointer at cursor start")
	}
	return nil
}

// Step reads the 16 bytes at cursor.fp ([saved rbp][return address]),
// advances the cursor to the caller's frame, and reports more=false once
// the saved frame pointer is null (the top of the chain, by convention in
// _start/clone's thread-entry trampoline).
func (u *NativeUnwinder) Step(_ context.Context, cursor *Cursor) (Frame, bool, error) {
	if cursor.fp == 0 {
		return Frame{}, false, nil
	}

	buf := make([]byte, 16)
	if err := u.Process.ReadMem(cursor.fp, buf); err != nil {
		return Frame{}, false, fmt.Errorf("read frame at %#x: %w", cursor.fp, err)
	}
	savedFP := uintptr(binary.LittleEndian.Uint64(buf[0:8]))
	retAddr := uintptr(binary.LittleEndian.Uint64(buf[8:16]))

	if savedFP != 0 && savedFP <= cursor.fp {
		// Frame pointers must strictly increase up the stack toward higher
		// addresses; a non-increasing link means corrupted or fp-omitted
		// code, and continuing would loop forever.
		return Frame{}, false, fmt.Errorf("non-increasing frame pointer chain at %#x", cursor.fp)
	}

	cursor.pc = retAddr
	cursor.fp = savedFP

	if retAddr == 0 || savedFP == 0 {
		return Frame{PC: retAddr}, false, nil
	}
	return Frame{PC: retAddr}, true, nil
}
