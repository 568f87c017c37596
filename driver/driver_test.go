package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/liveedit/kpatch/kinds"
	"github.com/liveedit/kpatch/ptrace"
	"github.com/liveedit/kpatch/safety"
	"github.com/liveedit/kpatch/types"
	"github.com/liveedit/kpatch/unwind"
)

// fakeTarget simulates a thread whose IP advances by one step on each
// Continue call, reaching target after a fixed number of steps.
type fakeTarget struct {
	ip        map[int]uintptr
	target    uintptr
	perStep   uintptr
	stepsLeft map[int]int
}

func (f *fakeTarget) GetRegs(tid int) (*ptrace.Regs, error) {
	var regs ptrace.Regs
	regs.Rip = uint64(f.ip[tid])
	return &regs, nil
}

func (f *fakeTarget) Continue(tid int) error {
	if f.stepsLeft[tid] <= 0 {
		return nil
	}
	f.stepsLeft[tid]--
	if f.stepsLeft[tid] == 0 {
		f.ip[tid] = f.target
	} else {
		f.ip[tid] += f.perStep
	}
	return nil
}

func TestEnsureSafetyCleanSkipsDrive(t *testing.T) {
	o := &types.ObjectFile{Info: []types.PatchHunk{{Daddr: 0x1000, Dlen: 16, Saddr: 0x5000, Slen: 32}}}
	cursor := unwind.NewCoroutineCursor(ptrace.Coroutine{ID: 1, IP: 0x9000})
	threads := []safety.NativeSource{{TID: 1, Cursor: cursor, Unwinder: &scriptedUnwinder{pcs: []uintptr{0x9000}}}}

	target := &fakeTarget{ip: map[int]uintptr{}, stepsLeft: map[int]int{}}
	res, err := EnsureSafety(context.Background(), target, o, types.ActionApply, threads, nil, safety.Options{}, time.Second, nil)
	if err != nil {
		t.Fatalf("EnsureSafety: %v", err)
	}
	if !res.Clean {
		t.Fatal("expected clean result")
	}
}

func TestEnsureSafetyDrivesAndRecovers(t *testing.T) {
	o := &types.ObjectFile{Info: []types.PatchHunk{{Daddr: 0x1000, Dlen: 16, Saddr: 0x5000, Slen: 32}}}

	// First verify pass: thread IP starts inside the hazard, return-hazard is 0x9000.
	unsafeCursor := unwind.NewCoroutineCursor(ptrace.Coroutine{ID: 1, IP: 0x1004})
	unsafeUnwinder := &scriptedUnwinder{pcs: []uintptr{0x1004, 0x9000}}
	threads := []safety.NativeSource{{TID: 7, Cursor: unsafeCursor, Unwinder: unsafeUnwinder}}

	target := &fakeTarget{
		ip:        map[int]uintptr{7: 0x1004},
		target:    0x9000,
		perStep:   0x100,
		stepsLeft: map[int]int{7: 3},
	}

	refreshCalls := 0
	refresh := func(ctx context.Context) ([]safety.NativeSource, []safety.CoroutineSource, error) {
		refreshCalls++
		safeCursor := unwind.NewCoroutineCursor(ptrace.Coroutine{ID: 1, IP: 0x9000})
		return []safety.NativeSource{{TID: 7, Cursor: safeCursor, Unwinder: &scriptedUnwinder{pcs: []uintptr{0x9000}}}}, nil, nil
	}

	res, err := EnsureSafety(context.Background(), target, o, types.ActionApply, threads, nil, safety.Options{}, time.Second, refresh)
	if err != nil {
		t.Fatalf("EnsureSafety: %v", err)
	}
	if !res.Clean {
		t.Fatal("expected clean result after drive+reverify")
	}
	if refreshCalls != 1 {
		t.Fatalf("refresh called %d times, want 1", refreshCalls)
	}
}

func TestEnsureSafetyUnsafeCoroutineIsImmediatelyFatal(t *testing.T) {
	o := &types.ObjectFile{Info: []types.PatchHunk{{Daddr: 0x1000, Dlen: 16, Saddr: 0x5000, Slen: 32}}}
	coroCursor := unwind.NewCoroutineCursor(ptrace.Coroutine{ID: 9, IP: 0x1004})
	coroutines := []safety.CoroutineSource{{ID: 9, Cursor: coroCursor, Unwinder: &scriptedUnwinder{pcs: []uintptr{0x1004}}}}

	target := &fakeTarget{ip: map[int]uintptr{}, stepsLeft: map[int]int{}}
	_, err := EnsureSafety(context.Background(), target, o, types.ActionApply, nil, coroutines, safety.Options{}, time.Second, nil)
	if !errors.Is(err, kinds.ErrSafetyUnsafeCoroutine) {
		t.Fatalf("want ErrSafetyUnsafeCoroutine, got %v", err)
	}
}

// scriptedUnwinder replays a fixed PC sequence, mirroring safety_test.go's
// fakeUnwinder but kept local since Go test packages cannot share
// unexported helpers across package boundaries.
type scriptedUnwinder struct {
	pcs []uintptr
	i   int
}

func (s *scriptedUnwinder) Init(context.Context, *unwind.Cursor) error {
	s.i = 1
	return nil
}

func (s *scriptedUnwinder) Step(_ context.Context, c *unwind.Cursor) (unwind.Frame, bool, error) {
	if s.i >= len(s.pcs) {
		return unwind.Frame{}, false, nil
	}
	pc := s.pcs[s.i]
	s.i++
	return unwind.Frame{PC: pc}, s.i < len(s.pcs), nil
}
