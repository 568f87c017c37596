package safety

import (
	"context"
	"testing"

	"github.com/liveedit/kpatch/ptrace"
	"github.com/liveedit/kpatch/types"
	"github.com/liveedit/kpatch/unwind"
)

// fakeUnwinder replays a fixed chain of program counters for Step, letting
// tests drive the verifier without a real target process.
type fakeUnwinder struct {
	pcs []uintptr
	i   int
}

// Init starts Step at pcs[1]: the cursor's initial PC (the innermost frame)
// is already set by NewCoroutineCursor/NewThreadCursor, and pcs[0] mirrors it.
func (f *fakeUnwinder) Init(_ context.Context, cursor *unwind.Cursor) error {
	f.i = 1
	return nil
}

func (f *fakeUnwinder) Step(_ context.Context, cursor *unwind.Cursor) (unwind.Frame, bool, error) {
	if f.i >= len(f.pcs) {
		return unwind.Frame{}, false, nil
	}
	pc := f.pcs[f.i]
	f.i++
	return unwind.Frame{PC: pc}, f.i < len(f.pcs), nil
}

func cursorAt(pcs []uintptr) (*unwind.Cursor, *fakeUnwinder) {
	fu := &fakeUnwinder{pcs: pcs}
	c := unwind.NewCoroutineCursor(ptrace.Coroutine{ID: 1, IP: pcs[0], SP: 0x7fff0000})
	return c, fu
}

func objWithHunk(daddr uintptr, dlen uint32, saddr uintptr, slen uint32) *types.ObjectFile {
	return &types.ObjectFile{
		Info: []types.PatchHunk{
			{Daddr: daddr, Dlen: dlen, Saddr: saddr, Slen: slen},
		},
	}
}

func TestVerifyCleanStack(t *testing.T) {
	o := objWithHunk(0x1000, 16, 0x5000, 32)
	cursor, unwinder := cursorAt([]uintptr{0x9000, 0x9100, 0x9200})
	res, err := Verify(context.Background(), o, types.ActionApply,
		nil,
		[]CoroutineSource{{ID: 1, Cursor: cursor, Unwinder: unwinder}},
		Options{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Clean {
		t.Fatalf("expected clean result, got %+v", res)
	}
}

func TestVerifyUnsafeCoroutineIsFatal(t *testing.T) {
	o := objWithHunk(0x1000, 16, 0x5000, 32)
	cursor, unwinder := cursorAt([]uintptr{0x1004, 0x9100})
	res, err := Verify(context.Background(), o, types.ActionApply,
		nil,
		[]CoroutineSource{{ID: 1, Cursor: cursor, Unwinder: unwinder}},
		Options{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Clean {
		t.Fatal("expected unsafe result")
	}
	if res.CoroutineFailures != 1 {
		t.Fatalf("CoroutineFailures = %d, want 1", res.CoroutineFailures)
	}
}

func TestVerifyThreadReturnHazardIsFirstSafeFrame(t *testing.T) {
	o := objWithHunk(0x1000, 16, 0x5000, 32)
	cursor, unwinder := cursorAt([]uintptr{0x1008, 0x1002, 0x9999, 0xaaaa})
	res, err := Verify(context.Background(), o, types.ActionApply,
		[]NativeSource{{TID: 42, Cursor: cursor, Unwinder: unwinder}},
		nil,
		Options{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Clean {
		t.Fatal("expected unsafe result")
	}
	if len(res.ThreadHazards) != 1 {
		t.Fatalf("want 1 thread hazard, got %d", len(res.ThreadHazards))
	}
	hz := res.ThreadHazards[0]
	if !hz.Resolved {
		t.Fatal("expected a resolved return-hazard")
	}
	if hz.ReturnIP != 0x9999 {
		t.Fatalf("ReturnIP = %#x, want 0x9999", hz.ReturnIP)
	}
}

func TestVerifyParanoidFindsOutermostUnsafeRun(t *testing.T) {
	// Two separate unsafe runs (e.g. recursive hazard). Non-paranoid stops
	// at the first safe frame after the first run; paranoid keeps going
	// and records the return-hazard of the *last* (outermost) run.
	o := objWithHunk(0x1000, 16, 0x5000, 32)

	pcs := []uintptr{0x1002, 0x9000, 0x1004, 0x9999}
	cursor, unwinder := cursorAt(pcs)
	resDefault, err := Verify(context.Background(), o, types.ActionApply,
		[]NativeSource{{TID: 1, Cursor: cursor, Unwinder: unwinder}}, nil, Options{Paranoid: false})
	if err != nil {
		t.Fatal(err)
	}
	if resDefault.ThreadHazards[0].ReturnIP != 0x9000 {
		t.Fatalf("non-paranoid ReturnIP = %#x, want 0x9000", resDefault.ThreadHazards[0].ReturnIP)
	}

	cursor2, unwinder2 := cursorAt(pcs)
	resParanoid, err := Verify(context.Background(), o, types.ActionApply,
		[]NativeSource{{TID: 1, Cursor: cursor2, Unwinder: unwinder2}}, nil, Options{Paranoid: true})
	if err != nil {
		t.Fatal(err)
	}
	if resParanoid.ThreadHazards[0].ReturnIP != 0x9999 {
		t.Fatalf("paranoid ReturnIP = %#x, want 0x9999", resParanoid.ThreadHazards[0].ReturnIP)
	}
}

func TestVerifyNewFunctionHunkContributesNoHazard(t *testing.T) {
	o := &types.ObjectFile{Info: []types.PatchHunk{{Daddr: 0, Dlen: 0, Saddr: 0x6000, Slen: 20}}}
	cursor, unwinder := cursorAt([]uintptr{0x6005})
	res, err := Verify(context.Background(), o, types.ActionApply, nil,
		[]CoroutineSource{{ID: 1, Cursor: cursor, Unwinder: unwinder}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Clean {
		t.Fatal("new-function hunk must not contribute a hazard")
	}
}

func TestVerifyRevokeUsesReplacementInterval(t *testing.T) {
	o := objWithHunk(0x1000, 16, 0x5000, 32)
	cursor, unwinder := cursorAt([]uintptr{0x5004})
	res, err := Verify(context.Background(), o, types.ActionRevoke, nil,
		[]CoroutineSource{{ID: 1, Cursor: cursor, Unwinder: unwinder}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Clean {
		t.Fatal("expected unsafe: pc inside replacement interval during revoke")
	}

	// The same pc is safe for Apply, since Apply's hazard is the *original* interval.
	cursor2, unwinder2 := cursorAt([]uintptr{0x5004})
	res2, err := Verify(context.Background(), o, types.ActionApply, nil,
		[]CoroutineSource{{ID: 1, Cursor: cursor2, Unwinder: unwinder2}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res2.Clean {
		t.Fatal("expected clean: replacement-interval pc is not a hazard for Apply")
	}
}
