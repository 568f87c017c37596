package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/liveedit/kpatch/kinds"
	"github.com/liveedit/kpatch/safety"
	"github.com/liveedit/kpatch/types"
)

// fakeAllocator simulates a target's address space as a flat in-memory
// buffer, with Mmap/Munmap tracking a single freelist-less bump region.
type fakeAllocator struct {
	mem      map[uintptr][]byte
	next     uintptr
	mmapErr  error
	writeErr error
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{mem: map[uintptr][]byte{}, next: 0x400000}
}

func (f *fakeAllocator) Mmap(hint uintptr, size uint64) (uintptr, error) {
	if f.mmapErr != nil {
		return 0, f.mmapErr
	}
	addr := f.next
	f.next += uintptr(size) + pageSize
	f.mem[addr] = make([]byte, size)
	return addr, nil
}

func (f *fakeAllocator) Munmap(addr uintptr, size uint64) error {
	delete(f.mem, addr)
	return nil
}

func (f *fakeAllocator) ReadMem(addr uintptr, buf []byte) error {
	for base, b := range f.mem {
		if addr >= base && int(addr-base)+len(buf) <= len(b) {
			copy(buf, b[addr-base:])
			return nil
		}
	}
	// addresses outside any tracked region read as 0xCC, standing in for
	// the original code bytes.
	for i := range buf {
		buf[i] = 0xCC
	}
	return nil
}

func (f *fakeAllocator) WriteMem(addr uintptr, buf []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	for base, b := range f.mem {
		if addr >= base && int(addr-base)+len(buf) <= len(b) {
			copy(b[addr-base:], buf)
			return nil
		}
	}
	f.mem[addr] = append([]byte(nil), buf...)
	return nil
}

type fakeLinker struct {
	undefined int
	resolveErr,
	relocateErr error
}

func (l *fakeLinker) CountUndefined(dup []byte) (int, error) { return l.undefined, nil }
func (l *fakeLinker) NewJmpTable(n int) []byte                { return make([]byte, n*8) }
func (l *fakeLinker) Resolve(dup []byte, o *types.ObjectFile) error {
	return l.resolveErr
}
func (l *fakeLinker) Relocate(dup []byte, o *types.ObjectFile, kpta uintptr) error {
	if l.relocateErr != nil {
		return l.relocateErr
	}
	for i := range o.Info {
		if o.Info[i].IsNew() {
			continue
		}
		o.Info[i].Saddr = kpta + uintptr(i*64)
	}
	return nil
}

func cleanSafety(ctx context.Context, o *types.ObjectFile, action types.Action) (*safety.Result, error) {
	return &safety.Result{Clean: true}, nil
}

func unsafeSafety(ctx context.Context, o *types.ObjectFile, action types.Action) (*safety.Result, error) {
	return nil, errors.New("unsafe")
}

func newTestObject() *types.ObjectFile {
	return &types.ObjectFile{
		Name:    "libfoo.so",
		BuildID: "abc123",
		Storage: &types.Blob{
			BlobHeader: types.BlobHeader{TotalSize: 256, UserLevel: 2, Uname: "abc123"},
			Bytes:      make([]byte, 256),
		},
		Info: []types.PatchHunk{
			{Daddr: 0x500000, Dlen: 16},
			{Daddr: 0, Dlen: 0, Saddr: 0, Slen: 64}, // new function, no daddr
		},
	}
}

func TestApplyInstallsTrampolinesAndRecordsAppliedPatch(t *testing.T) {
	alloc := newFakeAllocator()
	linker := &fakeLinker{}
	o := newTestObject()

	if err := Apply(context.Background(), alloc, linker, o, cleanSafety); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if o.Applied == nil {
		t.Fatal("expected Applied to be populated")
	}
	if !o.Info[0].Applied() {
		t.Fatal("expected hunk 0 to carry FlagPatchApplied")
	}
	if o.Info[1].Applied() {
		t.Fatal("new-function hunk should never be marked applied")
	}
	if o.Kpta == 0 {
		t.Fatal("expected Kpta to be set")
	}
}

func TestApplyRejectsAlreadyPatchedObject(t *testing.T) {
	alloc := newFakeAllocator()
	linker := &fakeLinker{}
	o := newTestObject()
	o.Applied = &types.AppliedPatch{}

	if err := Apply(context.Background(), alloc, linker, o, cleanSafety); err == nil {
		t.Fatal("expected error for already-patched object")
	}
}

func TestApplyRollsBackAllocationOnRelocateFailure(t *testing.T) {
	alloc := newFakeAllocator()
	linker := &fakeLinker{relocateErr: errors.New("bad reloc")}
	o := newTestObject()

	err := Apply(context.Background(), alloc, linker, o, cleanSafety)
	if !errors.Is(err, kinds.ErrRelocate) {
		t.Fatalf("want ErrRelocate, got %v", err)
	}
	if len(alloc.mem) != 0 {
		t.Fatalf("expected allocation to be rolled back, got %d live regions", len(alloc.mem))
	}
}

func TestApplyPropagatesSafetyFailureWithoutInstallingTrampolines(t *testing.T) {
	alloc := newFakeAllocator()
	linker := &fakeLinker{}
	o := newTestObject()

	if err := Apply(context.Background(), alloc, linker, o, unsafeSafety); err == nil {
		t.Fatal("expected safety failure to propagate")
	}
	if o.Info[0].Applied() {
		t.Fatal("trampoline must not be installed when safety check fails")
	}
	if o.Applied != nil {
		t.Fatal("Applied must stay nil when safety check fails")
	}
}

func TestApplyRejectsRegionOutsideProximityWindow(t *testing.T) {
	alloc := newFakeAllocator()
	alloc.next = 0xFFFF000000000000 // far beyond ±2GiB of daddr 0x500000
	linker := &fakeLinker{}
	o := newTestObject()

	err := Apply(context.Background(), alloc, linker, o, cleanSafety)
	if !errors.Is(err, kinds.ErrAlloc) {
		t.Fatalf("want ErrAlloc, got %v", err)
	}
}

func TestLayoutRegionRoundsUpToPageSize(t *testing.T) {
	r := layoutRegion(100, 3).finalize()
	if r.size%pageSize != 0 {
		t.Fatalf("region size %d not page-aligned", r.size)
	}
}

func TestEncodeTrampolineRel32(t *testing.T) {
	b := encodeTrampoline(0x1000, 0x2000)
	if b[0] != 0xE9 {
		t.Fatalf("expected opcode 0xE9, got %#x", b[0])
	}
	rel := int32(uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16 | uint32(b[4])<<24)
	if rel != 0x2000-0x1000-5 {
		t.Fatalf("rel32 = %d, want %d", rel, 0x2000-0x1000-5)
	}
}
