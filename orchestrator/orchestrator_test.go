package orchestrator

import (
	"errors"
	"testing"

	"github.com/liveedit/kpatch/types"
)

var errBoom = errors.New("boom")

func TestSelectedRequiresMappedPatchRegion(t *testing.T) {
	obj := &types.ObjectFile{Name: "libfoo.so", BuildID: "abc123"}
	if selected(obj, nil) {
		t.Fatal("expected an object with no mapped patch region to never be selected")
	}
}

func TestSelectedEmptySelectorsMatchesAllPatched(t *testing.T) {
	obj := &types.ObjectFile{Name: "libfoo.so", BuildID: "abc123", Kpta: 0x7f0000}
	if !selected(obj, nil) {
		t.Fatal("expected empty selector list to match any patched object")
	}
}

func TestSelectedMatchesBuildIDOrName(t *testing.T) {
	obj := &types.ObjectFile{Name: "libfoo.so", BuildID: "abc123", Kpta: 0x7f0000}

	if !selected(obj, []string{"abc123"}) {
		t.Fatal("expected build-ID match to select")
	}
	if !selected(obj, []string{"libfoo.so"}) {
		t.Fatal("expected name match to select")
	}
	if selected(obj, []string{"somethingelse"}) {
		t.Fatal("expected no match for an unrelated selector")
	}
}

func TestReportAnyFailed(t *testing.T) {
	r := &Report{Outcomes: []ObjectOutcome{{Name: "a"}, {Name: "b", Err: errBoom}}}
	if !r.AnyFailed() {
		t.Fatal("expected AnyFailed to report true when one outcome has an error")
	}

	clean := &Report{Outcomes: []ObjectOutcome{{Name: "a"}}}
	if clean.AnyFailed() {
		t.Fatal("expected AnyFailed to report false when no outcome has an error")
	}
}

func TestDriveTimeoutFallsBackToDefault(t *testing.T) {
	o := &Orchestrator{}
	if o.driveTimeout() <= 0 {
		t.Fatal("expected a positive default drive timeout")
	}
}
