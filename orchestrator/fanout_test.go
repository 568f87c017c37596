package orchestrator

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
)

func TestFanOutSkipsPidOneAndSelf(t *testing.T) {
	self := os.Getpid()
	var visited []int

	_, err := FanOut(context.Background(), self, func(_ context.Context, pid int) (Decision, error) {
		visited = append(visited, pid)
		return Ok, nil
	})
	if err != nil {
		t.Fatalf("FanOut: %v", err)
	}
	for _, pid := range visited {
		if pid == 1 {
			t.Fatal("expected pid 1 to be skipped")
		}
		if pid == self {
			t.Fatal("expected self pid to be skipped")
		}
	}
}

func TestFanOutAggregatesRecordedFailures(t *testing.T) {
	self := os.Getpid()
	calls := 0
	failTarget := 0

	_, err := FanOut(context.Background(), self, func(_ context.Context, pid int) (Decision, error) {
		calls++
		if failTarget == 0 {
			failTarget = pid
			return Recorded, errors.New("boom")
		}
		return Ok, nil
	})
	if calls == 0 {
		t.Skip("no other processes visible to this sandbox; nothing to assert")
	}
	if err == nil {
		t.Fatal("expected an aggregated error from the recorded failure")
	}
}

func TestFanOutStopsImmediately(t *testing.T) {
	self := os.Getpid()
	var visited int
	stopAfter := 2

	failed, err := FanOut(context.Background(), self, func(_ context.Context, pid int) (Decision, error) {
		visited++
		if visited == stopAfter {
			return Stop, errors.New("stop here")
		}
		return Ok, nil
	})
	if visited < stopAfter {
		t.Skip("fewer than 2 other processes visible; Stop path not exercised")
	}
	if visited != stopAfter {
		t.Fatalf("expected fan-out to stop after %d callbacks, visited %d", stopAfter, visited)
	}
	if err == nil {
		t.Fatal("expected the Stop decision's error to propagate")
	}
	_ = failed
}

func TestListPIDsExcludesNonNumericEntries(t *testing.T) {
	pids, err := ListPIDs(-1)
	if err != nil {
		t.Fatalf("ListPIDs: %v", err)
	}
	for _, pid := range pids {
		if pid <= 0 {
			t.Fatalf("unexpected non-positive pid %d", pid)
		}
		if strconv.Itoa(pid) == "." || strconv.Itoa(pid) == ".." {
			t.Fatalf("unexpected non-numeric entry leaked through: %d", pid)
		}
	}
}
