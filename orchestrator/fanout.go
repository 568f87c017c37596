package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
)

// Decision is what a per-process callback reports back to FanOut, mirroring
// spec.md §4.7's "-1 means recorded-but-continue, -2 means stop-immediately"
// callback-return-code contract.
type Decision int

const (
	// Ok means the callback succeeded for this pid; fan-out continues.
	Ok Decision = iota
	// Recorded means the callback failed for this pid but fan-out should
	// continue to the remaining processes; the failure is aggregated into
	// FanOut's returned error and the overall run is reported as failed.
	Recorded
	// Stop means fan-out must end immediately, processing no further pids.
	Stop
)

// FanOut runs fn once for every live process on the host when target is
// "all": every all-digit entry under /proc except "." entries, pid 1, and
// selfPID (this tool's own process, so it never attaches to itself). Entries
// are visited in ascending pid order for deterministic output.
//
// It returns the number of Recorded failures and an aggregate error joining
// every failure fn reported; a non-nil error (or failed > 0) means the
// caller's process exit code must be non-zero, per spec.md §4.7.
func FanOut(ctx context.Context, selfPID int, fn func(ctx context.Context, pid int) (Decision, error)) (failed int, err error) {
	pids, err := ListPIDs(selfPID)
	if err != nil {
		return 0, fmt.Errorf("list /proc: %w", err)
	}

	var errs []error
	for _, pid := range pids {
		if ctx.Err() != nil {
			return failed, ctx.Err()
		}
		decision, ferr := fn(ctx, pid)
		switch decision {
		case Ok:
			// nothing to record
		case Recorded:
			failed++
			if ferr != nil {
				errs = append(errs, fmt.Errorf("pid %d: %w", pid, ferr))
			} else {
				errs = append(errs, fmt.Errorf("pid %d: failed", pid))
			}
		case Stop:
			if ferr != nil {
				errs = append(errs, fmt.Errorf("pid %d: %w", pid, ferr))
			}
			return failed, errors.Join(errs...)
		}
	}
	return failed, errors.Join(errs...)
}

// ListPIDs enumerates /proc for all-digit entries, excluding pid 1 and self.
// Exported so a read-only caller (cmd/info's "-p all" scan) can reuse the
// exact same process enumeration FanOut uses without going through its
// per-pid callback/Decision machinery.
func ListPIDs(selfPID int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	var pids []int
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." {
			continue
		}
		pid, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		if pid == 1 || pid == selfPID {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}
