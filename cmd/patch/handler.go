package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/liveedit/kpatch/cmd/core"
	"github.com/liveedit/kpatch/config"
	"github.com/liveedit/kpatch/engine"
	"github.com/liveedit/kpatch/orchestrator"
	"github.com/liveedit/kpatch/safety"
	"github.com/liveedit/kpatch/storage"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Patch(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("patch.Patch")

	target, err := cmd.Flags().GetString("pid")
	if err != nil {
		return err
	}
	justStarted, err := cmd.Flags().GetBool("just-started")
	if err != nil {
		return err
	}
	sendFd, err := cmd.Flags().GetInt("send-fd")
	if err != nil {
		return err
	}

	pid, all, err := cmdcore.ParseTarget(target)
	if err != nil {
		return err
	}

	store, err := storage.NewFileStore(args[0])
	if err != nil {
		return fmt.Errorf("open patch file %s: %w", args[0], err)
	}
	defer store.Close() //nolint:errcheck

	o := newOrchestrator(conf, store)

	var reports []*orchestrator.Report
	var anyFailed bool
	if all {
		failed, ferr := orchestrator.FanOut(ctx, os.Getpid(), func(ctx context.Context, pid int) (orchestrator.Decision, error) {
			report, err := o.ProcessPatch(ctx, pid, justStarted, sendFd)
			if err != nil {
				if errors.Is(err, orchestrator.ErrNoApplicablePatches) {
					// Most of /proc won't have this build-ID loaded; that is
					// the expected outcome of a wide fan-out, not a failure.
					return orchestrator.Ok, nil
				}
				logger.Warnf(ctx, "pid %d: %v", pid, err)
				return orchestrator.Recorded, err
			}
			reports = append(reports, report)
			if report.AnyFailed() {
				anyFailed = true
			}
			return orchestrator.Ok, nil
		})
		if ferr != nil {
			return ferr
		}
		if failed > 0 {
			anyFailed = true
		}
	} else {
		report, err := o.ProcessPatch(ctx, pid, justStarted, sendFd)
		if err != nil {
			return err
		}
		reports = append(reports, report)
		anyFailed = report.AnyFailed()
	}

	printReports(reports)
	if anyFailed {
		return fmt.Errorf("one or more objects failed to patch")
	}
	return nil
}

func newOrchestrator(conf *config.Config, store *storage.FileStore) *orchestrator.Orchestrator {
	return &orchestrator.Orchestrator{
		Store:         store,
		Linker:        engine.SelfContainedLinker{},
		SafetyOptions: safety.Options{Paranoid: conf.Paranoid},
		DriveTimeout:  conf.DriveTimeout(),
		LockDir:       conf.LockDir,
	}
}

func printReports(reports []*orchestrator.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PID\tOPERATION\tOBJECT\tBUILD-ID\tRESULT")
	for _, r := range reports {
		for _, o := range r.Outcomes {
			result := "skipped (current)"
			if o.Upgraded {
				result = "patched"
			}
			if o.Err != nil {
				result = fmt.Sprintf("failed: %v", o.Err)
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.PID, r.OperationID, o.Name, o.BuildID, result)
		}
	}
	_ = w.Flush()
}
