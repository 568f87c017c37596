package unpatch

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/liveedit/kpatch/cmd/core"
	"github.com/liveedit/kpatch/config"
	"github.com/liveedit/kpatch/orchestrator"
	"github.com/liveedit/kpatch/safety"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Unpatch(cmd *cobra.Command, selectors []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("unpatch.Unpatch")

	target, err := cmd.Flags().GetString("pid")
	if err != nil {
		return err
	}
	pid, all, err := cmdcore.ParseTarget(target)
	if err != nil {
		return err
	}

	o := newOrchestrator(conf)

	var reports []*orchestrator.Report
	var anyFailed bool
	if all {
		failed, ferr := orchestrator.FanOut(ctx, os.Getpid(), func(ctx context.Context, pid int) (orchestrator.Decision, error) {
			report, err := o.ProcessUnpatch(ctx, pid, selectors)
			if err != nil {
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
		report, err := o.ProcessUnpatch(ctx, pid, selectors)
		if err != nil {
			return err
		}
		reports = append(reports, report)
		anyFailed = report.AnyFailed()
	}

	printReports(reports)
	if anyFailed {
		return fmt.Errorf("one or more objects failed to unpatch")
	}
	return nil
}

func newOrchestrator(conf *config.Config) *orchestrator.Orchestrator {
	return &orchestrator.Orchestrator{
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
			result := "not patched"
			if o.Revoked {
				result = "unpatched"
			}
			if o.Err != nil {
				result = fmt.Sprintf("failed: %v", o.Err)
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.PID, r.OperationID, o.Name, o.BuildID, result)
		}
	}
	_ = w.Flush()
}
