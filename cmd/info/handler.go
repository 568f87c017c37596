package info

import (
	"fmt"
	"os"
	"regexp"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/liveedit/kpatch/cmd/core"
	"github.com/liveedit/kpatch/orchestrator"
	"github.com/liveedit/kpatch/storage"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Info(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("info.Info")

	buildID, err := cmd.Flags().GetString("buildid")
	if err != nil {
		return err
	}
	target, err := cmd.Flags().GetString("pid")
	if err != nil {
		return err
	}
	storagePath, err := cmd.Flags().GetString("storage")
	if err != nil {
		return err
	}
	nameRegexp, err := cmd.Flags().GetString("regexp")
	if err != nil {
		return err
	}

	pid, all, err := cmdcore.ParseTarget(target)
	if err != nil {
		return err
	}

	filter := orchestrator.InfoFilter{BuildID: buildID}
	if nameRegexp != "" {
		re, err := regexp.Compile(nameRegexp)
		if err != nil {
			return fmt.Errorf("invalid -r/--regexp %q: %w", nameRegexp, err)
		}
		filter.NameRegexp = re
	}

	var store storage.Store
	if storagePath != "" {
		s, err := openStore(storagePath)
		if err != nil {
			return err
		}
		defer s.Close() //nolint:errcheck
		store = s
		filter.HasPatchInStorage = true
	}

	o := &orchestrator.Orchestrator{Store: store, LockDir: conf.LockDir}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	// A storage-only browse: -s given but -p never explicitly set (it
	// defaults to "all"). Enumerate storage directly, touching no process.
	if store != nil && !cmd.Flags().Changed("pid") {
		summaries, err := o.ProcessStorageInfo(ctx, filter)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, "BUILD-ID\tLEVEL\tSIZE")
		for _, s := range summaries {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", s.BuildID, s.UserLevel, units.HumanSize(float64(s.PatchSizeBytes)))
		}
		return w.Flush()
	}

	var pids []int
	if all {
		p, err := orchestrator.ListPIDs(os.Getpid())
		if err != nil {
			return fmt.Errorf("list /proc: %w", err)
		}
		pids = p
	} else {
		pids = []int{pid}
	}

	_, _ = fmt.Fprintln(w, "PID\tOBJECT\tBUILD-ID\tLOAD-BASE\tIN-STORE\tLEVEL\tSIZE")
	for _, p := range pids {
		summaries, err := o.ProcessInfo(ctx, p, filter)
		if err != nil {
			logger.Warnf(ctx, "pid %d: %v", p, err)
			continue
		}
		for _, s := range summaries {
			size := "-"
			if s.HasInStore {
				size = units.HumanSize(float64(s.PatchSizeBytes))
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%#x\t%t\t%d\t%s\n", p, s.Name, s.BuildID, s.LoadBase, s.HasInStore, s.UserLevel, size)
		}
	}
	return w.Flush()
}

func openStore(path string) (storage.Store, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat -s/--storage path %s: %w", path, err)
	}
	if fi.IsDir() {
		return storage.NewDirectoryStore(path)
	}
	return storage.NewFileStore(path)
}
