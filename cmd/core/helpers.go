// Package core holds the shared command-handler scaffolding every verb
// package (patch/unpatch/info) embeds: config access and context plumbing.
package core

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liveedit/kpatch/config"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// ParseTarget parses the -p/--pid flag's "<pid>|all" value. all is true and
// pid is meaningless when raw == "all" — the caller must fan out instead of
// taking the single-pid path.
func ParseTarget(raw string) (pid int, all bool, err error) {
	if raw == "all" {
		return 0, true, nil
	}
	if _, err := fmt.Sscanf(raw, "%d", &pid); err != nil || pid <= 0 {
		return 0, false, fmt.Errorf("invalid -p/--pid value %q: must be a positive integer or \"all\"", raw)
	}
	return pid, false, nil
}
