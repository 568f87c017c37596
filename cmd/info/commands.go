package info

import "github.com/spf13/cobra"

// Actions defines the info verb's operation.
type Actions interface {
	Info(cmd *cobra.Command, args []string) error
}

// Command builds the "info" command.
func Command(h Actions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Report patchable ELF objects and their storage status",
		RunE:  h.Info,
	}
	cmd.Flags().StringP("buildid", "b", "", "exact build-ID match")
	cmd.Flags().StringP("pid", "p", "all", "target pid, or \"all\" to scan every process")
	cmd.Flags().StringP("storage", "s", "", "storage path (directory or flat patch file) to check against")
	cmd.Flags().StringP("regexp", "r", "", "object name regexp match")
	cmd.MarkFlagsMutuallyExclusive("buildid", "regexp")
	cmd.MarkFlagsMutuallyExclusive("buildid", "storage")
	return cmd
}
