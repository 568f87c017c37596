package patch

import "github.com/spf13/cobra"

// Actions defines the patch verb's operation.
type Actions interface {
	Patch(cmd *cobra.Command, args []string) error
}

// Command builds the "patch" command.
func Command(h Actions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch -p <pid|all> <patch-path>",
		Short: "Apply or upgrade a binary patch against one or all running processes",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Patch,
	}
	cmd.Flags().StringP("pid", "p", "", "target pid, or \"all\" to fan out over every process")
	cmd.Flags().BoolP("just-started", "s", false, "pid was just spawned by the caller and is still at its loader entry point")
	cmd.Flags().IntP("send-fd", "r", -1, "file descriptor for a diagnostic summary (accepted; nothing is written to it)")
	_ = cmd.MarkFlagRequired("pid")
	return cmd
}
