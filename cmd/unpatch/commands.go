package unpatch

import "github.com/spf13/cobra"

// Actions defines the unpatch verb's operation.
type Actions interface {
	Unpatch(cmd *cobra.Command, args []string) error
}

// Command builds the "unpatch" command.
func Command(h Actions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unpatch -p <pid|all> [buildid-or-name ...]",
		Short: "Revoke applied binary patches from one or all running processes",
		RunE:  h.Unpatch,
	}
	cmd.Flags().StringP("pid", "p", "", "target pid, or \"all\" to fan out over every process")
	_ = cmd.MarkFlagRequired("pid")
	return cmd
}
