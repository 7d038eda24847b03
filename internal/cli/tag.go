package cli

import (
	"fmt"
	"os"

	"github.com/chainguard-dev/agent-provisioner/internal/provisioner"
	"github.com/spf13/cobra"
)

func (a *app) tag() *cobra.Command {
	var workDir string

	cmd := &cobra.Command{
		Use:   "tag ADDRESS...",
		Short: "Print the workspace tag for a working directory and addresses",
		Long: `Tag prints the tag 'provision' applies to machines launched from the
current working directory (or --work-dir) with the given public addresses.
Use it to find a machine in the cloud console.

Example:
  agent-provisioner tag 203.0.113.7`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := workDir
			if dir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				dir = wd
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), provisioner.WorkspaceTag(dir, args...))
			return err
		},
	}

	cmd.Flags().StringVar(&workDir, "work-dir", "", "Working directory to derive the tag from; defaults to the current one")

	return cmd
}
