package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/switchboard/internal/config"
	"github.com/msageha/switchboard/internal/setup"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a workspace with a default config and starter commands",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			agentID, _ := cmd.Flags().GetString("agent-id")
			if err := setup.Run(dir, agentID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", filepath.Join(dir, config.DefaultFile))
			return nil
		},
	}
	cmd.Flags().String("agent-id", "", "agent id written to the config")
	return cmd
}
