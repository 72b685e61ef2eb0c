package commands

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/switchboard/internal/core"
	"github.com/msageha/switchboard/internal/status"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running and the queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			r, err := status.Collect(cfg, filepath.Join(cfg.Root, core.LockFile))
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			return status.Write(cmd.OutOrStdout(), r, asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "print the report as JSON")
	return cmd
}
