package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msageha/switchboard/internal/core"
	"github.com/msageha/switchboard/internal/daemon"
	"github.com/msageha/switchboard/internal/logging"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: worker pool, webhook gateway and schedules",
		Long: `Run the daemon in the foreground. It takes the workspace lock, starts
queued jobs as slots free up and serves the webhook gateway. SIGINT or
SIGTERM drains running jobs back to the queue; a second signal exits at once.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	g := globalFlags(cmd)

	logger, logFile, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    cfg.Logging.File,
		Debug:   g.debug,
		Out:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer logFile.Close()

	c, err := core.New(core.Options{Config: cfg, Logger: logger, DryRun: g.dryRun, Journal: true})
	if err != nil {
		return err
	}
	for _, s := range c.Discovery.Skipped {
		logger.Warn().Str("path", s.Path).Str("reason", s.Reason).Msg("command_skipped")
	}
	logger.Info().Int("commands", c.Registry.Len()).Bool("dry_run", g.dryRun).Msg("commands_loaded")

	runErr := daemon.New(c, daemon.WithDebug(g.debug)).Run(cmd.Context())
	if err := c.Close(); err != nil {
		logger.Warn().Err(err).Msg("close_failed")
	}
	if runErr != nil {
		return fmt.Errorf("serve: %w", runErr)
	}
	return nil
}

