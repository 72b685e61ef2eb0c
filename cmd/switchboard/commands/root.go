// Package commands implements the switchboard CLI.
package commands

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/msageha/switchboard/internal/config"
	"github.com/msageha/switchboard/internal/core"
	"github.com/msageha/switchboard/internal/logging"
	"github.com/msageha/switchboard/internal/model"
)

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Route chat and webhook messages to a coding agent",
		Long: `switchboard parses slash commands from chat or webhooks, queues agent
work on disk and runs it with a bounded worker pool.

Examples:
  switchboard init ./ws
  switchboard serve --config ./ws/switchboard.yaml
  switchboard run --dry-run "/review api main"
  switchboard queue list pending`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newCommandsCmd(),
		newQueueCmd(),
		newSessionCmd(),
		newSignCmd(),
		newInitCmd(),
		newStatusCmd(),
	)

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", config.DefaultFile, "path to switchboard.yaml")
	pf.Bool("dry-run", false, "describe actions without performing side effects")
	pf.Bool("debug", false, "debug logging, including webhook bodies")
	pf.StringSlice("env-file", nil, "extra .env files to load (the config directory's .env is always tried)")
	return rootCmd
}

type globals struct {
	configPath string
	dryRun     bool
	debug      bool
	envFiles   []string
	explicit   bool
}

func globalFlags(cmd *cobra.Command) globals {
	pf := cmd.Root().PersistentFlags()
	var g globals
	g.configPath, _ = pf.GetString("config")
	g.dryRun, _ = pf.GetBool("dry-run")
	g.debug, _ = pf.GetBool("debug")
	g.envFiles, _ = pf.GetStringSlice("env-file")
	g.explicit = pf.Changed("config")
	return g
}

// loadConfig reads the configuration named by --config. An explicitly named
// file must exist.
func loadConfig(cmd *cobra.Command) (model.Config, error) {
	g := globalFlags(cmd)
	envFiles := append([]string{filepath.Join(filepath.Dir(g.configPath), config.DefaultEnvFile)}, g.envFiles...)
	cfg, err := config.Load(config.Options{
		Path:     g.configPath,
		Required: g.explicit,
		EnvFiles: envFiles,
	})
	if err != nil {
		return model.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// cliLogger logs warnings to stderr for one-shot commands; --debug raises
// the level.
func cliLogger(cmd *cobra.Command) zerolog.Logger {
	g := globalFlags(cmd)
	logger, _, err := logging.New(logging.Options{
		Level:   "warn",
		Console: true,
		Debug:   g.debug,
		Out:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return zerolog.Nop()
	}
	return logger
}

// withCore opens the workspace, runs fn and closes it again.
func withCore(cmd *cobra.Command, fn func(c *core.Core) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	c, err := core.New(core.Options{
		Config: cfg,
		Logger: cliLogger(cmd),
		DryRun: globalFlags(cmd).dryRun,
	})
	if err != nil {
		return err
	}
	return errors.Join(fn(c), c.Close())
}
