package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/msageha/switchboard/internal/command"
	"github.com/msageha/switchboard/internal/core"
	"github.com/msageha/switchboard/internal/model"
)

func newCommandsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "Inspect command definitions",
	}
	cmd.AddCommand(newCommandsListCmd(), newCommandsValidateCmd())
	return cmd
}

func newCommandsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List built-in and discovered commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, _ := cmd.Flags().GetString("source")
			return withCore(cmd, func(c *core.Core) error {
				defs := c.Registry.List("")
				if src != "" {
					defs = c.Registry.ListFor(model.Source(strings.ToLower(src)))
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USAGE\tKIND\tSCOPE\tALIASES\tDESCRIPTION")
				for _, d := range defs {
					scope := string(d.Scope)
					if scope == "" {
						scope = string(command.ScopeBoth)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						d.Usage(c.Parser.Sigil()), d.Handler.Kind(), scope, strings.Join(d.Aliases, ","), d.Description)
				}
				for _, s := range c.Discovery.Skipped {
					fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %s\n", s.Path, s.Reason)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().String("source", "", "only commands usable from this source (cli, chat, webhook)")
	return cmd
}

func newCommandsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Check every definition under dir without starting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := command.NewRegistry(cliLogger(cmd))
			report, err := reg.Discover(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range report.Loaded {
				fmt.Fprintf(out, "ok       %s\n", name)
			}
			for _, s := range report.Skipped {
				fmt.Fprintf(out, "invalid  %s: %s\n", s.Path, s.Reason)
			}
			if n := len(report.Skipped); n > 0 {
				return fmt.Errorf("%d invalid definition(s)", n)
			}
			return nil
		},
	}
}
