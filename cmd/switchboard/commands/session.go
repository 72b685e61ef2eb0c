package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/msageha/switchboard/internal/core"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sessions"},
		Short:   "List or end conversation sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List active sessions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withCore(cmd, func(c *core.Core) error {
					all, err := c.Sessions.List()
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "CODE\tKIND\tSOURCE\tCHANNEL\tLAST ACTIVITY\tTASK")
					for _, s := range all {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
							s.Code, s.Kind, s.Source, s.ChannelID, s.LastActivity, summary(s.Task, 50))
					}
					return tw.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "end <code>",
			Short: "End a session and archive it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCore(cmd, func(c *core.Core) error {
					s, err := c.Sessions.End(args[0])
					if err != nil {
						return fmt.Errorf("end %s: %w", args[0], err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", s.Code, s.Status)
					return nil
				})
			},
		},
	)
	return cmd
}
