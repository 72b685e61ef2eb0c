package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msageha/switchboard/internal/core"
	"github.com/msageha/switchboard/internal/executor"
	"github.com/msageha/switchboard/internal/model"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <text...>",
		Short: "Parse and execute one message, printing the action trace",
		Long: `Run one message through the parser and executor as if it arrived on a
channel. Agent work is queued for the daemon. With --dry-run nothing is
written and the trace shows what would happen.

Examples:
  switchboard run "/review api"
  switchboard run --dry-run --source chat --channel C42 "/ask why is CI red"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRun,
	}
	cmd.Flags().String("source", string(model.SourceCLI), "source the message arrives from (cli, chat, webhook)")
	cmd.Flags().String("channel", "", "channel id for replies and session scoping")
	cmd.Flags().String("session", "", "existing session code to run in")
	cmd.Flags().String("callback-url", "", "callback URL for webhook-sourced jobs")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	src, _ := cmd.Flags().GetString("source")
	channelID, _ := cmd.Flags().GetString("channel")
	code, _ := cmd.Flags().GetString("session")
	callbackURL, _ := cmd.Flags().GetString("callback-url")

	source := model.Source(strings.ToLower(src))
	switch source {
	case model.SourceCLI, model.SourceChat, model.SourceWebhook:
	default:
		return fmt.Errorf("unknown source %q", src)
	}

	return withCore(cmd, func(c *core.Core) error {
		res, err := c.Handle(cmd.Context(), strings.Join(args, " "), executor.ExecContext{
			Source:      source,
			ChannelID:   channelID,
			SessionCode: strings.ToLower(code),
			CallbackURL: callbackURL,
		})
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return errors.Join(err, encErr)
		}
		if err != nil {
			return err
		}
		if msgs := res.Errors(); len(msgs) > 0 {
			return errors.New(strings.Join(msgs, "; "))
		}
		return nil
	})
}
