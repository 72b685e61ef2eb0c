package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/switchboard/internal/signing"
)

func newSignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign <file|->",
		Short: "Print signature headers for a JSON body",
		Long: `Sign prints the headers a signed webhook request for the given body
needs, using webhook.secret and agent_id from the configuration unless
overridden. Use - to read the body from stdin.

Example:
  switchboard sign --config ws/switchboard.yaml body.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			var err error
			if args[0] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			secret, _ := cmd.Flags().GetString("secret")
			agentID, _ := cmd.Flags().GetString("agent-id")
			if secret == "" || agentID == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				if secret == "" {
					secret = cfg.Webhook.Secret
				}
				if agentID == "" {
					agentID = cfg.AgentID
				}
			}
			if secret == "" {
				return fmt.Errorf("no secret: set webhook.secret or pass --secret")
			}

			ts := time.Now()
			if unix, _ := cmd.Flags().GetInt64("timestamp"); unix > 0 {
				ts = time.Unix(unix, 0)
			}
			h, err := signing.Sign(body, secret, agentID, ts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", signing.HeaderAgentID, h.AgentID)
			fmt.Fprintf(out, "%s: %s\n", signing.HeaderTimestamp, h.Timestamp)
			fmt.Fprintf(out, "%s: %s\n", signing.HeaderSignature, h.Signature)
			return nil
		},
	}
	cmd.Flags().String("secret", "", "shared secret (defaults to webhook.secret)")
	cmd.Flags().String("agent-id", "", "agent id header (defaults to agent_id)")
	cmd.Flags().Int64("timestamp", 0, "unix timestamp to sign at (defaults to now)")
	return cmd
}
