package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/switchboard/internal/core"
	"github.com/msageha/switchboard/internal/lock"
	"github.com/msageha/switchboard/internal/model"
	"github.com/msageha/switchboard/internal/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and modify the job queue",
	}
	cmd.AddCommand(
		newQueueStatusCmd(),
		newQueueListCmd(),
		newQueueEnqueueCmd(),
		newQueueCancelCmd(),
		newQueueRecoverCmd(),
	)
	return cmd
}

func withQueue(cmd *cobra.Command, fn func(q *queue.Store, cfg model.Config) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	q, err := queue.Open(cfg.Queue.Dir, cliLogger(cmd))
	if err != nil {
		return err
	}
	return fn(q, cfg)
}

func newQueueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the number of jobs in each state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(q *queue.Store, _ model.Config) error {
				counts, err := q.Counts()
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(counts)
			})
		},
	}
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "list [pending|active|completed|failed]",
		Short:     "List jobs in one state, in run order for pending",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"pending", "active", "completed", "failed"},
		RunE: func(cmd *cobra.Command, args []string) error {
			st := model.StatusPending
			if len(args) == 1 {
				st = model.Status(strings.ToLower(args[0]))
			}
			switch st {
			case model.StatusPending, model.StatusActive, model.StatusCompleted, model.StatusFailed:
			default:
				return fmt.Errorf("unknown state %q", args[0])
			}
			return withQueue(cmd, func(q *queue.Store, _ model.Config) error {
				jobs, err := q.List(st)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tSOURCE\tSESSION\tTASK")
				for _, j := range jobs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						j.ID, j.Status, j.Priority, j.Source, j.SessionCode, summary(j.Task, 60))
				}
				return tw.Flush()
			})
		},
	}
}

func summary(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func newQueueEnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue <task...>",
		Short: "Queue a raw task for the agent, bypassing command parsing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, _ := cmd.Flags().GetString("priority")
			src, _ := cmd.Flags().GetString("source")
			channelID, _ := cmd.Flags().GetString("channel")

			p, err := model.ParsePriority(prio)
			if err != nil {
				return err
			}
			job := &model.Job{
				Task:      strings.Join(args, " "),
				Priority:  p,
				Source:    model.Source(strings.ToLower(src)),
				ChannelID: channelID,
			}
			if globalFlags(cmd).dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "would enqueue %q priority=%s source=%s\n", job.Task, job.Priority, job.Source)
				return nil
			}
			return withQueue(cmd, func(q *queue.Store, _ model.Config) error {
				id, err := q.Enqueue(job)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().String("priority", "normal", "low, normal, high or critical")
	cmd.Flags().String("source", string(model.SourceCLI), "source recorded on the job; picks the reply channel")
	cmd.Flags().String("channel", "", "channel id for the reply")
	return cmd
}

func newQueueCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or active job",
		Long: `Cancel moves the job to failed with status cancelled. A running process
is not signalled from here; cancel through the webhook gateway for that.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(q *queue.Store, _ model.Config) error {
				job, err := q.CancelPending(args[0])
				if errors.Is(err, queue.ErrNotFound) {
					job, err = q.CancelActive(args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.Status)
				return nil
			})
		},
	}
}

func newQueueRecoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Return stale active jobs to pending while no daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(q *queue.Store, cfg model.Config) error {
				fl := lock.NewFileLock(filepath.Join(cfg.Root, core.LockFile))
				if err := fl.TryLock(); err != nil {
					return fmt.Errorf("recover needs the workspace to itself: %w", err)
				}
				defer fl.Unlock()

				threshold := cfg.Queue.StaleAfter()
				if all, _ := cmd.Flags().GetBool("all"); all {
					threshold = time.Nanosecond
				}
				ids, err := q.RecoverStaleJobs(threshold)
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return err
			})
		},
	}
	cmd.Flags().Bool("all", false, "recover every active job regardless of age")
	return cmd
}
