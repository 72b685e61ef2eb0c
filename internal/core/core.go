// Package core assembles the long-lived components from one configuration.
package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/switchboard/internal/callback"
	"github.com/msageha/switchboard/internal/channel"
	"github.com/msageha/switchboard/internal/command"
	"github.com/msageha/switchboard/internal/events"
	"github.com/msageha/switchboard/internal/executor"
	"github.com/msageha/switchboard/internal/logging"
	"github.com/msageha/switchboard/internal/model"
	"github.com/msageha/switchboard/internal/parse"
	"github.com/msageha/switchboard/internal/queue"
	"github.com/msageha/switchboard/internal/session"
	"github.com/msageha/switchboard/internal/worker"
)

const (
	LockFile    = "switchboard.lock"
	JournalFile = "logs/events.jsonl"
	OutboxDir   = "outbox"
)

type Options struct {
	Config model.Config
	Logger zerolog.Logger
	DryRun bool
	// Runner replaces the process runner built from the worker config.
	Runner worker.Runner
	// Journal records bus events to <root>/logs/events.jsonl.
	Journal bool
}

// Core owns every component that outlives a single request. Nothing in it is
// package-level state; tests build as many as they like.
type Core struct {
	Config    model.Config
	Logger    zerolog.Logger
	Registry  *command.Registry
	Parser    *parse.Parser
	Queue     *queue.Store
	Sessions  *session.Store
	Functions *executor.Functions
	Executor  *executor.Executor
	Bus       *events.Bus
	Journal   *events.Journal
	Router    *channel.Router
	Callback  *callback.Client
	Outbox    *channel.Outbox
	Pool      *worker.Pool

	Discovery command.DiscoverReport
	started   time.Time
}

// New opens the stores, loads command definitions and wires the executor and
// worker pool. Close releases what it opened.
func New(opts Options) (*Core, error) {
	cfg := opts.Config
	log := opts.Logger
	c := &Core{Config: cfg, Logger: log, started: time.Now()}

	c.Bus = events.NewBus(256, logging.Component(log, "events"))
	if opts.Journal {
		j, err := events.OpenJournal(c.Bus, c.path(JournalFile), 0, log)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open event journal: %w", err)
		}
		c.Journal = j
	}

	q, err := queue.Open(cfg.Queue.Dir, logging.Component(log, "queue"))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}
	c.Queue = q

	archive, err := session.OpenArchive(cfg.Session.Archive, cfg.Session.Dir, logging.Component(log, "archive"))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("open session archive: %w", err)
	}
	c.Registry = command.NewRegistry(logging.Component(log, "commands"))
	sessions, err := session.Open(filepath.Join(cfg.Session.Dir, "active"), logging.Component(log, "session"), session.Options{
		MaxAge:         cfg.Session.MaxAge(),
		ChatCodeLength: cfg.Session.ChatCodeLength,
		TaskCodeLength: cfg.Session.TaskCodeLength,
		Archive:        archive,
		Reserved:       c.Registry.Has,
	})
	if err != nil {
		_ = archive.Close()
		c.Close()
		return nil, fmt.Errorf("open sessions: %w", err)
	}
	c.Sessions = sessions

	c.Functions = executor.NewFunctions()
	c.registerBuiltins()
	report, err := c.Registry.Discover(cfg.Commands.Dir)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Discovery = report
	c.Parser = parse.NewParser(c.Registry, cfg.Commands.Sigil)

	c.Executor = &executor.Executor{
		Enqueuer:  c.Queue,
		Sessions:  c.Sessions,
		Functions: c.Functions,
		Listener:  &busListener{bus: c.Bus},
		DryRun:    opts.DryRun,
		Logger:    logging.Component(log, "executor"),
	}

	c.Callback = callback.New(callback.Options{
		Secret:  cfg.Webhook.Secret,
		AgentID: cfg.AgentID,
		Timeout: cfg.Callback.Timeout(),
		Policy:  retryPolicy(cfg.Callback.MaxRetries),
		Logger:  logging.Component(log, "callback"),
	})
	c.Outbox = channel.NewOutbox(c.path(OutboxDir), 0)
	c.Router = channel.NewRouter()
	c.Router.Handle(model.SourceChat, c.Outbox)
	c.Router.Handle(model.SourceWebhook, &channel.Webhook{
		Client:     c.Callback,
		DefaultURL: cfg.Callback.URL,
		Logger:     logging.Component(log, "delivery"),
	})
	c.Router.Fallback(channel.Log{Logger: logging.Component(log, "delivery")})

	runner := opts.Runner
	if runner == nil {
		runner = &worker.ProcessRunner{
			Command:   cfg.Worker.Command,
			WorkDir:   cfg.Worker.WorkDir,
			KillGrace: cfg.Worker.KillGrace(),
			MaxOutput: cfg.Worker.MaxOutputBytes,
			Env:       []string{"SWITCHBOARD_AGENT_ID=" + cfg.AgentID},
		}
	}
	c.Pool = worker.New(worker.Config{
		MaxConcurrent: cfg.Worker.MaxConcurrent,
		TaskTimeout:   cfg.Worker.TaskTimeout(),
		StaleAfter:    cfg.Queue.StaleAfter(),
	}, c.Queue, runner, c.Router, logging.Component(log, "worker"),
		worker.WithSessions(c.Sessions), worker.WithBus(c.Bus))

	return c, nil
}

// retryPolicy keeps the 1s/2s/4s schedule and caps it at max retries.
func retryPolicy(max int) callback.RetryPolicy {
	p := callback.DefaultRetryPolicy()
	if max > 0 {
		p.MaxRetries = max
	}
	return p
}

func (c *Core) path(rel string) string {
	return filepath.Join(c.Config.Root, rel)
}

// LockPath is the single-owner lock for this workspace.
func (c *Core) LockPath() string { return c.path(LockFile) }

// Handle parses text and runs it through the executor.
func (c *Core) Handle(ctx context.Context, text string, ec executor.ExecContext) (executor.Result, error) {
	return c.Executor.Execute(ctx, c.Parser.Parse(text), ec)
}

func (c *Core) Uptime() time.Duration { return time.Since(c.started) }

// Close releases stores and files. It does not stop running jobs; see
// worker.Pool.Stop.
func (c *Core) Close() error {
	var errs []error
	if c.Outbox != nil {
		errs = append(errs, c.Outbox.Close())
	}
	if c.Sessions != nil {
		errs = append(errs, c.Sessions.Close())
	}
	if c.Journal != nil {
		errs = append(errs, c.Journal.Close())
	}
	if c.Bus != nil {
		c.Bus.Close()
	}
	return errors.Join(errs...)
}

// busListener turns executor hooks into bus events.
type busListener struct {
	executor.NopListener
	bus *events.Bus
}

func (l *busListener) AfterExecute(_ context.Context, _ parse.Parsed, ec executor.ExecContext, res executor.Result) {
	if res.DryRun {
		return
	}
	for _, id := range res.JobIDs() {
		l.bus.Publish(events.EventJobEnqueued, map[string]any{"job_id": id, "source": string(ec.Source), "channel_id": ec.ChannelID})
	}
}

func (l *busListener) OnSessionCreate(_ context.Context, s *model.Session) {
	l.bus.Publish(events.EventSessionOpened, map[string]any{"code": s.Code, "kind": string(s.Kind), "source": string(s.Source)})
}
