// Package daemon runs the single queue owner: the tick loop, the pending
// directory watcher, scheduled maintenance and the webhook gateway.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/switchboard/internal/callback"
	"github.com/msageha/switchboard/internal/core"
	"github.com/msageha/switchboard/internal/lock"
	"github.com/msageha/switchboard/internal/logging"
	"github.com/msageha/switchboard/internal/queue"
	"github.com/msageha/switchboard/internal/webhook"
)

const (
	defaultTickInterval    = 5 * time.Second
	defaultDebounce        = 200 * time.Millisecond
	defaultShutdownTimeout = 30 * time.Second
)

// Daemon owns the queue of one workspace for as long as Run is executing.
type Daemon struct {
	core     *core.Core
	logger   zerolog.Logger
	fileLock *lock.FileLock
	debug    bool

	listener net.Listener
	signals  []os.Signal
	exit     func(code int)

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	stopped       bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

type Option func(*Daemon)

// WithListener serves the webhook on ln instead of binding webhook.addr.
func WithListener(ln net.Listener) Option { return func(d *Daemon) { d.listener = ln } }

// WithSignals replaces the shutdown signals (SIGINT, SIGTERM).
func WithSignals(sigs ...os.Signal) Option { return func(d *Daemon) { d.signals = sigs } }

// WithExit replaces os.Exit for the forced exit on a second signal.
func WithExit(fn func(code int)) Option { return func(d *Daemon) { d.exit = fn } }

// WithDebug logs webhook request and response bodies.
func WithDebug(on bool) Option { return func(d *Daemon) { d.debug = on } }

func New(c *core.Core, opts ...Option) *Daemon {
	d := &Daemon{
		core:     c,
		logger:   logging.Component(c.Logger, "daemon"),
		fileLock: lock.NewFileLock(c.LockPath()),
		signals:  []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		exit:     os.Exit,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run takes the workspace lock and blocks until ctx is cancelled, a
// shutdown signal arrives or Shutdown is called. Startup problems (lock
// held, watcher or port unavailable, bad schedule) are returned before any
// work begins.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	defer d.fileLock.Unlock()
	if pid := d.fileLock.Reclaimed; pid > 0 {
		d.logger.Warn().Int("previous_pid", pid).Msg("lock_reclaimed")
	}
	d.logger.Info().Int("pid", os.Getpid()).Str("root", d.core.Config.Root).Msg("daemon_starting")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.core.Queue.PendingDir()); err != nil {
		return fmt.Errorf("watch %s: %w", d.core.Queue.PendingDir(), err)
	}

	sched, err := d.schedule()
	if err != nil {
		return err
	}

	ln, err := d.listen()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.cancelMu.Lock()
	d.cancel = cancel
	d.cancelMu.Unlock()
	stopSignals := d.handleSignals(cancel)
	defer stopSignals()

	sched.Start()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { d.watchLoop(gctx, watcher); return nil })
	g.Go(func() error { d.tickLoop(gctx); return nil })
	if ln != nil {
		srv := d.server()
		g.Go(func() error { return srv.ServeListener(gctx, ln, d.shutdownTimeout()) })
	}

	d.tick(gctx, "startup")
	d.logger.Info().Msg("daemon_ready")

	err = g.Wait()
	d.drain(sched)
	if err != nil {
		d.logger.Error().Err(err).Msg("daemon_failed")
		return err
	}
	d.logger.Info().Msg("daemon_stopped")
	return nil
}

// Shutdown asks a running daemon to stop. It is safe to call more than once
// and before Run.
func (d *Daemon) Shutdown() {
	d.cancelMu.Lock()
	defer d.cancelMu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Daemon) listen() (net.Listener, error) {
	if !d.core.Config.Webhook.Enabled {
		return nil, nil
	}
	if d.listener != nil {
		return d.listener, nil
	}
	ln, err := net.Listen("tcp", d.core.Config.Webhook.Addr)
	if err != nil {
		return nil, fmt.Errorf("bind webhook %s: %w", d.core.Config.Webhook.Addr, err)
	}
	return ln, nil
}

func (d *Daemon) server() *webhook.Server {
	wc := d.core.Config.Webhook
	return webhook.New(webhook.Config{
		Addr:          wc.Addr,
		Secret:        wc.Secret,
		AllowUnsigned: wc.AllowUnsigned,
		MaxSkew:       wc.MaxSkew(),
		RatePerSec:    wc.RatePerSec,
		Burst:         wc.Burst,
		MaxBodyBytes:  wc.MaxBodyBytes,
		Debug:         d.debug,
	}, d.core.Queue, d.core.Sessions, d.core.Pool, logging.Component(d.core.Logger, "webhook"),
		webhook.WithBus(d.core.Bus))
}

// handleSignals cancels on the first signal and exits on the second.
func (d *Daemon) handleSignals(cancel context.CancelFunc) func() {
	if len(d.signals) == 0 {
		return func() {}
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, d.signals...)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			d.logger.Info().Str("signal", sig.String()).Msg("shutdown_signal")
			cancel()
		case <-done:
			return
		}
		select {
		case <-sigCh:
			d.logger.Warn().Msg("second signal, forcing exit")
			d.exit(1)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func (d *Daemon) tickInterval() time.Duration {
	if iv := d.core.Config.Queue.TickInterval(); iv > 0 {
		return iv
	}
	return defaultTickInterval
}

func (d *Daemon) shutdownTimeout() time.Duration {
	if t := d.core.Config.Daemon.ShutdownTimeout(); t > 0 {
		return t
	}
	return defaultShutdownTimeout
}

func (d *Daemon) tickLoop(ctx context.Context) {
	t := time.NewTicker(d.tickInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.tick(ctx, "interval")
		}
	}
}

func (d *Daemon) tick(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	n, err := d.core.Pool.Tick(ctx)
	if err != nil {
		d.logger.Error().Err(err).Str("trigger", trigger).Msg("tick_failed")
		return
	}
	if n > 0 {
		d.logger.Debug().Int("started", n).Str("trigger", trigger).Msg("tick")
	}
}

// watchLoop turns new pending records into a debounced tick.
func (d *Daemon) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !queue.IsRecord(filepath.Base(ev.Name)) {
				continue
			}
			d.logger.Debug().Str("op", ev.Op.String()).Str("file", filepath.Base(ev.Name)).Msg("pending_event")
			d.debounceTick(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			d.logger.Error().Err(err).Msg("fsnotify_error")
		}
	}
}

func (d *Daemon) debounceTick(ctx context.Context) {
	wait := d.core.Config.Queue.Debounce()
	if wait <= 0 {
		wait = defaultDebounce
	}
	d.debounceMu.Lock()
	defer d.debounceMu.Unlock()
	if d.stopped {
		return
	}
	if d.debounceTimer != nil {
		d.debounceTimer.Stop()
	}
	d.debounceTimer = time.AfterFunc(wait, func() { d.tick(ctx, "fsnotify") })
}

func (d *Daemon) stopDebounce() {
	d.debounceMu.Lock()
	defer d.debounceMu.Unlock()
	d.stopped = true
	if d.debounceTimer != nil {
		d.debounceTimer.Stop()
	}
}

// drain stops producers, then gives running jobs the shutdown timeout to be
// put back in the queue.
func (d *Daemon) drain(sched *cron.Cron) {
	d.logger.Info().Int("running", d.core.Pool.Processing()).Msg("shutdown_started")
	cronDone := sched.Stop()
	d.stopDebounce()
	d.core.Pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
	defer cancel()
	if err := d.core.Pool.Wait(ctx); err != nil {
		d.logger.Warn().Dur("timeout", d.shutdownTimeout()).Msg("shutdown_timeout")
	}
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}
}

// schedule registers the session sweep and, when a URL is configured, the
// heartbeat.
func (d *Daemon) schedule() (*cron.Cron, error) {
	cfg := d.core.Config
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if spec := cfg.Session.SweepSchedule; spec != "" {
		if _, err := c.AddFunc(spec, d.sweep); err != nil {
			return nil, fmt.Errorf("session.sweep_schedule %q: %w", spec, err)
		}
	}
	if cfg.Callback.HeartbeatURL != "" && cfg.Callback.HeartbeatSchedule != "" {
		if _, err := c.AddFunc(cfg.Callback.HeartbeatSchedule, d.heartbeat); err != nil {
			return nil, fmt.Errorf("callback.heartbeat_schedule %q: %w", cfg.Callback.HeartbeatSchedule, err)
		}
	}
	return c, nil
}

func (d *Daemon) sweep() {
	n, err := d.core.Sessions.ExpireAll(0)
	if err != nil {
		d.logger.Error().Err(err).Msg("session_sweep_failed")
		return
	}
	if n > 0 {
		d.logger.Info().Int("expired", n).Msg("session_sweep")
	}
}

func (d *Daemon) heartbeat() {
	hb := callback.Heartbeat{Status: "ok", Active: d.core.Pool.Processing()}
	depth, err := d.core.Queue.QueueDepth()
	if err != nil {
		hb.Status = "degraded"
	}
	hb.QueueDepth = depth

	timeout := d.core.Config.Callback.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.core.Callback.SendHeartbeat(ctx, d.core.Config.Callback.HeartbeatURL, hb); err != nil {
		if !errors.Is(err, context.Canceled) {
			d.logger.Warn().Err(err).Msg("heartbeat_failed")
		}
		return
	}
	d.logger.Debug().Int("queue_depth", depth).Msg("heartbeat_sent")
}
