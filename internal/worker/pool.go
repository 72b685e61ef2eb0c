// Package worker runs queued jobs as external processes under a concurrency
// ceiling and routes their results.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/switchboard/internal/channel"
	"github.com/msageha/switchboard/internal/events"
	"github.com/msageha/switchboard/internal/model"
	"github.com/msageha/switchboard/internal/queue"
)

const (
	DefaultMaxConcurrent = 3
	DefaultTaskTimeout   = time.Hour
)

var (
	errTimeout   = errors.New("task timeout")
	errCancelled = errors.New("job cancelled")
	errRequeued  = errors.New("job requeued")
	errShutdown  = errors.New("worker pool stopping")
)

// SessionToucher records activity on the session a job ran under.
type SessionToucher interface {
	Touch(code string, patch model.SessionPatch) (*model.Session, error)
}

type Config struct {
	MaxConcurrent int
	TaskTimeout   time.Duration
	StaleAfter    time.Duration
}

type Pool struct {
	cfg       Config
	queue     *queue.Store
	runner    Runner
	deliverer channel.Deliverer
	sessions  SessionToucher
	bus       *events.Bus
	logger    zerolog.Logger

	tickMu sync.Mutex

	mu        sync.Mutex
	running   map[string]*runningJob
	leftovers map[int]string // pgid -> session code of the finished job
	wg        sync.WaitGroup
}

type runningJob struct {
	job     *model.Job
	cancel  context.CancelCauseFunc
	started time.Time
	pgid    int
	// detached is set once the record has left active/ while the process
	// is still winding down.
	detached bool
}

// RunningJob is a snapshot of one in-flight job.
type RunningJob struct {
	ID          string    `json:"id"`
	SessionCode string    `json:"session_code,omitempty"`
	Started     time.Time `json:"started"`
	PGID        int       `json:"pgid,omitempty"`
}

type Option func(*Pool)

func WithSessions(s SessionToucher) Option { return func(p *Pool) { p.sessions = s } }

func WithBus(b *events.Bus) Option { return func(p *Pool) { p.bus = b } }

func New(cfg Config, q *queue.Store, runner Runner, deliverer channel.Deliverer, logger zerolog.Logger, opts ...Option) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = queue.DefaultStaleAfter
	}
	p := &Pool{
		cfg:       cfg,
		queue:     q,
		runner:    runner,
		deliverer: deliverer,
		logger:    logger,
		running:   make(map[string]*runningJob),
		leftovers: make(map[int]string),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) isRunning(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[id]
	return ok
}

// detachedCount is the number of processes still alive for jobs whose record
// is no longer in active/. They hold a slot until they exit.
func (p *Pool) detachedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, rj := range p.running {
		if rj.detached {
			n++
		}
	}
	return n
}

// Tick recovers stale jobs and starts as many pending jobs as there are free
// slots. The free slot count is computed from the active directory, so jobs
// claimed by anything else sharing the queue are counted too. ctx bounds the
// lifetime of every job started by this tick.
func (p *Pool) Tick(ctx context.Context) (int, error) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	recovered, err := p.queue.RecoverStaleJobsExcept(p.cfg.StaleAfter, p.isRunning)
	if err != nil {
		p.logger.Error().Err(err).Msg("stale_recover_failed")
	}
	for _, id := range recovered {
		p.bus.Publish(events.EventJobRecovered, map[string]any{"job_id": id})
	}

	active, err := p.queue.ActiveCount()
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	slots := p.cfg.MaxConcurrent - active - p.detachedCount()
	if slots <= 0 {
		return 0, nil
	}
	pending, err := p.queue.Peek(0)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	started := 0
	for _, next := range pending {
		if slots == 0 || ctx.Err() != nil {
			break
		}
		// A requeued job waits until its previous process has exited.
		if p.isRunning(next.ID) {
			continue
		}
		job, err := p.queue.MarkActive(next.ID)
		if errors.Is(err, queue.ErrNotFound) {
			// Claimed or cancelled between scan and claim.
			continue
		}
		if err != nil {
			return started, fmt.Errorf("claim %s: %w", next.ID, err)
		}
		p.start(ctx, job)
		started++
		slots--
	}
	if started > 0 {
		p.logger.Debug().Int("started", started).Int("active_before", active).Msg("tick")
	}
	return started, nil
}

func (p *Pool) start(parent context.Context, job *model.Job) {
	ctx, cancel := context.WithCancelCause(parent)
	ctx, cancelTimeout := context.WithTimeoutCause(ctx, p.cfg.TaskTimeout, errTimeout)

	rj := &runningJob{job: job, cancel: cancel, started: time.Now()}
	p.mu.Lock()
	p.running[job.ID] = rj
	p.mu.Unlock()

	p.logger.Info().
		Str("job_id", job.ID).
		Str("session_code", job.SessionCode).
		Int("priority", int(job.Priority)).
		Int("retry_count", job.RetryCount).
		Msg("job_start")
	p.bus.Publish(events.EventJobStarted, map[string]any{"job_id": job.ID, "session_code": job.SessionCode})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancelTimeout()
		defer cancel(nil)

		res := p.runner.Run(ctx, job, func(pgid int) {
			p.mu.Lock()
			rj.pgid = pgid
			p.mu.Unlock()
		})
		cause := context.Cause(ctx)

		p.mu.Lock()
		if p.running[job.ID] == rj {
			delete(p.running, job.ID)
		}
		if res.PGID > 0 && groupAlive(res.PGID) {
			p.leftovers[res.PGID] = job.SessionCode
		}
		p.mu.Unlock()

		p.finish(job, res, cause)
	}()
}

// finish records the outcome and, for a final state this pool produced,
// delivers it. Jobs cancelled or requeued from outside already have their
// state written and are not touched. Cancelling the tick context counts as
// shutdown.
func (p *Pool) finish(job *model.Job, res RunResult, cause error) {
	log := p.logger.With().Str("job_id", job.ID).Logger()

	var (
		final *model.Job
		err   error
	)
	switch {
	case errors.Is(cause, errCancelled), errors.Is(cause, errRequeued):
		log.Info().Str("reason", cause.Error()).Msg("job_interrupted")
		return
	case errors.Is(cause, errShutdown), errors.Is(cause, context.Canceled):
		_, err = p.queue.Requeue(job.ID, nil)
		if err != nil {
			log.Error().Err(err).Msg("shutdown_requeue_failed")
		} else {
			log.Info().Msg("job_requeued_on_shutdown")
		}
		return
	case errors.Is(cause, errTimeout):
		msg := fmt.Sprintf("timeout after %s", p.cfg.TaskTimeout)
		final, err = p.queue.MarkFailedWithOutput(job.ID, msg, res.Output)
	case res.SpawnErr != nil:
		final, err = p.queue.MarkFailedWithOutput(job.ID, "spawn: "+res.SpawnErr.Error(), res.Output)
	case res.Err != nil:
		msg := res.Err.Error()
		if res.ExitCode > 0 {
			msg = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		final, err = p.queue.MarkFailedWithOutput(job.ID, msg, res.Output)
	default:
		final, err = p.queue.MarkCompleted(job.ID, res.Output)
	}
	if errors.Is(err, queue.ErrNotFound) {
		log.Warn().Msg("job_outcome_discarded")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("job_record_failed")
		return
	}

	if final.Status == model.StatusCompleted {
		log.Info().Int("output_bytes", len(final.Result)).Msg("job_completed")
		p.bus.Publish(events.EventJobCompleted, map[string]any{"job_id": final.ID, "session_code": final.SessionCode})
	} else {
		log.Warn().Str("error", final.Error).Msg("job_failed")
		p.bus.Publish(events.EventJobFailed, map[string]any{"job_id": final.ID, "error": final.Error})
	}

	p.touchSession(final)
	p.deliver(final)
}

func (p *Pool) touchSession(job *model.Job) {
	if p.sessions == nil || job.SessionCode == "" {
		return
	}
	id := job.ID
	if _, err := p.sessions.Touch(job.SessionCode, model.SessionPatch{JobID: &id}); err != nil {
		p.logger.Debug().Str("code", job.SessionCode).Err(err).Msg("session_touch_skipped")
	}
}

// deliver is best effort: failures are logged and a panicking deliverer is
// contained.
func (p *Pool) deliver(job *model.Job) {
	if p.deliverer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("job_id", job.ID).Interface("panic", r).Msg("delivery_panic")
		}
	}()
	err := p.deliverer.Deliver(context.Background(), job)
	data := map[string]any{"job_id": job.ID, "source": string(job.Source), "ok": err == nil}
	if err != nil {
		p.logger.Error().Str("job_id", job.ID).Str("source", string(job.Source)).Err(err).Msg("delivery_failed")
		data["error"] = err.Error()
	}
	p.bus.Publish(events.EventDelivery, data)
}

// Cancel records jobID as cancelled and terminates its process. It returns
// queue.ErrNotFound when the job is not active.
func (p *Pool) Cancel(jobID string) (*model.Job, error) {
	job, err := p.queue.CancelActive(jobID)
	if err != nil {
		return nil, err
	}
	p.interrupt(jobID, errCancelled)
	p.logger.Info().Str("job_id", jobID).Msg("job_cancelled")
	p.bus.Publish(events.EventJobCancelled, map[string]any{"job_id": jobID, "session_code": job.SessionCode})
	return job, nil
}

// Requeue moves an active job back to pending with mutate applied and stops
// the process working on the old version.
func (p *Pool) Requeue(jobID string, mutate func(*model.Job)) (*model.Job, error) {
	job, err := p.queue.Requeue(jobID, mutate)
	if err != nil {
		return nil, err
	}
	p.interrupt(jobID, errRequeued)
	p.bus.Publish(events.EventJobRequeued, map[string]any{"job_id": jobID})
	return job, nil
}

func (p *Pool) interrupt(jobID string, cause error) bool {
	p.mu.Lock()
	rj, ok := p.running[jobID]
	if ok {
		rj.detached = true
	}
	p.mu.Unlock()
	if ok {
		rj.cancel(cause)
	}
	return ok
}

// Handoff prepares for a request that continues session code. When a running
// job already belongs to that session nothing is done and skipped is true.
// Otherwise every process group left behind by finished jobs is terminated.
func (p *Pool) Handoff(code string) (cleaned int, skipped bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if code != "" {
		for _, rj := range p.running {
			if rj.job.SessionCode == code {
				p.logger.Debug().Str("code", code).Str("job_id", rj.job.ID).Msg("handoff_skip_same_session")
				return 0, true
			}
		}
	}
	for pgid, owner := range p.leftovers {
		delete(p.leftovers, pgid)
		if !groupAlive(pgid) {
			continue
		}
		if err := terminateGroup(pgid); err != nil {
			p.logger.Warn().Int("pgid", pgid).Err(err).Msg("handoff_cleanup_failed")
			continue
		}
		p.logger.Info().Int("pgid", pgid).Str("owner_code", owner).Msg("handoff_cleanup")
		cleaned++
	}
	return cleaned, false
}

// Running returns the in-flight jobs ordered by start time.
func (p *Pool) Running() []RunningJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RunningJob, 0, len(p.running))
	for _, rj := range p.running {
		out = append(out, RunningJob{ID: rj.job.ID, SessionCode: rj.job.SessionCode, Started: rj.started, PGID: rj.pgid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Processing is the number of jobs this pool is running.
func (p *Pool) Processing() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Stop interrupts every running job; each is returned to pending so it runs
// again on the next start.
func (p *Pool) Stop() {
	p.mu.Lock()
	jobs := make([]*runningJob, 0, len(p.running))
	for _, rj := range p.running {
		jobs = append(jobs, rj)
	}
	p.mu.Unlock()
	for _, rj := range jobs {
		rj.cancel(errShutdown)
	}
}

// Wait blocks until every job goroutine has finished or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
