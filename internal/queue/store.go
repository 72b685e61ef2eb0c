// Package queue is the durable job queue. Each job is one JSON file and the
// directory holding it is its state: pending jobs sit at the queue root,
// the others under active/, completed/ and failed/.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/switchboard/internal/atomicfile"
	"github.com/msageha/switchboard/internal/lock"
	"github.com/msageha/switchboard/internal/model"
)

var ErrNotFound = errors.New("job not found")

// CancelledError is the error text recorded on cancelled jobs.
const CancelledError = "cancelled"

const (
	ActiveDir    = "active"
	CompletedDir = "completed"
	FailedDir    = "failed"

	recordExt = ".json"
)

// DefaultStaleAfter is how long a job may sit in active before it is
// presumed orphaned by a crashed worker.
const DefaultStaleAfter = time.Hour

type Store struct {
	root   string
	locks  *lock.KeyedMutex
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now for timestamps and staleness checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open prepares the directory layout under root.
func Open(root string, logger zerolog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		root:   root,
		locks:  lock.NewKeyedMutex(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, d := range []string{root, s.dir(model.StatusActive), s.dir(model.StatusCompleted), s.dir(model.StatusFailed)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create queue dir %s: %w", d, err)
		}
	}
	return s, nil
}

func (s *Store) Root() string { return s.root }

// PendingDir is the directory new jobs land in.
func (s *Store) PendingDir() string { return s.root }

func (s *Store) dir(st model.Status) string {
	switch st {
	case model.StatusActive:
		return filepath.Join(s.root, ActiveDir)
	case model.StatusCompleted:
		return filepath.Join(s.root, CompletedDir)
	case model.StatusFailed, model.StatusCancelled:
		return filepath.Join(s.root, FailedDir)
	default:
		return s.root
	}
}

func (s *Store) path(st model.Status, id string) string {
	return filepath.Join(s.dir(st), id+recordExt)
}

func (s *Store) stamp() string {
	return model.FormatTime(s.now())
}

// Enqueue writes job as a new pending record and returns its id. Missing id,
// priority and creation time are filled in.
func (s *Store) Enqueue(job *model.Job) (string, error) {
	j := *job
	if j.ID == "" {
		id, err := model.GenerateID(model.IDTypeJob)
		if err != nil {
			return "", err
		}
		j.ID = id
	} else if !model.ValidateID(j.ID) {
		return "", fmt.Errorf("invalid job id %q", j.ID)
	}
	if j.Priority == 0 {
		j.Priority = model.PriorityNormal
	}
	if j.CreatedAt == "" {
		j.CreatedAt = s.stamp()
	}
	j.Status = model.StatusPending
	j.StartedAt, j.CompletedAt, j.FailedAt, j.CancelledAt = "", "", "", ""

	if err := atomicfile.WriteJSON(s.path(model.StatusPending, j.ID), &j); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", j.ID, err)
	}
	*job = j
	s.logger.Info().Str("id", j.ID).Int("priority", int(j.Priority)).Str("source", string(j.Source)).Msg("enqueue")
	return j.ID, nil
}

// NextJob returns the pending job that should run next, or nil.
func (s *Store) NextJob() (*model.Job, error) {
	jobs, err := s.Peek(1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// Peek returns up to n pending jobs in run order. n <= 0 returns all of them.
func (s *Store) Peek(n int) ([]*model.Job, error) {
	jobs, err := s.List(model.StatusPending)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Precedes(jobs[j]) })
	if n > 0 && len(jobs) > n {
		jobs = jobs[:n]
	}
	return jobs, nil
}

func (s *Store) MarkActive(id string) (*model.Job, error) {
	return s.transition(id, model.StatusPending, model.StatusActive, func(j *model.Job) {
		j.StartedAt = s.stamp()
	})
}

func (s *Store) MarkCompleted(id, result string) (*model.Job, error) {
	return s.transition(id, model.StatusActive, model.StatusCompleted, func(j *model.Job) {
		j.Result = result
		j.Error = ""
		j.CompletedAt = s.stamp()
	})
}

func (s *Store) MarkFailed(id, errMsg string) (*model.Job, error) {
	return s.transition(id, model.StatusActive, model.StatusFailed, func(j *model.Job) {
		j.Error = errMsg
		j.FailedAt = s.stamp()
	})
}

// MarkFailedWithOutput records a failure together with whatever the process printed.
func (s *Store) MarkFailedWithOutput(id, errMsg, output string) (*model.Job, error) {
	return s.transition(id, model.StatusActive, model.StatusFailed, func(j *model.Job) {
		j.Error = errMsg
		j.Result = output
		j.FailedAt = s.stamp()
	})
}

func (s *Store) CancelPending(id string) (*model.Job, error) {
	return s.cancel(id, model.StatusPending)
}

func (s *Store) CancelActive(id string) (*model.Job, error) {
	return s.cancel(id, model.StatusActive)
}

func (s *Store) cancel(id string, from model.Status) (*model.Job, error) {
	return s.transition(id, from, model.StatusCancelled, func(j *model.Job) {
		j.Error = CancelledError
		j.CancelledAt = s.stamp()
	})
}

// Requeue moves an active job back to pending after applying mutate. It is
// the clarification path, so the retry count is left alone.
func (s *Store) Requeue(id string, mutate func(*model.Job)) (*model.Job, error) {
	return s.transition(id, model.StatusActive, model.StatusPending, func(j *model.Job) {
		if mutate != nil {
			mutate(j)
		}
		j.StartedAt = ""
	})
}

// UpdatePending rewrites a pending job in place.
func (s *Store) UpdatePending(id string, mutate func(*model.Job)) (*model.Job, error) {
	return s.transition(id, model.StatusPending, model.StatusPending, mutate)
}

// RecoverStaleJobs returns active jobs started longer than threshold ago to
// pending with their retry count bumped. A job without a usable start time
// is judged by its file's modification time.
func (s *Store) RecoverStaleJobs(threshold time.Duration) ([]string, error) {
	return s.RecoverStaleJobsExcept(threshold, nil)
}

// RecoverStaleJobsExcept is RecoverStaleJobs that leaves alone any job for
// which live reports true, such as jobs this process is still running.
func (s *Store) RecoverStaleJobsExcept(threshold time.Duration, live func(id string) bool) ([]string, error) {
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}
	active, err := s.List(model.StatusActive)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var recovered []string
	for _, j := range active {
		if live != nil && live(j.ID) {
			continue
		}
		started, err := model.ParseTime(j.StartedAt)
		if err != nil {
			info, statErr := os.Stat(s.path(model.StatusActive, j.ID))
			if statErr != nil {
				continue
			}
			started = info.ModTime()
		}
		if now.Sub(started) <= threshold {
			continue
		}

		_, err = s.transition(j.ID, model.StatusActive, model.StatusPending, func(j *model.Job) {
			j.RetryCount++
			j.StartedAt = ""
		})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Error().Str("id", j.ID).Err(err).Msg("stale_recover_failed")
			continue
		}
		s.logger.Warn().Str("id", j.ID).Str("started_at", j.StartedAt).Int("retry_count", j.RetryCount+1).Msg("stale_recover")
		recovered = append(recovered, j.ID)
	}
	return recovered, nil
}

func (s *Store) transition(id string, from, to model.Status, mutate func(*model.Job)) (*model.Job, error) {
	if !model.ValidateID(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if from != to {
		if err := model.ValidateJobTransition(from, to); err != nil {
			return nil, err
		}
	}

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	src := s.path(from, id)
	job, err := s.read(src)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(job)
	}
	job.ID = id
	job.Status = to

	if from == to {
		if err := atomicfile.WriteJSON(src, job); err != nil {
			return nil, fmt.Errorf("update %s: %w", id, err)
		}
		return job, nil
	}
	if err := atomicfile.MoveJSON(src, s.path(to, id), job); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s not %s", ErrNotFound, id, from)
		}
		return nil, fmt.Errorf("move %s %s→%s: %w", id, from, to, err)
	}
	s.logger.Debug().Str("id", id).Str("from", string(from)).Str("to", string(to)).Msg("transition")
	return job, nil
}

// read loads one record. A corrupt record, including one whose id is invalid
// or does not match its file name, is quarantined and reported as not found
// so callers treat it like a missing job.
func (s *Store) read(path string) (*model.Job, error) {
	var job model.Job
	err := atomicfile.ReadJSON(path, &job)
	if err == nil {
		name := strings.TrimSuffix(filepath.Base(path), recordExt)
		if !model.ValidateID(job.ID) || job.ID != name {
			err = fmt.Errorf("record %s carries id %q", filepath.Base(path), job.ID)
			s.quarantine(path, err)
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return &job, nil
	}
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
	}
	var corrupt *atomicfile.CorruptError
	if errors.As(err, &corrupt) {
		s.quarantine(path, err)
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return nil, err
}

func (s *Store) quarantine(path string, cause error) {
	dst, err := atomicfile.Quarantine(s.root, path)
	if err != nil {
		s.logger.Error().Str("path", path).AnErr("cause", cause).Err(err).Msg("quarantine_failed")
		return
	}
	s.logger.Error().Str("path", path).Str("moved_to", dst).AnErr("cause", cause).Msg("record_quarantined")
}

// List returns every readable record in one state. Cancelled and failed
// share a directory and are both returned for either status.
func (s *Store) List(st model.Status) ([]*model.Job, error) {
	names, err := s.recordNames(st)
	if err != nil {
		return nil, err
	}
	jobs := make([]*model.Job, 0, len(names))
	for _, name := range names {
		job, err := s.read(filepath.Join(s.dir(st), name))
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Error().Str("file", name).Err(err).Msg("record_read_failed")
			}
			continue
		}
		switch st {
		case model.StatusPending, model.StatusActive, model.StatusCompleted:
			job.Status = st
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Store) recordNames(st model.Status) ([]string, error) {
	entries, err := os.ReadDir(s.dir(st))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s dir: %w", st, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !IsRecord(name) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// IsRecord reports whether a file name in a state directory is a job record
// rather than a temp file or something foreign.
func IsRecord(name string) bool {
	return !atomicfile.IsTemp(name) && strings.HasSuffix(name, recordExt)
}

// QueueDepth counts pending records without decoding them.
func (s *Store) QueueDepth() (int, error) {
	names, err := s.recordNames(model.StatusPending)
	return len(names), err
}

// ActiveCount counts active records on disk.
func (s *Store) ActiveCount() (int, error) {
	names, err := s.recordNames(model.StatusActive)
	return len(names), err
}

type Counts struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

func (s *Store) Counts() (Counts, error) {
	var c Counts
	for _, x := range []struct {
		st  model.Status
		dst *int
	}{
		{model.StatusPending, &c.Pending},
		{model.StatusActive, &c.Active},
		{model.StatusCompleted, &c.Completed},
		{model.StatusFailed, &c.Failed},
	} {
		names, err := s.recordNames(x.st)
		if err != nil {
			return c, err
		}
		*x.dst = len(names)
	}
	return c, nil
}

// Get finds a job in any state.
func (s *Store) Get(id string) (*model.Job, error) {
	if !model.ValidateID(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	for _, st := range []model.Status{model.StatusActive, model.StatusPending, model.StatusCompleted, model.StatusFailed} {
		job, err := s.read(s.path(st, id))
		if err == nil {
			if st != model.StatusFailed {
				job.Status = st
			}
			return job, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// FindBySessionCode returns the live (active, then pending) job for a session.
func (s *Store) FindBySessionCode(code string) (*model.Job, error) {
	return s.findLive(func(j *model.Job) bool { return j.SessionCode == code })
}

// FindByExternalTaskID returns the live job correlated with an external task.
func (s *Store) FindByExternalTaskID(externalID string) (*model.Job, error) {
	return s.findLive(func(j *model.Job) bool { return j.ExternalTaskID == externalID })
}

func (s *Store) findLive(match func(*model.Job) bool) (*model.Job, error) {
	for _, st := range []model.Status{model.StatusActive, model.StatusPending} {
		jobs, err := s.List(st)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if match(j) {
				return j, nil
			}
		}
	}
	return nil, ErrNotFound
}

// FindAllBySessionCode returns every job of a session in any state, oldest first.
func (s *Store) FindAllBySessionCode(code string) ([]*model.Job, error) {
	var out []*model.Job
	for _, st := range []model.Status{model.StatusPending, model.StatusActive, model.StatusCompleted, model.StatusFailed} {
		jobs, err := s.List(st)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if j.SessionCode == code {
				out = append(out, j)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
