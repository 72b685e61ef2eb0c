// Package channel routes finished jobs back to where they came from.
package channel

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/msageha/switchboard/internal/callback"
	"github.com/msageha/switchboard/internal/jsonl"
	"github.com/msageha/switchboard/internal/model"
)

// Deliverer hands a job in a final state to its origin.
type Deliverer interface {
	Deliver(ctx context.Context, job *model.Job) error
}

type DelivererFunc func(ctx context.Context, job *model.Job) error

func (f DelivererFunc) Deliver(ctx context.Context, job *model.Job) error { return f(ctx, job) }

// ErrNoDeliverer is returned for a source with no registered deliverer.
type ErrNoDeliverer struct {
	Source model.Source
}

func (e *ErrNoDeliverer) Error() string {
	return fmt.Sprintf("no deliverer for source %q", e.Source)
}

// Router picks a Deliverer by job source.
type Router struct {
	mu       sync.RWMutex
	routes   map[model.Source]Deliverer
	fallback Deliverer
}

func NewRouter() *Router {
	return &Router{routes: make(map[model.Source]Deliverer)}
}

func (r *Router) Handle(src model.Source, d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[src] = d
}

// Fallback receives jobs whose source has no route.
func (r *Router) Fallback(d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = d
}

func (r *Router) Deliver(ctx context.Context, job *model.Job) error {
	r.mu.RLock()
	d, ok := r.routes[job.Source]
	if !ok {
		d = r.fallback
	}
	r.mu.RUnlock()
	if d == nil {
		return &ErrNoDeliverer{Source: job.Source}
	}
	return d.Deliver(ctx, job)
}

// Webhook posts the job outcome to its callback URL, or DefaultURL when the
// job carries none. Jobs with neither are skipped.
type Webhook struct {
	Client     *callback.Client
	DefaultURL string
	Logger     zerolog.Logger
}

func (w *Webhook) Deliver(ctx context.Context, job *model.Job) error {
	url := job.CallbackURL
	if url == "" {
		url = w.DefaultURL
	}
	if url == "" {
		w.Logger.Debug().Str("job_id", job.ID).Msg("callback_skipped_no_url")
		return nil
	}
	return w.Client.Deliver(ctx, url, callback.PayloadForJob(job))
}

// OutboxRecord is one line of a chat outbox.
type OutboxRecord struct {
	JobID       string       `json:"job_id"`
	ChannelID   string       `json:"channel_id"`
	SessionCode string       `json:"session_code,omitempty"`
	Status      model.Status `json:"status"`
	Text        string       `json:"text"`
	At          string       `json:"at"`
}

// Outbox appends chat replies to <dir>/<channel>.jsonl for the messaging
// bridge to pick up.
type Outbox struct {
	dir     string
	maxSize int64

	mu      sync.Mutex
	writers map[string]*jsonl.Writer
}

func NewOutbox(dir string, maxSize int64) *Outbox {
	return &Outbox{dir: dir, maxSize: maxSize, writers: make(map[string]*jsonl.Writer)}
}

func (o *Outbox) Path(channelID string) string {
	return filepath.Join(o.dir, outboxName(channelID)+jsonl.Extension)
}

func outboxName(channelID string) string {
	if channelID == "" {
		return "default"
	}
	b := []byte(channelID)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			b[i] = '_'
		}
	}
	if b[0] == '.' {
		b[0] = '_'
	}
	return string(b)
}

func (o *Outbox) writer(channelID string) (*jsonl.Writer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	name := outboxName(channelID)
	if w, ok := o.writers[name]; ok {
		return w, nil
	}
	w, err := jsonl.Open(filepath.Join(o.dir, name+jsonl.Extension), o.maxSize)
	if err != nil {
		return nil, err
	}
	o.writers[name] = w
	return w, nil
}

func (o *Outbox) Deliver(_ context.Context, job *model.Job) error {
	w, err := o.writer(job.ChannelID)
	if err != nil {
		return err
	}
	text := job.Result
	if job.Status != model.StatusCompleted {
		text = job.Error
		if job.Result != "" {
			text = job.Error + "\n" + job.Result
		}
	}
	return w.Append(OutboxRecord{
		JobID:       job.ID,
		ChannelID:   job.ChannelID,
		SessionCode: job.SessionCode,
		Status:      job.Status,
		Text:        text,
		At:          firstNonEmpty(job.CompletedAt, job.FailedAt, job.CancelledAt),
	})
}

func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var first error
	for name, w := range o.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
		delete(o.writers, name)
	}
	return first
}

// Log writes the outcome to the daemon log. It serves CLI-submitted jobs.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Deliver(_ context.Context, job *model.Job) error {
	ev := l.Logger.Info()
	if job.Status != model.StatusCompleted {
		ev = l.Logger.Warn().Str("error", job.Error)
	}
	ev.Str("job_id", job.ID).Str("status", string(job.Status)).Int("result_bytes", len(job.Result)).Msg("job_result")
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
