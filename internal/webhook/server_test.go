package webhook

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/switchboard/internal/model"
	"github.com/msageha/switchboard/internal/queue"
	"github.com/msageha/switchboard/internal/session"
	"github.com/msageha/switchboard/internal/signing"
)

const testSecret = "hook-secret"

// queuePool stands in for the worker pool by applying its queue
// transitions directly.
type queuePool struct {
	q        *queue.Store
	mu       sync.Mutex
	handoffs []string
}

func (p *queuePool) Cancel(id string) (*model.Job, error) { return p.q.CancelActive(id) }

func (p *queuePool) Requeue(id string, mutate func(*model.Job)) (*model.Job, error) {
	return p.q.Requeue(id, mutate)
}

func (p *queuePool) Handoff(code string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handoffs = append(p.handoffs, code)
	return 0, false
}

func (p *queuePool) Processing() int { return 0 }

type fixture struct {
	queue    *queue.Store
	sessions *session.Store
	pool     *queuePool
	handler  http.Handler
	now      time.Time
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	now := time.Now().UTC()
	q, err := queue.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	sessions, err := session.Open(t.TempDir(), zerolog.Nop(), session.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	cfg := Config{Secret: testSecret, AllowUnsigned: true}
	for _, m := range mutate {
		m(&cfg)
	}
	pool := &queuePool{q: q}
	srv := New(cfg, q, sessions, pool, zerolog.Nop(), WithClock(func() time.Time { return now }))
	return &fixture{queue: q, sessions: sessions, pool: pool, handler: srv.Handler(), now: now}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, hdr http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range hdr {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (f *fixture) signed(t *testing.T, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	h, err := signing.Sign([]byte(body), testSecret, "tracker", f.now)
	require.NoError(t, err)
	hdr := http.Header{}
	h.Apply(hdr)
	return f.do(t, http.MethodPost, "/webhook", []byte(body), hdr)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	_, err := f.queue.Enqueue(&model.Job{Task: "waiting"})
	require.NoError(t, err)

	rec, out := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, float64(1), out["queueDepth"])
	assert.Equal(t, float64(0), out["processing"])
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPut, "/webhook", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLegacy_EnqueuesTask(t *testing.T) {
	f := newFixture(t)
	rec, out := f.do(t, http.MethodPost, "/webhook", []byte(`{"task":"rotate the logs","metadata":{"from":"cron"}}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "queued", out["status"])

	job, err := f.queue.Get(out["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "rotate the logs", job.Task)
	assert.Equal(t, model.SourceWebhook, job.Source)
	assert.Equal(t, out["session_code"], job.SessionCode)
	assert.Equal(t, "cron", job.Metadata["from"])
}

func TestLegacy_IgnoresCallbackURL(t *testing.T) {
	f := newFixture(t)
	rec, out := f.do(t, http.MethodPost, "/webhook", []byte(`{"task":"leak it","callback_url":"http://169.254.169.254/latest"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	job, err := f.queue.Get(out["job_id"].(string))
	require.NoError(t, err)
	assert.Empty(t, job.CallbackURL)
	sess, err := f.sessions.Get(out["session_code"].(string))
	require.NoError(t, err)
	assert.Empty(t, sess.CallbackURL)

	rec, out = f.do(t, http.MethodPost, "/webhook/"+sess.Code, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job, err = f.queue.Get(out["job_id"].(string))
	require.NoError(t, err)
	assert.Empty(t, job.CallbackURL)
}

func TestLegacy_Rejections(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/webhook", []byte(`{"source":"x"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/webhook", []byte(`not json`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	strict := newFixture(t, func(c *Config) { c.AllowUnsigned = false })
	rec, _ = strict.do(t, http.MethodPost, "/webhook", []byte(`{"task":"hi"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSigned_BadSignatureNeverReachesLegacy(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"task":"sneaky"}`)
	h, err := signing.Sign(body, "wrong-secret", "tracker", f.now)
	require.NoError(t, err)
	hdr := http.Header{}
	h.Apply(hdr)

	rec, _ := f.do(t, http.MethodPost, "/webhook", body, hdr)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	depth, err := f.queue.QueueDepth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestTaskCreated_Nested(t *testing.T) {
	f := newFixture(t)
	rec, out := f.signed(t, `{"event":"task.created","task":{"id":"T-1","title":"ignored","prompt":"Fix the login bug","priority":"high","callback_url":"https://tracker.example/cb","input":{"repo":"web"}}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "queued", out["status"])
	code := out["session_code"].(string)
	assert.Len(t, code, 3)

	job, err := f.queue.Get(out["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "Fix the login bug", job.Task)
	assert.Equal(t, "T-1", job.ExternalTaskID)
	assert.Equal(t, model.PriorityHigh, job.Priority)
	assert.Equal(t, "https://tracker.example/cb", job.CallbackURL)
	assert.JSONEq(t, `{"repo":"web"}`, string(job.Input))

	sess, err := f.sessions.Get(code)
	require.NoError(t, err)
	assert.Equal(t, model.SessionKindTask, sess.Kind)
	assert.Equal(t, job.ID, sess.JobID)

	// Redelivery of the same event does not enqueue twice.
	rec, out = f.signed(t, `{"event":"task.created","task":{"id":"T-1","prompt":"Fix the login bug"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", out["status"])
	assert.Equal(t, job.ID, out["job_id"])
}

func TestTaskCreated_FlattenedWithServerCode(t *testing.T) {
	f := newFixture(t)
	rec, out := f.signed(t, `{"event":"task.created","task_id":"T-2","task_type":"bug","description":"Crash on start","session_code":"K7Q","priority":75}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "k7q", out["session_code"])

	job, err := f.queue.Get(out["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "Crash on start", job.Task)
	assert.Equal(t, "T-2", job.ExternalTaskID)
	assert.Equal(t, model.PriorityHigh, job.Priority)
	assert.Equal(t, "bug", job.Metadata["task_type"])

	// The code is now taken.
	rec, _ = f.signed(t, `{"event":"task.created","task_id":"T-3","title":"Other","session_code":"k7q"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskCreated_BadRequests(t *testing.T) {
	f := newFixture(t)
	tests := []string{
		`{"event":"task.created","task":{"id":"T-9"}}`,
		`{"event":"task.created","task":{"id":"T-9","title":"x","priority":"urgent"}}`,
		`{"event":"task.exploded","task":{"id":"T-9"}}`,
		`{"task":{"id":"T-9"}}`,
	}
	for _, body := range tests {
		rec, _ := f.signed(t, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestTaskClarification(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.signed(t, `{"event":"task.clarification","task":{"id":"T-404"},"message":"hello?"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, out := f.signed(t, `{"event":"task.created","task":{"id":"T-5","prompt":"Write the report"},"messages":[{"role":"user","content":"draft first"}]}`)
	id := out["job_id"].(string)
	_, err := f.queue.MarkActive(id)
	require.NoError(t, err)

	rec, out = f.signed(t, `{"event":"task.clarification","task":{"id":"T-5"},"messages":[{"role":"user","content":"use Q3 numbers"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "requeued", out["status"])

	job, err := f.queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, job.Status)
	require.Len(t, job.Messages, 2)
	assert.Equal(t, "use Q3 numbers", job.Messages[1].Content)

	rec, out = f.signed(t, `{"event":"task.clarification","task_id":"T-5","message":"and add charts"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "updated", out["status"])
	job, err = f.queue.Get(id)
	require.NoError(t, err)
	assert.Len(t, job.Messages, 3)

	rec, _ = f.signed(t, `{"event":"task.clarification","task":{"id":"T-5"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskCancelled(t *testing.T) {
	f := newFixture(t)
	_, out := f.signed(t, `{"event":"task.created","task":{"id":"T-6","prompt":"Long job"}}`)
	code := out["session_code"].(string)
	id := out["job_id"].(string)
	_, err := f.queue.MarkActive(id)
	require.NoError(t, err)

	rec, out := f.signed(t, `{"event":"task.cancelled","session_code":"`+code+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []any{id}, out["cancelled"])

	job, err := f.queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, job.Status)
	_, err = f.sessions.Get(code)
	assert.ErrorIs(t, err, session.ErrNotFound)

	rec, _ = f.signed(t, `{"event":"task.cancelled","session_code":"`+code+`"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContinueSession(t *testing.T) {
	f := newFixture(t)
	_, out := f.signed(t, `{"event":"task.created","task":{"id":"T-9","prompt":"first","callback_url":"https://cb.example"}}`)
	code := out["session_code"].(string)

	rec, out := f.do(t, http.MethodPost, "/webhook/"+code, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job, err := f.queue.Get(out["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "continue", job.Task)
	assert.Equal(t, code, job.SessionCode)
	assert.Equal(t, "https://cb.example", job.CallbackURL)
	assert.Equal(t, []string{code}, f.pool.handoffs)

	rec, out = f.do(t, http.MethodPost, "/webhook/"+code, []byte(`{"message":"now ship it"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job, err = f.queue.Get(out["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "now ship it", job.Task)

	rec, _ = f.do(t, http.MethodPost, "/webhook/zz", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSnapshotAndDelete(t *testing.T) {
	f := newFixture(t)
	_, out := f.do(t, http.MethodPost, "/webhook", []byte(`{"task":"inspect"}`), nil)
	code := out["session_code"].(string)
	id := out["job_id"].(string)

	rec, out := f.do(t, http.MethodGet, "/webhook/"+code, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, code, out["session"].(map[string]any)["code"])
	jobs := out["jobs"].([]any)
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].(map[string]any)["id"])

	rec, out = f.do(t, http.MethodDelete, "/webhook/"+code, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{id}, out["cancelled"])

	rec, _ = f.do(t, http.MethodGet, "/webhook/"+code, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = f.do(t, http.MethodDelete, "/webhook/"+code, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBodyLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxBodyBytes = 32 })
	body := `{"task":"` + strings.Repeat("x", 64) + `"}`
	rec, _ := f.do(t, http.MethodPost, "/webhook", []byte(body), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RatePerSec = 0.001; c.Burst = 1 })
	rec, _ := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"event":"task.created","task_id":"T-1","task_type":"chore","title":"Tidy","session_code":"ab"}`))
	require.NoError(t, err)
	assert.Equal(t, "T-1", ev.Task.ID)
	assert.Equal(t, "chore", ev.Task.Type)
	assert.Equal(t, "Tidy", ev.Task.Text())
	assert.Equal(t, "ab", ev.Code())

	ev, err = ParseEvent([]byte(`{"event":"task.created","task":"just text"}`))
	require.NoError(t, err)
	assert.Equal(t, "just text", ev.Task.Text())

	_, err = ParseEvent([]byte(`{"task":{"id":"x"}}`))
	assert.Error(t, err)
	_, err = ParseEvent([]byte(`[]`))
	assert.Error(t, err)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want model.Priority
		ok   bool
	}{
		{``, model.PriorityNormal, true},
		{`null`, model.PriorityNormal, true},
		{`"critical"`, model.PriorityCritical, true},
		{`25`, model.PriorityLow, true},
		{`"50"`, model.PriorityNormal, true},
		{`7`, 0, false},
		{`1.5`, 0, false},
		{`{}`, 0, false},
	}
	for _, tt := range tests {
		got, err := parsePriority(json.RawMessage(tt.in))
		if !tt.ok {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
