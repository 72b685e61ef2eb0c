package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/switchboard/internal/events"
	"github.com/msageha/switchboard/internal/model"
	"github.com/msageha/switchboard/internal/queue"
	"github.com/msageha/switchboard/internal/session"
	"github.com/msageha/switchboard/internal/signing"
)

const defaultContinueMessage = "continue"

type healthResponse struct {
	Status     string `json:"status"`
	Processing int    `json:"processing"`
	QueueDepth int    `json:"queueDepth"`
	Active     int    `json:"active"`
	Uptime     string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Counts()
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("health_counts_failed")
		writeJSON(w, http.StatusInternalServerError, healthResponse{Status: "error"})
		return
	}
	processing := 0
	if s.pool != nil {
		processing = s.pool.Processing()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		Processing: processing,
		QueueDepth: counts.Pending,
		Active:     counts.Active,
		Uptime:     s.now().Sub(s.started).Round(time.Second).String(),
	})
}

// handleWebhook authenticates any request that carries a signature before
// looking at the body. Requests without one take the legacy path when that
// is allowed.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	log := zerolog.Ctx(r.Context())

	if signing.Signed(r.Header) {
		if err := s.verifier.Verify(signing.FromHTTP(r.Header), body); err != nil {
			log.Warn().Err(err).Str("agent_id", r.Header.Get(signing.HeaderAgentID)).Msg("webhook_auth_failed")
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		s.handleEvent(w, r, body)
		return
	}
	if !s.cfg.AllowUnsigned {
		writeError(w, http.StatusUnauthorized, "signature required")
		return
	}
	s.handleLegacy(w, r, body)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	ev, err := ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("event", ev.Event).Str("task_id", ev.Task.ID).Msg("webhook_event")

	switch ev.Event {
	case EventTaskCreated:
		s.taskCreated(w, r, ev)
	case EventTaskClarification:
		s.taskClarification(w, r, ev)
	case EventTaskCancelled:
		s.taskCancelled(w, r, ev)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event %q", ev.Event))
	}
}

func (s *Server) taskCreated(w http.ResponseWriter, r *http.Request, ev *TaskEvent) {
	text := ev.Task.Text()
	if text == "" {
		writeError(w, http.StatusBadRequest, "task needs a prompt, description or title")
		return
	}
	priority, err := parsePriority(ev.Task.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// A redelivered event finds the job it created the first time.
	if ev.Task.ID != "" {
		if existing, err := s.queue.FindByExternalTaskID(ev.Task.ID); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{
				"status":       "duplicate",
				"job_id":       existing.ID,
				"session_code": existing.SessionCode,
			})
			return
		}
	}

	metadata := maps.Clone(ev.Task.Metadata)
	if ev.Task.Type != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["task_type"] = ev.Task.Type
	}
	sess, err := s.sessions.Create(session.CreateRequest{
		Kind:           model.SessionKindTask,
		Task:           text,
		ChannelID:      ev.Task.ChannelID,
		Source:         model.SourceWebhook,
		ExternalTaskID: ev.Task.ID,
		CallbackURL:    ev.Task.CallbackURL,
		Metadata:       metadata,
		Code:           ev.Code(),
	})
	if err != nil {
		s.sessionError(w, r, err)
		return
	}

	job := &model.Job{
		Task:           text,
		ChannelID:      ev.Task.ChannelID,
		Source:         model.SourceWebhook,
		Priority:       priority,
		SessionCode:    sess.Code,
		ExternalTaskID: ev.Task.ID,
		CallbackURL:    ev.Task.CallbackURL,
		Input:          ev.Task.Input,
		Messages:       ev.Transcript(model.FormatTime(s.now())),
		Metadata:       metadata,
	}
	id, err := s.queue.Enqueue(job)
	if err != nil {
		// The session would point at nothing.
		_, _ = s.sessions.End(sess.Code)
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("enqueue_failed")
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	s.linkSession(r, sess.Code, id)
	s.bus.Publish(events.EventSessionOpened, map[string]any{"code": sess.Code, "source": string(model.SourceWebhook)})
	s.bus.Publish(events.EventJobEnqueued, map[string]any{"job_id": id, "session_code": sess.Code, "external_task_id": ev.Task.ID})

	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "job_id": id, "session_code": sess.Code})
}

func (s *Server) taskClarification(w http.ResponseWriter, r *http.Request, ev *TaskEvent) {
	if ev.Task.ID == "" {
		writeError(w, http.StatusBadRequest, "task id required")
		return
	}
	msgs := ev.Transcript(model.FormatTime(s.now()))
	if len(msgs) == 0 {
		writeError(w, http.StatusBadRequest, "clarification has no messages")
		return
	}
	job, err := s.queue.FindByExternalTaskID(ev.Task.ID)
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no job for task "+ev.Task.ID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	appendMsgs := func(j *model.Job) { j.Messages = append(j.Messages, msgs...) }
	status := "updated"
	if job.Status == model.StatusActive {
		_, err = s.pool.Requeue(job.ID, appendMsgs)
		status = "requeued"
	} else {
		_, err = s.queue.UpdatePending(job.ID, appendMsgs)
	}
	if errors.Is(err, queue.ErrNotFound) {
		// Finished or claimed between lookup and update.
		writeError(w, http.StatusNotFound, "job "+job.ID+" is no longer pending or active")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("job_id", job.ID).Str("result", status).Int("messages", len(msgs)).Msg("clarification_applied")
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "job_id": job.ID})
}

func (s *Server) taskCancelled(w http.ResponseWriter, r *http.Request, ev *TaskEvent) {
	var jobs []*model.Job
	code := ev.Code()
	switch {
	case code != "":
		all, err := s.queue.FindAllBySessionCode(code)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		jobs = all
	case ev.Task.ID != "":
		job, err := s.queue.FindByExternalTaskID(ev.Task.ID)
		if err == nil {
			jobs = []*model.Job{job}
			code = job.SessionCode
		}
	default:
		writeError(w, http.StatusBadRequest, "session_code or task id required")
		return
	}

	cancelled := s.cancelJobs(r, jobs)
	ended := false
	if code != "" {
		if _, err := s.sessions.End(code); err == nil {
			ended = true
			s.bus.Publish(events.EventSessionEnded, map[string]any{"code": code, "reason": "cancelled"})
		}
	}
	if len(cancelled) == 0 && !ended {
		writeError(w, http.StatusNotFound, "nothing to cancel")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "cancelled": cancelled, "session_code": code})
}

// cancelJobs cancels the live jobs among jobs and returns their ids.
func (s *Server) cancelJobs(r *http.Request, jobs []*model.Job) []string {
	cancelled := []string{}
	for _, j := range jobs {
		var err error
		switch j.Status {
		case model.StatusActive:
			_, err = s.pool.Cancel(j.ID)
		case model.StatusPending:
			_, err = s.queue.CancelPending(j.ID)
			if err == nil {
				s.bus.Publish(events.EventJobCancelled, map[string]any{"job_id": j.ID, "session_code": j.SessionCode})
			}
		default:
			continue
		}
		if err != nil {
			zerolog.Ctx(r.Context()).Warn().Str("job_id", j.ID).Err(err).Msg("cancel_failed")
			continue
		}
		cancelled = append(cancelled, j.ID)
	}
	return cancelled
}

func (s *Server) handleLegacy(w http.ResponseWriter, r *http.Request, body []byte) {
	var req LegacyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode body: "+err.Error())
		return
	}
	req.Task = strings.TrimSpace(req.Task)
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	source := model.SourceWebhook
	if req.Source != "" {
		source = model.Source(req.Source)
	}

	sess, err := s.sessions.Create(session.CreateRequest{
		Kind:      model.SessionKindTask,
		Task:      req.Task,
		ChannelID: req.ChannelID,
		Source:    source,
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.sessionError(w, r, err)
		return
	}
	id, err := s.queue.Enqueue(&model.Job{
		Task:        req.Task,
		ChannelID:   req.ChannelID,
		Source:      source,
		Priority:    priority,
		SessionCode: sess.Code,
		Metadata:    req.Metadata,
	})
	if err != nil {
		_, _ = s.sessions.End(sess.Code)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	s.linkSession(r, sess.Code, id)
	s.bus.Publish(events.EventJobEnqueued, map[string]any{"job_id": id, "session_code": sess.Code, "legacy": true})
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "job_id": id, "session_code": sess.Code})
}

// handleContinue enqueues a follow-up message in an existing session.
func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	code := strings.ToLower(r.PathValue("code"))
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req ContinueRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "decode body: "+err.Error())
			return
		}
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		msg = defaultContinueMessage
	}

	sess, err := s.sessions.Get(code)
	if err != nil {
		s.sessionError(w, r, err)
		return
	}
	if s.pool != nil {
		s.pool.Handoff(sess.Code)
	}

	id, err := s.queue.Enqueue(&model.Job{
		Task:           msg,
		ChannelID:      sess.ChannelID,
		Source:         sourceOr(sess.Source, model.SourceWebhook),
		SessionCode:    sess.Code,
		ExternalTaskID: sess.ExternalTaskID,
		CallbackURL:    sess.CallbackURL,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	s.linkSession(r, sess.Code, id)
	s.bus.Publish(events.EventJobEnqueued, map[string]any{"job_id": id, "session_code": sess.Code, "resume": true})
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "job_id": id, "session_code": sess.Code})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(strings.ToLower(r.PathValue("code")))
	if err != nil {
		s.sessionError(w, r, err)
		return
	}
	jobs, err := s.queue.FindAllBySessionCode(sess.Code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "jobs": jobs})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	code := strings.ToLower(r.PathValue("code"))
	if _, err := s.sessions.Get(code); err != nil {
		s.sessionError(w, r, err)
		return
	}
	jobs, err := s.queue.FindAllBySessionCode(code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cancelled := s.cancelJobs(r, jobs)
	if _, err := s.sessions.End(code); err != nil && !errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.bus.Publish(events.EventSessionEnded, map[string]any{"code": code, "reason": "deleted"})
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "cancelled": cancelled, "session_code": code})
}

func (s *Server) sessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown session")
	case errors.Is(err, session.ErrInvalidCode), errors.Is(err, session.ErrCodeInUse):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("session_error")
		writeError(w, http.StatusInternalServerError, "session store error")
	}
}

func (s *Server) linkSession(r *http.Request, code, jobID string) {
	if _, err := s.sessions.Touch(code, model.SessionPatch{JobID: &jobID}); err != nil {
		zerolog.Ctx(r.Context()).Warn().Str("code", code).Err(err).Msg("session_touch_failed")
	}
}

func sourceOr(src, fallback model.Source) model.Source {
	if src == "" {
		return fallback
	}
	return src
}
