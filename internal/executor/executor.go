package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/msageha/switchboard/internal/command"
	"github.com/msageha/switchboard/internal/model"
	"github.com/msageha/switchboard/internal/parse"
	"github.com/msageha/switchboard/internal/session"
)

// DefaultResumeMessage is queued when a session is resumed with no text.
const DefaultResumeMessage = "continue"

// Enqueuer accepts jobs. *queue.Store satisfies it.
type Enqueuer interface {
	Enqueue(job *model.Job) (string, error)
}

// Sessions is the part of the session store the executor needs.
type Sessions interface {
	Create(req session.CreateRequest) (*model.Session, error)
	Get(code string) (*model.Session, error)
	Touch(code string, patch model.SessionPatch) (*model.Session, error)
}

// ExecContext describes where a message came from.
type ExecContext struct {
	Source      model.Source
	ChannelID   string
	SessionCode string
	CallbackURL string
	Vars        map[string]string
}

type Executor struct {
	Enqueuer  Enqueuer
	Sessions  Sessions
	Functions *Functions
	Listener  Listener
	DryRun    bool
	Logger    zerolog.Logger
}

func (e *Executor) listener() Listener {
	if e.Listener == nil {
		return NopListener{}
	}
	return e.Listener
}

// Execute produces the action trace for msg. In live mode side effects are
// performed and reported as extra actions; the returned error joins any side
// effect failures, which are also present in the trace.
func (e *Executor) Execute(ctx context.Context, msg parse.Parsed, ec ExecContext) (Result, error) {
	l := e.listener()
	l.BeforeExecute(ctx, msg, ec)

	r := &run{exec: e, ctx: ctx, ec: ec}
	switch m := msg.(type) {
	case parse.NotCommand:
		r.add(Action{Type: ActionIgnored, Text: m.Text})
	case parse.UnknownCommand:
		r.add(Action{Type: ActionError, Command: m.Name, Error: fmt.Sprintf("unknown command: %s", m.Name)})
	case parse.SessionResume:
		r.resume(m)
	case parse.Command:
		r.command(m)
	default:
		r.add(Action{Type: ActionError, Error: fmt.Sprintf("unsupported message %T", msg)})
	}

	res := Result{DryRun: e.DryRun, Actions: r.actions}
	l.AfterExecute(ctx, msg, ec, res)

	e.Logger.Debug().
		Bool("dry_run", e.DryRun).
		Int("actions", len(res.Actions)).
		Str("source", string(ec.Source)).
		Msg("execute")
	return res, errors.Join(r.errs...)
}

type run struct {
	exec    *Executor
	ctx     context.Context
	ec      ExecContext
	actions []Action
	errs    []error
}

func (r *run) add(a Action) {
	r.actions = append(r.actions, a)
}

func (r *run) live() bool { return !r.exec.DryRun }

func (r *run) sideError(err error) {
	r.add(Action{Type: ActionError, SideEffect: true, Error: err.Error()})
	r.errs = append(r.errs, err)
}

func (r *run) resume(m parse.SessionResume) {
	text := ""
	if m.Message != nil {
		text = *m.Message
	}
	r.add(Action{Type: ActionSessionResume, Code: m.Code, Text: text})
	r.exec.listener().OnSessionResume(r.ctx, m.Code, m.Message)

	if !r.live() {
		return
	}
	if r.exec.Sessions == nil || r.exec.Enqueuer == nil {
		r.sideError(errors.New("session resume is not available"))
		return
	}
	sess, err := r.exec.Sessions.Get(m.Code)
	if err != nil {
		r.sideError(fmt.Errorf("resume session %s: %w", m.Code, err))
		return
	}
	if text == "" {
		text = DefaultResumeMessage
	}
	job := &model.Job{
		Task:        text,
		ChannelID:   firstNonEmpty(r.ec.ChannelID, sess.ChannelID),
		Source:      sourceOr(r.ec.Source, sess.Source),
		SessionCode: sess.Code,
		CallbackURL: firstNonEmpty(r.ec.CallbackURL, sess.CallbackURL),
	}
	r.enqueue(job)
}

func (r *run) command(m parse.Command) {
	def := m.Definition
	if def == nil {
		r.add(Action{Type: ActionError, Error: "command has no definition"})
		return
	}
	if r.ec.Source != "" && !def.Scope.Allows(r.ec.Source) {
		r.add(Action{Type: ActionError, Command: def.Name,
			Error: fmt.Sprintf("command %s is not available from %s", def.Name, r.ec.Source)})
		return
	}
	if problems := parse.ValidateArgs(m.Args, def.Arguments); len(problems) > 0 {
		r.add(Action{Type: ActionError, Command: def.Name, Error: strings.Join(problems, "; ")})
		return
	}

	switch h := def.Handler.(type) {
	case command.AgentHandler:
		r.agent(def, h, m)
	case command.SkillHandler:
		r.skill(def, h, m)
	case command.InternalHandler:
		r.internal(def, h, m)
	default:
		r.add(Action{Type: ActionError, Command: def.Name, Error: fmt.Sprintf("command %s has no handler", def.Name)})
	}
}

func (r *run) agent(def *command.Definition, h command.AgentHandler, m parse.Command) {
	prompt := parse.Substitute(h.Prompt, m.Args, parse.Context{SessionCode: r.ec.SessionCode, Vars: r.ec.Vars})
	var policy *command.SessionPolicy
	if def.Session != nil {
		p := *def.Session
		policy = &p
	}
	r.add(Action{Type: ActionAgentPrompt, Command: def.Name, Prompt: prompt, Priority: def.Priority, Session: policy})

	if !r.live() {
		return
	}
	if r.exec.Enqueuer == nil {
		r.sideError(errors.New("no queue configured"))
		return
	}

	job := &model.Job{
		Task:        prompt,
		Command:     def.Name,
		Priority:    def.Priority,
		ChannelID:   r.ec.ChannelID,
		Source:      r.ec.Source,
		SessionCode: r.ec.SessionCode,
		CallbackURL: r.ec.CallbackURL,
	}

	var sess *model.Session
	if policy != nil && policy.Create && r.ec.SessionCode == "" {
		if r.exec.Sessions == nil {
			r.sideError(errors.New("no session store configured"))
			return
		}
		var err error
		sess, err = r.exec.Sessions.Create(session.CreateRequest{
			Kind:        kindFor(r.ec.Source),
			CodeLength:  policy.CodeLength,
			Task:        prompt,
			ChannelID:   r.ec.ChannelID,
			Source:      r.ec.Source,
			CallbackURL: r.ec.CallbackURL,
		})
		if err != nil {
			r.sideError(fmt.Errorf("create session: %w", err))
			return
		}
		r.add(Action{Type: ActionSessionCreated, SideEffect: true, Command: def.Name, Code: sess.Code})
		r.exec.listener().OnSessionCreate(r.ctx, sess)
		job.SessionCode = sess.Code
	}

	id, ok := r.enqueue(job)
	if ok && sess != nil {
		if _, err := r.exec.Sessions.Touch(sess.Code, model.SessionPatch{JobID: &id}); err != nil {
			r.exec.Logger.Warn().Str("code", sess.Code).Err(err).Msg("session_link_failed")
		}
	}
}

func (r *run) skill(def *command.Definition, h command.SkillHandler, m parse.Command) {
	r.add(Action{Type: ActionSkill, Command: def.Name, Skill: h.Skill, Args: m.Args, Priority: def.Priority})

	if !r.live() {
		return
	}
	if r.exec.Enqueuer == nil {
		r.sideError(errors.New("no queue configured"))
		return
	}
	input, err := json.Marshal(map[string]any{"skill": h.Skill, "args": m.Args})
	if err != nil {
		r.sideError(fmt.Errorf("encode skill input: %w", err))
		return
	}
	r.enqueue(&model.Job{
		Task:        strings.TrimSpace(h.Skill + " " + m.RawArgs),
		Command:     def.Name,
		Priority:    def.Priority,
		ChannelID:   r.ec.ChannelID,
		Source:      r.ec.Source,
		SessionCode: r.ec.SessionCode,
		CallbackURL: r.ec.CallbackURL,
		Input:       input,
	})
}

func (r *run) internal(def *command.Definition, h command.InternalHandler, m parse.Command) {
	r.add(Action{Type: ActionInternal, Command: def.Name, Function: h.Function, Args: m.Args})

	if !r.live() {
		return
	}
	fn, ok := r.exec.Functions.Lookup(h.Function)
	if !ok {
		r.sideError(fmt.Errorf("no internal function registered as %s", h.Function))
		return
	}
	value, err := fn(r.ctx, Call{Command: def.Name, Args: m.Args, RawArgs: m.RawArgs, Context: r.ec})
	if err != nil {
		r.sideError(fmt.Errorf("%s: %w", h.Function, err))
		return
	}
	r.add(Action{Type: ActionInternalResult, SideEffect: true, Command: def.Name, Function: h.Function, Value: value})
}

func (r *run) enqueue(job *model.Job) (string, bool) {
	id, err := r.exec.Enqueuer.Enqueue(job)
	if err != nil {
		r.sideError(fmt.Errorf("enqueue: %w", err))
		return "", false
	}
	r.add(Action{Type: ActionJobEnqueued, SideEffect: true, Command: job.Command, Code: job.SessionCode, JobID: id})
	return id, true
}

func kindFor(src model.Source) model.SessionKind {
	if src == model.SourceChat {
		return model.SessionKindChat
	}
	return model.SessionKindTask
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func sourceOr(src, fallback model.Source) model.Source {
	if src != "" {
		return src
	}
	return fallback
}
