// Package executor turns a parsed message into an ordered list of actions and,
// outside dry-run mode, performs the side effects those actions describe.
package executor

import (
	"github.com/msageha/switchboard/internal/command"
	"github.com/msageha/switchboard/internal/model"
)

type ActionType string

const (
	ActionIgnored        ActionType = "ignored"
	ActionError          ActionType = "error"
	ActionSessionResume  ActionType = "session_resume"
	ActionAgentPrompt    ActionType = "agent_prompt"
	ActionSkill          ActionType = "skill"
	ActionInternal       ActionType = "internal"
	ActionSessionCreated ActionType = "session_created"
	ActionJobEnqueued    ActionType = "job_enqueued"
	ActionInternalResult ActionType = "internal_result"
)

// Action is one step of an execution trace. Actions with SideEffect set are
// only produced in live mode.
type Action struct {
	Type       ActionType             `json:"type"`
	SideEffect bool                   `json:"side_effect,omitempty"`
	Command    string                 `json:"command,omitempty"`
	Prompt     string                 `json:"prompt,omitempty"`
	Skill      string                 `json:"skill,omitempty"`
	Function   string                 `json:"function,omitempty"`
	Args       []string               `json:"args,omitempty"`
	Priority   model.Priority         `json:"priority,omitempty"`
	Session    *command.SessionPolicy `json:"session,omitempty"`
	Code       string                 `json:"code,omitempty"`
	Text       string                 `json:"text,omitempty"`
	JobID      string                 `json:"job_id,omitempty"`
	Value      any                    `json:"value,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

type Result struct {
	DryRun  bool     `json:"dry_run"`
	Actions []Action `json:"actions"`
}

// StripSideEffects returns the actions a dry run of the same message would
// have produced.
func StripSideEffects(actions []Action) []Action {
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		if !a.SideEffect {
			out = append(out, a)
		}
	}
	return out
}

// JobIDs collects the ids of jobs enqueued during execution.
func (r Result) JobIDs() []string {
	var ids []string
	for _, a := range r.Actions {
		if a.Type == ActionJobEnqueued && a.JobID != "" {
			ids = append(ids, a.JobID)
		}
	}
	return ids
}

// Errors returns the messages of every error action.
func (r Result) Errors() []string {
	var out []string
	for _, a := range r.Actions {
		if a.Type == ActionError {
			out = append(out, a.Error)
		}
	}
	return out
}
