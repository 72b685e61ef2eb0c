package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/msageha/switchboard/internal/model"
)

const (
	EventTaskCreated       = "task.created"
	EventTaskClarification = "task.clarification"
	EventTaskCancelled     = "task.cancelled"
)

// TaskEvent is a lifecycle event after normalization.
type TaskEvent struct {
	Event       string          `json:"event"`
	Task        Task            `json:"task"`
	SessionCode string          `json:"session_code,omitempty"`
	Messages    []model.Message `json:"messages,omitempty"`
	Message     string          `json:"message,omitempty"`
}

type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type,omitempty"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Prompt      string          `json:"prompt,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
	SessionCode string          `json:"session_code,omitempty"`
	ChannelID   string          `json:"channel_id,omitempty"`
	Priority    json.RawMessage `json:"priority,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Text is the work description handed to the agent.
func (t Task) Text() string {
	for _, s := range []string{t.Prompt, t.Description, t.Title} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Code is the session code the event refers to, if any.
func (e *TaskEvent) Code() string {
	if e.SessionCode != "" {
		return strings.ToLower(e.SessionCode)
	}
	return strings.ToLower(e.Task.SessionCode)
}

// Transcript returns the clarification messages carried by the event. A bare
// message becomes a single user turn.
func (e *TaskEvent) Transcript(stamp string) []model.Message {
	msgs := make([]model.Message, 0, len(e.Messages)+1)
	for _, m := range e.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Role == "" {
			m.Role = "user"
		}
		if m.At == "" {
			m.At = stamp
		}
		msgs = append(msgs, m)
	}
	if strings.TrimSpace(e.Message) != "" {
		msgs = append(msgs, model.Message{Role: "user", Content: e.Message, At: stamp})
	}
	return msgs
}

// envelopeKeys stay at the top level when a flattened body is folded into
// the nested form.
var envelopeKeys = map[string]bool{
	"event":        true,
	"session_code": true,
	"messages":     true,
	"message":      true,
}

// ParseEvent decodes a lifecycle event body. Both the nested form
// {event, task:{...}} and the flattened form {event, task_id, task_type, ...}
// are accepted; the flattened form has its task_ prefixes stripped.
func ParseEvent(body []byte) (*TaskEvent, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if _, nested := raw["task"]; !nested || !isObject(raw["task"]) {
		task := make(map[string]json.RawMessage)
		for k, v := range raw {
			if envelopeKeys[k] {
				continue
			}
			if k == "task" {
				// A plain string task is the prompt.
				task["prompt"] = v
				continue
			}
			task[strings.TrimPrefix(k, "task_")] = v
		}
		folded, err := json.Marshal(task)
		if err != nil {
			return nil, err
		}
		raw["task"] = folded
		body, err = json.Marshal(raw)
		if err != nil {
			return nil, err
		}
	}

	var ev TaskEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.Event == "" {
		return nil, errors.New("missing event")
	}
	return &ev, nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

// parsePriority accepts a name ("high"), a number (75) or nothing.
func parsePriority(raw json.RawMessage) (model.Priority, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return model.PriorityNormal, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return model.ParsePriority(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("invalid priority %s", raw)
	}
	if _, err := strconv.Atoi(n.String()); err != nil {
		return 0, fmt.Errorf("invalid priority %s", raw)
	}
	return model.ParsePriority(n.String())
}

// LegacyRequest is the unsigned contract: task text and little else. It
// cannot name a callback URL; legacy results go to the configured one.
type LegacyRequest struct {
	Task      string          `json:"task"`
	Source    string          `json:"source,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	Priority  json.RawMessage `json:"priority,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// ContinueRequest is the body of POST /webhook/{code}.
type ContinueRequest struct {
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
