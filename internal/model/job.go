package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeFormat is fixed-width so that timestamps compare correctly as strings.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err == nil {
		return t, nil
	}
	// Records written by other tools may carry plain RFC3339.
	return time.Parse(time.RFC3339Nano, s)
}

type Priority int

const (
	PriorityLow      Priority = 25
	PriorityNormal   Priority = 50
	PriorityHigh     Priority = 75
	PriorityCritical Priority = 100
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return strconv.Itoa(int(p))
}

// ParsePriority accepts a level name or one of the numeric levels.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Priority(n).Valid() {
		return 0, fmt.Errorf("invalid priority %q (want low|normal|high|critical or 25|50|75|100)", s)
	}
	return Priority(n), nil
}

// Source tags where a job came from and where its result goes back to.
type Source string

const (
	SourceChat    Source = "chat"
	SourceWebhook Source = "webhook"
	SourceCLI     Source = "cli"
)

// Message is one turn of a clarification transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	At      string `json:"at,omitempty"`
}

type Job struct {
	ID             string          `json:"id"`
	Task           string          `json:"task"`
	ChannelID      string          `json:"channel_id,omitempty"`
	Source         Source          `json:"source"`
	Priority       Priority        `json:"priority"`
	Status         Status          `json:"status"`
	Command        string          `json:"command,omitempty"`
	SessionCode    string          `json:"session_code,omitempty"`
	ExternalTaskID string          `json:"external_task_id,omitempty"`
	CallbackURL    string          `json:"callback_url,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Messages       []Message       `json:"messages,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	Result         string          `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      string          `json:"created_at"`
	StartedAt      string          `json:"started_at,omitempty"`
	CompletedAt    string          `json:"completed_at,omitempty"`
	FailedAt       string          `json:"failed_at,omitempty"`
	CancelledAt    string          `json:"cancelled_at,omitempty"`
}

// Precedes reports whether j should run before o: higher priority first,
// then earlier creation, then id.
func (j *Job) Precedes(o *Job) bool {
	if j.Priority != o.Priority {
		return j.Priority > o.Priority
	}
	if j.CreatedAt != o.CreatedAt {
		return j.CreatedAt < o.CreatedAt
	}
	return j.ID < o.ID
}
