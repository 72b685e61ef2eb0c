package model

type SessionKind string

const (
	SessionKindChat SessionKind = "chat"
	SessionKindTask SessionKind = "task"
)

type Session struct {
	Code           string         `json:"code"`
	Kind           SessionKind    `json:"kind"`
	Status         SessionStatus  `json:"status"`
	ChannelID      string         `json:"channel_id,omitempty"`
	Source         Source         `json:"source,omitempty"`
	Task           string         `json:"task,omitempty"`
	AgentSessionID string         `json:"agent_session_id,omitempty"`
	JobID          string         `json:"job_id,omitempty"`
	ExternalTaskID string         `json:"external_task_id,omitempty"`
	CallbackURL    string         `json:"callback_url,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at"`
	LastActivity   string         `json:"last_activity"`
	EndedAt        string         `json:"ended_at,omitempty"`
}

// SessionPatch carries the fields a caller wants to change on touch.
// Nil pointers leave the stored value untouched.
type SessionPatch struct {
	AgentSessionID *string
	JobID          *string
	ExternalTaskID *string
	CallbackURL    *string
	Task           *string
	Metadata       map[string]any
}
