// Package model defines the records switchboard persists and its configuration.
package model

import "time"

type Config struct {
	// Root is the workspace directory relative paths resolve against. It is
	// set by the loader, not read from YAML.
	Root string `yaml:"-"`

	AgentID  string         `yaml:"agent_id"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	Session  SessionConfig  `yaml:"session"`
	Commands CommandsConfig `yaml:"commands"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Callback CallbackConfig `yaml:"callback"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type QueueConfig struct {
	Dir             string `yaml:"dir"`
	TickIntervalSec int    `yaml:"tick_interval_sec"`
	StaleAfterMin   int    `yaml:"stale_after_min"`
	DebounceMs      int    `yaml:"debounce_ms"`
}

func (c QueueConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSec) * time.Second
}

func (c QueueConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMin) * time.Minute
}

func (c QueueConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

type WorkerConfig struct {
	MaxConcurrent  int      `yaml:"max_concurrent"`
	TaskTimeoutSec int      `yaml:"task_timeout_sec"`
	KillGraceSec   int      `yaml:"kill_grace_sec"`
	MaxOutputBytes int      `yaml:"max_output_bytes"`
	Command        []string `yaml:"command"`
	WorkDir        string   `yaml:"work_dir"`
}

func (c WorkerConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSec) * time.Second
}

func (c WorkerConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceSec) * time.Second
}

type SessionConfig struct {
	Dir            string        `yaml:"dir"`
	MaxAgeHours    int           `yaml:"max_age_hours"`
	SweepSchedule  string        `yaml:"sweep_schedule"`
	ChatCodeLength int           `yaml:"chat_code_length"`
	TaskCodeLength int           `yaml:"task_code_length"`
	Archive        ArchiveConfig `yaml:"archive"`
}

func (c SessionConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

type ArchiveConfig struct {
	Driver    string `yaml:"driver"` // jsonl | sqlite | none
	Path      string `yaml:"path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

type CommandsConfig struct {
	Dir   string `yaml:"dir"`
	Sigil string `yaml:"sigil"`
}

type WebhookConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Addr          string  `yaml:"addr"`
	Secret        string  `yaml:"secret"`
	AllowUnsigned bool    `yaml:"allow_unsigned"`
	MaxSkewSec    int     `yaml:"max_skew_sec"`
	RatePerSec    float64 `yaml:"rate_per_sec"`
	Burst         int     `yaml:"burst"`
	MaxBodyBytes  int64   `yaml:"max_body_bytes"`
}

func (c WebhookConfig) MaxSkew() time.Duration {
	return time.Duration(c.MaxSkewSec) * time.Second
}

type CallbackConfig struct {
	URL               string `yaml:"url"`
	HeartbeatURL      string `yaml:"heartbeat_url"`
	HeartbeatSchedule string `yaml:"heartbeat_schedule"`
	MaxRetries        int    `yaml:"max_retries"`
	TimeoutSec        int    `yaml:"timeout_sec"`
}

func (c CallbackConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

func (c DaemonConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}
