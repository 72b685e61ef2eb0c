// Package config loads switchboard.yaml, .env files and environment
// overrides into a model.Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/msageha/switchboard/internal/logging"
	"github.com/msageha/switchboard/internal/model"
)

const (
	DefaultFile    = "switchboard.yaml"
	DefaultEnvFile = ".env"
	EnvPrefix      = "SWITCHBOARD_"
)

// Default returns the configuration used for anything the file leaves out.
func Default() model.Config {
	return model.Config{
		AgentID: "switchboard",
		Queue: model.QueueConfig{
			Dir:             "queue",
			TickIntervalSec: 5,
			StaleAfterMin:   60,
			DebounceMs:      200,
		},
		Worker: model.WorkerConfig{
			MaxConcurrent:  3,
			TaskTimeoutSec: 3600,
			KillGraceSec:   10,
			MaxOutputBytes: 64 * 1024,
		},
		Session: model.SessionConfig{
			Dir:            "sessions",
			MaxAgeHours:    24,
			SweepSchedule:  "@every 1h",
			ChatCodeLength: 2,
			TaskCodeLength: 3,
			Archive: model.ArchiveConfig{
				Driver:    "jsonl",
				MaxSizeMB: 64,
			},
		},
		Commands: model.CommandsConfig{
			Dir:   "commands",
			Sigil: "/",
		},
		Webhook: model.WebhookConfig{
			Enabled:       true,
			Addr:          ":8080",
			AllowUnsigned: true,
			MaxSkewSec:    300,
			RatePerSec:    20,
			Burst:         40,
			MaxBodyBytes:  1 << 20,
		},
		Callback: model.CallbackConfig{
			HeartbeatSchedule: "@every 1m",
			MaxRetries:        3,
			TimeoutSec:        30,
		},
		Daemon: model.DaemonConfig{
			ShutdownTimeoutSec: 30,
		},
		Logging: model.LoggingConfig{
			Level:   "info",
			File:    "logs/switchboard.log",
			Console: true,
		},
	}
}

type Options struct {
	// Path is the YAML file. A missing file is only an error when
	// Required is set.
	Path     string
	Required bool
	// EnvFiles are loaded before overrides are applied. Variables already
	// in the environment win.
	EnvFiles []string
	// Lookup reads the environment; os.LookupEnv when nil.
	Lookup func(string) (string, bool)
}

// Load builds the effective configuration: defaults, then the YAML file with
// ${VAR} references expanded, then SWITCHBOARD_* overrides. Relative paths
// are resolved against the directory holding the file.
func Load(opts Options) (model.Config, error) {
	for _, f := range opts.EnvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return model.Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	path := opts.Path
	if path == "" {
		path = DefaultFile
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := Parse(data, &cfg, lookup); err != nil {
			return model.Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !opts.Required:
	default:
		return model.Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := ApplyEnv(&cfg, lookup); err != nil {
		return model.Config{}, err
	}
	root, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return model.Config{}, err
	}
	Resolve(&cfg, root)
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Parse overlays YAML onto cfg. ${VAR} references are replaced with the
// variable's value; unset variables are left as written.
func Parse(data []byte, cfg *model.Config, lookup func(string) (string, bool)) error {
	expanded := envRef.ReplaceAllStringFunc(string(data), func(m string) string {
		if v, ok := lookup(m[2 : len(m)-1]); ok {
			return v
		}
		return m
	})
	return yaml.Unmarshal([]byte(expanded), cfg)
}

// ApplyEnv applies SWITCHBOARD_* overrides.
func ApplyEnv(cfg *model.Config, lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	var errs []error

	if v, ok := get("QUEUE_DIR"); ok {
		cfg.Queue.Dir = v
	}
	if v, ok := get("MAX_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMAX_WORKERS: %w", EnvPrefix, err))
		} else {
			cfg.Worker.MaxConcurrent = n
		}
	}
	if v, ok := get("TASK_TIMEOUT"); ok {
		secs, err := parseSeconds(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTASK_TIMEOUT: %w", EnvPrefix, err))
		} else {
			cfg.Worker.TaskTimeoutSec = secs
		}
	}
	if v, ok := get("WEBHOOK_PORT"); ok {
		if _, err := strconv.ParseUint(v, 10, 16); err != nil {
			errs = append(errs, fmt.Errorf("%sWEBHOOK_PORT: %w", EnvPrefix, err))
		} else {
			cfg.Webhook.Addr = ":" + v
		}
	}
	if v, ok := get("WEBHOOK_SECRET"); ok {
		cfg.Webhook.Secret = v
	}
	if v, ok := get("AGENT_ID"); ok {
		cfg.AgentID = v
	}
	if v, ok := get("CALLBACK_URL"); ok {
		cfg.Callback.URL = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get("AGENT_COMMAND"); ok {
		cfg.Worker.Command = strings.Fields(v)
	}
	return errors.Join(errs...)
}

// parseSeconds accepts a Go duration ("90m") or a plain number of seconds.
func parseSeconds(v string) (int, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	return int(d / time.Second), nil
}

// Resolve makes the configured paths absolute under root.
func Resolve(cfg *model.Config, root string) {
	cfg.Root = root
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}
	abs(&cfg.Queue.Dir)
	abs(&cfg.Session.Dir)
	abs(&cfg.Session.Archive.Path)
	abs(&cfg.Commands.Dir)
	abs(&cfg.Logging.File)
	abs(&cfg.Worker.WorkDir)
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports every problem at once.
func Validate(cfg model.Config) error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if cfg.Queue.Dir == "" {
		bad("queue.dir must be set")
	}
	if cfg.Queue.TickIntervalSec <= 0 {
		bad("queue.tick_interval_sec must be positive, got %d", cfg.Queue.TickIntervalSec)
	}
	if cfg.Worker.MaxConcurrent <= 0 {
		bad("worker.max_concurrent must be positive, got %d", cfg.Worker.MaxConcurrent)
	}
	if cfg.Worker.TaskTimeoutSec <= 0 {
		bad("worker.task_timeout_sec must be positive, got %d", cfg.Worker.TaskTimeoutSec)
	}
	if cfg.Worker.KillGraceSec < 0 {
		bad("worker.kill_grace_sec must not be negative")
	}
	for name, n := range map[string]int{
		"session.chat_code_length": cfg.Session.ChatCodeLength,
		"session.task_code_length": cfg.Session.TaskCodeLength,
	} {
		if n != 2 && n != 3 {
			bad("%s must be 2 or 3, got %d", name, n)
		}
	}
	switch strings.ToLower(cfg.Session.Archive.Driver) {
	case "", "jsonl", "file", "sqlite", "sqlite3", "none":
	default:
		bad("session.archive.driver %q is not one of jsonl, sqlite, none", cfg.Session.Archive.Driver)
	}
	for name, spec := range map[string]string{
		"session.sweep_schedule":      cfg.Session.SweepSchedule,
		"callback.heartbeat_schedule": cfg.Callback.HeartbeatSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			bad("%s: %v", name, err)
		}
	}
	if cfg.Commands.Sigil == "" {
		bad("commands.sigil must be set")
	}
	if cfg.Webhook.Enabled && cfg.Webhook.Addr == "" {
		bad("webhook.addr must be set when the webhook is enabled")
	}
	if cfg.Webhook.MaxSkewSec < 0 {
		bad("webhook.max_skew_sec must not be negative")
	}
	if cfg.Callback.MaxRetries < 0 {
		bad("callback.max_retries must not be negative")
	}
	if !logging.ValidLevel(cfg.Logging.Level) {
		bad("logging.level %q is not one of trace, debug, info, warn, error", cfg.Logging.Level)
	}
	return errors.Join(errs...)
}
