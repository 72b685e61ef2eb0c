// Package command defines command definitions, their validation, and the registry
// that resolves names and aliases to definitions.
package command

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/msageha/switchboard/internal/model"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Handler is one of AgentHandler, SkillHandler or InternalHandler.
type Handler interface {
	Kind() HandlerKind
	handler()
}

type HandlerKind string

const (
	KindAgent    HandlerKind = "agent"
	KindSkill    HandlerKind = "skill"
	KindInternal HandlerKind = "internal"
)

// AgentHandler renders Prompt with the call's arguments and queues it for the agent.
type AgentHandler struct {
	Prompt string
}

// SkillHandler hands the arguments to a named sub-skill.
type SkillHandler struct {
	Skill string
}

// InternalHandler calls a function registered with the executor.
type InternalHandler struct {
	Function string
}

func (AgentHandler) Kind() HandlerKind    { return KindAgent }
func (SkillHandler) Kind() HandlerKind    { return KindSkill }
func (InternalHandler) Kind() HandlerKind { return KindInternal }

func (AgentHandler) handler()    {}
func (SkillHandler) handler()    {}
func (InternalHandler) handler() {}

// Scope restricts which channels may invoke a command.
type Scope string

const (
	ScopeChat    Scope = "chat"
	ScopeWebhook Scope = "webhook"
	ScopeBoth    Scope = "both"
)

func (s Scope) valid() bool {
	return s == ScopeChat || s == ScopeWebhook || s == ScopeBoth
}

// Allows reports whether a command with scope s may be used from src.
// CLI invocations are trusted and see every command.
func (s Scope) Allows(src model.Source) bool {
	switch s {
	case ScopeBoth, "":
		return true
	case ScopeChat:
		return src == model.SourceChat || src == model.SourceCLI
	case ScopeWebhook:
		return src == model.SourceWebhook || src == model.SourceCLI
	}
	return false
}

type ArgumentContract struct {
	Required []string `json:"required" yaml:"required"`
	Optional []string `json:"optional" yaml:"optional"`
	Hint     string   `json:"hint,omitempty" yaml:"hint,omitempty"`
}

type SessionPolicy struct {
	Create     bool `json:"create" yaml:"create"`
	CodeLength int  `json:"codeLength,omitempty" yaml:"codeLength,omitempty"`
}

type Definition struct {
	Name        string
	Description string
	Aliases     []string
	Handler     Handler
	Priority    model.Priority
	Scope       Scope
	Arguments   *ArgumentContract
	Session     *SessionPolicy
}

// Usage renders "/name hint" for help output.
func (d *Definition) Usage(sigil string) string {
	if d.Arguments != nil && d.Arguments.Hint != "" {
		return sigil + d.Name + " " + d.Arguments.Hint
	}
	return sigil + d.Name
}

// ValidationError lists every problem found with a definition.
type ValidationError struct {
	Name     string
	Problems []string
}

func (e *ValidationError) Error() string {
	name := e.Name
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("invalid command %s: %s", name, strings.Join(e.Problems, "; "))
}

// Validate returns human-readable problems; an empty result means def is acceptable.
// Zero-valued priority, scope and code length count as unset.
func Validate(def Definition) []string {
	var problems []string

	if !namePattern.MatchString(def.Name) {
		problems = append(problems, fmt.Sprintf("name %q must match %s", def.Name, namePattern))
	}
	if strings.TrimSpace(def.Description) == "" {
		problems = append(problems, "description is required")
	}

	switch h := def.Handler.(type) {
	case AgentHandler:
		if strings.TrimSpace(h.Prompt) == "" {
			problems = append(problems, "agent handler requires a prompt")
		}
	case SkillHandler:
		if strings.TrimSpace(h.Skill) == "" {
			problems = append(problems, "skill handler requires a skill name")
		}
	case InternalHandler:
		if strings.TrimSpace(h.Function) == "" {
			problems = append(problems, "internal handler requires a function name")
		}
	case nil:
		problems = append(problems, "handler is required (agent, skill or internal)")
	default:
		problems = append(problems, fmt.Sprintf("unsupported handler type %T", h))
	}

	if def.Priority != 0 && !def.Priority.Valid() {
		problems = append(problems, fmt.Sprintf("priority %d must be one of 100, 75, 50, 25", def.Priority))
	}
	if def.Scope != "" && !def.Scope.valid() {
		problems = append(problems, fmt.Sprintf("source %q must be chat, webhook or both", def.Scope))
	}
	if def.Session != nil && def.Session.CodeLength != 0 && def.Session.CodeLength != 2 && def.Session.CodeLength != 3 {
		problems = append(problems, fmt.Sprintf("session.codeLength %d must be 2 or 3", def.Session.CodeLength))
	}
	for _, a := range def.Aliases {
		if !namePattern.MatchString(strings.ToLower(a)) {
			problems = append(problems, fmt.Sprintf("alias %q must match %s", a, namePattern))
		}
	}

	return problems
}

// ApplyDefaults returns a copy of def with unset fields filled in. Slices are
// copied so the caller's definition can be reused.
func ApplyDefaults(def Definition) Definition {
	out := def
	if out.Priority == 0 {
		out.Priority = model.PriorityNormal
	}
	if out.Scope == "" {
		out.Scope = ScopeBoth
	}

	out.Aliases = make([]string, 0, len(def.Aliases))
	for _, a := range def.Aliases {
		out.Aliases = append(out.Aliases, strings.ToLower(a))
	}

	args := ArgumentContract{Required: []string{}, Optional: []string{}}
	if def.Arguments != nil {
		args.Required = append(args.Required, def.Arguments.Required...)
		args.Optional = append(args.Optional, def.Arguments.Optional...)
		args.Hint = def.Arguments.Hint
	}
	out.Arguments = &args

	var sess SessionPolicy
	if def.Session != nil {
		sess = *def.Session
	} else {
		_, sess.Create = def.Handler.(AgentHandler)
	}
	if sess.Create && sess.CodeLength == 0 {
		sess.CodeLength = 3
	}
	out.Session = &sess

	return out
}
