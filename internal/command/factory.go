package command

import "github.com/msageha/switchboard/internal/model"

// Option adjusts a definition built by one of the New*Command helpers.
type Option func(*Definition)

func WithAliases(aliases ...string) Option {
	return func(d *Definition) { d.Aliases = append(d.Aliases, aliases...) }
}

func WithPriority(p model.Priority) Option {
	return func(d *Definition) { d.Priority = p }
}

func WithScope(s Scope) Option {
	return func(d *Definition) { d.Scope = s }
}

func WithArguments(required, optional []string, hint string) Option {
	return func(d *Definition) {
		d.Arguments = &ArgumentContract{Required: required, Optional: optional, Hint: hint}
	}
}

func WithSession(create bool, codeLength int) Option {
	return func(d *Definition) { d.Session = &SessionPolicy{Create: create, CodeLength: codeLength} }
}

func NewAgentCommand(name, description, prompt string, opts ...Option) (Definition, error) {
	return build(Definition{Name: name, Description: description, Handler: AgentHandler{Prompt: prompt}}, opts)
}

func NewSkillCommand(name, description, skill string, opts ...Option) (Definition, error) {
	return build(Definition{Name: name, Description: description, Handler: SkillHandler{Skill: skill}}, opts)
}

func NewInternalCommand(name, description, function string, opts ...Option) (Definition, error) {
	return build(Definition{Name: name, Description: description, Handler: InternalHandler{Function: function}}, opts)
}

func build(def Definition, opts []Option) (Definition, error) {
	for _, opt := range opts {
		opt(&def)
	}
	if problems := Validate(def); len(problems) > 0 {
		return def, &ValidationError{Name: def.Name, Problems: problems}
	}
	return ApplyDefaults(def), nil
}

// MustRegister registers builder output and panics on error. It is meant for
// built-in commands wired at startup.
func (r *Registry) MustRegister(def Definition, err error) {
	if err == nil {
		err = r.Register(def)
	}
	if err != nil {
		panic(err)
	}
}
