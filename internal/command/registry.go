package command

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/msageha/switchboard/internal/model"
)

// Registry maps names and aliases to definitions. Registered definitions are
// never replaced.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Definition
	aliases map[string]string
	logger  zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		byName:  make(map[string]*Definition),
		aliases: make(map[string]string),
		logger:  logger,
	}
}

// Register validates def, fills defaults and adds it. Any overlap between the
// new name/aliases and existing names/aliases is rejected.
func (r *Registry) Register(def Definition) error {
	if problems := Validate(def); len(problems) > 0 {
		return &ValidationError{Name: def.Name, Problems: problems}
	}
	d := ApplyDefaults(def)

	r.mu.Lock()
	defer r.mu.Unlock()

	tokens := append([]string{d.Name}, d.Aliases...)
	seen := make(map[string]bool, len(tokens))
	var problems []string
	for _, tok := range tokens {
		if seen[tok] {
			problems = append(problems, fmt.Sprintf("%q listed twice", tok))
			continue
		}
		seen[tok] = true
		if owner, taken := r.ownerLocked(tok); taken {
			problems = append(problems, fmt.Sprintf("%q already registered by %s", tok, owner))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Name: d.Name, Problems: problems}
	}

	r.byName[d.Name] = &d
	for _, a := range d.Aliases {
		r.aliases[a] = d.Name
	}
	return nil
}

func (r *Registry) ownerLocked(token string) (string, bool) {
	if _, ok := r.byName[token]; ok {
		return token, true
	}
	if name, ok := r.aliases[token]; ok {
		return name, true
	}
	return "", false
}

// Get resolves a name or alias, case-insensitively. Names win over aliases.
func (r *Registry) Get(token string) (*Definition, bool) {
	key := strings.ToLower(strings.TrimSpace(token))

	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.byName[key]; ok {
		return d, true
	}
	if name, ok := r.aliases[key]; ok {
		return r.byName[name], true
	}
	return nil, false
}

// Has reports whether token is taken by any name or alias.
func (r *Registry) Has(token string) bool {
	_, ok := r.Get(token)
	return ok
}

// List returns the definitions usable from scope, sorted by name. An empty
// scope returns everything.
func (r *Registry) List(scope Scope) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.byName))
	for _, d := range r.byName {
		if scope == "" || d.Scope == ScopeBoth || d.Scope == scope {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListFor returns the definitions a caller on src may invoke.
func (r *Registry) ListFor(src model.Source) []*Definition {
	all := r.List("")
	out := all[:0]
	for _, d := range all {
		if d.Scope.Allows(src) {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
