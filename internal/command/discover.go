package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/switchboard/internal/model"
)

// Definition file names probed in each command subdirectory, in order.
var definitionFiles = []string{"command.json", "command.yaml", "command.yml"}

// File is the on-disk form of a definition.
type File struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Aliases     []string          `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Handler     HandlerFile       `json:"handler" yaml:"handler"`
	Priority    int               `json:"priority,omitempty" yaml:"priority,omitempty"`
	Source      string            `json:"source,omitempty" yaml:"source,omitempty"`
	Arguments   *ArgumentContract `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Session     *SessionFile      `json:"session,omitempty" yaml:"session,omitempty"`
}

type HandlerFile struct {
	Type     string `json:"type" yaml:"type"`
	Prompt   string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Skill    string `json:"skill,omitempty" yaml:"skill,omitempty"`
	Function string `json:"function,omitempty" yaml:"function,omitempty"`
}

// SessionFile keeps Create optional so an absent value can default by handler kind.
type SessionFile struct {
	Create     *bool `json:"create,omitempty" yaml:"create,omitempty"`
	CodeLength int   `json:"codeLength,omitempty" yaml:"codeLength,omitempty"`
}

// Definition converts the file form. An unknown handler type yields a nil
// handler, which Validate reports.
func (f File) Definition() Definition {
	def := Definition{
		Name:        f.Name,
		Description: f.Description,
		Aliases:     f.Aliases,
		Priority:    model.Priority(f.Priority),
		Scope:       Scope(strings.ToLower(f.Source)),
		Arguments:   f.Arguments,
	}
	switch strings.ToLower(f.Handler.Type) {
	case string(KindAgent):
		def.Handler = AgentHandler{Prompt: f.Handler.Prompt}
	case string(KindSkill):
		def.Handler = SkillHandler{Skill: f.Handler.Skill}
	case string(KindInternal):
		def.Handler = InternalHandler{Function: f.Handler.Function}
	}
	if f.Session != nil {
		sp := SessionPolicy{CodeLength: f.Session.CodeLength}
		if f.Session.Create != nil {
			sp.Create = *f.Session.Create
		} else {
			_, sp.Create = def.Handler.(AgentHandler)
		}
		def.Session = &sp
	}
	return def
}

// ToFile is the inverse of File.Definition.
func ToFile(d *Definition) File {
	f := File{
		Name:        d.Name,
		Description: d.Description,
		Aliases:     d.Aliases,
		Priority:    int(d.Priority),
		Source:      string(d.Scope),
		Arguments:   d.Arguments,
	}
	switch h := d.Handler.(type) {
	case AgentHandler:
		f.Handler = HandlerFile{Type: string(KindAgent), Prompt: h.Prompt}
	case SkillHandler:
		f.Handler = HandlerFile{Type: string(KindSkill), Skill: h.Skill}
	case InternalHandler:
		f.Handler = HandlerFile{Type: string(KindInternal), Function: h.Function}
	}
	if d.Session != nil {
		create := d.Session.Create
		f.Session = &SessionFile{Create: &create, CodeLength: d.Session.CodeLength}
	}
	return f
}

type Skipped struct {
	Path   string
	Reason string
}

type DiscoverReport struct {
	Loaded  []string
	Skipped []Skipped
}

// LoadFile parses one definition file without registering it.
func LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	var f File
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yamlv3.Unmarshal(data, &f)
	default:
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return Definition{}, fmt.Errorf("parse %s: %w", path, err)
	}
	def := f.Definition()
	if f.Handler.Type != "" && def.Handler == nil {
		return def, &ValidationError{Name: f.Name, Problems: []string{
			fmt.Sprintf("handler.type %q must be agent, skill or internal", f.Handler.Type),
		}}
	}
	return def, nil
}

// Discover registers one definition per subdirectory of dir. Bad entries are
// logged and reported but do not stop the walk. A missing dir is not an error.
func (r *Registry) Discover(dir string) (DiscoverReport, error) {
	var report DiscoverReport

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return report, nil
		}
		return report, fmt.Errorf("read commands dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := findDefinitionFile(filepath.Join(dir, entry.Name()))
		if path == "" {
			continue
		}

		def, err := LoadFile(path)
		if err == nil {
			err = r.Register(def)
		}
		if err != nil {
			r.logger.Warn().Str("path", path).Err(err).Msg("command_skip")
			report.Skipped = append(report.Skipped, Skipped{Path: path, Reason: err.Error()})
			continue
		}
		r.logger.Debug().Str("name", def.Name).Str("path", path).Msg("command_loaded")
		report.Loaded = append(report.Loaded, def.Name)
	}
	return report, nil
}

func findDefinitionFile(dir string) string {
	for _, name := range definitionFiles {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}
