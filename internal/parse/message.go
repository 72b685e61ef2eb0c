package parse

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/msageha/switchboard/internal/command"
)

// DefaultSigil introduces a command in chat text.
const DefaultSigil = "/"

var sessionCodeShape = regexp.MustCompile(`^[a-z0-9]{2,3}$`)

// LooksLikeSessionCode reports whether s has the shape of a session code.
func LooksLikeSessionCode(s string) bool {
	return sessionCodeShape.MatchString(s)
}

// Parsed is one of NotCommand, Command, UnknownCommand or SessionResume.
type Parsed interface {
	parsed()
}

type NotCommand struct {
	Text string
}

type Command struct {
	Definition *command.Definition
	Args       []string
	RawArgs    string
}

type UnknownCommand struct {
	Name    string
	RawArgs string
}

type SessionResume struct {
	Code    string
	Message *string
}

func (NotCommand) parsed()     {}
func (Command) parsed()        {}
func (UnknownCommand) parsed() {}
func (SessionResume) parsed()  {}

// Parser classifies inbound text against a registry.
type Parser struct {
	registry *command.Registry
	sigil    string
}

func NewParser(registry *command.Registry, sigil string) *Parser {
	if sigil == "" {
		sigil = DefaultSigil
	}
	return &Parser{registry: registry, sigil: sigil}
}

func (p *Parser) Sigil() string { return p.sigil }

func (p *Parser) Parse(text string) Parsed {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, p.sigil) {
		return NotCommand{Text: trimmed}
	}

	body := trimmed[len(p.sigil):]
	name, rest := body, ""
	if i := strings.IndexFunc(body, unicode.IsSpace); i >= 0 {
		name, rest = body[:i], strings.TrimSpace(body[i:])
	}

	if def, ok := p.registry.Get(name); ok {
		return Command{Definition: def, Args: Tokenize(rest), RawArgs: rest}
	}
	if LooksLikeSessionCode(name) {
		resume := SessionResume{Code: name}
		if rest != "" {
			msg := rest
			resume.Message = &msg
		}
		return resume
	}
	return UnknownCommand{Name: name, RawArgs: rest}
}
