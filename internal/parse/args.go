// Package parse turns inbound text into command invocations and renders
// prompt templates from their arguments.
package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/msageha/switchboard/internal/command"
)

// Tokenize splits s on whitespace outside single or double quotes. Quote
// characters are dropped; a quoted empty string yields an empty token.
func Tokenize(s string) []string {
	out := []string{}
	var (
		buf     strings.Builder
		inToken bool
		quote   byte
	)
	flush := func() {
		if inToken {
			out = append(out, buf.String())
			buf.Reset()
			inToken = false
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			quote = ch
			inToken = true
		case ' ', '\t', '\n', '\r', '\v', '\f':
			flush()
		default:
			buf.WriteByte(ch)
			inToken = true
		}
	}
	flush()
	return out
}

// Context supplies named placeholders for Substitute.
type Context struct {
	SessionCode string
	// Vars fills {NAME} placeholders. Keys are upper-case.
	Vars map[string]string
}

const (
	allArgsPlaceholder     = "$ARGUMENTS"
	sessionCodePlaceholder = "SESSION_CODE"
)

var (
	defaultedRe  = regexp.MustCompile(`\{(\d+):-([^}]*)\}`)
	namedRe      = regexp.MustCompile(`\{([A-Z][A-Z0-9_]*)\}`)
	positionalRe = regexp.MustCompile(`\$(\d+)`)
)

// Substitute renders template in four passes, in this order: $ARGUMENTS,
// {N:-default}, {SESSION_CODE} and other named context values, then $N.
// Positions are 1-based. Unknown named placeholders are left as written.
func Substitute(template string, args []string, ctx Context) string {
	arg := func(n string) (string, bool) {
		i, err := strconv.Atoi(n)
		if err != nil || i < 1 || i > len(args) {
			return "", false
		}
		return args[i-1], true
	}

	out := strings.ReplaceAll(template, allArgsPlaceholder, strings.Join(args, " "))

	out = defaultedRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := defaultedRe.FindStringSubmatch(m)
		if v, ok := arg(sub[1]); ok {
			return v
		}
		return sub[2]
	})

	out = namedRe.ReplaceAllStringFunc(out, func(m string) string {
		name := m[1 : len(m)-1]
		if name == sessionCodePlaceholder {
			return ctx.SessionCode
		}
		if v, ok := ctx.Vars[name]; ok {
			return v
		}
		return m
	})

	return positionalRe.ReplaceAllStringFunc(out, func(m string) string {
		v, _ := arg(m[1:])
		return v
	})
}

// ValidateArgs reports one problem per required slot that args does not fill,
// in contract order. A nil contract accepts anything.
func ValidateArgs(args []string, contract *command.ArgumentContract) []string {
	if contract == nil {
		return nil
	}
	var problems []string
	for i, name := range contract.Required {
		if i >= len(args) {
			problems = append(problems, fmt.Sprintf("missing required argument: %s", name))
		}
	}
	return problems
}
