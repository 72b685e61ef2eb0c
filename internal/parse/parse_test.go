package parse

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/switchboard/internal/command"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{}},
		{"   \t ", []string{}},
		{"a b  c", []string{"a", "b", "c"}},
		{`fix "the login bug" now`, []string{"fix", "the login bug", "now"}},
		{`it's 'single quoted'`, []string{"its single", "quoted"}},
		{`say "" twice`, []string{"say", "", "twice"}},
		{`key="a b"c`, []string{"key=a bc"}},
		{`"unterminated quote`, []string{"unterminated quote"}},
		{"multi\nline\ttabs", []string{"multi", "line", "tabs"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.in))
		})
	}
}

func TestTokenize_IdempotentOnUnquotedOutput(t *testing.T) {
	inputs := []string{"a b c", "  lots   of   space  ", `x "y z"`, "", "single"}
	for _, in := range inputs {
		once := Tokenize(in)
		var plain []string
		for _, tok := range once {
			if !strings.ContainsAny(tok, " \t") {
				plain = append(plain, tok)
			}
		}
		if len(plain) != len(once) {
			continue
		}
		assert.Equal(t, once, Tokenize(strings.Join(once, " ")), in)
	}
}

func TestSubstitute(t *testing.T) {
	ctx := Context{SessionCode: "ab7", Vars: map[string]string{"CHANNEL": "c1"}}
	tests := []struct {
		name     string
		template string
		args     []string
		want     string
	}{
		{"all arguments", "Do: $ARGUMENTS", []string{"a", "b"}, "Do: a b"},
		{"positional", "$1 then $2", []string{"x", "y"}, "x then y"},
		{"positional out of range", "[$3]", []string{"x"}, "[]"},
		{"multi digit", "$10", []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "ten"}, "ten"},
		{"default used", "branch {2:-main}", []string{"repo"}, "branch main"},
		{"default ignored", "branch {2:-main}", []string{"repo", "dev"}, "branch dev"},
		{"empty default", "[{1:-}]", nil, "[]"},
		{"session code", "code={SESSION_CODE}", nil, "code=ab7"},
		{"named var", "on {CHANNEL}", nil, "on c1"},
		{"unknown named kept", `{"json": {NOPE}}`, nil, `{"json": {NOPE}}`},
		{"no args", "$ARGUMENTS|$1", nil, "|"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Substitute(tt.template, tt.args, ctx))
		})
	}
}

func TestSubstitute_MissingSessionCode(t *testing.T) {
	assert.Equal(t, "code=", Substitute("code={SESSION_CODE}", nil, Context{}))
}

func TestSubstitute_OrderIsFullThenDefaultedThenNamedThenPositional(t *testing.T) {
	// $ARGUMENTS expands first, so a literal "$1" inside an argument is
	// rewritten by the positional pass that runs last.
	got := Substitute("$ARGUMENTS", []string{"say", "$1"}, Context{})
	assert.Equal(t, "say say", got)

	// A default is inserted before the positional pass and is rewritten by it.
	got = Substitute("{1:-$2}", []string{}, Context{})
	assert.Equal(t, "", got)
}

func TestValidateArgs(t *testing.T) {
	contract := &command.ArgumentContract{Required: []string{"repo", "branch"}, Optional: []string{"note"}}

	assert.Nil(t, ValidateArgs([]string{"a"}, nil))
	assert.Empty(t, ValidateArgs([]string{"a", "b"}, contract))
	assert.Equal(t, []string{"missing required argument: branch"}, ValidateArgs([]string{"a"}, contract))
	assert.Equal(t, []string{
		"missing required argument: repo",
		"missing required argument: branch",
	}, ValidateArgs(nil, contract))
}

func newParser(t *testing.T) *Parser {
	t.Helper()
	r := command.NewRegistry(zerolog.Nop())
	r.MustRegister(command.NewAgentCommand("review", "Review", "Review $1", command.WithAliases("rv")))
	r.MustRegister(command.NewInternalCommand("ok", "two-letter command", "ok"))
	return NewParser(r, "")
}

func TestParser_Parse(t *testing.T) {
	p := newParser(t)

	t.Run("plain text", func(t *testing.T) {
		got := p.Parse("  hello there ")
		assert.Equal(t, NotCommand{Text: "hello there"}, got)
	})

	t.Run("command with quoted args", func(t *testing.T) {
		got, ok := p.Parse(`/RV myrepo "fix tests"`).(Command)
		require.True(t, ok)
		assert.Equal(t, "review", got.Definition.Name)
		assert.Equal(t, []string{"myrepo", "fix tests"}, got.Args)
		assert.Equal(t, `myrepo "fix tests"`, got.RawArgs)
	})

	t.Run("command without args", func(t *testing.T) {
		got, ok := p.Parse("/review").(Command)
		require.True(t, ok)
		assert.Empty(t, got.Args)
	})

	t.Run("registered name shaped like a code", func(t *testing.T) {
		got, ok := p.Parse("/ok").(Command)
		require.True(t, ok)
		assert.Equal(t, "ok", got.Definition.Name)
	})

	t.Run("session resume with message", func(t *testing.T) {
		got, ok := p.Parse("/k7x   please continue").(SessionResume)
		require.True(t, ok)
		assert.Equal(t, "k7x", got.Code)
		require.NotNil(t, got.Message)
		assert.Equal(t, "please continue", *got.Message)
	})

	t.Run("session resume bare", func(t *testing.T) {
		got, ok := p.Parse("/a1").(SessionResume)
		require.True(t, ok)
		assert.Nil(t, got.Message)
	})

	t.Run("unknown", func(t *testing.T) {
		assert.Equal(t, UnknownCommand{Name: "deploy", RawArgs: "now"}, p.Parse("/deploy now"))
		assert.Equal(t, UnknownCommand{Name: "AB"}, p.Parse("/AB"))
		assert.Equal(t, UnknownCommand{Name: "abcd"}, p.Parse("/abcd"))
		assert.Equal(t, UnknownCommand{Name: ""}, p.Parse("/"))
	})
}

func TestParser_CustomSigil(t *testing.T) {
	r := command.NewRegistry(zerolog.Nop())
	r.MustRegister(command.NewSkillCommand("deploy", "Deploy", "deployer"))
	p := NewParser(r, "!")

	_, ok := p.Parse("!deploy prod").(Command)
	assert.True(t, ok)
	assert.Equal(t, NotCommand{Text: "/deploy prod"}, p.Parse("/deploy prod"))
}
