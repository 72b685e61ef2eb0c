package executor

import (
	"context"

	"github.com/msageha/switchboard/internal/model"
	"github.com/msageha/switchboard/internal/parse"
)

// Listener observes execution. BeforeExecute, AfterExecute and
// OnSessionResume fire in both modes; OnSessionCreate only when a session is
// actually created.
type Listener interface {
	BeforeExecute(ctx context.Context, msg parse.Parsed, ec ExecContext)
	AfterExecute(ctx context.Context, msg parse.Parsed, ec ExecContext, res Result)
	OnSessionCreate(ctx context.Context, s *model.Session)
	OnSessionResume(ctx context.Context, code string, message *string)
}

// NopListener can be embedded to implement only some hooks.
type NopListener struct{}

func (NopListener) BeforeExecute(context.Context, parse.Parsed, ExecContext) {}
func (NopListener) AfterExecute(context.Context, parse.Parsed, ExecContext, Result) {}
func (NopListener) OnSessionCreate(context.Context, *model.Session) {}
func (NopListener) OnSessionResume(context.Context, string, *string) {}
