package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/switchboard/internal/command"
	"github.com/msageha/switchboard/internal/executor"
	"github.com/msageha/switchboard/internal/model"
	"github.com/msageha/switchboard/internal/session"
)

// Names of the internal functions every workspace has.
const (
	FuncHelp     = "help"
	FuncStatus   = "status"
	FuncSessions = "sessions"
	FuncEnd      = "end_session"
)

func (c *Core) registerBuiltins() {
	c.Functions.Register(FuncHelp, c.help)
	c.Functions.Register(FuncStatus, c.status)
	c.Functions.Register(FuncSessions, c.listSessions)
	c.Functions.Register(FuncEnd, c.endSession)

	c.Registry.MustRegister(command.NewInternalCommand("help", "List the commands available here", FuncHelp,
		command.WithAliases("h")))
	c.Registry.MustRegister(command.NewInternalCommand("status", "Show queue depth and running jobs", FuncStatus))
	c.Registry.MustRegister(command.NewInternalCommand("sessions", "List open sessions", FuncSessions))
	c.Registry.MustRegister(command.NewInternalCommand("end", "Close a session", FuncEnd,
		command.WithArguments([]string{"code"}, nil, "<code>")))
}

func (c *Core) help(_ context.Context, call executor.Call) (any, error) {
	src := call.Context.Source
	if src == "" {
		src = model.SourceCLI
	}
	sigil := c.Parser.Sigil()
	var b strings.Builder
	for _, def := range c.Registry.ListFor(src) {
		fmt.Fprintf(&b, "%s  %s\n", def.Usage(sigil), def.Description)
	}
	return b.String(), nil
}

// StatusReport is what the status command returns.
type StatusReport struct {
	Queue      map[string]int `json:"queue"`
	Processing int            `json:"processing"`
	Sessions   int            `json:"sessions"`
	Uptime     string         `json:"uptime"`
}

func (c *Core) status(_ context.Context, _ executor.Call) (any, error) {
	counts, err := c.Queue.Counts()
	if err != nil {
		return nil, err
	}
	sessions, err := c.Sessions.List()
	if err != nil {
		return nil, err
	}
	return StatusReport{
		Queue: map[string]int{
			"pending":   counts.Pending,
			"active":    counts.Active,
			"completed": counts.Completed,
			"failed":    counts.Failed,
		},
		Processing: c.Pool.Processing(),
		Sessions:   len(sessions),
		Uptime:     c.Uptime().Round(time.Second).String(),
	}, nil
}

func (c *Core) listSessions(_ context.Context, call executor.Call) (any, error) {
	all, err := c.Sessions.List()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(all))
	for _, s := range all {
		if !visibleTo(call, s) {
			continue
		}
		out = append(out, map[string]string{
			"code":          s.Code,
			"kind":          string(s.Kind),
			"task":          s.Task,
			"last_activity": s.LastActivity,
		})
	}
	return out, nil
}

// visibleTo reports whether the caller may see or end s. Chat users only
// reach sessions of their own channel.
func visibleTo(call executor.Call, s *model.Session) bool {
	ec := call.Context
	return ec.Source != model.SourceChat || ec.ChannelID == "" || s.ChannelID == ec.ChannelID
}

func (c *Core) endSession(_ context.Context, call executor.Call) (any, error) {
	code := strings.ToLower(call.Args[0])
	cur, err := c.Sessions.Get(code)
	if err != nil {
		return nil, fmt.Errorf("end %s: %w", code, err)
	}
	if !visibleTo(call, cur) {
		return nil, fmt.Errorf("end %s: %w", code, session.ErrNotFound)
	}
	s, err := c.Sessions.End(code)
	if err != nil {
		return nil, fmt.Errorf("end %s: %w", code, err)
	}
	return map[string]string{"code": s.Code, "status": string(s.Status)}, nil
}
