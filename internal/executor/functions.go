package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Call is what an internal function receives.
type Call struct {
	Command string
	Args    []string
	RawArgs string
	Context ExecContext
}

type Func func(ctx context.Context, call Call) (any, error)

// Outcome is delivered on the channel returned by an AsyncFunc.
type Outcome struct {
	Value any
	Err   error
}

type AsyncFunc func(ctx context.Context, call Call) <-chan Outcome

// Functions maps internal handler names to Go functions.
type Functions struct {
	mu  sync.RWMutex
	fns map[string]Func
}

func NewFunctions() *Functions {
	return &Functions{fns: make(map[string]Func)}
}

func (f *Functions) Register(name string, fn Func) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns[name] = fn
}

// RegisterAsync registers fn so that execution waits for its first outcome,
// or for ctx to end.
func (f *Functions) RegisterAsync(name string, fn AsyncFunc) {
	f.Register(name, func(ctx context.Context, call Call) (any, error) {
		ch := fn(ctx, call)
		if ch == nil {
			return nil, fmt.Errorf("function %s returned no result channel", name)
		}
		select {
		case out, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("function %s closed without a result", name)
			}
			return out.Value, out.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func (f *Functions) Lookup(name string) (Func, bool) {
	if f == nil {
		return nil, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.fns[name]
	return fn, ok
}

func (f *Functions) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.fns))
	for n := range f.fns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
