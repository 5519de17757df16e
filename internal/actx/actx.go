// Package actx provides the per-assignation context handler code reports through.
//
// The scheduler installs a *Context into the context.Context passed to the
// handler. Handler code, including helpers deep in a blocking call chain,
// reaches it through FromContext or the package level helpers without the
// scheduler threading it explicitly. After the handler returns the context
// is closed and every further call is a no-op.
package actx

import (
	"context"
	"fmt"
	"sync"

	"yqhp/ot2-agent/pkg/types"
)

// Identity identifies an assignation.
type Identity struct {
	Assignation string
	Parent      string
	Root        string // mother when set, else the assignation itself
	Interface   string
	Reference   string
	User        string
	Provision   string
}

// Sink receives the events a handler emits.
type Sink interface {
	Progress(pct int, message string)
	Log(level types.LogLevel, message string)
}

// Context is the ambient object of one running assignation. Safe for concurrent use.
type Context struct {
	id       Identity
	sink     Sink
	floor    types.LogLevel
	contexts map[string]any
	states   map[string]any

	mu          sync.Mutex
	closed      bool
	lastPct     int
	lastMessage string
}

// New creates a Context. contexts and states hold the ambient values the
// registration asked for.
func New(id Identity, sink Sink, floor types.LogLevel, contexts, states map[string]any) *Context {
	if id.Root == "" {
		id.Root = id.Assignation
	}
	return &Context{
		id:       id,
		sink:     sink,
		floor:    floor,
		contexts: contexts,
		states:   states,
		lastPct:  -1,
	}
}

// Identity returns the identifiers of the assignation.
func (c *Context) Identity() Identity { return c.id }

// Assignation returns the assignation id.
func (c *Context) Assignation() string { return c.id.Assignation }

// Root returns the governing assignation id.
func (c *Context) Root() string { return c.id.Root }

// User returns the submitter identity.
func (c *Context) User() string { return c.id.User }

// Progress reports completion in percent. Values are clamped to [0, 100]
// and a repeat of the previous report is dropped.
func (c *Context) Progress(pct int, message string) {
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}

	c.mu.Lock()
	if c.closed || (pct == c.lastPct && message == c.lastMessage) {
		c.mu.Unlock()
		return
	}
	c.lastPct, c.lastMessage = pct, message
	c.mu.Unlock()

	c.sink.Progress(pct, message)
}

// Log emits a LOG event unless level is below the floor.
func (c *Context) Log(level types.LogLevel, message string) {
	if level.Rank() < c.floor.Rank() {
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.sink.Log(level, message)
}

func (c *Context) Debugf(format string, args ...any)    { c.Log(types.LogDebug, sprintf(format, args)) }
func (c *Context) Infof(format string, args ...any)     { c.Log(types.LogInfo, sprintf(format, args)) }
func (c *Context) Warningf(format string, args ...any)  { c.Log(types.LogWarning, sprintf(format, args)) }
func (c *Context) Errorf(format string, args ...any)    { c.Log(types.LogError, sprintf(format, args)) }
func (c *Context) Criticalf(format string, args ...any) { c.Log(types.LogCritical, sprintf(format, args)) }

// Context returns the ambient context registered under name.
func (c *Context) Context(name string) (any, bool) {
	v, ok := c.contexts[name]
	return v, ok
}

// State returns the persistent state registered under name.
func (c *Context) State(name string) (any, bool) {
	v, ok := c.states[name]
	return v, ok
}

// Close detaches the context from its sink.
func (c *Context) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func sprintf(format string, args []any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

type ctxKey struct{}

// WithContext installs ac into ctx.
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ac)
}

// FromContext returns the assignation context installed in ctx.
func FromContext(ctx context.Context) (*Context, bool) {
	ac, ok := ctx.Value(ctxKey{}).(*Context)
	return ac, ok && ac != nil
}

// Progress reports progress for the assignation running under ctx.
func Progress(ctx context.Context, pct int, message string) {
	if ac, ok := FromContext(ctx); ok {
		ac.Progress(pct, message)
	}
}

// Log emits a LOG event for the assignation running under ctx.
func Log(ctx context.Context, level types.LogLevel, format string, args ...any) {
	if ac, ok := FromContext(ctx); ok {
		ac.Log(level, sprintf(format, args))
	}
}

// Debug logs at DEBUG.
func Debug(ctx context.Context, format string, args ...any) { Log(ctx, types.LogDebug, format, args...) }

// Info logs at INFO.
func Info(ctx context.Context, format string, args ...any) { Log(ctx, types.LogInfo, format, args...) }

// Warning logs at WARNING.
func Warning(ctx context.Context, format string, args ...any) {
	Log(ctx, types.LogWarning, format, args...)
}

// Error logs at ERROR.
func Error(ctx context.Context, format string, args ...any) { Log(ctx, types.LogError, format, args...) }

// Critical logs at CRITICAL.
func Critical(ctx context.Context, format string, args ...any) {
	Log(ctx, types.LogCritical, format, args...)
}
