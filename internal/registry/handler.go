package registry

import (
	"context"
)

// Values maps port keys to in-process values.
type Values map[string]any

// YieldFunc hands one result tuple back to the scheduler.
type YieldFunc func(Values) error

// Function returns a single result tuple. It runs on its own goroutine and
// is expected to honour ctx.
type Function func(ctx context.Context, args Values) (Values, error)

// Generator streams result tuples through yield.
type Generator func(ctx context.Context, args Values, yield YieldFunc) error

// BlockingFunction is a Function that may block without observing ctx.
// The scheduler runs it on the bounded worker pool.
type BlockingFunction func(ctx context.Context, args Values) (Values, error)

// BlockingGenerator is a Generator that runs on the bounded worker pool.
type BlockingGenerator func(ctx context.Context, args Values, yield YieldFunc) error

// ProvisionHook runs when the orchestrator binds or unbinds a provision.
type ProvisionHook func(ctx context.Context, provision string) error

// Invoke is the uniform template every handler is adapted to.
type Invoke func(ctx context.Context, args Values, yield YieldFunc) error

// template resolves a handler into its kind, blocking flag and uniform invoke.
func template(handler any) (Kind, bool, Invoke, bool) {
	switch h := handler.(type) {
	case Function:
		return KindFunction, false, functionInvoke(h), true
	case func(context.Context, Values) (Values, error):
		return KindFunction, false, functionInvoke(h), true
	case Generator:
		return KindGenerator, false, Invoke(h), true
	case func(context.Context, Values, YieldFunc) error:
		return KindGenerator, false, Invoke(h), true
	case BlockingFunction:
		return KindFunction, true, functionInvoke(h), true
	case BlockingGenerator:
		return KindGenerator, true, Invoke(h), true
	}
	return "", false, nil, false
}

func functionInvoke(fn func(context.Context, Values) (Values, error)) Invoke {
	return func(ctx context.Context, args Values, yield YieldFunc) error {
		out, err := fn(ctx, args)
		if err != nil {
			return err
		}
		return yield(out)
	}
}
