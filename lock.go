package mutator

import (
	"context"
	"runtime/debug"
)

// run executes fn under the serialization lock with ctx tagged as held by m.
// Waiters acquire the lock in arrival order. The lock is released on every
// exit path, including panics, which are reported to extensions and re-raised.
func run[T any](ctx context.Context, m *Mutator, op *Operation, fn func(context.Context) (T, error)) (result T, err error) {
	if ctx.Err() != nil {
		return result, m.newCancelError(op, context.Cause(ctx))
	}
	if err := m.lock.Acquire(ctx, 1); err != nil {
		return result, m.newCancelError(op, context.Cause(ctx))
	}
	defer m.lock.Release(1)

	ctx = withHeld(ctx, m)
	exts := m.exts()

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			m.logger.Error("mutator body panicked",
				"mutator", m.name,
				"op", string(op.Kind),
				"id", op.ID,
				"panic", r,
			)
			for _, ext := range exts {
				ext.OnPanic(ctx, op, r, stack)
			}
			panic(r)
		}
	}()

	err = wrap(ctx, exts, op, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

// wrap chains the extensions' Wrap hooks around next, lowest Order outermost
func wrap(ctx context.Context, exts []Extension, op *Operation, next func(context.Context) error) error {
	call := next
	for i := len(exts) - 1; i >= 0; i-- {
		ext := exts[i]
		inner := call
		call = func(ctx context.Context) error {
			return ext.Wrap(ctx, inner, op)
		}
	}
	return call(ctx)
}
