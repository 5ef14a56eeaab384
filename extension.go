package mutator

import (
	"context"
	"time"
)

// Extension provides hooks into the operation lifecycle
type Extension interface {
	// Name returns the extension's name
	Name() string

	// Order determines extension execution order (lower = earlier)
	Order() int

	// Init is called when the extension is registered to a mutator
	Init(m *Mutator) error

	// Wrap intercepts body execution. It runs under the lock and must call
	// next with ctx or a context derived from it.
	Wrap(ctx context.Context, next func(context.Context) error, op *Operation) error

	// OnError is called with every error an operation returns
	OnError(err error, op *Operation)

	// OnCancel is called when a running mutate is cancelled by a newer
	// Mutate (cause ErrPreempted) or by CancelMutate (cause ErrCancelled)
	OnCancel(op *Operation, cause error)

	// OnPanic is called when a body panics, before the panic is re-raised
	OnPanic(ctx context.Context, op *Operation, recovered any, stack []byte)

	// Dispose is called when the mutator is disposed
	Dispose(m *Mutator) error
}

// BaseExtension provides default implementations for Extension methods
type BaseExtension struct {
	name string
}

// NewBaseExtension creates a new base extension with the given name
func NewBaseExtension(name string) BaseExtension {
	return BaseExtension{name: name}
}

func (e *BaseExtension) Name() string {
	return e.name
}

func (e *BaseExtension) Order() int {
	return 100
}

func (e *BaseExtension) Init(m *Mutator) error {
	return nil
}

func (e *BaseExtension) Wrap(ctx context.Context, next func(context.Context) error, op *Operation) error {
	return next(ctx)
}

func (e *BaseExtension) OnError(err error, op *Operation) {
}

func (e *BaseExtension) OnCancel(op *Operation, cause error) {
}

func (e *BaseExtension) OnPanic(ctx context.Context, op *Operation, recovered any, stack []byte) {
}

func (e *BaseExtension) Dispose(m *Mutator) error {
	return nil
}

// Operation describes one call into a Mutator
type Operation struct {
	Kind    OperationKind
	ID      string
	Mutator *Mutator
	// Started is when the call was made, before waiting for any lock
	Started time.Time
}

// OperationKind represents the type of operation
type OperationKind string

const (
	// OpMutate indicates a preempting Mutate
	OpMutate OperationKind = "mutate"
	// OpTryMutate indicates a TryMutate
	OpTryMutate OperationKind = "try_mutate"
	// OpEffect indicates a queued Effect
	OpEffect OperationKind = "effect"
	// OpCancelMutate indicates a CancelMutate
	OpCancelMutate OperationKind = "cancel_mutate"
)
