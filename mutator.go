package mutator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Mutator serializes state-mutating operations. Mutate preempts the
// in-flight mutate, Effect queues behind whatever holds the lock.
type Mutator struct {
	name     string
	register *register
	lock     *semaphore.Weighted
	logger   *slog.Logger

	// extensions is replaced, never modified in place, so a slice read
	// under extMu can be iterated after unlocking
	extMu      sync.RWMutex
	extensions []Extension
}

// Option is a modifier for a Mutator
type Option func(*Mutator)

// WithName sets the name used in log records and operation metadata
func WithName(name string) Option {
	return func(m *Mutator) {
		m.name = name
	}
}

// WithLogger sets the logger for debug records (preemption, cancellation,
// rejected calls). Logging is discarded by default.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mutator) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithExtension registers an extension on the mutator
func WithExtension(ext Extension) Option {
	return func(m *Mutator) {
		if err := m.UseExtension(ext); err != nil {
			panic(err)
		}
	}
}

// New creates a Mutator. A Mutator is meant to be long-lived and shared by
// every caller that mutates the same state.
func New(opts ...Option) *Mutator {
	m := &Mutator{
		name:       "mutator",
		lock:       semaphore.NewWeighted(1),
		logger:     slog.New(slog.DiscardHandler),
		extensions: []Extension{},
	}
	m.register = newRegister(m.onCancel)

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Name returns the mutator's name
func (m *Mutator) Name() string {
	return m.name
}

// UseExtension registers an extension. Extensions run ordered by Order().
// It is safe to call while operations are running; operations already past
// the lock keep the extensions they started with.
func (m *Mutator) UseExtension(ext Extension) error {
	if err := ext.Init(m); err != nil {
		return fmt.Errorf("init extension %s: %w", ext.Name(), err)
	}

	m.extMu.Lock()
	defer m.extMu.Unlock()

	exts := make([]Extension, len(m.extensions), len(m.extensions)+1)
	copy(exts, m.extensions)
	exts = append(exts, ext)
	sort.SliceStable(exts, func(i, j int) bool {
		return exts[i].Order() < exts[j].Order()
	})
	m.extensions = exts

	return nil
}

func (m *Mutator) exts() []Extension {
	m.extMu.RLock()
	defer m.extMu.RUnlock()
	return m.extensions
}

// Mutate runs fn exclusively. Any mutate already registered on m is
// cancelled and fully unwound before fn starts. Effects holding or waiting
// for the lock are not disturbed; fn waits for them.
func Mutate[T any](ctx context.Context, m *Mutator, fn func(context.Context, *MutateScope) (T, error)) (T, error) {
	return mutate(ctx, m, OpMutate, fn)
}

// TryMutate is Mutate without preemption: it fails with a *CancelError
// wrapping ErrMutateActive when another mutate is in progress.
func TryMutate[T any](ctx context.Context, m *Mutator, fn func(context.Context, *MutateScope) (T, error)) (T, error) {
	return mutate(ctx, m, OpTryMutate, fn)
}

// Effect runs fn exclusively, queued behind whatever currently holds the
// lock. It never cancels anything and is never cancelled by CancelMutate.
func Effect[T any](ctx context.Context, m *Mutator, fn func(context.Context) (T, error)) (T, error) {
	op := m.newOperation(OpEffect)

	if err := m.checkNested(ctx, op); err != nil {
		var zero T
		return zero, err
	}

	result, err := run(ctx, m, op, fn)
	if err != nil {
		m.reportError(err, op)
	}
	return result, err
}

// WithLock is an alias for Effect
func WithLock[T any](ctx context.Context, m *Mutator, fn func(context.Context) (T, error)) (T, error) {
	return Effect(ctx, m, fn)
}

// Mutate is the error-only form of the package-level Mutate
func (m *Mutator) Mutate(ctx context.Context, fn func(context.Context, *MutateScope) error) error {
	_, err := Mutate(ctx, m, func(ctx context.Context, s *MutateScope) (struct{}, error) {
		return struct{}{}, fn(ctx, s)
	})
	return err
}

// TryMutate is the error-only form of the package-level TryMutate
func (m *Mutator) TryMutate(ctx context.Context, fn func(context.Context, *MutateScope) error) error {
	_, err := TryMutate(ctx, m, func(ctx context.Context, s *MutateScope) (struct{}, error) {
		return struct{}{}, fn(ctx, s)
	})
	return err
}

// Effect is the error-only form of the package-level Effect
func (m *Mutator) Effect(ctx context.Context, fn func(context.Context) error) error {
	_, err := Effect(ctx, m, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// CancelMutate cancels the registered mutate, if any, and waits until its
// body has returned. It is a no-op when nothing is registered. Effects are
// never affected.
//
// Called from inside a body running on m, CancelMutate only requests the
// cancellation: the caller holds the lock, so no other body can be running,
// and waiting on itself would never return.
//
// The returned error is non-nil only when ctx ends before the cancelled
// body has unwound.
func (m *Mutator) CancelMutate(ctx context.Context) error {
	if Held(ctx, m) {
		m.register.cancelCurrentNoWait(ErrCancelled)
		return nil
	}

	if err := m.register.cancelCurrent(ctx, ErrCancelled); err != nil {
		op := m.newOperation(OpCancelMutate)
		return m.newCancelError(op, err)
	}
	return nil
}

// IsMutating reports whether a mutate is registered and still running
func (m *Mutator) IsMutating() bool {
	return m.register.isActive()
}

// Dispose cancels the registered mutate and disposes all extensions
func (m *Mutator) Dispose() error {
	var errs []error

	if err := m.CancelMutate(context.Background()); err != nil {
		errs = append(errs, err)
	}

	for _, ext := range m.exts() {
		if err := ext.Dispose(m); err != nil {
			errs = append(errs, fmt.Errorf("dispose extension %s: %w", ext.Name(), err))
		}
	}

	return errors.Join(errs...)
}

func mutate[T any](ctx context.Context, m *Mutator, kind OperationKind, fn func(context.Context, *MutateScope) (T, error)) (result T, err error) {
	op := m.newOperation(kind)

	if err := m.checkNested(ctx, op); err != nil {
		return result, err
	}

	j := newJob(ctx, op)
	defer close(j.done)
	defer m.register.release(j)
	defer j.cancel(nil)

	if kind == OpTryMutate {
		err = m.register.registerIfIdle(ctx, j)
	} else {
		err = m.register.registerAndPreempt(ctx, j)
	}
	if err != nil {
		if errors.Is(err, ErrMutateActive) {
			m.logger.Debug("mutate rejected", "mutator", m.name, "op", string(kind), "id", op.ID)
		}
		err = m.newCancelError(op, err)
		m.reportError(err, op)
		return result, err
	}

	scope := &MutateScope{job: j}
	result, err = run(j.ctx, m, op, func(ctx context.Context) (T, error) {
		return fn(ctx, scope)
	})

	switch {
	case err != nil && !IsCancellation(err):
	case j.ctx.Err() != nil:
		var zero T
		result = zero
		err = m.newCancelError(op, context.Cause(j.ctx))
	}

	if err != nil {
		m.reportError(err, op)
	}
	return result, err
}

func (m *Mutator) newOperation(kind OperationKind) *Operation {
	return &Operation{
		Kind:    kind,
		ID:      uuid.NewString(),
		Mutator: m,
		Started: time.Now(),
	}
}

func (m *Mutator) checkNested(ctx context.Context, op *Operation) error {
	if !Held(ctx, m) {
		return nil
	}

	m.logger.Debug("nested call rejected", "mutator", m.name, "op", string(op.Kind), "id", op.ID)
	err := &ReentrancyError{Op: op.Kind, Mutator: m.name}
	m.reportError(err, op)
	return err
}

func (m *Mutator) newCancelError(op *Operation, cause error) *CancelError {
	var ce *CancelError
	if errors.As(cause, &ce) {
		cause = ce.Cause
	}
	return &CancelError{
		Op:    op.Kind,
		ID:    op.ID,
		Cause: cause,
	}
}

// onCancel runs when the register cancels a job that is still running
func (m *Mutator) onCancel(j *job, cause error) {
	m.logger.Debug("mutate cancelled",
		"mutator", m.name,
		"id", j.op.ID,
		"cause", cause.Error(),
	)

	for _, ext := range m.exts() {
		ext.OnCancel(j.op, cause)
	}
}

func (m *Mutator) reportError(err error, op *Operation) {
	for _, ext := range m.exts() {
		ext.OnError(err, op)
	}
}
