package mutator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// recordingExtension records every hook call it receives
type recordingExtension struct {
	BaseExtension
	order int
	trace *syncList

	mu       sync.Mutex
	errs     []error
	cancels  []error
	panics   []any
	disposed bool
	initErr  error
}

func newRecordingExtension(name string, order int, trace *syncList) *recordingExtension {
	return &recordingExtension{
		BaseExtension: NewBaseExtension(name),
		order:         order,
		trace:         trace,
	}
}

func (e *recordingExtension) Order() int {
	return e.order
}

func (e *recordingExtension) Init(m *Mutator) error {
	return e.initErr
}

func (e *recordingExtension) Wrap(ctx context.Context, next func(context.Context) error, op *Operation) error {
	if e.trace != nil {
		e.trace.add(e.Name() + ":before")
		defer e.trace.add(e.Name() + ":after")
	}
	return next(ctx)
}

func (e *recordingExtension) OnError(err error, op *Operation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *recordingExtension) OnCancel(op *Operation, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels = append(e.cancels, cause)
}

func (e *recordingExtension) OnPanic(ctx context.Context, op *Operation, recovered any, stack []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.panics = append(e.panics, recovered)
}

func (e *recordingExtension) Dispose(m *Mutator) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disposed = true
	return nil
}

func (e *recordingExtension) snapshot() (errs, cancels []error, panics []any, disposed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...), append([]error(nil), e.cancels...), append([]any(nil), e.panics...), e.disposed
}

func TestExtension_WrapOrder(t *testing.T) {
	trace := &syncList{}
	m := New(
		WithExtension(newRecordingExtension("late", 200, trace)),
		WithExtension(newRecordingExtension("early", 10, trace)),
	)

	require.NoError(t, m.Effect(context.Background(), func(context.Context) error {
		trace.add("body")
		return nil
	}))

	require.Equal(t, []string{
		"early:before",
		"late:before",
		"body",
		"late:after",
		"early:after",
	}, trace.get())
}

func TestExtension_InitFailure(t *testing.T) {
	m := New()
	ext := newRecordingExtension("broken", 100, nil)
	ext.initErr = errors.New("no")

	err := m.UseExtension(ext)
	require.ErrorContains(t, err, "broken")
	require.ErrorIs(t, err, ext.initErr)

	require.Panics(t, func() {
		New(WithExtension(ext))
	})
}

func TestExtension_OnCancelForPreemption(t *testing.T) {
	ext := newRecordingExtension("rec", 100, nil)
	m := New(WithExtension(ext))

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Mutate(context.Background(), func(ctx context.Context, s *MutateScope) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	await(t, started)

	require.NoError(t, m.Mutate(context.Background(), func(context.Context, *MutateScope) error { return nil }))
	require.ErrorIs(t, await(t, errCh), ErrPreempted)

	// nothing is registered anymore, so this cancels nothing
	require.NoError(t, m.CancelMutate(context.Background()))

	errs, cancels, _, _ := ext.snapshot()
	require.Equal(t, []error{ErrPreempted}, cancels)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrPreempted)
}

func TestExtension_OnErrorForRejections(t *testing.T) {
	ext := newRecordingExtension("rec", 100, nil)
	m := New(WithExtension(ext))

	require.NoError(t, m.Effect(context.Background(), func(ctx context.Context) error {
		require.ErrorIs(t, m.Effect(ctx, func(context.Context) error { return nil }), ErrReentrant)
		return nil
	}))

	boom := errors.New("boom")
	require.ErrorIs(t, m.Effect(context.Background(), func(context.Context) error { return boom }), boom)

	errs, cancels, _, _ := ext.snapshot()
	require.Len(t, errs, 2)
	require.ErrorIs(t, errs[0], ErrReentrant)
	require.Same(t, boom, errs[1])
	require.Empty(t, cancels)
}

func TestExtension_OnPanicReleasesLock(t *testing.T) {
	ext := newRecordingExtension("rec", 100, nil)
	m := New(WithExtension(ext))

	require.PanicsWithValue(t, "kaboom", func() {
		_ = m.Mutate(context.Background(), func(context.Context, *MutateScope) error {
			panic("kaboom")
		})
	})

	_, _, panics, _ := ext.snapshot()
	require.Equal(t, []any{"kaboom"}, panics)

	// the lock and the register were both released on the way out
	require.False(t, m.IsMutating())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.TryMutate(ctx, func(context.Context, *MutateScope) error { return nil }))
	require.NoError(t, m.Effect(ctx, func(context.Context) error { return nil }))
}

func TestExtension_DisposeCancelsMutate(t *testing.T) {
	ext := newRecordingExtension("rec", 100, nil)
	m := New(WithExtension(ext))

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Mutate(context.Background(), func(ctx context.Context, s *MutateScope) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	await(t, started)

	require.NoError(t, m.Dispose())
	require.ErrorIs(t, await(t, errCh), ErrCancelled)

	_, cancels, _, disposed := ext.snapshot()
	require.True(t, disposed)
	require.Equal(t, []error{ErrCancelled}, cancels)
}

func TestWithLogger_DebugRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := New(WithName("orders"), WithLogger(logger))

	require.Equal(t, "orders", m.Name())
	require.NoError(t, m.Effect(context.Background(), func(ctx context.Context) error {
		_ = m.Effect(ctx, func(context.Context) error { return nil })
		return nil
	}))

	out := buf.String()
	require.Contains(t, out, "nested call rejected")
	require.Contains(t, out, "mutator=orders")
	require.Contains(t, out, "op=effect")
}

func TestWithLogger_NilKeepsDefault(t *testing.T) {
	m := New(WithLogger(nil))
	require.NotNil(t, m.logger)
	require.NoError(t, m.Effect(context.Background(), func(context.Context) error { return nil }))
}

func TestExtension_UseWhileRunning(t *testing.T) {
	m := New()

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			return m.UseExtension(newRecordingExtension(fmt.Sprintf("ext-%d", i), 100-i, nil))
		})
		g.Go(func() error {
			return m.Effect(context.Background(), func(context.Context) error { return nil })
		})
	}
	require.NoError(t, g.Wait())

	exts := m.exts()
	require.Len(t, exts, 20)
	for i := 1; i < len(exts); i++ {
		require.LessOrEqual(t, exts[i-1].Order(), exts[i].Order())
	}

	trace := &syncList{}
	require.NoError(t, m.UseExtension(newRecordingExtension("traced", 0, trace)))
	require.NoError(t, m.Effect(context.Background(), func(context.Context) error { return nil }))
	require.Equal(t, []string{"traced:before", "traced:after"}, trace.get())
}
