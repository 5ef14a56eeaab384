// Package mutator provides a coordination primitive that keeps state-mutating
// operations from ever running concurrently.
//
// # Overview
//
// A Mutator is owned by a stateful component (a view-model, a store, a
// session) and every change to that component's state goes through it. It
// offers two conflict policies:
//
//  1. Mutate: preempting. A new call cancels the in-flight mutate, waits
//     until it has fully unwound, then runs.
//  2. Effect: queued. A new call waits for the lock without disturbing
//     anything already running.
//
// Both share one lock, so at most one body runs at any instant and waiters
// are served in arrival order.
//
// # Basic Usage
//
//	m := mutator.New(mutator.WithName("search"))
//
//	// Preempting: typing a new query abandons the previous search
//	results, err := mutator.Mutate(ctx, m,
//	    func(ctx context.Context, s *mutator.MutateScope) ([]Item, error) {
//	        items, err := backend.Search(ctx, query)
//	        if err != nil {
//	            return nil, err
//	        }
//	        state.SetResults(items)
//	        return items, nil
//	    },
//	)
//
//	// Queued: saving must not be cancelled by a later search
//	err = m.Effect(ctx, func(ctx context.Context) error {
//	    return store.Save(ctx, state.Snapshot())
//	})
//
// # Cancellation
//
// Cancellation is cooperative. A mutate body is cancelled through the ctx it
// receives, so blocking calls that honour ctx return early. Long stretches of
// plain code can opt into a checkpoint:
//
//	for _, row := range rows {
//	    if err := s.EnsureMutateActive(ctx); err != nil {
//	        return err
//	    }
//	    apply(row)
//	}
//
// A cancelled call returns a *CancelError. Its Cause tells why:
//
//	ErrPreempted     a newer Mutate replaced it
//	ErrCancelled     CancelMutate was called
//	ErrMutateActive  TryMutate found another mutate in progress
//
// All three wrap context.Canceled. Use IsCancellation to tell cancellation
// apart from failures and propagate it instead of reporting it.
//
// CancelMutate cancels the registered mutate and does not return until its
// body has unwound, so the caller never observes "cancelled" while the body
// is still touching state. Effects are never cancelled by it.
//
// # Reentrancy
//
// The ctx handed to a body is tagged with the Mutator it runs under. Calling
// Mutate, TryMutate or Effect on the same Mutator with that ctx (or any ctx
// derived from it) fails immediately with a *ReentrancyError instead of
// deadlocking:
//
//	m.Mutate(ctx, func(ctx context.Context, s *mutator.MutateScope) error {
//	    return m.Effect(ctx, save) // ErrReentrant
//	})
//
// Goroutines started by a body with its ctx inherit the tag. Unrelated
// callers do not.
//
// # Extensions
//
// Extensions wrap body execution and observe errors, cancellations and
// panics:
//
//	m := mutator.New(
//	    mutator.WithExtension(extensions.NewLoggingExtension(slog.Default().Handler())),
//	    mutator.WithExtension(extensions.NewMetricsExtension(prometheus.DefaultRegisterer)),
//	    mutator.WithExtension(extensions.NewTracingExtension(otel.Tracer("app"))),
//	)
//
// # Thread Safety
//
// All operations are safe for concurrent use. A Mutator must not be copied
// after first use.
package mutator
