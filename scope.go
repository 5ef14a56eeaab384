package mutator

import "context"

// MutateScope is handed to every Mutate and TryMutate body. It lets a long
// body check whether its invocation has been superseded.
type MutateScope struct {
	job *job
}

// EnsureMutateActive returns a *CancelError if ctx is done or this
// invocation has been cancelled by a newer Mutate or by CancelMutate.
// It returns nil otherwise.
func (s *MutateScope) EnsureMutateActive(ctx context.Context) error {
	m := s.job.op.Mutator

	if ctx != nil && ctx.Err() != nil {
		return m.newCancelError(s.job.op, context.Cause(ctx))
	}
	if s.job.ctx.Err() != nil {
		return m.newCancelError(s.job.op, context.Cause(s.job.ctx))
	}
	return nil
}

// Done is closed when the invocation is cancelled
func (s *MutateScope) Done() <-chan struct{} {
	return s.job.ctx.Done()
}

// ID returns the invocation id, as seen in log records and Operation.ID
func (s *MutateScope) ID() string {
	return s.job.op.ID
}
