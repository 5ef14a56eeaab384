package mutator

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// job is one in-flight Mutate or TryMutate invocation. Jobs are compared by
// pointer identity only.
type job struct {
	op     *Operation
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	// cancelOnce makes the first cancellation the only one that is reported
	cancelOnce sync.Once
}

func newJob(parent context.Context, op *Operation) *job {
	ctx, cancel := context.WithCancelCause(parent)
	return &job{
		op:     op,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// running reports whether the job has not yet finished unwinding
func (j *job) running() bool {
	select {
	case <-j.done:
		return false
	default:
		return true
	}
}

// join waits until the job has finished unwinding or ctx ends
func (j *job) join(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// register holds the single registered job.
//
// gate orders register transitions (register, preempt, cancel) and is held
// while joining a cancelled job. mu only guards the slot, so release and
// isActive never wait behind a join.
type register struct {
	gate     *semaphore.Weighted
	mu       sync.Mutex
	current  *job
	onCancel func(*job, error)
}

func newRegister(onCancel func(*job, error)) *register {
	return &register{
		gate:     semaphore.NewWeighted(1),
		onCancel: onCancel,
	}
}

// registerAndPreempt cancels and joins the registered job, then stores j
func (r *register) registerAndPreempt(ctx context.Context, j *job) error {
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.gate.Release(1)

	if prev := r.load(); prev != nil {
		r.cancelJob(prev, ErrPreempted)
		if err := prev.join(ctx); err != nil {
			return err
		}
	}

	r.store(j)
	return nil
}

// registerIfIdle stores j unless a running job is registered. It never
// waits: a busy gate means a preempt or cancel is in flight, which counts as
// an active mutate.
func (r *register) registerIfIdle(ctx context.Context, j *job) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if r.isActive() {
		return ErrMutateActive
	}
	if !r.gate.TryAcquire(1) {
		return ErrMutateActive
	}
	defer r.gate.Release(1)

	if r.isActive() {
		return ErrMutateActive
	}

	r.store(j)
	return nil
}

// cancelCurrent cancels and joins the registered job, then clears it
func (r *register) cancelCurrent(ctx context.Context, cause error) error {
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.gate.Release(1)

	cur := r.load()
	if cur == nil {
		return nil
	}

	r.cancelJob(cur, cause)
	if err := cur.join(ctx); err != nil {
		return err
	}

	r.release(cur)
	return nil
}

// cancelCurrentNoWait requests cancellation of the registered job without
// joining it. The job clears itself from the slot when it exits.
func (r *register) cancelCurrentNoWait(cause error) {
	if cur := r.load(); cur != nil {
		r.cancelJob(cur, cause)
	}
}

// release clears the slot only if it still holds j
func (r *register) release(j *job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == j {
		r.current = nil
	}
}

func (r *register) isActive() bool {
	cur := r.load()
	return cur != nil && cur.running()
}

// cancelJob cancels j with cause. Only the first call per job has any
// effect, so concurrent cancels notify onCancel at most once.
func (r *register) cancelJob(j *job, cause error) {
	j.cancelOnce.Do(func() {
		if j.running() && j.ctx.Err() == nil && r.onCancel != nil {
			r.onCancel(j, cause)
		}
		j.cancel(cause)
	})
}

func (r *register) acquire(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if err := r.gate.Acquire(ctx, 1); err != nil {
		return context.Cause(ctx)
	}
	return nil
}

func (r *register) load() *job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *register) store(j *job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = j
}
