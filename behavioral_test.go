package mutator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestBehavioral_MutualExclusion hammers one mutator with a random mix of
// operations and checks that no two bodies ever overlap
func TestBehavioral_MutualExclusion(t *testing.T) {
	m := New()

	var active, maxActive, completed atomic.Int32
	body := func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}

		select {
		case <-time.After(time.Duration(rand.Intn(500)) * time.Microsecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		completed.Add(1)
		return nil
	}

	var g errgroup.Group
	for i := 0; i < 200; i++ {
		kind := i % 4
		g.Go(func() error {
			var err error
			switch kind {
			case 0:
				err = m.Mutate(context.Background(), func(ctx context.Context, s *MutateScope) error {
					return body(ctx)
				})
			case 1:
				err = m.TryMutate(context.Background(), func(ctx context.Context, s *MutateScope) error {
					return body(ctx)
				})
			case 2:
				err = m.Effect(context.Background(), body)
			default:
				err = m.CancelMutate(context.Background())
			}
			if IsCancellation(err) {
				return nil
			}
			return err
		})
	}

	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), maxActive.Load())
	require.Equal(t, int32(0), active.Load())
	require.Positive(t, completed.Load())
	require.False(t, m.IsMutating())
}

// TestBehavioral_EffectsAlwaysComplete checks that effects are never
// cancelled no matter how many mutates and cancels race with them
func TestBehavioral_EffectsAlwaysComplete(t *testing.T) {
	m := New()

	var effects atomic.Int32
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			return m.Effect(context.Background(), func(ctx context.Context) error {
				time.Sleep(100 * time.Microsecond)
				if err := ctx.Err(); err != nil {
					return err
				}
				effects.Add(1)
				return nil
			})
		})
		g.Go(func() error {
			err := m.Mutate(context.Background(), func(ctx context.Context, s *MutateScope) error {
				select {
				case <-time.After(time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if IsCancellation(err) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			return m.CancelMutate(context.Background())
		})
	}

	require.NoError(t, g.Wait())
	require.Equal(t, int32(50), effects.Load())
}

// TestBehavioral_LastMutateWins checks that of a burst of mutates only the
// last one is left to complete
func TestBehavioral_LastMutateWins(t *testing.T) {
	m := New()
	list := &syncList{}

	gate := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- m.Mutate(context.Background(), func(ctx context.Context, s *MutateScope) error {
			close(gate)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-gate

	errs := make([]error, 10)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Mutate(context.Background(), func(ctx context.Context, s *MutateScope) error {
				select {
				case <-time.After(50 * time.Millisecond):
				case <-ctx.Done():
					return ctx.Err()
				}
				list.add(fmt.Sprint(i))
				return nil
			})
		}()
		// each newcomer arrives while the previous one is running
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	require.ErrorIs(t, await(t, first), ErrPreempted)

	completed := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrPreempted)
			continue
		}
		completed++
	}
	require.Equal(t, len(list.get()), completed)
	require.Equal(t, []string{"9"}, list.get())
}

// TestBehavioral_WaiterAbandonsQueue checks that an effect whose caller
// gives up while queued never runs, and does not hold up the queue
func TestBehavioral_WaiterAbandonsQueue(t *testing.T) {
	m := New()
	list := &syncList{}
	started := make(chan struct{})
	release := make(chan struct{})

	holder := make(chan error, 1)
	go func() {
		holder <- m.Effect(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			list.add("holder")
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.Effect(ctx, func(ctx context.Context) error {
		list.add("abandoned")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	next := make(chan error, 1)
	go func() {
		next <- m.Effect(context.Background(), func(ctx context.Context) error {
			list.add("next")
			return nil
		})
	}()

	close(release)
	require.NoError(t, await(t, holder))
	require.NoError(t, await(t, next))
	require.Equal(t, []string{"holder", "next"}, list.get())
}
