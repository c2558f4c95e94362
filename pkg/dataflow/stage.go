package dataflow

import (
	"context"
	"sync"
)

// processFunc turns one input into a state. A nil result is consumed.
type processFunc[T any] func(ctx context.Context, in T) *WorkState

// stage is one block of the runtime graph: a bounded input queue drained by a
// pool of workers. Healthy results move to out; faulted results move to the
// shared error queue. When every worker has finished, out is closed.
type stage[T any] struct {
	desc StageDescriptor
	fn   processFunc[T]
	in   chan T
}

func newStage[T any](desc StageDescriptor, fn processFunc[T]) *stage[T] {
	desc.Options = desc.Options.normalized()
	return &stage[T]{
		desc: desc,
		fn:   fn,
		in:   make(chan T, desc.Options.BoundedCapacity),
	}
}

// run starts the workers. out may be nil for a sink stage.
func (s *stage[T]) run(ctx context.Context, out chan<- *WorkState, errCh chan<- *WorkState, finished func()) {
	route := func(state *WorkState) {
		switch {
		case state == nil:
		case state.IsFaulted():
			errCh <- state
		case out != nil:
			out <- state
		}
	}

	var wg sync.WaitGroup
	opts := s.desc.Options
	if opts.EnsureOrdered && opts.Parallelism > 1 {
		s.runOrdered(ctx, &wg, route)
	} else {
		for i := 0; i < opts.Parallelism; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for item := range s.in {
					route(s.fn(ctx, item))
				}
			}()
		}
	}

	go func() {
		wg.Wait()
		if out != nil {
			close(out)
		}
		if finished != nil {
			finished()
		}
	}()
}

type orderedJob[T any] struct {
	item T
	slot chan *WorkState
}

// runOrdered processes items concurrently but emits them in input order. The
// dispatcher reserves a result slot per item before handing it to a worker and
// the emitter drains the slots in reservation order.
func (s *stage[T]) runOrdered(ctx context.Context, wg *sync.WaitGroup, route func(*WorkState)) {
	parallelism := s.desc.Options.Parallelism
	jobs := make(chan orderedJob[T])
	pending := make(chan chan *WorkState, parallelism)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(pending)
		defer close(jobs)
		for item := range s.in {
			slot := make(chan *WorkState, 1)
			pending <- slot
			jobs <- orderedJob[T]{item: item, slot: slot}
		}
	}()

	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				job.slot <- s.fn(ctx, job.item)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for slot := range pending {
			route(<-slot)
		}
	}()
}
