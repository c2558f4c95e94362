// Package dataflow runs deliveries from one or more consumers through a fixed
// sequence of stages: state building, pre-processing, user steps, outbound
// preparation and sending, then finalization or error handling.
package dataflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-rabbitflow/pkg/consumer"
	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("rabbitflow/dataflow: already started")
	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("rabbitflow/dataflow: not started")
)

// Publisher sends the outbound messages of a dataflow.
type Publisher interface {
	QueueMessage(ctx context.Context, msg *types.Message) error
	Publish(ctx context.Context, msg *types.Message) error
}

// ConsumerFactory creates a new consumer for the named consumer options.
type ConsumerFactory func(name string) (consumer.MessageConsumer, error)

// Shutdowner is the service a dataflow can shut down after it stops.
type Shutdowner interface {
	Shutdown(ctx context.Context, immediate bool) (bool, error)
}

// Deps are the collaborators of a dataflow.
type Deps struct {
	Consumers ConsumerFactory
	Publisher Publisher
	Service   Shutdowner
}

// Dataflow is the runtime of a Plan.
type Dataflow struct {
	plan   *Plan
	deps   Deps
	logger zerolog.Logger
	hooks  Hooks

	mu        sync.Mutex
	started   bool
	consumers []consumer.MessageConsumer
	cancel    context.CancelFunc
	done      chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// New checks the dependencies a plan needs and prepares its runtime.
func New(plan *Plan, deps Deps, logger zerolog.Logger) (*Dataflow, error) {
	if plan == nil {
		return nil, errors.New("plan cannot be nil")
	}
	var errs []error
	if deps.Consumers == nil {
		errs = append(errs, fmt.Errorf("%w: consumer factory", ErrMissingProvider))
	}
	needsPublisher := plan.sendConfigured ||
		(plan.defaultErrors && !plan.consumerOpts.DeadLetter && plan.consumerOpts.ErrorQueueName != "")
	if needsPublisher && deps.Publisher == nil {
		errs = append(errs, fmt.Errorf("%w: publisher", ErrMissingProvider))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &Dataflow{
		plan:   plan,
		deps:   deps,
		hooks:  plan.hooks,
		logger: logger.With().Str("component", "Dataflow").Str("workflow", plan.workflowName).Logger(),
		done:   make(chan struct{}),
	}, nil
}

// Done is closed once every stage has drained after Stop.
func (d *Dataflow) Done() <-chan struct{} { return d.done }

// Start creates and starts the consumers and wires them into the stage graph.
// The graph outlives ctx; it runs until Stop.
func (d *Dataflow) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrAlreadyStarted
	}

	count := d.plan.consumerOpts.Consumers
	if count < 1 {
		count = 1
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	consumers := make([]consumer.MessageConsumer, 0, count)
	abort := func(err error) error {
		for _, c := range consumers {
			if stopErr := c.Stop(ctx, true); stopErr != nil {
				d.logger.Warn().Err(stopErr).Msg("Failed to stop consumer after aborted start.")
			}
			c.Complete()
		}
		cancel()
		return err
	}
	for i := 0; i < count; i++ {
		c, err := d.deps.Consumers(d.plan.consumerOpts.Name)
		if err != nil {
			return abort(fmt.Errorf("failed to create consumer %d: %w", i, err))
		}
		if err := c.Start(runCtx); err != nil {
			_ = c.Stop(ctx, true)
			c.Complete()
			return abort(fmt.Errorf("failed to start consumer %d: %w", i, err))
		}
		consumers = append(consumers, c)
	}

	d.compile(runCtx, consumers)
	d.consumers = consumers
	d.cancel = cancel
	d.started = true
	d.logger.Info().Int("consumers", count).Int("stages", len(d.plan.stages)+3).Msg("Dataflow started.")
	return nil
}

// compile builds the stage graph and fans the consumers into it. Closing
// cascades stage by stage from the intake: when every consumer's stream has
// closed the intake closes, each stage closes its output after its workers
// finish, and the error stage closes once every producer of faults is done.
func (d *Dataflow) compile(ctx context.Context, consumers []consumer.MessageConsumer) {
	p := d.plan
	build := newStage(p.buildStage, d.buildProcess(p.buildStage))
	steps := make([]*stage[*WorkState], 0, len(p.stages))
	for _, desc := range p.stages {
		steps = append(steps, newStage(desc, d.stepProcess(desc, d.stepFor(desc))))
	}
	final := newStage(p.finalizeStage, d.finalizeProcess(p.finalizeStage))
	errStage := newStage(p.errorStage, d.errorProcess(p.errorStage))

	var producers sync.WaitGroup
	producers.Add(len(steps) + 2)
	errCh := errStage.in

	next := final.in
	if len(steps) > 0 {
		next = steps[0].in
	}
	build.run(ctx, next, errCh, producers.Done)
	for i, s := range steps {
		out := final.in
		if i+1 < len(steps) {
			out = steps[i+1].in
		}
		s.run(ctx, out, errCh, producers.Done)
	}
	final.run(ctx, nil, errCh, producers.Done)
	errStage.run(ctx, nil, nil, func() { close(d.done) })

	go func() {
		producers.Wait()
		close(errCh)
	}()

	var fanIn sync.WaitGroup
	fanIn.Add(len(consumers))
	for _, c := range consumers {
		go func(c consumer.MessageConsumer) {
			defer fanIn.Done()
			for msg := range c.Messages() {
				build.in <- msg
			}
		}(c)
	}
	go func() {
		fanIn.Wait()
		close(build.in)
	}()
}

// Stop stops the consumers and waits for the graph to drain. An immediate stop
// cancels the steps' context and requeues deliveries not yet forwarded. When
// shutdownService is set the service is shut down afterwards.
func (d *Dataflow) Stop(ctx context.Context, immediate, shutdownService bool) error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	d.stopOnce.Do(func() {
		d.stopErr = d.stop(ctx, immediate, shutdownService)
	})
	return d.stopErr
}

func (d *Dataflow) stop(ctx context.Context, immediate, shutdownService bool) error {
	d.logger.Info().Bool("immediate", immediate).Msg("Stopping dataflow...")
	if immediate {
		d.cancel()
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, c := range d.consumers {
		wg.Add(1)
		go func(c consumer.MessageConsumer) {
			defer wg.Done()
			if err := c.Stop(ctx, immediate); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			c.Complete()
		}(c)
	}
	wg.Wait()

	select {
	case <-d.done:
		d.logger.Info().Msg("Dataflow drained.")
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timed out waiting for dataflow to drain: %w", ctx.Err()))
	}
	d.cancel()

	if shutdownService && d.deps.Service != nil {
		if _, err := d.deps.Service.Shutdown(ctx, immediate); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down service: %w", err))
		}
	}
	return errors.Join(errs...)
}
