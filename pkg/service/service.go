// Package service ties a channel pool, an auto-publisher, the consumers of a
// configuration and the codec providers into one RabbitMQ service.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-rabbitflow/pkg/codec"
	"github.com/illmade-knight/go-rabbitflow/pkg/config"
	"github.com/illmade-knight/go-rabbitflow/pkg/consumer"
	"github.com/illmade-knight/go-rabbitflow/pkg/dataflow"
	"github.com/illmade-knight/go-rabbitflow/pkg/pool"
	"github.com/illmade-knight/go-rabbitflow/pkg/publisher"
	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

// ErrUnknownConsumer is returned for a consumer name with no registered options.
var ErrUnknownConsumer = errors.New("rabbitflow/service: unknown consumer")

const (
	stateStopped int32 = iota
	stateTransitioning
	stateRunning
)

// Option customises a RabbitService.
type Option func(*RabbitService)

// WithCompressor overrides the configured compressor.
func WithCompressor(c codec.Compressor) Option {
	return func(s *RabbitService) { s.compressor = c }
}

// WithEncryptor overrides the configured encryptor.
func WithEncryptor(e codec.Encryptor) Option {
	return func(s *RabbitService) { s.encryptor = e }
}

// WithSerializer overrides the JSON serializer.
func WithSerializer(ser codec.Serializer) Option {
	return func(s *RabbitService) { s.serializer = ser }
}

// WithPoolOptions passes options to the channel pool.
func WithPoolOptions(opts ...pool.Option) Option {
	return func(s *RabbitService) { s.poolOpts = append(s.poolOpts, opts...) }
}

// WithPublisherOptions passes options to the auto-publisher.
func WithPublisherOptions(opts ...publisher.Option) Option {
	return func(s *RabbitService) { s.publisherOpts = append(s.publisherOpts, opts...) }
}

// RabbitService owns the broker resources of a process.
type RabbitService struct {
	cfg        *config.Config
	logger     zerolog.Logger
	pool       *pool.ChannelPool
	publisher  *publisher.Publisher
	serializer codec.Serializer
	compressor codec.Compressor
	encryptor  codec.Encryptor
	timeFormat string

	poolOpts      []pool.Option
	publisherOpts []publisher.Option

	state  atomic.Int32
	closed atomic.Bool

	mu           sync.Mutex
	consumers    map[string]*consumer.Consumer
	consumerOpts map[string]config.ConsumerOptions
}

// New validates the configuration, builds the codec providers, dials the
// channel pool and prepares the publisher. Nothing consumes until Start.
func New(ctx context.Context, cfg *config.Config, dialer pool.Dialer, logger zerolog.Logger, opts ...Option) (*RabbitService, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &RabbitService{
		cfg:          cfg,
		logger:       logger.With().Str("component", "RabbitService").Logger(),
		serializer:   codec.NewJSONSerializer(),
		timeFormat:   cfg.TimeFormat,
		consumers:    make(map[string]*consumer.Consumer),
		consumerOpts: make(map[string]config.ConsumerOptions),
	}
	var err error
	if s.compressor, err = NewCompressor(cfg.Compression); err != nil {
		return nil, err
	}
	if s.encryptor, err = NewEncryptor(cfg.Encryption); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(s)
	}
	for name, co := range cfg.Consumers {
		if co.Name == "" {
			co.Name = name
		}
		s.consumerOpts[co.Name] = co
	}

	s.pool, err = pool.New(ctx, cfg.Pool, dialer, logger, s.poolOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}
	s.publisher, err = publisher.New(cfg.Publisher, s.pool, s.serializer, logger, s.publisherOpts...)
	if err != nil {
		_ = s.pool.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}
	return s, nil
}

func (s *RabbitService) Pool() *pool.ChannelPool { return s.pool }

func (s *RabbitService) Publisher() *publisher.Publisher { return s.publisher }

func (s *RabbitService) Serializer() codec.Serializer { return s.serializer }

func (s *RabbitService) Compressor() codec.Compressor { return s.compressor }

func (s *RabbitService) Encryptor() codec.Encryptor { return s.encryptor }

// TimeFormat is the layout of the encrypt-date header.
func (s *RabbitService) TimeFormat() string { return s.timeFormat }

// Running reports whether the service has started and not shut down.
func (s *RabbitService) Running() bool { return s.state.Load() == stateRunning }

// Start probes the broker with a transient channel and starts auto-publishing.
// It returns false without error when the service is not stopped.
func (s *RabbitService) Start(ctx context.Context, receiptHandler publisher.ReceiptHandler) (bool, error) {
	if !s.state.CompareAndSwap(stateStopped, stateTransitioning) {
		return false, nil
	}

	probe, err := s.pool.GetTransientChannel(ctx, false)
	if err != nil {
		s.state.Store(stateStopped)
		return false, fmt.Errorf("failed to reach broker: %w", err)
	}
	_ = probe.Close()

	if err := s.publisher.StartAutoPublish(receiptHandler); err != nil {
		s.state.Store(stateStopped)
		return false, fmt.Errorf("failed to start publisher: %w", err)
	}
	s.state.Store(stateRunning)
	s.logger.Info().Int("consumer_options", len(s.consumerOpts)).Msg("Rabbit service started.")
	return true, nil
}

// Shutdown stops the publisher, then the registered consumers, then the pool.
// It returns false without error when another transition is in progress or
// the service was already shut down.
func (s *RabbitService) Shutdown(ctx context.Context, immediate bool) (bool, error) {
	if s.closed.Load() {
		return false, nil
	}
	if !s.state.CompareAndSwap(stateRunning, stateTransitioning) &&
		!s.state.CompareAndSwap(stateStopped, stateTransitioning) {
		return false, nil
	}
	defer s.state.Store(stateStopped)
	defer s.closed.Store(true)
	s.logger.Info().Bool("immediate", immediate).Msg("Shutting down rabbit service...")

	var errs []error
	if err := s.publisher.StopAutoPublish(ctx, immediate); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop publisher: %w", err))
	}

	s.mu.Lock()
	consumers := make([]*consumer.Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, c := range consumers {
		wg.Add(1)
		go func(c *consumer.Consumer) {
			defer wg.Done()
			if err := c.Stop(ctx, immediate); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("failed to stop consumer %s: %w", c.Name(), err))
				mu.Unlock()
			}
			c.Complete()
		}(c)
	}
	wg.Wait()

	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down channel pool: %w", err))
	}
	if closer, ok := s.compressor.(interface{ Close() error }); ok {
		_ = closer.Close()
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error().Err(err).Msg("Rabbit service shut down with errors.")
		return true, err
	}
	s.logger.Info().Msg("Rabbit service shut down.")
	return true, nil
}

// AddConsumerOptions registers options under opts.Name unless the name is
// already taken. It reports whether the options were added.
func (s *RabbitService) AddConsumerOptions(opts config.ConsumerOptions) bool {
	if opts.Name == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.consumerOpts[opts.Name]; exists {
		return false
	}
	s.consumerOpts[opts.Name] = opts
	return true
}

// ConsumerOptions returns the registered options for name.
func (s *RabbitService) ConsumerOptions(name string) (config.ConsumerOptions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opts, ok := s.consumerOpts[name]
	if !ok {
		return config.ConsumerOptions{}, fmt.Errorf("%w: %s", ErrUnknownConsumer, name)
	}
	return opts, nil
}

// GetConsumer returns the service-owned consumer for name, creating it on
// first use. The service stops it on Shutdown.
func (s *RabbitService) GetConsumer(name string) (*consumer.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consumers[name]; ok {
		return c, nil
	}
	opts, ok := s.consumerOpts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConsumer, name)
	}
	c, err := consumer.New(opts, s.pool, s.serializer, s.logger)
	if err != nil {
		return nil, err
	}
	s.consumers[name] = c
	return c, nil
}

// NewConsumer creates a consumer owned by the caller, such as a dataflow.
func (s *RabbitService) NewConsumer(name string) (consumer.MessageConsumer, error) {
	opts, err := s.ConsumerOptions(name)
	if err != nil {
		return nil, err
	}
	c, err := consumer.New(opts, s.pool, s.serializer, s.logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DataflowDeps wires a dataflow to this service's consumers and publisher.
func (s *RabbitService) DataflowDeps() dataflow.Deps {
	return dataflow.Deps{
		Consumers: s.NewConsumer,
		Publisher: s.publisher,
		Service:   s,
	}
}

// Get fetches a single message from queue with basic.get. It reports false
// when the queue is empty. The message must be settled by the caller.
func (s *RabbitService) Get(ctx context.Context, queue string) (*types.ReceivedMessage, bool, error) {
	host, err := s.pool.GetChannel(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to lease channel: %w", err)
	}
	d, ok, err := host.Channel().Get(queue, false)
	if retErr := s.pool.ReturnChannel(host, err != nil); retErr != nil {
		s.logger.Warn().Err(retErr).Msg("Failed to return channel after get.")
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get from queue %s: %w", queue, err)
	}
	if !ok {
		return nil, false, nil
	}
	return consumer.Convert(d, "", s.serializer), true, nil
}
