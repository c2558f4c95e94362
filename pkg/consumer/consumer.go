// Package consumer subscribes to a RabbitMQ queue and forwards deliveries as
// ReceivedMessages.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-rabbitflow/pkg/codec"
	"github.com/illmade-knight/go-rabbitflow/pkg/config"
	"github.com/illmade-knight/go-rabbitflow/pkg/pool"
	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("rabbitflow/consumer: already started")
	// ErrStopped is returned when Start is called after Stop.
	ErrStopped = errors.New("rabbitflow/consumer: stopped")
)

const defaultBufferSize = 100

// MessageConsumer is a source of deliveries for a dataflow.
type MessageConsumer interface {
	// Messages returns the stream of received messages. It is closed by Complete.
	Messages() <-chan *types.ReceivedMessage
	// Start subscribes to the queue and begins forwarding.
	Start(ctx context.Context) error
	// Stop cancels the subscription. A graceful stop forwards what the broker
	// already dispatched and waits for every forwarded delivery to settle; an
	// immediate stop requeues anything not yet forwarded.
	Stop(ctx context.Context, immediate bool) error
	// Done is closed when the consumer has fully stopped.
	Done() <-chan struct{}
	// Complete closes Messages once forwarding has ended.
	Complete()
}

// ChannelSource opens channels owned by the caller. *pool.ChannelPool satisfies it.
type ChannelSource interface {
	GetTransientChannel(ctx context.Context, ackable bool) (*pool.ChannelHost, error)
}

// Consumer is a MessageConsumer backed by a basic.consume subscription.
type Consumer struct {
	opts       config.ConsumerOptions
	channels   ChannelSource
	serializer codec.Serializer
	logger     zerolog.Logger

	out         chan *types.ReceivedMessage
	abort       chan struct{}
	forwardDone chan struct{}
	doneChan    chan struct{}
	settled     chan struct{}

	mu       sync.Mutex
	started  bool
	stopping atomic.Bool
	host     *pool.ChannelHost
	tag      string

	pending      atomic.Int64
	stopOnce     sync.Once
	completeOnce sync.Once
	stopErr      error
}

// New creates a consumer for opts.QueueName. Nothing is subscribed until Start.
func New(opts config.ConsumerOptions, channels ChannelSource, serializer codec.Serializer, logger zerolog.Logger) (*Consumer, error) {
	if channels == nil {
		return nil, errors.New("channel source cannot be nil")
	}
	if opts.QueueName == "" {
		return nil, fmt.Errorf("consumer %s: queue name is required", opts.Name)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if serializer == nil {
		serializer = codec.NewJSONSerializer()
	}
	return &Consumer{
		opts:        opts,
		channels:    channels,
		serializer:  serializer,
		logger:      logger.With().Str("component", "Consumer").Str("consumer", opts.Name).Str("queue", opts.QueueName).Logger(),
		out:         make(chan *types.ReceivedMessage, opts.BufferSize),
		abort:       make(chan struct{}),
		forwardDone: make(chan struct{}),
		doneChan:    make(chan struct{}),
		settled:     make(chan struct{}, 1),
	}, nil
}

// Name returns the configured consumer name.
func (c *Consumer) Name() string { return c.opts.Name }

// Options returns the options the consumer was created with.
func (c *Consumer) Options() config.ConsumerOptions { return c.opts }

// Messages returns the forwarded deliveries. It is closed by Complete.
func (c *Consumer) Messages() <-chan *types.ReceivedMessage { return c.out }

// Done is closed once the consumer has fully stopped.
func (c *Consumer) Done() <-chan struct{} { return c.doneChan }

// Start opens a dedicated channel, applies the prefetch and subscribes.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	if c.stopping.Load() {
		return ErrStopped
	}

	host, err := c.channels.GetTransientChannel(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	ch := host.Channel()
	if c.opts.Prefetch > 0 {
		if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
			_ = host.Close()
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}
	tag := c.opts.ConsumerTag
	if tag == "" {
		tag = fmt.Sprintf("%s-%s", c.opts.Name, uuid.NewString())
	}
	deliveries, err := ch.Consume(c.opts.QueueName, tag, false, c.opts.Exclusive, false, false, nil)
	if err != nil {
		_ = host.Close()
		return fmt.Errorf("failed to consume from queue %s: %w", c.opts.QueueName, err)
	}

	c.host = host
	c.tag = tag
	c.started = true
	go c.forward(deliveries)
	c.logger.Info().Str("consumer_tag", tag).Int("prefetch", c.opts.Prefetch).Msg("Consumer started.")
	return nil
}

func (c *Consumer) forward(deliveries <-chan amqp.Delivery) {
	defer close(c.forwardDone)
	for d := range deliveries {
		msg := c.convert(d)
		c.pending.Add(1)
		msg.OnSettle(c.onSettle)

		select {
		case <-c.abort:
			c.requeue(msg)
			continue
		default:
		}
		select {
		case c.out <- msg:
		case <-c.abort:
			c.requeue(msg)
		}
	}
	if !c.stopping.Load() {
		c.logger.Warn().Msg("Delivery stream closed by the broker.")
	}
}

func (c *Consumer) requeue(msg *types.ReceivedMessage) {
	if err := msg.Nack(true); err != nil {
		c.logger.Warn().Err(err).Uint64("delivery_tag", msg.DeliveryTag).Msg("Failed to requeue unforwarded delivery.")
	}
}

func (c *Consumer) onSettle(types.Disposition) {
	c.pending.Add(-1)
	select {
	case c.settled <- struct{}{}:
	default:
	}
}

// Outstanding reports forwarded deliveries that have not been settled.
func (c *Consumer) Outstanding() int64 {
	return c.pending.Load()
}

func (c *Consumer) convert(d amqp.Delivery) *types.ReceivedMessage {
	msg := Convert(d, c.opts.Name, c.serializer)
	if msg.DecodeErr != nil {
		c.logger.Warn().Err(msg.DecodeErr).Uint64("delivery_tag", d.DeliveryTag).Msg("Could not decode message envelope.")
	}
	return msg
}

// Convert builds a ReceivedMessage from a delivery, decoding the Message
// envelope when the headers mark one. A decode failure is recorded in
// DecodeErr rather than returned.
func Convert(d amqp.Delivery, consumerName string, serializer codec.Serializer) *types.ReceivedMessage {
	msg := types.NewReceivedMessage(d.Acknowledger, d.DeliveryTag, d.Body, map[string]any(d.Headers))
	msg.Exchange = d.Exchange
	msg.RoutingKey = d.RoutingKey
	msg.MessageID = d.MessageId
	msg.CorrelationID = d.CorrelationId
	msg.Redelivered = d.Redelivered
	msg.ConsumerName = consumerName

	if msg.IsEnvelope() {
		var envelope types.Message
		if err := serializer.Unmarshal(d.Body, &envelope); err != nil {
			msg.DecodeErr = fmt.Errorf("failed to decode message envelope: %w", err)
		} else {
			msg.Message = &envelope
			if msg.MessageID == "" {
				msg.MessageID = envelope.MessageID
			}
		}
	}
	return msg
}

// Stop cancels the subscription and closes the consumer channel.
func (c *Consumer) Stop(ctx context.Context, immediate bool) error {
	c.stopOnce.Do(func() {
		c.stopErr = c.stop(ctx, immediate)
	})
	return c.stopErr
}

func (c *Consumer) stop(ctx context.Context, immediate bool) error {
	defer close(c.doneChan)
	c.stopping.Store(true)

	c.mu.Lock()
	started, host, tag := c.started, c.host, c.tag
	c.mu.Unlock()
	if !started {
		close(c.forwardDone)
		return nil
	}

	c.logger.Info().Bool("immediate", immediate).Msg("Stopping consumer...")
	if immediate {
		close(c.abort)
	}
	if err := host.Channel().Cancel(tag, false); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to cancel subscription.")
	}

	select {
	case <-c.forwardDone:
	case <-ctx.Done():
		c.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for delivery forwarding to end.")
		_ = host.Close()
		return ctx.Err()
	}

	if !immediate {
		for c.pending.Load() > 0 {
			select {
			case <-c.settled:
			case <-ctx.Done():
				c.logger.Error().Err(ctx.Err()).Int64("outstanding", c.pending.Load()).Msg("Timeout waiting for deliveries to settle.")
				_ = host.Close()
				return ctx.Err()
			}
		}
	}

	if err := host.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Error closing consumer channel.")
	}
	c.logger.Info().Msg("Consumer stopped.")
	return nil
}

// Complete closes the output stream after forwarding has ended. It may be
// called before Stop; the close then happens once forwarding ends.
func (c *Consumer) Complete() {
	c.completeOnce.Do(func() {
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if !started && c.stopping.Load() {
			close(c.out)
			return
		}
		go func() {
			<-c.forwardDone
			close(c.out)
		}()
	})
}
