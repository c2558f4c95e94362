// Package publisher publishes messages to RabbitMQ with publisher confirms,
// either directly or through a bounded background queue.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-rabbitflow/pkg/codec"
	"github.com/illmade-knight/go-rabbitflow/pkg/config"
	"github.com/illmade-knight/go-rabbitflow/pkg/pool"
	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

var (
	// ErrPublisherNotRunning is returned by QueueMessage outside the Running state.
	ErrPublisherNotRunning = errors.New("rabbitflow/publisher: auto-publisher is not running")
	// ErrPublisherRunning is returned when auto-publishing is started twice.
	ErrPublisherRunning = errors.New("rabbitflow/publisher: auto-publisher already started")
	// ErrPublishAbandoned is reported for queued messages dropped by an immediate stop.
	ErrPublishAbandoned = errors.New("rabbitflow/publisher: publish abandoned on shutdown")
	// ErrPublishNacked is returned when the broker negatively confirms a publish.
	ErrPublishNacked = errors.New("rabbitflow/publisher: publish nacked by broker")
	// ErrNilMessage is returned for a nil message.
	ErrNilMessage = errors.New("rabbitflow/publisher: message is nil")
)

// State is the auto-publisher lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// ReceiptHandler receives exactly one receipt per publish attempt. It is called
// from worker goroutines and must be safe for concurrent use.
type ReceiptHandler func(receipt types.PublishReceipt)

// Observer is notified after every publish attempt.
type Observer interface {
	ObservePublish(receipt types.PublishReceipt, elapsed time.Duration)
}

// ChannelSource leases confirm-mode channels. *pool.ChannelPool satisfies it.
type ChannelSource interface {
	GetAckChannel(ctx context.Context) (*pool.ChannelHost, error)
	ReturnChannel(host *pool.ChannelHost, broken bool) error
}

// Option customises a Publisher.
type Option func(*Publisher)

// WithObserver registers an observer for publish outcomes.
func WithObserver(o Observer) Option {
	return func(p *Publisher) {
		p.observer = o
	}
}

// Publisher publishes messages over pooled confirm-mode channels.
type Publisher struct {
	cfg        config.PublisherConfig
	channels   ChannelSource
	serializer codec.Serializer
	observer   Observer
	logger     zerolog.Logger

	state atomic.Int32

	mu      sync.RWMutex
	queue   chan *types.Message
	abort   chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Publisher. Auto-publishing starts with StartAutoPublish.
func New(cfg config.PublisherConfig, channels ChannelSource, serializer codec.Serializer, logger zerolog.Logger, opts ...Option) (*Publisher, error) {
	if channels == nil {
		return nil, errors.New("channel source cannot be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	if serializer == nil {
		serializer = codec.NewJSONSerializer()
	}
	p := &Publisher{
		cfg:        cfg,
		channels:   channels,
		serializer: serializer,
		logger:     logger.With().Str("component", "Publisher").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// State returns the current auto-publisher state.
func (p *Publisher) State() State {
	return State(p.state.Load())
}

// StartAutoPublish starts the queue workers. Receipts go to handler, which may be nil.
func (p *Publisher) StartAutoPublish(handler ReceiptHandler) error {
	if !p.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return ErrPublisherRunning
	}
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.queue = make(chan *types.Message, p.cfg.QueueSize)
	p.abort = make(chan struct{})
	p.cancel = cancel
	queue, abort := p.queue, p.abort
	p.mu.Unlock()

	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.worker(ctx, i, queue, abort, handler)
	}
	p.state.Store(int32(Running))
	p.logger.Info().Int("worker_count", p.cfg.Workers).Int("queue_size", p.cfg.QueueSize).Msg("Auto-publisher started.")
	return nil
}

// QueueMessage enqueues msg for background publishing, waiting while the queue
// is full. Ownership of msg passes to the publisher.
func (p *Publisher) QueueMessage(ctx context.Context, msg *types.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.State() != Running {
		return ErrPublisherNotRunning
	}
	select {
	case p.queue <- msg:
		return nil
	case <-p.abort:
		return ErrPublisherNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAutoPublish stops the workers. A graceful stop publishes everything
// already queued; an immediate stop reports queued messages as abandoned.
// Calling it when not running is a no-op.
func (p *Publisher) StopAutoPublish(ctx context.Context, immediate bool) error {
	if !p.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return nil
	}
	p.logger.Info().Bool("immediate", immediate).Msg("Stopping auto-publisher...")
	if immediate {
		close(p.abort)
		p.cancel()
	}

	p.mu.Lock()
	close(p.queue)
	p.mu.Unlock()

	workersDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(workersDone)
	}()

	var err error
	select {
	case <-workersDone:
		p.logger.Info().Msg("All publish workers completed.")
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for publish workers to finish.")
		err = ctx.Err()
		p.cancel()
		<-workersDone
	}
	p.cancel()
	p.state.Store(int32(Stopped))
	return err
}

func (p *Publisher) worker(ctx context.Context, id int, queue <-chan *types.Message, abort <-chan struct{}, handler ReceiptHandler) {
	defer p.wg.Done()
	p.logger.Debug().Int("worker_id", id).Msg("Publish worker started.")
	for msg := range queue {
		select {
		case <-abort:
			p.deliver(handler, types.PublishReceipt{Message: msg, Err: ErrPublishAbandoned}, 0)
			continue
		default:
		}
		start := time.Now()
		seq, err := p.publish(ctx, msg)
		p.deliver(handler, types.PublishReceipt{Success: err == nil, Message: msg, Sequence: seq, Err: err}, time.Since(start))
	}
	p.logger.Debug().Int("worker_id", id).Msg("Publish worker exiting.")
}

func (p *Publisher) deliver(handler ReceiptHandler, receipt types.PublishReceipt, elapsed time.Duration) {
	if receipt.Err != nil {
		p.logger.Warn().Err(receipt.Err).Str("message_id", receipt.Message.MessageID).Msg("Publish failed.")
	}
	if p.observer != nil {
		p.observer.ObservePublish(receipt, elapsed)
	}
	if handler != nil {
		handler(receipt)
	}
}

// Publish publishes msg synchronously and waits for the broker confirm.
func (p *Publisher) Publish(ctx context.Context, msg *types.Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	start := time.Now()
	seq, err := p.publish(ctx, msg)
	if p.observer != nil {
		p.observer.ObservePublish(types.PublishReceipt{Success: err == nil, Message: msg, Sequence: seq, Err: err}, time.Since(start))
	}
	return err
}

func (p *Publisher) publish(ctx context.Context, msg *types.Message) (uint64, error) {
	publishing, err := p.toPublishing(msg)
	if err != nil {
		return 0, err
	}
	host, err := p.channels.GetAckChannel(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to lease channel: %w", err)
	}

	ch := host.Channel()
	seq := ch.GetNextPublishSeqNo()
	if err := ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, msg.Mandatory, false, publishing); err != nil {
		_ = p.channels.ReturnChannel(host, true)
		return seq, fmt.Errorf("failed to publish message %s: %w", msg.MessageID, err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()
	ack, err := host.WaitForConfirm(confirmCtx, seq)
	if err != nil {
		// The confirm may still arrive; a fresh channel avoids matching it later.
		_ = p.channels.ReturnChannel(host, true)
		return seq, fmt.Errorf("failed to confirm message %s: %w", msg.MessageID, err)
	}
	_ = p.channels.ReturnChannel(host, false)
	if !ack {
		return seq, fmt.Errorf("%w: message %s", ErrPublishNacked, msg.MessageID)
	}
	p.logger.Debug().Str("message_id", msg.MessageID).Uint64("seq", seq).Msg("Message published.")
	return seq, nil
}

func (p *Publisher) toPublishing(msg *types.Message) (amqp.Publishing, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = types.Persistent
	}

	headers := amqp.Table{}
	for k, v := range msg.Metadata.Fields {
		headers[k] = v
	}
	for k, v := range msg.TraceContext {
		headers[k] = v
	}

	body := msg.Body
	contentType := msg.ContentType
	if msg.Envelope {
		var err error
		body, err = p.serializer.Marshal(msg)
		if err != nil {
			return amqp.Publishing{}, fmt.Errorf("failed to serialize message %s: %w", msg.MessageID, err)
		}
		headers[types.HeaderObjectType] = types.ObjectTypeMessage
		contentType = "application/json"
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   contentType,
		DeliveryMode:  msg.DeliveryMode,
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.MessageID,
		Timestamp:     msg.Timestamp,
		Body:          body,
	}, nil
}
