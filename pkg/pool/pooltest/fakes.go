package pooltest

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/illmade-knight/go-rabbitflow/pkg/pool"
)

// Connection is a fake broker connection.
type Connection struct {
	broker *Broker
	id     int

	mu        sync.Mutex
	closed    bool
	listeners []chan *amqp.Error
	channels  []*Channel
	// ChannelErr, when set, fails new channel requests.
	ChannelErr error
}

func (c *Connection) Channel() (pool.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	b := c.broker
	b.mu.Lock()
	ch := &Channel{broker: b, conn: c, id: len(b.channels) + 1}
	b.channels = append(b.channels, ch)
	b.mu.Unlock()
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.listeners = append(c.listeners, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	return c.shutdown(nil)
}

// Break simulates the broker closing the connection with an error.
func (c *Connection) Break(reason string) {
	_ = c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
}

func (c *Connection) shutdown(cause *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	listeners := c.listeners
	channels := c.channels
	c.listeners = nil
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.shutdown(cause)
	}
	for _, l := range listeners {
		if cause != nil {
			l <- cause
		}
		close(l)
	}
	return nil
}

// Channel is a fake broker channel. It also acknowledges the deliveries it
// hands out.
type Channel struct {
	broker *Broker
	conn   *Connection
	id     int

	mu               sync.Mutex
	closed           bool
	confirmMode      bool
	seq              uint64
	prefetch         int
	confirmListeners []chan amqp.Confirmation
	closeListeners   []chan *amqp.Error
}

func (ch *Channel) ID() int { return ch.id }

func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) Confirm(_ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirmMode = true
	return nil
}

func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirmListeners = append(ch.confirmListeners, confirm)
	return confirm
}

// ConfirmListeners reports how many confirmation listeners are registered.
func (ch *Channel) ConfirmListeners() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.confirmListeners)
}

func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.closeListeners = append(ch.closeListeners, c)
	return c
}

func (ch *Channel) GetNextPublishSeqNo() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.seq + 1
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	b := ch.broker
	if b.PublishHook != nil {
		if err := b.PublishHook(exchange, key, msg); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.published = append(b.published, Published{
		ChannelID:  ch.id,
		Exchange:   exchange,
		RoutingKey: key,
		Mandatory:  mandatory,
		Msg:        msg,
	})
	nack := b.NackPublishes
	withhold := b.WithholdConfirms
	b.mu.Unlock()

	if !ch.confirmMode {
		return nil
	}
	ch.seq++
	if withhold {
		return nil
	}
	conf := amqp.Confirmation{DeliveryTag: ch.seq, Ack: !nack}
	for _, l := range ch.confirmListeners {
		select {
		case l <- conf:
		default:
		}
	}
	return nil
}

func (ch *Channel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return nil, amqp.ErrClosed
	}
	if consumer == "" {
		consumer = fmt.Sprintf("ctag-%d", ch.id)
	}
	sub := &subscription{queue: queue, tag: consumer, channel: ch, out: make(chan amqp.Delivery, 1024)}
	b := ch.broker
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.out, nil
}

func (ch *Channel) Cancel(consumer string, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeSubs(func(s *subscription) bool { return s.channel == ch && s.tag == consumer })
	return nil
}

func (ch *Channel) Get(queue string, _ bool) (amqp.Delivery, bool, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queue]
	if len(q) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := q[0]
	b.queues[queue] = q[1:]
	d.Acknowledger = ch
	return d, true, nil
}

func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Close() error {
	return ch.shutdown(nil)
}

// Break simulates the broker closing the channel with an error.
func (ch *Channel) Break(reason string) {
	_ = ch.shutdown(&amqp.Error{Code: amqp.ChannelError, Reason: reason, Server: true})
}

func (ch *Channel) shutdown(cause *amqp.Error) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.closed = true
	confirms := ch.confirmListeners
	closes := ch.closeListeners
	ch.confirmListeners, ch.closeListeners = nil, nil
	ch.mu.Unlock()

	b := ch.broker
	b.mu.Lock()
	b.removeSubs(func(s *subscription) bool { return s.channel == ch })
	b.mu.Unlock()

	for _, l := range confirms {
		close(l)
	}
	for _, l := range closes {
		if cause != nil {
			l <- cause
		}
		close(l)
	}
	return nil
}

func (ch *Channel) Ack(tag uint64, _ bool) error {
	ch.broker.settle(Settlement{Tag: tag, Op: "ack"})
	return nil
}

func (ch *Channel) Nack(tag uint64, _ bool, requeue bool) error {
	ch.broker.settle(Settlement{Tag: tag, Op: "nack", Requeue: requeue})
	return nil
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	ch.broker.settle(Settlement{Tag: tag, Op: "reject", Requeue: requeue})
	return nil
}
