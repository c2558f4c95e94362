// Package pooltest provides an in-memory broker that satisfies the pool's
// Connection and Channel interfaces, for tests that cannot reach RabbitMQ.
package pooltest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/illmade-knight/go-rabbitflow/pkg/pool"
)

// ErrDialRefused is returned by the dialer while dial failures are scheduled.
var ErrDialRefused = errors.New("pooltest: dial refused")

// Published is a message seen by the broker.
type Published struct {
	ChannelID  int
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Msg        amqp.Publishing
}

// Settlement is an ack, nack or reject observed by the broker.
type Settlement struct {
	Tag     uint64
	Op      string
	Requeue bool
}

type subscription struct {
	queue   string
	tag     string
	channel *Channel
	out     chan amqp.Delivery
}

// Broker is an in-memory stand-in for a RabbitMQ broker.
type Broker struct {
	mu          sync.Mutex
	connections []*Connection
	channels    []*Channel
	published   []Published
	settlements []Settlement
	queues      map[string][]amqp.Delivery
	subs        []*subscription
	nextTag     uint64
	failDials   int
	dials       int

	// PublishHook, when set, can fail a publish before it is recorded.
	PublishHook func(exchange, key string, msg amqp.Publishing) error
	// NackPublishes makes the broker negatively confirm every publish.
	NackPublishes bool
	// WithholdConfirms stops the broker from confirming publishes.
	WithholdConfirms bool
}

func NewBroker() *Broker {
	return &Broker{queues: make(map[string][]amqp.Delivery)}
}

// Dialer returns a pool.Dialer that connects to this broker.
func (b *Broker) Dialer() pool.Dialer {
	return func(ctx context.Context) (pool.Connection, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dials++
		if b.failDials > 0 {
			b.failDials--
			return nil, ErrDialRefused
		}
		c := &Connection{broker: b, id: len(b.connections)}
		b.connections = append(b.connections, c)
		return c, nil
	}
}

// FailDials makes the next n dial attempts fail.
func (b *Broker) FailDials(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDials = n
}

func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Connection(nil), b.connections...)
}

func (b *Broker) Channels() []*Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Channel(nil), b.channels...)
}

// OpenChannels counts channels that have not been closed.
func (b *Broker) OpenChannels() int {
	n := 0
	for _, c := range b.Channels() {
		if !c.IsClosed() {
			n++
		}
	}
	return n
}

func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// PublishedTo returns publishes whose routing key matches key.
func (b *Broker) PublishedTo(key string) []Published {
	var out []Published
	for _, p := range b.Published() {
		if p.RoutingKey == key {
			out = append(out, p)
		}
	}
	return out
}

func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settlements...)
}

// SettlementsFor returns the settlements recorded for a delivery tag.
func (b *Broker) SettlementsFor(tag uint64) []Settlement {
	var out []Settlement
	for _, s := range b.Settlements() {
		if s.Tag == tag {
			out = append(out, s)
		}
	}
	return out
}

// Enqueue stores a message for basic.get on queue.
func (b *Broker) Enqueue(queue string, body []byte, headers amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextTag++
	b.queues[queue] = append(b.queues[queue], amqp.Delivery{
		DeliveryTag: b.nextTag,
		Body:        body,
		Headers:     headers,
		RoutingKey:  queue,
	})
}

// Deliver pushes a delivery to the first consumer subscribed to queue and
// returns its tag. It reports false when nobody is consuming.
func (b *Broker) Deliver(queue string, body []byte, headers amqp.Table) (uint64, bool) {
	b.mu.Lock()
	var sub *subscription
	for _, s := range b.subs {
		if s.queue == queue {
			sub = s
			break
		}
	}
	if sub == nil {
		b.mu.Unlock()
		return 0, false
	}
	b.nextTag++
	d := amqp.Delivery{
		Acknowledger: sub.channel,
		ConsumerTag:  sub.tag,
		DeliveryTag:  b.nextTag,
		Body:         body,
		Headers:      headers,
		RoutingKey:   queue,
		MessageId:    "",
	}
	if id, ok := headers["message-id"].(string); ok {
		d.MessageId = id
	}
	sub.out <- d
	b.mu.Unlock()
	return d.DeliveryTag, true
}

// Consumers counts active subscriptions on queue.
func (b *Broker) Consumers(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if s.queue == queue {
			n++
		}
	}
	return n
}

func (b *Broker) settle(s Settlement) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settlements = append(b.settlements, s)
}

// removeSubs drops subscriptions matching fn and closes their delivery streams.
// The caller holds b.mu.
func (b *Broker) removeSubs(fn func(*subscription) bool) {
	kept := b.subs[:0]
	for _, s := range b.subs {
		if fn(s) {
			close(s.out)
			continue
		}
		kept = append(kept, s)
	}
	b.subs = kept
}
