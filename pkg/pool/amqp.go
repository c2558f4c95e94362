package pool

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/illmade-knight/go-rabbitflow/pkg/config"
)

// Channel is the subset of *amqp.Channel the runtime uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	GetNextPublishSeqNo() uint64
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection the pool uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(ctx context.Context) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	return c.Connection.Channel()
}

// NewAMQPDialer returns a Dialer backed by amqp091.
func NewAMQPDialer(cfg config.RabbitConfig) Dialer {
	return func(ctx context.Context) (Connection, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		props := amqp.NewConnectionProperties()
		if cfg.ConnectionName != "" {
			props.SetClientConnectionName(cfg.ConnectionName)
		}
		conn, err := amqp.DialConfig(cfg.URI, amqp.Config{
			Heartbeat:  cfg.Heartbeat,
			Properties: props,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
		}
		return amqpConnection{Connection: conn}, nil
	}
}
