package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrConfirmChannelClosed is returned when the confirmation stream ends
	// before the awaited confirmation arrives.
	ErrConfirmChannelClosed = errors.New("rabbitflow/pool: confirmation stream closed")
	// ErrConfirmLost is returned when a later confirmation arrives without the awaited one.
	ErrConfirmLost = errors.New("rabbitflow/pool: confirmation lost")
	// ErrNotAckable is returned when confirmations are awaited on a plain channel.
	ErrNotAckable = errors.New("rabbitflow/pool: channel is not in confirm mode")
)

const confirmBuffer = 64

// connectionHost owns one broker connection and tracks its liveness.
type connectionHost struct {
	id   int
	conn Connection
	dead atomic.Bool
}

func (c *connectionHost) alive() bool {
	return !c.dead.Load() && !c.conn.IsClosed()
}

// ChannelHost wraps a leased broker channel. Confirm-mode hosts register their
// confirmation listener once, at creation.
type ChannelHost struct {
	ID      uint64
	Ackable bool

	ch        Channel
	conn      *connectionHost
	confirms  chan amqp.Confirmation
	closed    chan *amqp.Error
	transient bool

	leased atomic.Bool
	broken atomic.Bool
}

func newChannelHost(id uint64, conn *connectionHost, ackable, transient bool) (*ChannelHost, error) {
	ch, err := conn.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel on connection %d: %w", conn.id, err)
	}
	h := &ChannelHost{
		ID:        id,
		Ackable:   ackable,
		ch:        ch,
		conn:      conn,
		transient: transient,
	}
	if ackable {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("failed to put channel %d in confirm mode: %w", id, err)
		}
		h.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	}
	h.closed = ch.NotifyClose(make(chan *amqp.Error, 1))
	return h, nil
}

// Channel returns the underlying broker channel.
func (h *ChannelHost) Channel() Channel {
	return h.ch
}

// MarkBroken flags the host so it is replaced when returned.
func (h *ChannelHost) MarkBroken() {
	h.broken.Store(true)
}

// Healthy reports whether the channel and its connection are usable.
func (h *ChannelHost) Healthy() bool {
	if h.broken.Load() || h.ch.IsClosed() || !h.conn.alive() {
		return false
	}
	select {
	case <-h.closed:
		h.broken.Store(true)
		return false
	default:
		return true
	}
}

// WaitForConfirm blocks until the broker confirms the publish with sequence
// number seq. Stale confirmations from earlier leases are discarded.
func (h *ChannelHost) WaitForConfirm(ctx context.Context, seq uint64) (bool, error) {
	if !h.Ackable {
		return false, ErrNotAckable
	}
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case c, ok := <-h.confirms:
			if !ok {
				return false, ErrConfirmChannelClosed
			}
			switch {
			case c.DeliveryTag < seq:
				continue
			case c.DeliveryTag == seq:
				return c.Ack, nil
			default:
				return false, fmt.Errorf("%w: awaited %d, received %d", ErrConfirmLost, seq, c.DeliveryTag)
			}
		}
	}
}

// Close closes the channel. Only transient hosts should be closed by callers.
func (h *ChannelHost) Close() error {
	h.broken.Store(true)
	if h.ch.IsClosed() {
		return nil
	}
	return h.ch.Close()
}
