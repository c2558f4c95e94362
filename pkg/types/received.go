package types

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrAlreadySettled is returned when a second terminal operation is invoked on a delivery.
	ErrAlreadySettled = errors.New("rabbitflow/types: delivery already settled")
	// ErrNoAcknowledger is returned when a delivery has no channel to settle against.
	ErrNoAcknowledger = errors.New("rabbitflow/types: delivery has no acknowledger")
)

// Acknowledger settles deliveries on the channel they arrived on. It matches the
// amqp091 Acknowledger so deliveries can pass theirs straight through.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
}

// Disposition is the terminal outcome applied to a delivery.
type Disposition int32

const (
	Unsettled Disposition = iota
	Acked
	Nacked
	Rejected
)

func (d Disposition) String() string {
	switch d {
	case Acked:
		return "ack"
	case Nacked:
		return "nack"
	case Rejected:
		return "reject"
	default:
		return "unsettled"
	}
}

// ReceivedMessage is an inbound delivery. Exactly one of Ack, Nack or Reject
// takes effect; every later call is a no-op returning ErrAlreadySettled.
type ReceivedMessage struct {
	Body          []byte
	DeliveryTag   uint64
	Headers       map[string]any
	Exchange      string
	RoutingKey    string
	MessageID     string
	CorrelationID string
	ConsumerName  string
	Redelivered   bool

	// Message is set when the body carried a serialized Message envelope.
	Message *Message
	// DecodeErr records why an envelope could not be decoded.
	DecodeErr error

	Compressed      bool
	CompressionType string
	Encrypted       bool
	EncryptionType  string
	EncryptedDate   string

	acknowledger Acknowledger
	disposition  atomic.Int32
	onSettle     func(Disposition)
}

// NewReceivedMessage builds a ReceivedMessage and derives the compression and
// encryption state from the headers.
func NewReceivedMessage(ack Acknowledger, tag uint64, body []byte, headers map[string]any) *ReceivedMessage {
	r := &ReceivedMessage{
		Body:         body,
		DeliveryTag:  tag,
		Headers:      headers,
		acknowledger: ack,
	}
	r.Compressed = BoolField(headers, HeaderCompressed)
	r.CompressionType = StringField(headers, HeaderCompressionType)
	r.Encrypted = BoolField(headers, HeaderEncrypted)
	r.EncryptionType = StringField(headers, HeaderEncryptionType)
	r.EncryptedDate = StringField(headers, HeaderEncryptDate)
	return r
}

// IsEnvelope reports whether the headers mark the body as a Message envelope.
func (r *ReceivedMessage) IsEnvelope() bool {
	return StringField(r.Headers, HeaderObjectType) == ObjectTypeMessage
}

// OnSettle registers a callback invoked once, after the terminal operation.
// It must be set before the message is shared with other goroutines.
func (r *ReceivedMessage) OnSettle(fn func(Disposition)) {
	r.onSettle = fn
}

// Ack acknowledges the delivery.
func (r *ReceivedMessage) Ack() error {
	return r.settle(Acked, false)
}

// Nack negatively acknowledges the delivery.
func (r *ReceivedMessage) Nack(requeue bool) error {
	return r.settle(Nacked, requeue)
}

// Reject rejects the delivery.
func (r *ReceivedMessage) Reject(requeue bool) error {
	return r.settle(Rejected, requeue)
}

// Settled reports whether a terminal operation has been invoked.
func (r *ReceivedMessage) Settled() bool {
	return r.Disposition() != Unsettled
}

// Disposition returns the terminal operation applied, if any.
func (r *ReceivedMessage) Disposition() Disposition {
	return Disposition(r.disposition.Load())
}

func (r *ReceivedMessage) settle(d Disposition, requeue bool) error {
	if !r.disposition.CompareAndSwap(int32(Unsettled), int32(d)) {
		return ErrAlreadySettled
	}
	if r.onSettle != nil {
		defer r.onSettle(d)
	}
	if r.acknowledger == nil {
		return ErrNoAcknowledger
	}

	var err error
	switch d {
	case Acked:
		err = r.acknowledger.Ack(r.DeliveryTag, false)
	case Nacked:
		err = r.acknowledger.Nack(r.DeliveryTag, false, requeue)
	case Rejected:
		err = r.acknowledger.Reject(r.DeliveryTag, requeue)
	}
	if err != nil {
		return fmt.Errorf("rabbitflow/types: %s delivery %d: %w", d, r.DeliveryTag, err)
	}
	return nil
}
