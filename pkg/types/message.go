package types

import (
	"fmt"
	"strconv"
	"time"
)

// Header keys written into message metadata and AMQP headers to describe the
// state of a body as it moves through compression and encryption.
const (
	HeaderCompressed      = "compressed"
	HeaderCompressionType = "compression-type"
	HeaderEncrypted       = "encrypted"
	HeaderEncryptionType  = "encryption-type"
	HeaderEncryptDate     = "encrypt-date"

	// HeaderObjectType marks a delivery whose body is a serialized Message envelope.
	HeaderObjectType  = "x-object-type"
	ObjectTypeMessage = "message"
)

// Delivery modes as defined by AMQP 0-9-1.
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// Metadata carries the header fields for a Message. Fields is published as the
// AMQP header table.
type Metadata struct {
	PayloadID string         `json:"payloadId,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Compressed reports whether the compressed flag is set.
func (m *Metadata) Compressed() bool {
	return BoolField(m.Fields, HeaderCompressed)
}

// Encrypted reports whether the encrypted flag is set.
func (m *Metadata) Encrypted() bool {
	return BoolField(m.Fields, HeaderEncrypted)
}

// Set stores a header field, creating the map on first use.
func (m *Metadata) Set(key string, value any) {
	if m.Fields == nil {
		m.Fields = make(map[string]any)
	}
	m.Fields[key] = value
}

// Remove deletes a header field.
func (m *Metadata) Remove(key string) {
	delete(m.Fields, key)
}

// Message is the outbound envelope handed to the publisher. It is mutable until
// it is enqueued; after that the publisher owns it.
type Message struct {
	MessageID     string    `json:"messageId"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Exchange      string    `json:"exchange"`
	RoutingKey    string    `json:"routingKey"`
	ContentType   string    `json:"contentType,omitempty"`
	DeliveryMode  uint8     `json:"deliveryMode,omitempty"`
	Mandatory     bool      `json:"mandatory,omitempty"`
	Body          []byte    `json:"body"`
	Metadata      Metadata  `json:"metadata"`
	Timestamp     time.Time `json:"timestamp"`

	// TraceContext holds propagated trace headers of the parent span, if any.
	TraceContext map[string]string `json:"traceContext,omitempty"`

	// Envelope publishes the whole Message serialized as the body, so that a
	// consumer can decode it back into a Message.
	Envelope bool `json:"-"`
}

// BoolField reads a flag from a header map. AMQP tables and JSON both carry
// booleans natively, but string encodings are tolerated.
func BoolField(fields map[string]any, key string) bool {
	v, ok := fields[key]
	if !ok || v == nil {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		return err == nil && parsed
	default:
		return false
	}
}

// StringField reads a string header, formatting non-string values.
func StringField(fields map[string]any, key string) string {
	v, ok := fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprintf("%v", v)
}
