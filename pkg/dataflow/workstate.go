package dataflow

import (
	"context"
	"time"

	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

// WorkState is the unit of flow through a dataflow. One is created per
// delivery and handed from stage to stage; it is never shared between
// deliveries or touched by two stages at once.
type WorkState struct {
	ReceivedMessage *types.ReceivedMessage
	SendMessage     *types.Message
	// SendData, when populated, is the outbound body and takes priority over
	// SendMessage.Body.
	SendData []byte
	Data     map[string]any

	ctx        context.Context
	created    time.Time
	faulted    bool
	err        error
	faultStage string
	skipped    bool
}

// NewWorkState creates the state for a delivery.
func NewWorkState(ctx context.Context, msg *types.ReceivedMessage) *WorkState {
	if ctx == nil {
		ctx = context.Background()
	}
	return &WorkState{
		ReceivedMessage: msg,
		Data:            make(map[string]any),
		ctx:             ctx,
		created:         time.Now(),
	}
}

// Context returns the context steps run under.
func (s *WorkState) Context() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// SetContext replaces the state's context, for example to carry a span.
func (s *WorkState) SetContext(ctx context.Context) {
	if ctx != nil {
		s.ctx = ctx
	}
}

// Fault marks the state as failed. The flag is never cleared and the first
// recorded error is kept.
func (s *WorkState) Fault(stage string, err error) {
	if s.faulted {
		return
	}
	s.faulted = true
	s.err = err
	s.faultStage = stage
}

// IsFaulted reports whether a stage faulted the state.
func (s *WorkState) IsFaulted() bool { return s.faulted }

// Err returns the error recorded with the fault.
func (s *WorkState) Err() error { return s.err }

// FaultStage names the stage that faulted the state.
func (s *WorkState) FaultStage() string { return s.faultStage }

// Skip lets the state pass through the remaining steps untouched; it is still
// finalized.
func (s *WorkState) Skip() { s.skipped = true }

// Skipped reports whether Skip was called.
func (s *WorkState) Skipped() bool { return s.skipped }

// Age is the time since the state was created.
func (s *WorkState) Age() time.Duration { return time.Since(s.created) }

// MessageID returns the best available identifier for logging.
func (s *WorkState) MessageID() string {
	if s.ReceivedMessage == nil {
		return ""
	}
	if s.ReceivedMessage.Message != nil && s.ReceivedMessage.Message.MessageID != "" {
		return s.ReceivedMessage.Message.MessageID
	}
	return s.ReceivedMessage.MessageID
}
