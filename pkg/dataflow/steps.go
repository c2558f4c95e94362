package dataflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/illmade-knight/go-rabbitflow/pkg/cache"
	"github.com/illmade-knight/go-rabbitflow/pkg/publisher"
	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

var (
	// ErrBuildState faults a state whose builder failed.
	ErrBuildState = errors.New("rabbitflow/dataflow: failed to build work state")
	// ErrStepPanic records a panic recovered from a step.
	ErrStepPanic = errors.New("rabbitflow/dataflow: step panicked")
	// ErrShutdownInProgress faults a state that could not be sent because the
	// publisher is stopping.
	ErrShutdownInProgress = errors.New("rabbitflow/dataflow: shutdown in progress")
	// ErrNoSendMessage faults an outbound step reached without a SendMessage.
	ErrNoSendMessage = errors.New("rabbitflow/dataflow: state has no send message")
)

// safeStep runs fn and converts a panic into an error.
func safeStep(ctx context.Context, state *WorkState, fn StepFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrStepPanic, r, debug.Stack())
		}
	}()
	return fn(ctx, state)
}

func safeBuild(ctx context.Context, msg *types.ReceivedMessage, fn BuildStateFunc) (state *WorkState, err error) {
	defer func() {
		if r := recover(); r != nil {
			state = nil
			err = fmt.Errorf("%w: %v", ErrStepPanic, r)
		}
	}()
	return fn(ctx, msg)
}

func defaultBuildState(ctx context.Context, msg *types.ReceivedMessage) (*WorkState, error) {
	return NewWorkState(ctx, msg), nil
}

// buildProcess creates the WorkState for a delivery. A failed build still
// yields a state, faulted with ErrBuildState, so that the delivery reaches
// error handling and is settled.
func (d *Dataflow) buildProcess(desc StageDescriptor) processFunc[*types.ReceivedMessage] {
	build := d.plan.buildState
	if build == nil {
		build = defaultBuildState
	}
	return func(ctx context.Context, msg *types.ReceivedMessage) *WorkState {
		start := time.Now()
		state, err := safeBuild(ctx, msg, build)
		if err == nil && state == nil {
			err = errors.New("builder returned no state")
		}
		if err != nil {
			state = NewWorkState(ctx, msg)
			state.Fault(desc.Name, fmt.Errorf("%w: %w", ErrBuildState, err))
			d.logger.Warn().Err(err).Str("message_id", state.MessageID()).Msg("Failed to build work state.")
		}
		if state.ReceivedMessage == nil {
			state.ReceivedMessage = msg
		}
		if state.ctx == nil {
			state.ctx = ctx
		}
		d.hooks.stateBuilt(state)
		d.hooks.stageDone(desc.Name, state, time.Since(start), err)
		return state
	}
}

// stepProcess wraps a step with hooks, panic recovery and fault recording.
// Skipped states pass through untouched.
func (d *Dataflow) stepProcess(desc StageDescriptor, step StepFunc) processFunc[*WorkState] {
	return func(_ context.Context, state *WorkState) *WorkState {
		if step == nil || state.Skipped() {
			return state
		}
		d.hooks.stageStart(desc.Name, state)
		start := time.Now()
		err := safeStep(state.Context(), state, step)
		if err != nil {
			state.Fault(desc.Name, err)
			d.logger.Debug().Err(err).Str("stage", desc.Name).Str("message_id", state.MessageID()).Msg("Step faulted work state.")
		}
		d.hooks.stageDone(desc.Name, state, time.Since(start), err)
		return state
	}
}

// stepFor returns the built-in step for a stage kind, or the user step.
func (d *Dataflow) stepFor(desc StageDescriptor) StepFunc {
	switch desc.Kind {
	case KindDecrypt:
		return d.decryptStep
	case KindDecompress:
		return d.decompressStep
	case KindDeduplicate:
		return d.dedupeStep
	case KindCompress:
		return d.compressStep
	case KindEncrypt:
		return d.encryptStep
	case KindSend:
		return d.sendStep
	case KindReadyBuffer, KindPostProcessingBuffer:
		return nil
	default:
		return desc.step
	}
}

// inboundTarget locates the bytes and flags of a received message: the
// decoded envelope when present, else the raw delivery.
type inboundTarget struct {
	body       *[]byte
	compressed bool
	encrypted  bool
	clear      func(key string)
}

func inbound(msg *types.ReceivedMessage) inboundTarget {
	if msg.Message != nil {
		m := msg.Message
		return inboundTarget{
			body:       &m.Body,
			compressed: m.Metadata.Compressed(),
			encrypted:  m.Metadata.Encrypted(),
			clear: func(key string) {
				m.Metadata.Set(key, false)
				if key == types.HeaderCompressed {
					m.Metadata.Remove(types.HeaderCompressionType)
				} else {
					m.Metadata.Remove(types.HeaderEncryptionType)
					m.Metadata.Remove(types.HeaderEncryptDate)
				}
			},
		}
	}
	return inboundTarget{
		body:       &msg.Body,
		compressed: msg.Compressed,
		encrypted:  msg.Encrypted,
		clear: func(key string) {
			if key == types.HeaderCompressed {
				msg.Compressed = false
				msg.CompressionType = ""
			} else {
				msg.Encrypted = false
				msg.EncryptionType = ""
				msg.EncryptedDate = ""
			}
		},
	}
}

func (d *Dataflow) decryptStep(_ context.Context, state *WorkState) error {
	if state.ReceivedMessage == nil {
		return nil
	}
	t := inbound(state.ReceivedMessage)
	if !t.encrypted {
		return nil
	}
	plain, err := d.plan.encryptor.Decrypt(*t.body)
	if err != nil {
		return fmt.Errorf("failed to decrypt body: %w", err)
	}
	*t.body = plain
	t.clear(types.HeaderEncrypted)
	return nil
}

func (d *Dataflow) decompressStep(_ context.Context, state *WorkState) error {
	if state.ReceivedMessage == nil {
		return nil
	}
	t := inbound(state.ReceivedMessage)
	if !t.compressed || t.encrypted {
		return nil
	}
	plain, err := d.plan.compressor.Decompress(*t.body)
	if err != nil {
		return fmt.Errorf("failed to decompress body: %w", err)
	}
	*t.body = plain
	t.clear(types.HeaderCompressed)
	return nil
}

// dedupeStep skips a redelivered message whose id was already finalized.
// Cache failures are logged and the message is processed again.
func (d *Dataflow) dedupeStep(ctx context.Context, state *WorkState) error {
	msg := state.ReceivedMessage
	id := state.MessageID()
	if msg == nil || !msg.Redelivered || id == "" {
		return nil
	}
	seenAt, err := d.plan.dedupeCache.Fetch(ctx, id)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			d.logger.Warn().Err(err).Str("message_id", id).Msg("Deduplication lookup failed.")
		}
		return nil
	}
	d.logger.Debug().Str("message_id", id).Time("first_seen", seenAt).Msg("Skipping duplicate delivery.")
	state.Skip()
	return nil
}

// outboundBody returns the outbound bytes: SendData when populated, else the
// SendMessage body.
func outboundBody(state *WorkState) *[]byte {
	if len(state.SendData) > 0 {
		return &state.SendData
	}
	return &state.SendMessage.Body
}

func (d *Dataflow) compressStep(_ context.Context, state *WorkState) error {
	if state.SendMessage == nil {
		return ErrNoSendMessage
	}
	md := &state.SendMessage.Metadata
	if md.Compressed() || md.Encrypted() {
		return nil
	}
	body := outboundBody(state)
	out, err := d.plan.compressor.Compress(*body)
	if err != nil {
		return fmt.Errorf("failed to compress body: %w", err)
	}
	*body = out
	md.Set(types.HeaderCompressed, true)
	md.Set(types.HeaderCompressionType, d.plan.compressor.Type())
	return nil
}

func (d *Dataflow) encryptStep(_ context.Context, state *WorkState) error {
	if state.SendMessage == nil {
		return ErrNoSendMessage
	}
	md := &state.SendMessage.Metadata
	if md.Encrypted() {
		return nil
	}
	body := outboundBody(state)
	out, err := d.plan.encryptor.Encrypt(*body)
	if err != nil {
		return fmt.Errorf("failed to encrypt body: %w", err)
	}
	*body = out
	md.Set(types.HeaderEncrypted, true)
	md.Set(types.HeaderEncryptionType, d.plan.encryptor.Type())
	md.Set(types.HeaderEncryptDate, time.Now().UTC().Format(d.plan.timeFormat))
	return nil
}

func (d *Dataflow) sendStep(ctx context.Context, state *WorkState) error {
	if state.SendMessage == nil {
		return ErrNoSendMessage
	}
	if len(state.SendData) > 0 {
		state.SendMessage.Body = state.SendData
	}
	if err := d.deps.Publisher.QueueMessage(ctx, state.SendMessage); err != nil {
		if errors.Is(err, publisher.ErrPublisherNotRunning) {
			return fmt.Errorf("%w: %w", ErrShutdownInProgress, err)
		}
		return fmt.Errorf("failed to queue send message: %w", err)
	}
	return nil
}
