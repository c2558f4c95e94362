package dataflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

// finalizeProcess runs finalization. A failure that leaves the delivery
// unsettled sends the state to error handling.
func (d *Dataflow) finalizeProcess(desc StageDescriptor) processFunc[*WorkState] {
	finalize := d.plan.finalize
	if d.plan.defaultFinal || finalize == nil {
		finalize = d.defaultFinalize
	}
	return func(_ context.Context, state *WorkState) *WorkState {
		d.hooks.stageStart(desc.Name, state)
		start := time.Now()
		remembered := d.remember(state)
		err := safeTerminal(state.Context(), state, finalize)
		d.hooks.stageDone(desc.Name, state, time.Since(start), err)
		if err != nil {
			d.logger.Warn().Err(err).Str("message_id", state.MessageID()).Msg("Finalization failed.")
			if state.ReceivedMessage != nil && !state.ReceivedMessage.Settled() {
				if remembered {
					d.forget(state)
				}
				state.Fault(desc.Name, err)
				return state
			}
		}
		d.hooks.finalized(state)
		return nil
	}
}

// errorProcess runs error handling. A failure that leaves the delivery
// unsettled requeues it.
func (d *Dataflow) errorProcess(desc StageDescriptor) processFunc[*WorkState] {
	handle := d.plan.handleError
	if d.plan.defaultErrors || handle == nil {
		handle = d.defaultHandleError
	}
	return func(_ context.Context, state *WorkState) *WorkState {
		d.hooks.stageStart(desc.Name, state)
		start := time.Now()
		err := safeTerminal(state.Context(), state, handle)
		d.hooks.stageDone(desc.Name, state, time.Since(start), err)
		if err != nil {
			d.logger.Error().Err(err).Str("message_id", state.MessageID()).Msg("Error handling failed.")
			if msg := state.ReceivedMessage; msg != nil && !msg.Settled() {
				if nackErr := msg.Nack(true); nackErr != nil {
					d.logger.Error().Err(nackErr).Str("message_id", state.MessageID()).Msg("Failed to requeue delivery.")
				}
			}
		}
		d.hooks.errorHandled(state, state.Err())
		return nil
	}
}

func safeTerminal(ctx context.Context, state *WorkState, fn TerminalFunc) error {
	return safeStep(ctx, state, StepFunc(fn))
}

// remember records a message id for deduplication ahead of its settlement,
// so a redelivery racing the ack is still recognised.
func (d *Dataflow) remember(state *WorkState) bool {
	if d.plan.dedupeCache == nil || state.Skipped() {
		return false
	}
	id := state.MessageID()
	if id == "" {
		return false
	}
	if err := d.plan.dedupeCache.Set(state.Context(), id, time.Now().UTC()); err != nil {
		d.logger.Warn().Err(err).Str("message_id", id).Msg("Failed to record finalized message.")
		return false
	}
	return true
}

func (d *Dataflow) forget(state *WorkState) {
	if err := d.plan.dedupeCache.Delete(state.Context(), state.MessageID()); err != nil {
		d.logger.Warn().Err(err).Str("message_id", state.MessageID()).Msg("Failed to forget message.")
	}
}

// defaultFinalize acknowledges the delivery.
func (d *Dataflow) defaultFinalize(_ context.Context, state *WorkState) error {
	msg := state.ReceivedMessage
	if msg == nil {
		return nil
	}
	d.logger.Debug().Str("message_id", state.MessageID()).Bool("skipped", state.Skipped()).Msg("Finalizing message.")
	if err := msg.Ack(); err != nil && !errors.Is(err, types.ErrAlreadySettled) {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// defaultHandleError dead-letters, republishes to the error queue or requeues,
// depending on the consumer options.
func (d *Dataflow) defaultHandleError(ctx context.Context, state *WorkState) error {
	msg := state.ReceivedMessage
	if msg == nil || msg.Settled() {
		return nil
	}
	opts := d.plan.consumerOpts
	log := d.logger.With().Str("message_id", state.MessageID()).Str("fault_stage", state.FaultStage()).Logger()
	log.Debug().Err(state.Err()).Msg("Handling faulted message.")

	switch {
	case opts.DeadLetter:
		return msg.Reject(false)

	case opts.ErrorQueueName != "":
		var err error
		if msg.Message != nil {
			failed := *msg.Message
			failed.RoutingKey = opts.ErrorQueueName
			failed.Envelope = true
			err = d.deps.Publisher.QueueMessage(ctx, &failed)
		} else {
			err = d.deps.Publisher.Publish(ctx, &types.Message{
				MessageID:     uuid.NewString(),
				CorrelationID: msg.CorrelationID,
				Exchange:      "",
				RoutingKey:    opts.ErrorQueueName,
				DeliveryMode:  types.Persistent,
				Body:          msg.Body,
				Metadata:      types.Metadata{Fields: copyHeaders(msg.Headers)},
			})
		}
		if err != nil {
			log.Warn().Err(err).Str("error_queue", opts.ErrorQueueName).Msg("Failed to republish to error queue, requeueing.")
			return msg.Nack(true)
		}
		return msg.Ack()

	default:
		return msg.Nack(true)
	}
}

func copyHeaders(headers map[string]any) map[string]any {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]any, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
