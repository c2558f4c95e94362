// Package enrichment builds dataflow steps that attach external data to a
// work state, looked up by a key taken from the delivery.
package enrichment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-rabbitflow/pkg/cache"
	"github.com/illmade-knight/go-rabbitflow/pkg/dataflow"
)

// KeyExtractor gets the enrichment key from a state. False means the state
// carries no key and passes through unenriched.
type KeyExtractor[K comparable] func(state *dataflow.WorkState) (K, bool)

// Applier applies fetched data to a state, usually into state.Data.
type Applier[V any] func(state *dataflow.WorkState, data V)

// FailurePolicy decides what happens to a state whose lookup failed.
type FailurePolicy int

const (
	// SkipOnError lets the state pass the remaining steps untouched; it is
	// still acknowledged, so a bad key cannot cause a redelivery loop.
	SkipOnError FailurePolicy = iota
	// FaultOnError hands the state to error handling.
	FaultOnError
)

// NewEnrichStep returns a dataflow step that looks up the state's key with
// fetcher and applies the result.
func NewEnrichStep[K comparable, V any](
	fetcher cache.Fetcher[K, V],
	keyEx KeyExtractor[K],
	applier Applier[V],
	policy FailurePolicy,
	logger zerolog.Logger,
) (dataflow.StepFunc, error) {
	if fetcher == nil || keyEx == nil || applier == nil {
		return nil, fmt.Errorf("fetcher, keyExtractor, and applier cannot be nil")
	}

	enrichLogger := logger.With().Str("component", "EnrichStep").Logger()

	return func(ctx context.Context, state *dataflow.WorkState) error {
		key, ok := keyEx(state)
		if !ok {
			enrichLogger.Debug().Str("message_id", state.MessageID()).Msg("Key not found in message, skipping enrichment.")
			return nil
		}

		data, err := fetcher.Fetch(ctx, key)
		if err != nil {
			if policy == FaultOnError {
				return fmt.Errorf("failed to fetch enrichment data for key '%v': %w", key, err)
			}
			enrichLogger.Error().Err(err).Str("message_id", state.MessageID()).Msgf("Failed to fetch enrichment data for key '%v'", key)
			state.Skip()
			return nil
		}

		applier(state, data)
		enrichLogger.Debug().Str("message_id", state.MessageID()).Msg("Message enriched successfully.")
		return nil
	}, nil
}
