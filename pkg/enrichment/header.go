package enrichment

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-rabbitflow/pkg/cache"
	"github.com/illmade-knight/go-rabbitflow/pkg/config"
	"github.com/illmade-knight/go-rabbitflow/pkg/dataflow"
	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

// DataKey is the WorkState.Data entry written by the header enrichment step.
const DataKey = "enrichment"

// Attributes returns the attributes the header enrichment step applied.
func Attributes(state *dataflow.WorkState) (map[string]string, bool) {
	attrs, ok := state.Data[DataKey].(map[string]string)
	return attrs, ok
}

// HeaderKey reads the enrichment key from the named header, preferring the
// decoded envelope's metadata over the AMQP headers.
func HeaderKey(header string) KeyExtractor[string] {
	return func(state *dataflow.WorkState) (string, bool) {
		msg := state.ReceivedMessage
		if msg == nil {
			return "", false
		}
		if msg.Message != nil {
			if key := types.StringField(msg.Message.Metadata.Fields, header); key != "" {
				return key, true
			}
		}
		key := types.StringField(msg.Headers, header)
		return key, key != ""
	}
}

func applyAttributes(state *dataflow.WorkState, attrs map[string]string) {
	state.Data[DataKey] = attrs
}

// NewHeaderEnrichment builds an enrichment step from configuration. Attribute
// maps are read from redis under cfg.KeyPrefix, fronted by an LRU cache of
// cfg.CacheSize entries. The returned Closer releases both.
func NewHeaderEnrichment(
	ctx context.Context,
	cfg config.EnrichmentConfig,
	redisCfg config.RedisConfig,
	logger zerolog.Logger,
) (dataflow.StepFunc, io.Closer, error) {
	source, err := cache.NewRedisPresenceCache[string, map[string]string](ctx, redisCfg, cfg.KeyPrefix, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create enrichment source: %w", err)
	}
	lru, err := cache.NewLRUPresenceCache[string, map[string]string](cfg.CacheSize)
	if err != nil {
		_ = source.Close()
		return nil, nil, fmt.Errorf("failed to create enrichment cache: %w", err)
	}
	fetcher := NewCacheFallbackFetcher[string, map[string]string](
		FetcherConfig{CacheWriteTimeout: cfg.CacheWriteTimeout}, lru, source, logger)

	policy := SkipOnError
	if cfg.FaultOnError {
		policy = FaultOnError
	}
	step, err := NewEnrichStep[string, map[string]string](fetcher, HeaderKey(cfg.KeyHeader), applyAttributes, policy, logger)
	if err != nil {
		_ = fetcher.Close()
		return nil, nil, err
	}
	return step, fetcher, nil
}
