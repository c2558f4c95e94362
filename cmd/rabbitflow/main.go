// Command rabbitflow runs a relay dataflow per configured consumer: each
// delivery is logged, optionally rejected on demand, and republished to the
// consumer's send queue.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/illmade-knight/go-rabbitflow/pkg/cache"
	"github.com/illmade-knight/go-rabbitflow/pkg/config"
	"github.com/illmade-knight/go-rabbitflow/pkg/dataflow"
	"github.com/illmade-knight/go-rabbitflow/pkg/enrichment"
	"github.com/illmade-knight/go-rabbitflow/pkg/metrics"
	"github.com/illmade-knight/go-rabbitflow/pkg/microservice"
	"github.com/illmade-knight/go-rabbitflow/pkg/pool"
	"github.com/illmade-knight/go-rabbitflow/pkg/publisher"
	"github.com/illmade-knight/go-rabbitflow/pkg/service"
	"github.com/illmade-knight/go-rabbitflow/pkg/tracing"
	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

const (
	envConfigPath = "RABBITFLOW_CONFIG"
	// enrichmentHeaderPrefix namespaces enrichment attributes on republished messages.
	enrichmentHeaderPrefix = "x-enrich-"
)

var errRejected = errors.New("message rejected on request")

func main() {
	configPath := flag.String("config", os.Getenv(envConfigPath), "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatal().Err(err).Msg("rabbitflow stopped with error")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "rabbitflow").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	if err := m.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	tracer := tracing.New()

	svc, err := service.New(ctx, cfg, pool.NewAMQPDialer(cfg.Rabbit), logger,
		service.WithPublisherOptions(publisher.WithObserver(m)))
	if err != nil {
		return fmt.Errorf("failed to create rabbit service: %w", err)
	}
	if _, err := svc.Start(ctx, receiptLogger(logger)); err != nil {
		_, _ = svc.Shutdown(context.Background(), true)
		return fmt.Errorf("failed to start rabbit service: %w", err)
	}

	dedupe, err := cache.NewDedupeCache(ctx, cfg.Dedupe, cfg.Redis, logger)
	if err != nil {
		_, _ = svc.Shutdown(context.Background(), true)
		return err
	}
	defer func() { _ = dedupe.Close() }()

	var enrich dataflow.StepFunc
	if cfg.Enrichment.Enabled() {
		step, closer, err := enrichment.NewHeaderEnrichment(ctx, cfg.Enrichment, cfg.Redis, logger)
		if err != nil {
			_, _ = svc.Shutdown(context.Background(), true)
			return err
		}
		defer func() { _ = closer.Close() }()
		enrich = step
	}

	var flows []*dataflow.Dataflow
	for name := range cfg.Consumers {
		opts, err := svc.ConsumerOptions(name)
		if err != nil {
			_, _ = svc.Shutdown(context.Background(), true)
			return err
		}
		df, err := newRelayDataflow(opts, svc, dedupe, enrich, m, tracer, logger)
		if err != nil {
			_, _ = svc.Shutdown(context.Background(), true)
			return fmt.Errorf("failed to build dataflow %s: %w", name, err)
		}
		if err := df.Start(ctx); err != nil {
			_, _ = svc.Shutdown(context.Background(), true)
			return fmt.Errorf("failed to start dataflow %s: %w", name, err)
		}
		flows = append(flows, df)
	}

	server := microservice.NewBaseServer(logger, cfg.HTTPPort, microservice.WithReadiness(svc.Running))
	if err := server.Start(); err != nil {
		_, _ = svc.Shutdown(context.Background(), true)
		return err
	}
	logger.Info().Int("dataflows", len(flows)).Msg("rabbitflow running")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pool.DrainTimeout+5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(flows))
	for _, df := range flows {
		wg.Add(1)
		go func(df *dataflow.Dataflow) {
			defer wg.Done()
			errCh <- df.Stop(shutdownCtx, false, false)
		}(df)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if _, err := svc.Shutdown(shutdownCtx, false); err != nil {
		errs = append(errs, err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func newRelayDataflow(
	opts config.ConsumerOptions,
	svc *service.RabbitService,
	dedupe cache.PresenceCache[string, time.Time],
	enrich dataflow.StepFunc,
	m *metrics.Metrics,
	tracer *tracing.Tracer,
	logger zerolog.Logger,
) (*dataflow.Dataflow, error) {
	b := dataflow.NewBuilder(opts.WorkflowName, opts)
	workflow := b.WorkflowName()

	b.WithTimeFormat(svc.TimeFormat()).
		WithHooks(dataflow.Merge(m.Hooks(workflow), tracer.Hooks(workflow))).
		WithBuildState().
		WithDeduplication(dedupe)

	if enc := svc.Encryptor(); enc != nil {
		b.WithEncryptionProvider(enc).WithDecryptionStep()
	}
	if comp := svc.Compressor(); comp != nil {
		b.WithCompressionProvider(comp).WithDecompressionStep()
	}

	b.AddStep("log", logStep(logger)).
		AddStep("reject", rejectStep)
	if enrich != nil {
		b.AddStep("enrich", enrich)
	}

	if opts.SendQueueName != "" || opts.SendExchange != "" {
		b.WithCreateSendMessage(createSendMessage(opts, tracer))
		if svc.Compressor() != nil {
			b.WithSendCompressedStep()
		}
		if svc.Encryptor() != nil {
			b.WithSendEncryptedStep()
		}
		b.WithSendMessageStep()
	}

	plan, err := b.WithDefaultFinalization().
		WithDefaultErrorHandling().
		Build()
	if err != nil {
		return nil, err
	}
	return dataflow.New(plan, svc.DataflowDeps(), logger)
}

func logStep(logger zerolog.Logger) dataflow.StepFunc {
	return func(_ context.Context, state *dataflow.WorkState) error {
		msg := state.ReceivedMessage
		logger.Debug().
			Str("message_id", state.MessageID()).
			Str("routing_key", msg.RoutingKey).
			Int("body_bytes", len(msg.Body)).
			Bool("redelivered", msg.Redelivered).
			Msg("Received message.")
		return nil
	}
}

// rejectStep faults any delivery whose body is exactly "throw", to exercise
// error handling end to end.
func rejectStep(_ context.Context, state *dataflow.WorkState) error {
	if bytes.Equal(payload(state.ReceivedMessage), []byte("throw")) {
		return errRejected
	}
	return nil
}

func createSendMessage(opts config.ConsumerOptions, tracer *tracing.Tracer) dataflow.StepFunc {
	return func(ctx context.Context, state *dataflow.WorkState) error {
		in := state.ReceivedMessage
		out := &types.Message{
			MessageID:     uuid.NewString(),
			CorrelationID: in.MessageID,
			Exchange:      opts.SendExchange,
			RoutingKey:    opts.SendQueueName,
			DeliveryMode:  types.Persistent,
			Body:          bytes.Clone(payload(in)),
			Timestamp:     time.Now().UTC(),
			Envelope:      true,
		}
		if attrs, ok := enrichment.Attributes(state); ok {
			for k, v := range attrs {
				out.Metadata.Set(enrichmentHeaderPrefix+k, v)
			}
		}
		tracer.Inject(ctx, out)
		state.SendMessage = out
		return nil
	}
}

func payload(msg *types.ReceivedMessage) []byte {
	if msg.Message != nil {
		return msg.Message.Body
	}
	return msg.Body
}

func receiptLogger(logger zerolog.Logger) publisher.ReceiptHandler {
	return func(receipt types.PublishReceipt) {
		if receipt.IsError() {
			logger.Warn().Err(receipt.Err).Uint64("sequence", receipt.Sequence).Msg("Publish failed.")
		}
	}
}
