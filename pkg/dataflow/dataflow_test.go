package dataflow_test

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-rabbitflow/pkg/cache"
	"github.com/illmade-knight/go-rabbitflow/pkg/codec"
	"github.com/illmade-knight/go-rabbitflow/pkg/config"
	"github.com/illmade-knight/go-rabbitflow/pkg/dataflow"
	"github.com/illmade-knight/go-rabbitflow/pkg/publisher"
	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

var errBoom = errors.New("boom")

func consumerOpts() config.ConsumerOptions {
	return config.ConsumerOptions{Name: "orders", QueueName: "orders"}
}

func startFlow(t *testing.T, plan *dataflow.Plan, deps dataflow.Deps) *dataflow.Dataflow {
	t.Helper()
	df, err := dataflow.New(plan, deps, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, df.Start(context.Background()))
	return df
}

func stopFlow(t *testing.T, df *dataflow.Dataflow) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, df.Stop(ctx, false, false))
}

func TestDataflow_FaultRoutingKeepsOrder(t *testing.T) {
	// Arrange
	ack := newRecordingAck()
	c := newFakeConsumer()
	opts := consumerOpts()
	opts.Parallelism = 3
	opts.EnsureOrdered = true

	var mu sync.Mutex
	var finalized []string
	var handled []error

	plan, err := dataflow.NewBuilder("orders-flow", opts).
		WithBuildState().
		AddStep("throw", func(_ context.Context, s *dataflow.WorkState) error {
			if string(s.ReceivedMessage.Body) == "throw" {
				return errBoom
			}
			return nil
		}).
		WithFinalization(func(_ context.Context, s *dataflow.WorkState) error {
			mu.Lock()
			finalized = append(finalized, string(s.ReceivedMessage.Body))
			mu.Unlock()
			return s.ReceivedMessage.Ack()
		}, dataflow.Parallel(1)).
		WithDefaultErrorHandling().
		WithHooks(dataflow.Hooks{OnErrorHandled: func(_ *dataflow.WorkState, err error) {
			mu.Lock()
			handled = append(handled, err)
			mu.Unlock()
		}}).
		Build()
	require.NoError(t, err)
	df := startFlow(t, plan, dataflow.Deps{Consumers: factoryOf(c)})

	// Act
	c.deliver(rawMessage(ack, 1, "a"), rawMessage(ack, 2, "throw"), rawMessage(ack, 3, "b"))

	// Assert
	require.Eventually(t, func() bool { return ack.settledCount() == 3 }, time.Second, 10*time.Millisecond)
	stopFlow(t, df)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, finalized)
	require.Len(t, handled, 1)
	assert.ErrorIs(t, handled[0], errBoom)
	assert.Equal(t, []string{"ack"}, ack.opsFor(1))
	assert.Equal(t, []string{"nack:true"}, ack.opsFor(2))
	assert.Equal(t, []string{"ack"}, ack.opsFor(3))
}

func TestDataflow_OrderedParallelStages(t *testing.T) {
	// Arrange
	const total = 40
	ack := newRecordingAck()
	c := newFakeConsumer()
	opts := consumerOpts()
	opts.Parallelism = 4
	opts.EnsureOrdered = true

	var mu sync.Mutex
	var order []uint64

	plan, err := dataflow.NewBuilder("", opts).
		WithBuildState().
		AddStep("jitter", func(_ context.Context, s *dataflow.WorkState) error {
			time.Sleep(time.Duration((total-s.ReceivedMessage.DeliveryTag)%7) * time.Millisecond)
			return nil
		}).
		WithFinalization(func(_ context.Context, s *dataflow.WorkState) error {
			mu.Lock()
			order = append(order, s.ReceivedMessage.DeliveryTag)
			mu.Unlock()
			return s.ReceivedMessage.Ack()
		}, dataflow.Parallel(1)).
		WithDefaultErrorHandling().
		Build()
	require.NoError(t, err)
	df := startFlow(t, plan, dataflow.Deps{Consumers: factoryOf(c)})

	// Act
	expected := make([]uint64, 0, total)
	for i := uint64(1); i <= total; i++ {
		c.deliver(rawMessage(ack, i, "x"))
		expected = append(expected, i)
	}

	// Assert
	require.Eventually(t, func() bool { return ack.settledCount() == total }, 2*time.Second, 10*time.Millisecond)
	stopFlow(t, df)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, expected, order)
}

func TestDataflow_BoundedCapacitySuspendsIntake(t *testing.T) {
	// Arrange
	ack := newRecordingAck()
	c := newFakeConsumer()
	gate := make(chan struct{})

	plan, err := dataflow.NewBuilder("bounded", consumerOpts()).
		WithBuildState(dataflow.Capacity(1)).
		AddStep("gated", func(_ context.Context, _ *dataflow.WorkState) error {
			<-gate
			return nil
		}, dataflow.Capacity(1)).
		WithDefaultFinalization().
		WithDefaultErrorHandling().
		Build()
	require.NoError(t, err)
	df := startFlow(t, plan, dataflow.Deps{Consumers: factoryOf(c)})

	// Act
	var accepted atomic.Int32
	go func() {
		for i := uint64(1); i <= 10; i++ {
			c.deliver(rawMessage(ack, i, "x"))
			accepted.Add(1)
		}
	}()

	// Assert: intake queue, build worker, step queue, step worker and the
	// fan-in goroutine each hold one item; nothing more is accepted.
	require.Eventually(t, func() bool { return accepted.Load() == 5 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return accepted.Load() > 5 }, 100*time.Millisecond, 10*time.Millisecond)

	close(gate)
	require.Eventually(t, func() bool { return ack.settledCount() == 10 }, time.Second, 10*time.Millisecond)
	stopFlow(t, df)
}

func TestDataflow_GracefulStopDrains(t *testing.T) {
	// Arrange
	const total = 20
	ack := newRecordingAck()
	c := newFakeConsumer()
	svc := &fakeService{}

	plan, err := dataflow.NewBuilder("drain", consumerOpts()).
		WithBuildState().
		AddStep("slow", func(_ context.Context, _ *dataflow.WorkState) error {
			time.Sleep(2 * time.Millisecond)
			return nil
		}).
		WithDefaultFinalization().
		WithDefaultErrorHandling().
		Build()
	require.NoError(t, err)
	df := startFlow(t, plan, dataflow.Deps{Consumers: factoryOf(c), Service: svc})

	for i := uint64(1); i <= total; i++ {
		c.deliver(rawMessage(ack, i, "x"))
	}

	// Act
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, df.Stop(ctx, false, true))

	// Assert
	assert.Equal(t, total, ack.settledCount())
	for i := uint64(1); i <= total; i++ {
		assert.Equal(t, []string{"ack"}, ack.opsFor(i))
	}
	select {
	case <-df.Done():
	default:
		t.Fatal("dataflow should be done after a graceful stop")
	}
	assert.Equal(t, []bool{false}, svc.shutdowns)
	assert.Equal(t, []bool{false}, c.stopImmediate)
}

func TestDataflow_ImmediateStopCancelsSteps(t *testing.T) {
	// Arrange
	ack := newRecordingAck()
	c := newFakeConsumer()
	var running atomic.Int32

	plan, err := dataflow.NewBuilder("immediate", consumerOpts()).
		WithBuildState().
		AddStep("wait", func(ctx context.Context, _ *dataflow.WorkState) error {
			running.Add(1)
			<-ctx.Done()
			return ctx.Err()
		}, dataflow.Parallel(3)).
		WithDefaultFinalization().
		WithDefaultErrorHandling().
		Build()
	require.NoError(t, err)
	df := startFlow(t, plan, dataflow.Deps{Consumers: factoryOf(c)})
	c.deliver(rawMessage(ack, 1, "x"), rawMessage(ack, 2, "x"), rawMessage(ack, 3, "x"))
	require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, 5*time.Millisecond)

	// Act
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, df.Stop(ctx, true, false))

	// Assert
	for i := uint64(1); i <= 3; i++ {
		assert.Equal(t, []string{"nack:true"}, ack.opsFor(i))
	}
	assert.Equal(t, []bool{true}, c.stopImmediate)
}

func TestDataflow_DefaultErrorPolicy(t *testing.T) {
	failing := func(_ context.Context, _ *dataflow.WorkState) error { return errBoom }

	build := func(t *testing.T, opts config.ConsumerOptions) *dataflow.Plan {
		plan, err := dataflow.NewBuilder("errors", opts).
			WithBuildState().
			AddStep("fail", failing).
			WithDefaultFinalization().
			WithDefaultErrorHandling().
			Build()
		require.NoError(t, err)
		return plan
	}

	t.Run("dead letter rejects without requeue", func(t *testing.T) {
		ack := newRecordingAck()
		c := newFakeConsumer()
		opts := consumerOpts()
		opts.DeadLetter = true
		df := startFlow(t, build(t, opts), dataflow.Deps{Consumers: factoryOf(c)})

		c.deliver(rawMessage(ack, 1, "x"))

		require.Eventually(t, func() bool { return ack.settledCount() == 1 }, time.Second, 10*time.Millisecond)
		stopFlow(t, df)
		assert.Equal(t, []string{"reject:false"}, ack.opsFor(1))
	})

	t.Run("raw body is republished to the error queue then acked", func(t *testing.T) {
		ack := newRecordingAck()
		c := newFakeConsumer()
		pub := &fakePublisher{}
		opts := consumerOpts()
		opts.ErrorQueueName = "orders.error"
		df := startFlow(t, build(t, opts), dataflow.Deps{Consumers: factoryOf(c), Publisher: pub})

		msg := types.NewReceivedMessage(ack, 1, []byte("payload"), map[string]any{"tenant": "acme"})
		c.deliver(msg)

		require.Eventually(t, func() bool { return ack.settledCount() == 1 }, time.Second, 10*time.Millisecond)
		stopFlow(t, df)
		assert.Equal(t, []string{"ack"}, ack.opsFor(1))
		published := pub.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "", published[0].Exchange)
		assert.Equal(t, "orders.error", published[0].RoutingKey)
		assert.Equal(t, types.Persistent, published[0].DeliveryMode)
		assert.NotEmpty(t, published[0].MessageID)
		assert.Equal(t, []byte("payload"), published[0].Body)
		assert.Equal(t, "acme", published[0].Metadata.Fields["tenant"])
		assert.Empty(t, pub.Queued())
	})

	t.Run("decoded message is queued to the error queue then acked", func(t *testing.T) {
		ack := newRecordingAck()
		c := newFakeConsumer()
		pub := &fakePublisher{}
		opts := consumerOpts()
		opts.ErrorQueueName = "orders.error"
		df := startFlow(t, build(t, opts), dataflow.Deps{Consumers: factoryOf(c), Publisher: pub})

		msg := types.NewReceivedMessage(ack, 1, []byte("{}"), nil)
		msg.Message = &types.Message{MessageID: "env-1", Exchange: "orders-x", RoutingKey: "orders", Body: []byte("inner")}
		c.deliver(msg)

		require.Eventually(t, func() bool { return ack.settledCount() == 1 }, time.Second, 10*time.Millisecond)
		stopFlow(t, df)
		assert.Equal(t, []string{"ack"}, ack.opsFor(1))
		queued := pub.Queued()
		require.Len(t, queued, 1)
		assert.Equal(t, "orders.error", queued[0].RoutingKey)
		assert.Equal(t, "orders-x", queued[0].Exchange)
		assert.True(t, queued[0].Envelope)
		assert.Equal(t, "orders", msg.Message.RoutingKey, "the received message must not be modified")
	})

	t.Run("republish failure requeues", func(t *testing.T) {
		ack := newRecordingAck()
		c := newFakeConsumer()
		pub := &fakePublisher{publishErr: errors.New("broker unavailable")}
		opts := consumerOpts()
		opts.ErrorQueueName = "orders.error"
		df := startFlow(t, build(t, opts), dataflow.Deps{Consumers: factoryOf(c), Publisher: pub})

		c.deliver(rawMessage(ack, 1, "x"))

		require.Eventually(t, func() bool { return ack.settledCount() == 1 }, time.Second, 10*time.Millisecond)
		stopFlow(t, df)
		assert.Equal(t, []string{"nack:true"}, ack.opsFor(1))
	})
}

func TestDataflow_FailuresBecomeFaults(t *testing.T) {
	testCases := []struct {
		name      string
		builder   func(*dataflow.Builder) *dataflow.Builder
		publisher *fakePublisher
		wantErr   error
	}{
		{
			name: "panic in a step",
			builder: func(b *dataflow.Builder) *dataflow.Builder {
				return b.WithBuildState().AddStep("panic", func(context.Context, *dataflow.WorkState) error {
					panic("step exploded")
				})
			},
			wantErr: dataflow.ErrStepPanic,
		},
		{
			name: "state builder failure",
			builder: func(b *dataflow.Builder) *dataflow.Builder {
				return b.WithBuildStateFunc(func(context.Context, *types.ReceivedMessage) (*dataflow.WorkState, error) {
					return nil, errBoom
				})
			},
			wantErr: dataflow.ErrBuildState,
		},
		{
			name: "publisher stopping",
			builder: func(b *dataflow.Builder) *dataflow.Builder {
				return b.WithBuildState().
					WithCreateSendMessage(func(_ context.Context, s *dataflow.WorkState) error {
						s.SendMessage = &types.Message{RoutingKey: "out", Body: []byte("x")}
						return nil
					}).
					WithSendMessageStep()
			},
			publisher: &fakePublisher{queueErr: fmt.Errorf("queue: %w", publisher.ErrPublisherNotRunning)},
			wantErr:   dataflow.ErrShutdownInProgress,
		},
		{
			name: "send without a send message",
			builder: func(b *dataflow.Builder) *dataflow.Builder {
				return b.WithBuildState().WithSendMessageStep()
			},
			publisher: &fakePublisher{},
			wantErr:   dataflow.ErrNoSendMessage,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			ack := newRecordingAck()
			c := newFakeConsumer()
			var handled atomic.Value
			b := tc.builder(dataflow.NewBuilder("faults", consumerOpts())).
				WithDefaultFinalization().
				WithDefaultErrorHandling().
				WithHooks(dataflow.Hooks{OnErrorHandled: func(_ *dataflow.WorkState, err error) {
					handled.Store(err)
				}})
			plan, err := b.Build()
			require.NoError(t, err)
			deps := dataflow.Deps{Consumers: factoryOf(c)}
			if tc.publisher != nil {
				deps.Publisher = tc.publisher
			}
			df := startFlow(t, plan, deps)

			// Act
			c.deliver(rawMessage(ack, 1, "x"))

			// Assert
			require.Eventually(t, func() bool { return ack.settledCount() == 1 }, time.Second, 10*time.Millisecond)
			stopFlow(t, df)
			assert.Equal(t, []string{"nack:true"}, ack.opsFor(1))
			err, _ = handled.Load().(error)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestDataflow_FinalizationFailureRoutesToErrorHandling(t *testing.T) {
	// Arrange
	ack := newRecordingAck()
	c := newFakeConsumer()
	var handled atomic.Int32

	plan, err := dataflow.NewBuilder("final", consumerOpts()).
		WithBuildState().
		WithFinalization(func(context.Context, *dataflow.WorkState) error { return errBoom }).
		WithErrorHandling(func(_ context.Context, s *dataflow.WorkState) error {
			handled.Add(1)
			return s.ReceivedMessage.Reject(true)
		}).
		Build()
	require.NoError(t, err)
	df := startFlow(t, plan, dataflow.Deps{Consumers: factoryOf(c)})

	// Act
	c.deliver(rawMessage(ack, 1, "x"))

	// Assert
	require.Eventually(t, func() bool { return ack.settledCount() == 1 }, time.Second, 10*time.Millisecond)
	stopFlow(t, df)
	assert.Equal(t, []string{"reject:true"}, ack.opsFor(1))
	assert.Equal(t, int32(1), handled.Load())
}

func TestDataflow_ErrorHandlerFailureRequeues(t *testing.T) {
	ack := newRecordingAck()
	c := newFakeConsumer()

	plan, err := dataflow.NewBuilder("handler", consumerOpts()).
		WithBuildState().
		AddStep("fail", func(context.Context, *dataflow.WorkState) error { return errBoom }).
		WithDefaultFinalization().
		WithErrorHandling(func(context.Context, *dataflow.WorkState) error { return errors.New("handler broke") }).
		Build()
	require.NoError(t, err)
	df := startFlow(t, plan, dataflow.Deps{Consumers: factoryOf(c)})

	c.deliver(rawMessage(ack, 1, "x"))

	require.Eventually(t, func() bool { return ack.settledCount() == 1 }, time.Second, 10*time.Millisecond)
	stopFlow(t, df)
	assert.Equal(t, []string{"nack:true"}, ack.opsFor(1))
}

func TestDataflow_SkippedStatesAreAcked(t *testing.T) {
	ack := newRecordingAck()
	c := newFakeConsumer()
	var secondCalls atomic.Int32

	plan, err := dataflow.NewBuilder("skip", consumerOpts()).
		WithBuildState().
		AddStep("filter", func(_ context.Context, s *dataflow.WorkState) error {
			s.Skip()
			return nil
		}).
		AddStep("never", func(context.Context, *dataflow.WorkState) error {
			secondCalls.Add(1)
			return nil
		}).
		WithDefaultFinalization().
		WithDefaultErrorHandling().
		Build()
	require.NoError(t, err)
	df := startFlow(t, plan, dataflow.Deps{Consumers: factoryOf(c)})

	c.deliver(rawMessage(ack, 1, "x"))

	require.Eventually(t, func() bool { return ack.settledCount() == 1 }, time.Second, 10*time.Millisecond)
	stopFlow(t, df)
	assert.Equal(t, []string{"ack"}, ack.opsFor(1))
	assert.Equal(t, int32(0), secondCalls.Load())
}

func TestDataflow_ByteStepsRoundTrip(t *testing.T) {
	// Arrange
	original := []byte("rabbitflow rabbitflow rabbitflow rabbitflow")
	enc, err := codec.NewAesGcmEncryptor(codec.DeriveKey("passphrase", "saltsalt"))
	require.NoError(t, err)
	comp := codec.NewGzipCompressor(0)

	outPub := &fakePublisher{}
	outConsumer := newFakeConsumer()
	outAck := newRecordingAck()
	outbound, err := dataflow.NewBuilder("outbound", consumerOpts()).
		WithCompressionProvider(comp).
		WithEncryptionProvider(enc).
		WithBuildState().
		WithCreateSendMessage(func(_ context.Context, s *dataflow.WorkState) error {
			s.SendMessage = &types.Message{RoutingKey: "out"}
			s.SendData = append([]byte(nil), s.ReceivedMessage.Body...)
			return nil
		}).
		WithSendCompressedStep().
		WithSendEncryptedStep().
		WithSendMessageStep().
		WithDefaultFinalization().
		WithDefaultErrorHandling().
		Build()
	require.NoError(t, err)
	outFlow := startFlow(t, outbound, dataflow.Deps{Consumers: factoryOf(outConsumer), Publisher: outPub})

	// Act 1: compress and encrypt on the way out.
	outConsumer.deliver(rawMessage(outAck, 1, string(original)))
	require.Eventually(t, func() bool { return len(outPub.Queued()) == 1 }, time.Second, 10*time.Millisecond)
	stopFlow(t, outFlow)

	// Assert 1
	sent := outPub.Queued()[0]
	assert.True(t, sent.Metadata.Compressed())
	assert.True(t, sent.Metadata.Encrypted())
	assert.Equal(t, "GZIP", sent.Metadata.Fields[types.HeaderCompressionType])
	assert.Equal(t, "AES256-GCM", sent.Metadata.Fields[types.HeaderEncryptionType])
	assert.NotEmpty(t, sent.Metadata.Fields[types.HeaderEncryptDate])
	assert.NotEqual(t, original, sent.Body)
	assert.Equal(t, []string{"ack"}, outAck.opsFor(1))

	// Arrange 2
	inConsumer := newFakeConsumer()
	inAck := newRecordingAck()
	var mu sync.Mutex
	bodies := map[uint64][]byte{}
	inbound, err := dataflow.NewBuilder("inbound", consumerOpts()).
		WithCompressionProvider(comp).
		WithEncryptionProvider(enc).
		WithBuildState().
		WithDecryptionStep().
		WithDecompressionStep().
		AddStep("capture", func(_ context.Context, s *dataflow.WorkState) error {
			body := s.ReceivedMessage.Body
			if s.ReceivedMessage.Message != nil {
				body = s.ReceivedMessage.Message.Body
			}
			mu.Lock()
			bodies[s.ReceivedMessage.DeliveryTag] = body
			mu.Unlock()
			return nil
		}).
		WithDefaultFinalization().
		WithDefaultErrorHandling().
		Build()
	require.NoError(t, err)
	inFlow := startFlow(t, inbound, dataflow.Deps{Consumers: factoryOf(inConsumer)})

	// Act 2: the raw delivery carries the flags as headers, the envelope in its metadata.
	raw := types.NewReceivedMessage(inAck, 1, sent.Body, sent.Metadata.Fields)
	envelope := types.NewReceivedMessage(inAck, 2, []byte("{}"), nil)
	copied := *sent
	copied.Metadata.Fields = maps.Clone(sent.Metadata.Fields)
	envelope.Message = &copied
	inConsumer.deliver(raw, envelope)

	// Assert 2
	require.Eventually(t, func() bool { return inAck.settledCount() == 2 }, time.Second, 10*time.Millisecond)
	stopFlow(t, inFlow)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, original, bodies[1])
	assert.Equal(t, original, bodies[2])
	assert.False(t, raw.Compressed)
	assert.False(t, raw.Encrypted)
	assert.Equal(t, []string{"ack"}, inAck.opsFor(1))
	assert.Equal(t, []string{"ack"}, inAck.opsFor(2))
}

func TestDataflow_DeduplicatesRedeliveries(t *testing.T) {
	// Arrange
	ack := newRecordingAck()
	c := newFakeConsumer()
	seen := cache.NewInMemoryPresenceCache[string, time.Time](time.Hour)
	var processed atomic.Int32

	plan, err := dataflow.NewBuilder("dedupe", consumerOpts()).
		WithBuildState().
		WithDeduplication(seen).
		AddStep("count", func(context.Context, *dataflow.WorkState) error {
			processed.Add(1)
			return nil
		}).
		WithDefaultFinalization().
		WithDefaultErrorHandling().
		Build()
	require.NoError(t, err)
	df := startFlow(t, plan, dataflow.Deps{Consumers: factoryOf(c)})

	first := rawMessage(ack, 1, "x")
	first.MessageID = "order-1"
	c.deliver(first)
	require.Eventually(t, func() bool { return ack.settledCount() == 1 }, time.Second, 10*time.Millisecond)

	// Act
	duplicate := rawMessage(ack, 2, "x")
	duplicate.MessageID = "order-1"
	duplicate.Redelivered = true
	unseen := rawMessage(ack, 3, "x")
	unseen.MessageID = "order-2"
	unseen.Redelivered = true
	c.deliver(duplicate, unseen)

	// Assert
	require.Eventually(t, func() bool { return ack.settledCount() == 3 }, time.Second, 10*time.Millisecond)
	stopFlow(t, df)
	assert.Equal(t, int32(2), processed.Load())
	for i := uint64(1); i <= 3; i++ {
		assert.Equal(t, []string{"ack"}, ack.opsFor(i))
	}
	_, err = seen.Fetch(context.Background(), "order-2")
	assert.NoError(t, err)
}

func TestDataflow_MultipleConsumersFanIn(t *testing.T) {
	ack := newRecordingAck()
	c1, c2 := newFakeConsumer(), newFakeConsumer()
	opts := consumerOpts()
	opts.Consumers = 2

	plan, err := dataflow.NewBuilder("fan-in", opts).
		WithBuildState().
		WithDefaultFinalization().
		WithDefaultErrorHandling().
		Build()
	require.NoError(t, err)
	df := startFlow(t, plan, dataflow.Deps{Consumers: factoryOf(c1, c2)})

	go c1.deliver(rawMessage(ack, 1, "x"), rawMessage(ack, 2, "x"))
	c2.deliver(rawMessage(ack, 3, "x"))

	require.Eventually(t, func() bool { return ack.settledCount() == 3 }, time.Second, 10*time.Millisecond)
	stopFlow(t, df)
	assert.Equal(t, []bool{false}, c1.stopImmediate)
	assert.Equal(t, []bool{false}, c2.stopImmediate)
}

func TestDataflow_Lifecycle(t *testing.T) {
	plan, err := dataflow.NewBuilder("lifecycle", consumerOpts()).
		WithBuildState().
		WithDefaultFinalization().
		WithDefaultErrorHandling().
		Build()
	require.NoError(t, err)

	t.Run("stop before start", func(t *testing.T) {
		df, err := dataflow.New(plan, dataflow.Deps{Consumers: factoryOf(newFakeConsumer())}, zerolog.Nop())
		require.NoError(t, err)
		assert.ErrorIs(t, df.Stop(context.Background(), false, false), dataflow.ErrNotStarted)
	})

	t.Run("start twice", func(t *testing.T) {
		df := startFlow(t, plan, dataflow.Deps{Consumers: factoryOf(newFakeConsumer())})
		assert.ErrorIs(t, df.Start(context.Background()), dataflow.ErrAlreadyStarted)
		stopFlow(t, df)
	})

	t.Run("consumer start failure", func(t *testing.T) {
		c := newFakeConsumer()
		c.startErr = errBoom
		df, err := dataflow.New(plan, dataflow.Deps{Consumers: factoryOf(c)}, zerolog.Nop())
		require.NoError(t, err)
		assert.ErrorIs(t, df.Start(context.Background()), errBoom)
		assert.Equal(t, []bool{true}, c.stopImmediate)
	})
}
