package dataflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-rabbitflow/pkg/cache"
	"github.com/illmade-knight/go-rabbitflow/pkg/codec"
	"github.com/illmade-knight/go-rabbitflow/pkg/config"
	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

var (
	// ErrMissingStage is returned by Build when a mandatory stage is not configured.
	ErrMissingStage = errors.New("rabbitflow/dataflow: mandatory stage not configured")
	// ErrMissingProvider is returned when a stage needs a codec, cache or
	// publisher that was not supplied.
	ErrMissingProvider = errors.New("rabbitflow/dataflow: required provider not configured")
	// ErrInvalidStep is returned for a nil or unnamed step.
	ErrInvalidStep = errors.New("rabbitflow/dataflow: invalid step")
)

// StepFunc is a pipeline step. A returned error faults the state.
type StepFunc func(ctx context.Context, state *WorkState) error

// BuildStateFunc creates the WorkState for a delivery.
type BuildStateFunc func(ctx context.Context, msg *types.ReceivedMessage) (*WorkState, error)

// TerminalFunc is a finalization or error-handling action.
type TerminalFunc func(ctx context.Context, state *WorkState) error

type stageSpec struct {
	set  bool
	fn   StepFunc
	opts StageOptions
}

type terminalSpec struct {
	set        bool
	useDefault bool
	fn         TerminalFunc
	opts       StageOptions
}

// Builder assembles a Plan. Stages are placed in the fixed phase order no
// matter the order of the builder calls; the first configuration of a
// singleton stage wins.
type Builder struct {
	workflowName string
	consumerOpts config.ConsumerOptions
	defaults     StageOptions

	compressor codec.Compressor
	encryptor  codec.Encryptor
	timeFormat string
	hooks      Hooks

	buildState     BuildStateFunc
	buildStateOpts StageOptions
	buildStateSet  bool

	decrypt       stageSpec
	decompress    stageSpec
	dedupe        stageSpec
	dedupeCache   cache.PresenceCache[string, time.Time]
	readyBuffer   stageSpec
	steps         []StageDescriptor
	postBuffer    stageSpec
	createSend    stageSpec
	sendCompress  stageSpec
	sendEncrypt   stageSpec
	send          stageSpec
	finalization  terminalSpec
	errorHandling terminalSpec

	errs []error
}

// NewBuilder starts a plan for the consumer described by consumerOpts. The
// consumer's parallelism and ordering become the default stage options.
func NewBuilder(workflowName string, consumerOpts config.ConsumerOptions) *Builder {
	if workflowName == "" {
		workflowName = consumerOpts.WorkflowName
	}
	if workflowName == "" {
		workflowName = consumerOpts.Name
	}
	return &Builder{
		workflowName: workflowName,
		consumerOpts: consumerOpts,
		defaults: StageOptions{
			Parallelism:     consumerOpts.Parallelism,
			EnsureOrdered:   consumerOpts.EnsureOrdered,
			BoundedCapacity: DefaultBoundedCapacity,
		}.normalized(),
		timeFormat: time.RFC3339Nano,
	}
}

// WorkflowName is the resolved name prefixing every stage.
func (b *Builder) WorkflowName() string { return b.workflowName }

func (b *Builder) stageOpts(opts []StageOption) StageOptions {
	return applyOptions(b.defaults, opts)
}

// WithCompressionProvider sets the compressor used by the compression stages.
func (b *Builder) WithCompressionProvider(c codec.Compressor) *Builder {
	b.compressor = c
	return b
}

// WithEncryptionProvider sets the encryptor used by the encryption stages.
func (b *Builder) WithEncryptionProvider(e codec.Encryptor) *Builder {
	b.encryptor = e
	return b
}

// WithTimeFormat sets the layout of the encrypt-date header.
func (b *Builder) WithTimeFormat(layout string) *Builder {
	if layout != "" {
		b.timeFormat = layout
	}
	return b
}

// WithHooks adds observers; repeated calls are merged.
func (b *Builder) WithHooks(h Hooks) *Builder {
	b.hooks = Merge(b.hooks, h)
	return b
}

// WithBuildState uses the default state builder.
func (b *Builder) WithBuildState(opts ...StageOption) *Builder {
	return b.WithBuildStateFunc(nil, opts...)
}

// WithBuildStateFunc uses fn to build states; nil selects the default.
func (b *Builder) WithBuildStateFunc(fn BuildStateFunc, opts ...StageOption) *Builder {
	if b.buildStateSet {
		return b
	}
	b.buildStateSet = true
	b.buildState = fn
	b.buildStateOpts = b.stageOpts(opts)
	return b
}

func (b *Builder) setStage(spec *stageSpec, fn StepFunc, opts []StageOption) *Builder {
	if spec.set {
		return b
	}
	spec.set = true
	spec.fn = fn
	spec.opts = b.stageOpts(opts)
	return b
}

// WithDecryptionStep decrypts bodies flagged as encrypted.
func (b *Builder) WithDecryptionStep(opts ...StageOption) *Builder {
	return b.setStage(&b.decrypt, nil, opts)
}

// WithDecompressionStep decompresses bodies flagged as compressed.
func (b *Builder) WithDecompressionStep(opts ...StageOption) *Builder {
	return b.setStage(&b.decompress, nil, opts)
}

// WithDeduplication skips redelivered messages whose id was already finalized.
func (b *Builder) WithDeduplication(c cache.PresenceCache[string, time.Time], opts ...StageOption) *Builder {
	if b.dedupe.set {
		return b
	}
	b.dedupeCache = c
	return b.setStage(&b.dedupe, nil, opts)
}

// WithReadyBuffer sets the capacity of the buffer ahead of the user steps.
func (b *Builder) WithReadyBuffer(capacity int) *Builder {
	return b.setStage(&b.readyBuffer, nil, []StageOption{Parallel(1), Ordered(), Capacity(capacity)})
}

// AddStep appends a user step. Steps run in registration order.
func (b *Builder) AddStep(name string, fn StepFunc, opts ...StageOption) *Builder {
	if fn == nil || name == "" {
		b.errs = append(b.errs, fmt.Errorf("%w: step %q", ErrInvalidStep, name))
		return b
	}
	b.steps = append(b.steps, StageDescriptor{
		Name:    fmt.Sprintf("%s.step_%d.%s", b.workflowName, len(b.steps), name),
		Kind:    KindUserStep,
		Options: b.stageOpts(opts),
		step:    fn,
	})
	return b
}

// WithPostProcessingBuffer sets the capacity of the buffer after the user steps.
func (b *Builder) WithPostProcessingBuffer(capacity int) *Builder {
	return b.setStage(&b.postBuffer, nil, []StageOption{Parallel(1), Ordered(), Capacity(capacity)})
}

// WithCreateSendMessage runs fn to populate SendMessage or SendData.
func (b *Builder) WithCreateSendMessage(fn StepFunc, opts ...StageOption) *Builder {
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("%w: create send message", ErrInvalidStep))
		return b
	}
	return b.setStage(&b.createSend, fn, opts)
}

// WithSendCompressedStep compresses the outbound body.
func (b *Builder) WithSendCompressedStep(opts ...StageOption) *Builder {
	return b.setStage(&b.sendCompress, nil, opts)
}

// WithSendEncryptedStep encrypts the outbound body and stamps the encrypt date.
func (b *Builder) WithSendEncryptedStep(opts ...StageOption) *Builder {
	return b.setStage(&b.sendEncrypt, nil, opts)
}

// WithSendMessageStep queues SendMessage on the auto-publisher.
func (b *Builder) WithSendMessageStep(opts ...StageOption) *Builder {
	return b.setStage(&b.send, nil, opts)
}

func (b *Builder) setTerminal(spec *terminalSpec, fn TerminalFunc, useDefault bool, opts []StageOption) *Builder {
	if spec.set {
		return b
	}
	spec.set = true
	spec.fn = fn
	spec.useDefault = useDefault
	spec.opts = b.stageOpts(opts)
	return b
}

// WithDefaultFinalization acknowledges every successful delivery.
func (b *Builder) WithDefaultFinalization(opts ...StageOption) *Builder {
	return b.setTerminal(&b.finalization, nil, true, opts)
}

// WithFinalization sets the terminal action for successful states.
func (b *Builder) WithFinalization(fn TerminalFunc, opts ...StageOption) *Builder {
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("%w: finalization", ErrInvalidStep))
		return b
	}
	return b.setTerminal(&b.finalization, fn, false, opts)
}

// WithDefaultErrorHandling applies the dead-letter, error-queue or requeue policy.
func (b *Builder) WithDefaultErrorHandling(opts ...StageOption) *Builder {
	return b.setTerminal(&b.errorHandling, nil, true, opts)
}

// WithErrorHandling sets the terminal action for faulted states.
func (b *Builder) WithErrorHandling(fn TerminalFunc, opts ...StageOption) *Builder {
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("%w: error handling", ErrInvalidStep))
		return b
	}
	return b.setTerminal(&b.errorHandling, fn, false, opts)
}

// Build validates the configuration and returns an immutable plan.
func (b *Builder) Build() (*Plan, error) {
	errs := append([]error(nil), b.errs...)
	if !b.buildStateSet {
		errs = append(errs, fmt.Errorf("%w: build state", ErrMissingStage))
	}
	if !b.finalization.set {
		errs = append(errs, fmt.Errorf("%w: finalization", ErrMissingStage))
	}
	if !b.errorHandling.set {
		errs = append(errs, fmt.Errorf("%w: error handling", ErrMissingStage))
	}
	if (b.decrypt.set || b.sendEncrypt.set) && b.encryptor == nil {
		errs = append(errs, fmt.Errorf("%w: encryption provider", ErrMissingProvider))
	}
	if (b.decompress.set || b.sendCompress.set) && b.compressor == nil {
		errs = append(errs, fmt.Errorf("%w: compression provider", ErrMissingProvider))
	}
	if b.dedupe.set && b.dedupeCache == nil {
		errs = append(errs, fmt.Errorf("%w: deduplication cache", ErrMissingProvider))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	p := &Plan{
		workflowName: b.workflowName,
		consumerOpts: b.consumerOpts,
		compressor:   b.compressor,
		encryptor:    b.encryptor,
		timeFormat:   b.timeFormat,
		hooks:        b.hooks,
		dedupeCache:  b.dedupeCache,
		buildState:   b.buildState,
		buildStage: StageDescriptor{
			Name: b.spanName(KindBuildState), Kind: KindBuildState, Options: b.buildStateOpts,
		},
		finalize:       b.finalization.fn,
		defaultFinal:   b.finalization.useDefault,
		handleError:    b.errorHandling.fn,
		defaultErrors:  b.errorHandling.useDefault,
		finalizeStage:  StageDescriptor{Name: b.spanName(KindFinalization), Kind: KindFinalization, Options: b.finalization.opts},
		errorStage:     StageDescriptor{Name: b.spanName(KindErrorHandling), Kind: KindErrorHandling, Options: b.errorHandling.opts},
		sendConfigured: b.send.set,
	}

	add := func(spec stageSpec, kind StageKind) {
		if spec.set {
			p.stages = append(p.stages, StageDescriptor{Name: b.spanName(kind), Kind: kind, Options: spec.opts, step: spec.fn})
		}
	}
	add(b.decrypt, KindDecrypt)
	add(b.decompress, KindDecompress)
	add(b.dedupe, KindDeduplicate)
	add(b.readyBuffer, KindReadyBuffer)
	p.stages = append(p.stages, b.steps...)
	add(b.postBuffer, KindPostProcessingBuffer)
	add(b.createSend, KindCreateSendMessage)
	add(b.sendCompress, KindCompress)
	add(b.sendEncrypt, KindEncrypt)
	add(b.send, KindSend)
	return p, nil
}

func (b *Builder) spanName(kind StageKind) string {
	return fmt.Sprintf("%s.%s", b.workflowName, kind)
}

// Plan is a validated, immutable dataflow description. A runtime graph is
// compiled from it by New.
type Plan struct {
	workflowName string
	consumerOpts config.ConsumerOptions
	compressor   codec.Compressor
	encryptor    codec.Encryptor
	timeFormat   string
	hooks        Hooks
	dedupeCache  cache.PresenceCache[string, time.Time]

	buildState    BuildStateFunc
	buildStage    StageDescriptor
	stages        []StageDescriptor
	finalize      TerminalFunc
	defaultFinal  bool
	finalizeStage StageDescriptor
	handleError   TerminalFunc
	defaultErrors bool
	errorStage    StageDescriptor

	sendConfigured bool
}

// WorkflowName is the name prefixing every stage of the plan.
func (p *Plan) WorkflowName() string { return p.workflowName }

// ConsumerOptions returns the options of the consumer feeding the plan.
func (p *Plan) ConsumerOptions() config.ConsumerOptions { return p.consumerOpts }

// Stages lists every stage in execution order, from build state to error handling.
func (p *Plan) Stages() []StageDescriptor {
	out := make([]StageDescriptor, 0, len(p.stages)+3)
	out = append(out, p.buildStage)
	out = append(out, p.stages...)
	out = append(out, p.finalizeStage, p.errorStage)
	return out
}
