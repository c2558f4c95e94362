package dataflow

// DefaultBoundedCapacity is the queue capacity of a stage when none is given.
const DefaultBoundedCapacity = 1000

// StageKind identifies what a stage does.
type StageKind int

const (
	KindBuildState StageKind = iota
	KindDecrypt
	KindDecompress
	KindDeduplicate
	KindReadyBuffer
	KindUserStep
	KindPostProcessingBuffer
	KindCreateSendMessage
	KindCompress
	KindEncrypt
	KindSend
	KindFinalization
	KindErrorHandling
)

var kindNames = map[StageKind]string{
	KindBuildState:           "build_state",
	KindDecrypt:              "receive_decrypt",
	KindDecompress:           "receive_decompress",
	KindDeduplicate:          "deduplicate",
	KindReadyBuffer:          "ready_buffer",
	KindUserStep:             "step",
	KindPostProcessingBuffer: "post_processing_buffer",
	KindCreateSendMessage:    "send_create",
	KindCompress:             "send_compress",
	KindEncrypt:              "send_encrypt",
	KindSend:                 "send",
	KindFinalization:         "finalization",
	KindErrorHandling:        "error_handler",
}

func (k StageKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// StageOptions configures the worker pool and queue of one stage.
type StageOptions struct {
	// Parallelism is the number of concurrent workers, at least 1.
	Parallelism int
	// EnsureOrdered emits results in input order when Parallelism > 1.
	EnsureOrdered bool
	// BoundedCapacity is the size of the stage's input queue.
	BoundedCapacity int
}

func (o StageOptions) normalized() StageOptions {
	if o.Parallelism < 1 {
		o.Parallelism = 1
	}
	if o.BoundedCapacity < 1 {
		o.BoundedCapacity = DefaultBoundedCapacity
	}
	return o
}

// StageOption overrides one field of the workflow's default stage options.
type StageOption func(*StageOptions)

// Parallel sets the number of workers for a stage.
func Parallel(n int) StageOption {
	return func(o *StageOptions) { o.Parallelism = n }
}

// Ordered preserves input order at the stage's output.
func Ordered() StageOption {
	return func(o *StageOptions) { o.EnsureOrdered = true }
}

// Unordered lets the stage emit items as they complete.
func Unordered() StageOption {
	return func(o *StageOptions) { o.EnsureOrdered = false }
}

// Capacity sets the stage's input queue size.
func Capacity(n int) StageOption {
	return func(o *StageOptions) { o.BoundedCapacity = n }
}

func applyOptions(base StageOptions, opts []StageOption) StageOptions {
	for _, opt := range opts {
		opt(&base)
	}
	return base.normalized()
}

// StageDescriptor describes one stage of a compiled plan.
type StageDescriptor struct {
	Name    string
	Kind    StageKind
	Options StageOptions

	step StepFunc
}
