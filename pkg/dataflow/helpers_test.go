package dataflow_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-rabbitflow/pkg/consumer"
	"github.com/illmade-knight/go-rabbitflow/pkg/dataflow"
	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

// fakeConsumer is a MessageConsumer fed directly by the test.
type fakeConsumer struct {
	out          chan *types.ReceivedMessage
	done         chan struct{}
	startErr     error
	stopOnce     sync.Once
	completeOnce sync.Once

	mu            sync.Mutex
	started       bool
	stopImmediate []bool
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		out:  make(chan *types.ReceivedMessage),
		done: make(chan struct{}),
	}
}

func (c *fakeConsumer) Messages() <-chan *types.ReceivedMessage { return c.out }

func (c *fakeConsumer) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = true
	return nil
}

func (c *fakeConsumer) Stop(_ context.Context, immediate bool) error {
	c.mu.Lock()
	c.stopImmediate = append(c.stopImmediate, immediate)
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConsumer) Done() <-chan struct{} { return c.done }

func (c *fakeConsumer) Complete() {
	c.completeOnce.Do(func() { close(c.out) })
}

func (c *fakeConsumer) deliver(msgs ...*types.ReceivedMessage) {
	for _, m := range msgs {
		c.out <- m
	}
}

func factoryOf(consumers ...*fakeConsumer) dataflow.ConsumerFactory {
	var mu sync.Mutex
	next := 0
	return func(string) (consumer.MessageConsumer, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(consumers) {
			return nil, fmt.Errorf("no more consumers")
		}
		c := consumers[next]
		next++
		return c, nil
	}
}

// recordingAck records every settlement per delivery tag.
type recordingAck struct {
	mu  sync.Mutex
	ops map[uint64][]string
}

func newRecordingAck() *recordingAck {
	return &recordingAck{ops: make(map[uint64][]string)}
}

func (a *recordingAck) record(tag uint64, op string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ops[tag] = append(a.ops[tag], op)
}

func (a *recordingAck) Ack(tag uint64, _ bool) error {
	a.record(tag, "ack")
	return nil
}

func (a *recordingAck) Nack(tag uint64, _ bool, requeue bool) error {
	a.record(tag, fmt.Sprintf("nack:%t", requeue))
	return nil
}

func (a *recordingAck) Reject(tag uint64, requeue bool) error {
	a.record(tag, fmt.Sprintf("reject:%t", requeue))
	return nil
}

func (a *recordingAck) opsFor(tag uint64) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ops[tag]...)
}

func (a *recordingAck) settledCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ops)
}

// fakePublisher captures outbound messages.
type fakePublisher struct {
	mu         sync.Mutex
	queued     []*types.Message
	published  []*types.Message
	queueErr   error
	publishErr error
}

func (p *fakePublisher) QueueMessage(_ context.Context, msg *types.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queueErr != nil {
		return p.queueErr
	}
	p.queued = append(p.queued, msg)
	return nil
}

func (p *fakePublisher) Publish(_ context.Context, msg *types.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *fakePublisher) Queued() []*types.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*types.Message(nil), p.queued...)
}

func (p *fakePublisher) Published() []*types.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*types.Message(nil), p.published...)
}

type fakeService struct {
	mu        sync.Mutex
	shutdowns []bool
}

func (s *fakeService) Shutdown(_ context.Context, immediate bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns = append(s.shutdowns, immediate)
	return true, nil
}

func rawMessage(ack types.Acknowledger, tag uint64, body string) *types.ReceivedMessage {
	msg := types.NewReceivedMessage(ack, tag, []byte(body), nil)
	msg.MessageID = fmt.Sprintf("msg-%d", tag)
	return msg
}
