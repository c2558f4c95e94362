// Package metrics exports Prometheus metrics for dataflows and the publisher.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/illmade-knight/go-rabbitflow/pkg/dataflow"
	"github.com/illmade-knight/go-rabbitflow/pkg/types"
)

const namespace = "rabbitflow"

// Outcome labels of the messages counter.
const (
	OutcomeFinalized = "finalized"
	OutcomeSkipped   = "skipped"
	OutcomeErrored   = "errored"
)

// Metrics holds the Prometheus collectors. Dataflow hooks come from Hooks and
// publisher receipts arrive through ObservePublish.
type Metrics struct {
	mu         sync.Mutex
	registered bool
	registerer prometheus.Registerer

	messagesTotal   *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	stageErrors     *prometheus.CounterVec
	messageLatency  *prometheus.HistogramVec
	publishesTotal  *prometheus.CounterVec
	publishDuration prometheus.Histogram
}

// New creates the collectors. A nil registerer uses the default registry.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dataflow", Name: "messages_total",
			Help: "Messages that left a dataflow, by outcome.",
		}, []string{"workflow", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dataflow", Name: "stage_duration_seconds",
			Help:    "Time spent in each dataflow stage.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"workflow", "stage"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dataflow", Name: "stage_errors_total",
			Help: "Stage executions that faulted a message.",
		}, []string{"workflow", "stage"}),
		messageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dataflow", Name: "message_latency_seconds",
			Help:    "Time from state creation to finalization or error handling.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"workflow", "outcome"}),
		publishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "publishes_total",
			Help: "Publishes by confirmation result.",
		}, []string{"result"}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "publish_duration_seconds",
			Help:    "Time from lease to broker confirmation.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	var err error
	if m.messagesTotal, err = register(m.registerer, m.messagesTotal); err != nil {
		return err
	}
	if m.stageDuration, err = register(m.registerer, m.stageDuration); err != nil {
		return err
	}
	if m.stageErrors, err = register(m.registerer, m.stageErrors); err != nil {
		return err
	}
	if m.messageLatency, err = register(m.registerer, m.messageLatency); err != nil {
		return err
	}
	if m.publishesTotal, err = register(m.registerer, m.publishesTotal); err != nil {
		return err
	}
	if m.publishDuration, err = register(m.registerer, m.publishDuration); err != nil {
		return err
	}
	m.registered = true
	return nil
}

// register adopts an already registered equivalent collector so several
// Metrics values can share one registry.
func register[C prometheus.Collector](r prometheus.Registerer, c C) (C, error) {
	if err := r.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Hooks returns dataflow hooks recording metrics under the workflow label.
func (m *Metrics) Hooks(workflow string) dataflow.Hooks {
	return dataflow.Hooks{
		OnStageDone: func(stage string, _ *dataflow.WorkState, elapsed time.Duration, err error) {
			m.stageDuration.WithLabelValues(workflow, stage).Observe(elapsed.Seconds())
			if err != nil {
				m.stageErrors.WithLabelValues(workflow, stage).Inc()
			}
		},
		OnFinalized: func(state *dataflow.WorkState) {
			outcome := OutcomeFinalized
			if state.Skipped() {
				outcome = OutcomeSkipped
			}
			m.messagesTotal.WithLabelValues(workflow, outcome).Inc()
			m.messageLatency.WithLabelValues(workflow, outcome).Observe(state.Age().Seconds())
		},
		OnErrorHandled: func(state *dataflow.WorkState, _ error) {
			m.messagesTotal.WithLabelValues(workflow, OutcomeErrored).Inc()
			m.messageLatency.WithLabelValues(workflow, OutcomeErrored).Observe(state.Age().Seconds())
		},
	}
}

// ObservePublish records a publisher receipt.
func (m *Metrics) ObservePublish(receipt types.PublishReceipt, elapsed time.Duration) {
	result := "success"
	if receipt.IsError() {
		result = "failure"
	}
	m.publishesTotal.WithLabelValues(result).Inc()
	m.publishDuration.Observe(elapsed.Seconds())
}
