// Package events publishes session lifecycle events to Kafka.
package events

import (
	"context"
	"time"

	"voice-gateway/internal/clients/kafka"
	"voice-gateway/internal/observability"
	"voice-gateway/internal/voicecall/session"
	"voice-gateway/internal/workers"

	"github.com/google/uuid"
)

const (
	TypeSessionStarted   = "session.started"
	TypeSessionEscalated = "session.escalated"
	TypeSessionClosed    = "session.closed"

	processorName = "session-events"
)

// EventProducer writes one event to the broker.
type EventProducer interface {
	PublishEvent(ctx context.Context, event kafka.EventMessage) error
}

// Publisher implements session.Lifecycle. Events are queued on a worker pool
// and dropped when the queue is full, so sessions never wait on the broker.
type Publisher struct {
	pool   workers.WorkerPool
	logger *observability.Logger
	now    func() time.Time
}

// NewPublisher creates a new event publisher
func NewPublisher(producer EventProducer, config workers.WorkerPoolConfig, logger *observability.Logger) *Publisher {
	return &Publisher{
		pool:   workers.NewWorkerPool(config, producerProcessor{producer: producer}, logger),
		logger: logger,
		now:    time.Now,
	}
}

func (p *Publisher) Start(ctx context.Context) error {
	return p.pool.Start(ctx)
}

// Drain publishes what is still queued and stops the workers.
func (p *Publisher) Drain(ctx context.Context) error {
	return p.pool.Drain(ctx)
}

func (p *Publisher) SessionStarted(ctx context.Context, snapshot session.Snapshot) {
	p.enqueue(ctx, TypeSessionStarted, snapshot, map[string]interface{}{
		"stream_id": snapshot.StreamID,
		"provider":  string(snapshot.Provider),
	})
}

func (p *Publisher) SessionEscalated(ctx context.Context, snapshot session.Snapshot) {
	p.enqueue(ctx, TypeSessionEscalated, snapshot, map[string]interface{}{
		"stream_id":   snapshot.StreamID,
		"reason":      string(snapshot.EscalationReason),
		"token":       snapshot.Token,
		"transferred": snapshot.Transferred,
	})
}

func (p *Publisher) SessionClosed(ctx context.Context, snapshot session.Snapshot) {
	data := map[string]interface{}{
		"stream_id":        snapshot.StreamID,
		"end_reason":       snapshot.EndReason,
		"escalated":        snapshot.Escalated,
		"duration_seconds": snapshot.EndedAt.Sub(snapshot.StartedAt).Seconds(),
	}
	if snapshot.FailureReason != "" {
		data["failure_reason"] = snapshot.FailureReason
	}
	p.enqueue(ctx, TypeSessionClosed, snapshot, data)
}

func (p *Publisher) enqueue(ctx context.Context, eventType string, snapshot session.Snapshot, data map[string]interface{}) {
	event := kafka.EventMessage{
		ID:             uuid.New().String(),
		Type:           eventType,
		CallID:         snapshot.CallID,
		ConversationID: snapshot.ConversationID,
		Data:           data,
		Timestamp:      p.now().UTC(),
	}
	if err := p.pool.TrySubmit(event); err != nil {
		ctx = observability.WithFields(ctx, observability.Field{Key: "event_type", Value: eventType})
		p.logger.WarnWithError(ctx, "dropped session event", err)
	}
}

type producerProcessor struct {
	producer EventProducer
}

func (p producerProcessor) Process(ctx context.Context, event workers.EventMessage) error {
	return p.producer.PublishEvent(ctx, event)
}

func (p producerProcessor) Name() string {
	return processorName
}
