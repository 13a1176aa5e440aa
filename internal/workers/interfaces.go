// Package workers runs queued events through a fixed set of goroutines.
package workers

import (
	"context"

	kafka "voice-gateway/internal/clients/kafka"
)

// EventMessage is the unit of work a pool carries.
type EventMessage = kafka.EventMessage

// EventProcessor handles one event at a time. Errors are logged by the pool
// and the event is dropped.
type EventProcessor interface {
	Process(ctx context.Context, event EventMessage) error
	Name() string
}

// WorkerPool queues events for an EventProcessor.
//
// Submit waits for queue room; TrySubmit never waits and reports ErrQueueFull.
// Drain closes the pool to new events and returns once the queue is empty or
// the drain timeout passes. Stop abandons whatever is still queued.
type WorkerPool interface {
	Start(ctx context.Context) error
	Submit(ctx context.Context, event EventMessage) error
	TrySubmit(event EventMessage) error
	Drain(ctx context.Context) error
	Stop()
}
