// Package providertest provides an in-memory provider.Adapter for tests.
package providertest

import (
	"context"
	"errors"
	"sync"

	"voice-gateway/internal/voice/provider"
)

// FakeAdapter records what it is sent and lets tests inject events.
type FakeAdapter struct {
	ConnectErr error
	SendErr    error

	mu         sync.Mutex
	connected  bool
	config     provider.SessionConfig
	sent       [][]byte
	results    []provider.ToolResult
	cancels    int
	closeCalls int
	events     chan provider.Event
	closed     bool
	sentSignal chan struct{}
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		events:     make(chan provider.Event, 64),
		sentSignal: make(chan struct{}, 1024),
	}
}

func (f *FakeAdapter) Connect(ctx context.Context, cfg provider.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		return &provider.ConnectError{Provider: "fake", Err: f.ConnectErr}
	}
	f.connected = true
	f.config = cfg
	return nil
}

func (f *FakeAdapter) SendAudio(ctx context.Context, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return provider.ErrAdapterClosed
	}
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, append([]byte(nil), chunk...))
	select {
	case f.sentSignal <- struct{}{}:
	default:
	}
	return nil
}

func (f *FakeAdapter) Events() <-chan provider.Event {
	return f.events
}

func (f *FakeAdapter) SendToolResult(ctx context.Context, result provider.ToolResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return provider.ErrAdapterClosed
	}
	f.results = append(f.results, result)
	return nil
}

func (f *FakeAdapter) CancelResponse(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *FakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.events)
	return nil
}

// Emit pushes an event as if it arrived from the backend. It reports false
// when the adapter is already closed.
func (f *FakeAdapter) Emit(event provider.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.events <- event
	return true
}

// EndSession emits EventSessionEnded and closes the event stream, the way a
// real adapter reports a dropped backend connection.
func (f *FakeAdapter) EndSession(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if err == nil {
		err = errors.New("connection reset by peer")
	}
	f.events <- provider.SessionEnded(err)
	f.closed = true
	close(f.events)
}

// Sent returns copies of every chunk passed to SendAudio, in order.
func (f *FakeAdapter) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentSignal receives once per successful SendAudio.
func (f *FakeAdapter) SentSignal() <-chan struct{} {
	return f.sentSignal
}

// ToolResults returns every result passed to SendToolResult, in order.
func (f *FakeAdapter) ToolResults() []provider.ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.ToolResult(nil), f.results...)
}

func (f *FakeAdapter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeAdapter) Config() provider.SessionConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

func (f *FakeAdapter) Cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *FakeAdapter) CloseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

func (f *FakeAdapter) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
