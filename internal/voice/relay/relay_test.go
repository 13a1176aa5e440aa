package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voice-gateway/internal/observability"
	"voice-gateway/internal/voice/provider"
	"voice-gateway/internal/voice/provider/providertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	block  chan struct{}
	// failures is the number of leading writes that fail with err.
	failures int
	err      error
}

func (s *recordingSink) SendMediaFrame(ctx context.Context, streamID string, audio []byte) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return s.err
	}
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, audio)
	return nil
}

func (s *recordingSink) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

type recordingHandler struct {
	mu          sync.Mutex
	transcripts []string
	finals      []bool
	ended       []error
	escalations []string
	sinkErrors  []error
	toolCalls   []provider.ToolCall
	// onTranscript lets a test block the event pump.
	onTranscript func()
	onTool       func(ctx context.Context, call provider.ToolCall) provider.ToolResult
}

func (h *recordingHandler) OnTranscript(ctx context.Context, text string, final bool) {
	if h.onTranscript != nil {
		h.onTranscript()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transcripts = append(h.transcripts, text)
	h.finals = append(h.finals, final)
}

func (h *recordingHandler) OnProviderEnded(ctx context.Context, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = append(h.ended, err)
}

func (h *recordingHandler) OnEscalationRequested(ctx context.Context, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.escalations = append(h.escalations, reason)
}

func (h *recordingHandler) OnSinkFailed(ctx context.Context, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinkErrors = append(h.sinkErrors, err)
}

func (h *recordingHandler) OnToolCall(ctx context.Context, call provider.ToolCall) provider.ToolResult {
	h.mu.Lock()
	h.toolCalls = append(h.toolCalls, call)
	h.mu.Unlock()
	if h.onTool != nil {
		return h.onTool(ctx, call)
	}
	return provider.ToolResult{Output: "ok"}
}

func (h *recordingHandler) sinkFailures() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.sinkErrors...)
}

func (h *recordingHandler) snapshot() (transcripts []string, ended []error, escalations []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.transcripts...), append([]error(nil), h.ended...), append([]string(nil), h.escalations...)
}

func testLogger() *observability.Logger {
	return observability.NewFromZap(zap.NewNop())
}

func startRelay(t *testing.T, adapter *providertest.FakeAdapter, sink Sink, handler Handler, config Config) *Relay {
	t.Helper()
	r := New("MZ123", adapter, sink, handler, testLogger(), config)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r
}

func TestRelay_PreservesInboundOrder(t *testing.T) {
	t.Parallel()

	adapter := providertest.NewFakeAdapter()
	r := startRelay(t, adapter, &recordingSink{}, &recordingHandler{}, Config{InboundQueueSize: 512})

	for i := 0; i < 200; i++ {
		r.PushInbound([]byte{byte(i)})
	}

	require.Eventually(t, func() bool { return len(adapter.Sent()) == 200 }, 2*time.Second, 5*time.Millisecond)
	for i, chunk := range adapter.Sent() {
		assert.Equal(t, []byte{byte(i)}, chunk)
	}
}

func TestRelay_PreservesOutboundOrder(t *testing.T) {
	t.Parallel()

	adapter := providertest.NewFakeAdapter()
	sink := &recordingSink{}
	startRelay(t, adapter, sink, &recordingHandler{}, DefaultConfig())

	for i := 0; i < 50; i++ {
		require.True(t, adapter.Emit(provider.AudioChunk([]byte{byte(i)})))
	}

	require.Eventually(t, func() bool { return len(sink.Frames()) == 50 }, 2*time.Second, 5*time.Millisecond)
	for i, frame := range sink.Frames() {
		assert.Equal(t, []byte{byte(i)}, frame)
	}
}

func TestRelay_DropsWhenSinkBlocked(t *testing.T) {
	t.Parallel()

	adapter := providertest.NewFakeAdapter()
	sink := &recordingSink{block: make(chan struct{})}
	r := startRelay(t, adapter, sink, &recordingHandler{}, Config{OutboundQueueSize: 2, SinkDeadline: 10 * time.Millisecond})

	for i := 0; i < 10; i++ {
		adapter.Emit(provider.AudioChunk([]byte{byte(i)}))
	}

	require.Eventually(t, func() bool { return r.Stats().OutboundDropped >= 8 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.Frames())
}

func TestRelay_SinkFailureReportedAndEventsKeepFlowing(t *testing.T) {
	t.Parallel()

	adapter := providertest.NewFakeAdapter()
	writeErr := errors.New("write tcp: i/o timeout")
	sink := &recordingSink{failures: 1, err: writeErr}
	handler := &recordingHandler{}
	r := New("MZ123", adapter, sink, handler, testLogger(), DefaultConfig())
	require.NoError(t, r.Start(context.Background()))

	adapter.Emit(provider.AudioChunk([]byte{1}))
	require.Eventually(t, func() bool { return len(handler.sinkFailures()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, handler.sinkFailures()[0], writeErr)

	adapter.Emit(provider.TranscriptDelta("I need to speak to a human", true))
	adapter.EndSession(errors.New("backend dropped"))
	require.Eventually(t, func() bool {
		transcripts, ended, _ := handler.snapshot()
		return len(transcripts) == 1 && len(ended) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.NoError(t, r.Stop(context.Background()))
	assert.Empty(t, sink.Frames())
}

func TestRelay_TranscriptHandledBeforeNextEvent(t *testing.T) {
	t.Parallel()

	adapter := providertest.NewFakeAdapter()
	sink := &recordingSink{}
	release := make(chan struct{})
	handler := &recordingHandler{onTranscript: func() { <-release }}
	startRelay(t, adapter, sink, handler, DefaultConfig())

	adapter.Emit(provider.TranscriptDelta("talk to a human", true))
	adapter.Emit(provider.AudioChunk([]byte{1}))

	// The audio chunk cannot reach the sink while the transcript is in flight.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.Frames())

	close(release)
	require.Eventually(t, func() bool { return len(sink.Frames()) == 1 }, 2*time.Second, 5*time.Millisecond)
	transcripts, _, _ := handler.snapshot()
	assert.Equal(t, []string{"talk to a human"}, transcripts)
}

func TestRelay_ReportsProviderEventsToHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		emit            func(a *providertest.FakeAdapter)
		wantEnded       bool
		wantEscalations []string
	}{
		{
			name:      "provider session ended",
			emit:      func(a *providertest.FakeAdapter) { a.EndSession(errors.New("backend dropped")) },
			wantEnded: true,
		},
		{
			name: "model requested escalation",
			emit: func(a *providertest.FakeAdapter) {
				a.Emit(provider.EscalationRequested("caller wants an agent"))
			},
			wantEscalations: []string{"caller wants an agent"},
		},
		{
			name: "provider error only logged",
			emit: func(a *providertest.FakeAdapter) {
				a.Emit(provider.ProviderError(errors.New("rate limited")))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			adapter := providertest.NewFakeAdapter()
			handler := &recordingHandler{}
			r := startRelay(t, adapter, &recordingSink{}, handler, DefaultConfig())

			tt.emit(adapter)

			if tt.wantEnded {
				require.Eventually(t, func() bool {
					_, ended, _ := handler.snapshot()
					return len(ended) == 1
				}, 2*time.Second, 5*time.Millisecond)
				return
			}
			if len(tt.wantEscalations) > 0 {
				require.Eventually(t, func() bool {
					_, _, escalations := handler.snapshot()
					return len(escalations) == len(tt.wantEscalations)
				}, 2*time.Second, 5*time.Millisecond)
				return
			}
			require.Eventually(t, func() bool { return r.Stats().ProviderErrors == 1 }, 2*time.Second, 5*time.Millisecond)
			_, ended, _ := handler.snapshot()
			assert.Empty(t, ended)
		})
	}
}

func TestRelay_ToolCallDoesNotBlockAudio(t *testing.T) {
	t.Parallel()

	adapter := providertest.NewFakeAdapter()
	sink := &recordingSink{}
	release := make(chan struct{})
	handler := &recordingHandler{onTool: func(ctx context.Context, call provider.ToolCall) provider.ToolResult {
		<-release
		return provider.ToolResult{Output: "Wills start at $300."}
	}}
	r := startRelay(t, adapter, sink, handler, DefaultConfig())

	require.True(t, adapter.Emit(provider.ToolCalled(provider.ToolCall{ID: "call_1", Name: "search_products", Arguments: `{"query":"wills"}`})))
	require.True(t, adapter.Emit(provider.AudioChunk([]byte{1, 2, 3})))

	// Audio keeps flowing while the tool is still running.
	require.Eventually(t, func() bool { return len(sink.Frames()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, adapter.ToolResults())

	close(release)
	require.Eventually(t, func() bool { return len(adapter.ToolResults()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, provider.ToolResult{CallID: "call_1", Name: "search_products", Output: "Wills start at $300."}, adapter.ToolResults()[0])
	assert.Equal(t, int64(1), r.Stats().ToolCalls)
}

func TestRelay_StopCancelsRunningTool(t *testing.T) {
	t.Parallel()

	adapter := providertest.NewFakeAdapter()
	started := make(chan struct{})
	handler := &recordingHandler{onTool: func(ctx context.Context, call provider.ToolCall) provider.ToolResult {
		close(started)
		<-ctx.Done()
		return provider.ToolResult{Output: "too late"}
	}}
	r := New("MZ1", adapter, &recordingSink{}, handler, testLogger(), DefaultConfig())
	require.NoError(t, r.Start(context.Background()))

	require.True(t, adapter.Emit(provider.ToolCalled(provider.ToolCall{ID: "call_1", Name: "search_needs"})))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("tool never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- r.Stop(context.Background()) }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop waited on a running tool")
	}
	assert.Empty(t, adapter.ToolResults())
}

func TestRelay_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	adapter := providertest.NewFakeAdapter()
	handler := &recordingHandler{}
	r := New("MZ1", adapter, &recordingSink{}, handler, testLogger(), DefaultConfig())
	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))

	require.NoError(t, r.Stop(context.Background()))
	require.NoError(t, r.Stop(context.Background()))

	// Closing the adapter after Stop is not reported as a provider end.
	require.NoError(t, adapter.Close())
	_, ended, _ := handler.snapshot()
	assert.Empty(t, ended)

	r.PushInbound([]byte{1})
	assert.Zero(t, r.Stats().FramesIn)
}

func TestRelay_StopBeforeStart(t *testing.T) {
	t.Parallel()

	r := New("MZ1", providertest.NewFakeAdapter(), &recordingSink{}, &recordingHandler{}, testLogger(), DefaultConfig())
	assert.ErrorIs(t, r.Stop(context.Background()), ErrNotStarted)
}

func TestFrameQueue_DropsOldest(t *testing.T) {
	t.Parallel()

	q := newFrameQueue(3)
	for i := 0; i < 5; i++ {
		q.push([]byte{byte(i)})
	}

	assert.Equal(t, int64(2), q.dropped.Load())
	assert.Len(t, q.ch, 3)
	assert.Equal(t, []byte{2}, <-q.ch)
	assert.Equal(t, []byte{3}, <-q.ch)
	assert.Equal(t, []byte{4}, <-q.ch)
}
