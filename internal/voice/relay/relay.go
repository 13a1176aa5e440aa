// Package relay pumps audio between a telephony stream and a voice provider
// adapter for one call.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voice-gateway/internal/observability"
	"voice-gateway/internal/voice/provider"

	"golang.org/x/sync/errgroup"
)

var ErrNotStarted = errors.New("relay not started")

// Sink writes provider audio back onto the telephony stream.
type Sink interface {
	SendMediaFrame(ctx context.Context, streamID string, audio []byte) error
}

// Handler receives the events that matter to the owning session. Callbacks run
// on the relay's pump goroutines and must not call Stop.
type Handler interface {
	// OnTranscript is invoked for every transcript delta before the next
	// provider event is read.
	OnTranscript(ctx context.Context, text string, final bool)
	OnProviderEnded(ctx context.Context, err error)
	OnEscalationRequested(ctx context.Context, reason string)
	// OnToolCall runs a model requested tool. It is called on its own
	// goroutine, so a slow tool does not hold up audio; ctx ends with the
	// relay.
	OnToolCall(ctx context.Context, call provider.ToolCall) provider.ToolResult
	// OnSinkFailed reports that the telephony stream can no longer be
	// written. Outbound audio stops; the other pumps keep running until Stop.
	OnSinkFailed(ctx context.Context, err error)
}

type Config struct {
	InboundQueueSize  int
	OutboundQueueSize int
	// SinkDeadline bounds one SendMediaFrame call; the frame is dropped when
	// the sink is still blocked after it.
	SinkDeadline time.Duration
}

func DefaultConfig() Config {
	return Config{
		InboundQueueSize:  256,
		OutboundQueueSize: 256,
		SinkDeadline:      100 * time.Millisecond,
	}
}

type Stats struct {
	FramesIn          int64
	FramesToProvider  int64
	FramesOut         int64
	InboundDropped    int64
	OutboundDropped   int64
	SinkTimeouts      int64
	ProviderErrors    int64
	TranscriptDeltas  int64
	ProviderSendFails int64
	ToolCalls         int64
	StartTime         time.Time
	EndTime           time.Time
}

type Relay struct {
	streamID string
	adapter  provider.Adapter
	sink     Sink
	handler  Handler
	logger   *observability.Logger
	config   Config

	inbound  *frameQueue
	outbound *frameQueue

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
	stopping atomic.Bool

	framesIn          atomic.Int64
	framesToProvider  atomic.Int64
	framesOut         atomic.Int64
	sinkTimeouts      atomic.Int64
	providerErrors    atomic.Int64
	transcriptDeltas  atomic.Int64
	providerSendFails atomic.Int64
	toolCalls         atomic.Int64
	startTime         time.Time
	endTime           time.Time
}

func New(streamID string, adapter provider.Adapter, sink Sink, handler Handler, logger *observability.Logger, config Config) *Relay {
	defaults := DefaultConfig()
	if config.InboundQueueSize <= 0 {
		config.InboundQueueSize = defaults.InboundQueueSize
	}
	if config.OutboundQueueSize <= 0 {
		config.OutboundQueueSize = defaults.OutboundQueueSize
	}
	if config.SinkDeadline <= 0 {
		config.SinkDeadline = defaults.SinkDeadline
	}
	return &Relay{
		streamID: streamID,
		adapter:  adapter,
		sink:     sink,
		handler:  handler,
		logger:   logger,
		config:   config,
		inbound:  newFrameQueue(config.InboundQueueSize),
		outbound: newFrameQueue(config.OutboundQueueSize),
	}
}

// Start launches the inbound pump, the event pump and the sink writer.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("relay for stream %s already started", r.streamID)
	}

	relayCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(relayCtx)
	r.cancel = cancel
	r.group = group
	r.started = true
	r.startTime = time.Now()

	group.Go(func() error { return r.pumpInbound(groupCtx) })
	group.Go(func() error { return r.pumpEvents(groupCtx) })
	group.Go(func() error { return r.writeOutbound(groupCtx) })

	r.logger.Info(ctx, "stream relay started")
	return nil
}

// PushInbound queues one telephony frame for the provider. When the queue is
// full the oldest queued frame is discarded.
func (r *Relay) PushInbound(frame []byte) {
	if r.stopping.Load() {
		return
	}
	r.framesIn.Add(1)
	r.inbound.push(frame)
}

// Stop cancels the pumps and waits for them to exit. It is idempotent and
// must not be called from a Handler callback.
func (r *Relay) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)

		r.mu.Lock()
		started, cancel, group := r.started, r.cancel, r.group
		r.mu.Unlock()
		if !started {
			r.stopErr = ErrNotStarted
			return
		}

		cancel()
		r.stopErr = group.Wait()

		r.mu.Lock()
		r.endTime = time.Now()
		r.mu.Unlock()

		stats := r.Stats()
		r.logger.Metrics(ctx,
			observability.MetricField{Key: "metric", Value: "stream_relay"},
			observability.MetricField{Key: "frames_in", Value: stats.FramesIn},
			observability.MetricField{Key: "frames_to_provider", Value: stats.FramesToProvider},
			observability.MetricField{Key: "frames_out", Value: stats.FramesOut},
			observability.MetricField{Key: "inbound_dropped", Value: stats.InboundDropped},
			observability.MetricField{Key: "outbound_dropped", Value: stats.OutboundDropped},
			observability.MetricField{Key: "sink_timeouts", Value: stats.SinkTimeouts},
			observability.MetricField{Key: "provider_errors", Value: stats.ProviderErrors},
			observability.MetricField{Key: "tool_calls", Value: stats.ToolCalls},
			observability.MetricField{Key: "duration_ms", Value: stats.EndTime.Sub(stats.StartTime).Milliseconds()},
		)
	})
	return r.stopErr
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	start, end := r.startTime, r.endTime
	r.mu.Unlock()
	if end.IsZero() {
		end = time.Now()
	}
	return Stats{
		FramesIn:          r.framesIn.Load(),
		FramesToProvider:  r.framesToProvider.Load(),
		FramesOut:         r.framesOut.Load(),
		InboundDropped:    r.inbound.dropped.Load(),
		OutboundDropped:   r.outbound.dropped.Load() + r.sinkTimeouts.Load(),
		SinkTimeouts:      r.sinkTimeouts.Load(),
		ProviderErrors:    r.providerErrors.Load(),
		TranscriptDeltas:  r.transcriptDeltas.Load(),
		ProviderSendFails: r.providerSendFails.Load(),
		ToolCalls:         r.toolCalls.Load(),
		StartTime:         start,
		EndTime:           end,
	}
}

func (r *Relay) pumpInbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-r.inbound.ch:
			err := r.adapter.SendAudio(ctx, frame)
			switch {
			case err == nil:
				r.framesToProvider.Add(1)
			case errors.Is(err, provider.ErrAdapterClosed), ctx.Err() != nil:
				return nil
			default:
				// The provider reports its own end through Events.
				if r.providerSendFails.Add(1) == 1 {
					r.logger.WarnWithError(ctx, "failed to send audio to provider", err)
				}
			}
		}
	}
}

func (r *Relay) pumpEvents(ctx context.Context) error {
	events := r.adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				if !r.stopping.Load() && ctx.Err() == nil {
					r.handler.OnProviderEnded(ctx, provider.ErrSessionEnded)
				}
				return nil
			}
			if done := r.dispatch(ctx, event); done {
				return nil
			}
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, event provider.Event) (done bool) {
	switch event.Type {
	case provider.EventAudioChunk:
		if len(event.Audio) > 0 {
			r.outbound.push(event.Audio)
		}
	case provider.EventTranscriptDelta:
		r.transcriptDeltas.Add(1)
		r.handler.OnTranscript(ctx, event.Text, event.Final)
	case provider.EventProviderError:
		r.providerErrors.Add(1)
		r.logger.WarnWithError(ctx, "voice provider reported an error", event.Err)
	case provider.EventEscalationRequested:
		r.handler.OnEscalationRequested(ctx, event.Reason)
	case provider.EventToolCall:
		r.toolCalls.Add(1)
		call := event.Tool
		r.group.Go(func() error {
			r.runTool(ctx, call)
			return nil
		})
	case provider.EventSessionEnded:
		err := event.Err
		if err == nil {
			err = provider.ErrSessionEnded
		}
		r.handler.OnProviderEnded(ctx, err)
		return true
	default:
		r.logger.Debug(ctx, fmt.Sprintf("ignoring provider event %s", event.Type))
	}
	return false
}

func (r *Relay) runTool(ctx context.Context, call provider.ToolCall) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "tool", Value: call.Name})
	result := r.handler.OnToolCall(ctx, call)
	if ctx.Err() != nil {
		return
	}
	if result.CallID == "" {
		result.CallID = call.ID
	}
	if result.Name == "" {
		result.Name = call.Name
	}
	if err := r.adapter.SendToolResult(ctx, result); err != nil {
		if ctx.Err() != nil || errors.Is(err, provider.ErrAdapterClosed) {
			return
		}
		r.logger.WarnWithError(ctx, "failed to return tool result to provider", err)
	}
}

func (r *Relay) writeOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-r.outbound.ch:
			sendCtx, cancel := context.WithTimeout(ctx, r.config.SinkDeadline)
			err := r.sink.SendMediaFrame(sendCtx, r.streamID, frame)
			cancel()
			switch {
			case err == nil:
				r.framesOut.Add(1)
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, context.DeadlineExceeded):
				if r.sinkTimeouts.Add(1)%50 == 1 {
					r.logger.Warn(ctx, "telephony sink blocked, dropping outbound audio")
				}
			default:
				r.logger.Error(ctx, "telephony sink failed, stopping outbound audio", err)
				r.handler.OnSinkFailed(ctx, fmt.Errorf("write media frame: %w", err))
				return nil
			}
		}
	}
}
