// Package session runs one phone call's conversation with a voice provider:
// the state machine, the relay between telephony and provider, and the
// escalation to a human.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voice-gateway/internal/escalation/processor"
	"voice-gateway/internal/observability"
	"voice-gateway/internal/voice/provider"
	"voice-gateway/internal/voice/relay"
)

var (
	ErrAlreadyExists = errors.New("session already exists")
	ErrNotFound      = errors.New("session not found")
	// ErrTransportDisconnect ends a session whose telephony stream dropped.
	ErrTransportDisconnect = errors.New("telephony transport disconnected")
)

// Close reasons recorded on the snapshot.
const (
	EndStreamStop          = "stream_stop"
	EndTransportDisconnect = "transport_disconnect"
	EndMaxDuration         = "max_duration"
	EndInactivity          = "inactivity"
	EndShutdown            = "shutdown"
	EndEscalated           = "escalated"
	EndConnectError        = "connect_error"
	EndEscalateFail        = "escalation_failed"
)

// StreamStart identifies a new telephony media stream.
type StreamStart struct {
	StreamID    string
	CallID      string
	CallerPhone string
}

// Config holds the per-call limits and the provider session settings.
type Config struct {
	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration
	// MaxDuration overrides the provider's ceiling when non-zero.
	MaxDuration time.Duration
	Provider    provider.Kind
	Voice       provider.SessionConfig
	Relay       relay.Config
}

// Snapshot is a point in time copy of a session's identity and outcome.
type Snapshot struct {
	StreamID       string
	CallID         string
	ConversationID string
	CallerPhone    string
	Provider       provider.Kind
	State          State
	StartedAt      time.Time
	EndedAt        time.Time
	EndReason      string

	Escalated        bool
	EscalationReason processor.Reason
	Token            string
	Transferred      bool
	// FailureReason is set when the session ended on a fatal error.
	FailureReason string
}

// Session is one live call. Its goroutine is started by the Manager.
type Session struct {
	streamID       string
	callID         string
	callerPhone    string
	conversationID string

	adapter    provider.Adapter
	descriptor provider.Descriptor
	relay      *relay.Relay
	detector   *processor.Detector
	escalator  Escalator
	lifecycle  Lifecycle
	tools      ToolRunner
	logger     *observability.Logger
	config     Config
	now        func() time.Time

	mu               sync.Mutex
	state            State
	transcript       []string
	escalated        bool
	escalationReason processor.Reason
	escalationDetail string
	result           processor.Result
	failureReason    string
	endReason        string
	startTime        time.Time
	endTime          time.Time
	loggedOnce       map[string]bool
	history          []State

	lastActivity atomic.Int64

	triggers   chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	stopReason string
	done       chan struct{}
}

func newSession(start StreamStart, conversationID string, adapter provider.Adapter, descriptor provider.Descriptor, sink relay.Sink,
	detector *processor.Detector, escalator Escalator, lifecycle Lifecycle, logger *observability.Logger, config Config, now func() time.Time) *Session {
	if lifecycle == nil {
		lifecycle = noopLifecycle{}
	}
	s := &Session{
		streamID:       start.StreamID,
		callID:         start.CallID,
		callerPhone:    start.CallerPhone,
		conversationID: conversationID,
		adapter:        adapter,
		descriptor:     descriptor,
		detector:       detector,
		escalator:      escalator,
		lifecycle:      lifecycle,
		logger:         logger,
		config:         config,
		now:            now,
		state:          StateConnecting,
		history:        []State{StateConnecting},
		startTime:      now(),
		loggedOnce:     make(map[string]bool),
		triggers:       make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	s.lastActivity.Store(s.startTime.UnixNano())
	s.relay = relay.New(start.StreamID, adapter, sink, relayHandler{s}, logger, config.Relay)
	return s
}

func (s *Session) StreamID() string       { return s.streamID }
func (s *Session) CallID() string         { return s.callID }
func (s *Session) ConversationID() string { return s.conversationID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session is CLOSED and its resources are released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		StreamID:         s.streamID,
		CallID:           s.callID,
		ConversationID:   s.conversationID,
		CallerPhone:      s.callerPhone,
		Provider:         s.descriptor.Kind,
		State:            s.state,
		StartedAt:        s.startTime,
		EndedAt:          s.endTime,
		EndReason:        s.endReason,
		Escalated:        s.escalated,
		EscalationReason: s.escalationReason,
		Token:            s.result.Token,
		Transferred:      s.result.Transferred,
		FailureReason:    s.failureReason,
	}
}

// Transcript returns the caller's final transcript snippets.
func (s *Session) Transcript() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.transcript...)
}

// PushMedia forwards one inbound telephony frame to the provider.
func (s *Session) PushMedia(ctx context.Context, frame []byte) {
	if s.State() == StateClosed {
		s.logOnce(ctx, "media", "dropping media for closed session")
		return
	}
	s.touch()
	s.relay.PushInbound(frame)
}

// Stop asks the session to end as a normal stream stop. It does not wait.
func (s *Session) Stop() {
	s.stopWith(EndStreamStop)
}

// Disconnect ends the session because the telephony stream dropped.
func (s *Session) Disconnect(ctx context.Context, cause error) {
	s.logger.WarnWithError(ctx, "telephony stream dropped", fmt.Errorf("%w: %v", ErrTransportDisconnect, cause))
	s.stopWith(EndTransportDisconnect)
}

func (s *Session) stopWith(reason string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopReason = reason
		s.mu.Unlock()
		close(s.stop)
	})
}

// Close stops the session and waits for it to release its resources. It is
// safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.Stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

func (s *Session) idleFor() time.Duration {
	return s.now().Sub(time.Unix(0, s.lastActivity.Load()))
}

func (s *Session) logOnce(ctx context.Context, key, msg string) {
	s.mu.Lock()
	seen := s.loggedOnce[key]
	s.loggedOnce[key] = true
	s.mu.Unlock()
	if !seen {
		s.logger.Warn(ctx, msg)
	}
}

func (s *Session) transition(ctx context.Context, to State) error {
	s.mu.Lock()
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		if from == StateClosed {
			s.logOnce(ctx, "transition", "ignoring transition of closed session")
			return err
		}
		s.logger.Error(ctx, "rejected session transition", err)
		return err
	}
	s.state = to
	s.history = append(s.history, to)
	if to == StateClosed {
		s.endTime = s.now()
	}
	s.mu.Unlock()

	s.logger.Info(ctx, fmt.Sprintf("session %s -> %s", from, to))
	return nil
}

// trigger sets the escalation flag. Only the first call while STREAMING
// wins; it reports whether this call set the flag.
func (s *Session) trigger(ctx context.Context, reason processor.Reason, detail string) bool {
	s.mu.Lock()
	if s.escalated || s.state != StateStreaming {
		s.mu.Unlock()
		return false
	}
	s.escalated = true
	s.escalationReason = reason
	s.escalationDetail = detail
	s.mu.Unlock()

	select {
	case s.triggers <- struct{}{}:
	default:
	}
	s.logger.Info(observability.WithFields(ctx, observability.Field{Key: "escalation_reason", Value: string(reason)}), "escalation triggered")
	return true
}

func (s *Session) maxDuration() time.Duration {
	if s.config.MaxDuration > 0 {
		return s.config.MaxDuration
	}
	return s.descriptor.MaxSessionDuration
}

// run drives the session from CONNECTING to CLOSED. Resources are released
// on every path.
func (s *Session) run(ctx context.Context) {
	ctx = observability.WithCall(ctx, observability.CallFields{
		CallID:         s.callID,
		StreamID:       s.streamID,
		ConversationID: s.conversationID,
	})
	defer s.finish(ctx)

	if err := s.connect(ctx); err != nil {
		s.recordFailure(EndConnectError, err.Error())
		s.logger.Error(ctx, "failed to connect voice provider", err)
		_ = s.transition(ctx, StateClosed)
		return
	}
	if err := s.transition(ctx, StateStreaming); err != nil {
		return
	}
	if err := s.relay.Start(ctx); err != nil {
		s.recordFailure(EndConnectError, err.Error())
		s.logger.Error(ctx, "failed to start stream relay", err)
		s.closeNormally(ctx, EndConnectError)
		return
	}
	s.touch()
	s.lifecycle.SessionStarted(ctx, s.Snapshot())

	var maxTimer <-chan time.Time
	if d := s.maxDuration(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		maxTimer = timer.C
	}
	var idle <-chan time.Time
	if s.config.InactivityTimeout > 0 {
		interval := s.config.InactivityTimeout / 4
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		idle = ticker.C
	}

	for {
		select {
		case <-s.triggers:
			s.escalate(ctx)
			return
		case <-s.stop:
			s.mu.Lock()
			reason := s.stopReason
			s.mu.Unlock()
			s.closeNormally(ctx, reason)
			return
		case <-maxTimer:
			s.logger.Warn(ctx, "session reached its maximum duration")
			s.closeNormally(ctx, EndMaxDuration)
			return
		case <-idle:
			if s.idleFor() >= s.config.InactivityTimeout {
				s.logger.Warn(ctx, "session inactive, closing")
				s.closeNormally(ctx, EndInactivity)
				return
			}
		case <-ctx.Done():
			s.closeNormally(ctx, EndShutdown)
			return
		}
	}
}

func (s *Session) connect(ctx context.Context) error {
	connectCtx := ctx
	if s.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.config.ConnectTimeout)
		defer cancel()
	}
	cfg := s.config.Voice
	cfg.ConversationID = s.conversationID
	return s.adapter.Connect(connectCtx, cfg)
}

func (s *Session) closeNormally(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.endReason == "" {
		s.endReason = reason
	}
	s.mu.Unlock()
	if err := s.transition(ctx, StateClosing); err != nil {
		return
	}
	s.release(ctx)
	_ = s.transition(ctx, StateClosed)
}

func (s *Session) escalate(ctx context.Context) {
	if err := s.transition(ctx, StateEscalating); err != nil {
		return
	}
	if err := s.adapter.CancelResponse(ctx); err != nil {
		s.logger.WarnWithError(ctx, "failed to cancel provider response", err)
	}

	s.mu.Lock()
	req := processor.Request{
		ConversationID: s.conversationID,
		CallID:         s.callID,
		StreamID:       s.streamID,
		CallerPhone:    s.callerPhone,
		Reason:         s.escalationReason,
		Detail:         s.escalationDetail,
		StartedAt:      s.startTime,
		Transcript:     append([]string(nil), s.transcript...),
	}
	s.mu.Unlock()

	result, err := s.escalator.Escalate(ctx, req)
	if err != nil {
		s.recordFailure(EndEscalateFail, err.Error())
		_ = s.transition(ctx, StateClosed)
		s.release(ctx)
		return
	}

	s.mu.Lock()
	s.result = result
	s.endReason = EndEscalated
	s.mu.Unlock()
	s.lifecycle.SessionEscalated(observability.WithFields(ctx, observability.Field{Key: "token", Value: result.Token}), s.Snapshot())
	s.closeNormally(ctx, EndEscalated)
}

func (s *Session) recordFailure(endReason, failure string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endReason = endReason
	s.failureReason = failure
}

// release stops the relay and closes the adapter.
func (s *Session) release(ctx context.Context) {
	if err := s.relay.Stop(ctx); err != nil && !errors.Is(err, relay.ErrNotStarted) {
		s.logger.WarnWithError(ctx, "stream relay stopped with error", err)
	}
	if err := s.adapter.Close(); err != nil {
		s.logger.WarnWithError(ctx, "failed to close voice provider", err)
	}
}

// finish guarantees the session ends CLOSED with its adapter released,
// whatever path run took.
func (s *Session) finish(ctx context.Context) {
	if r := recover(); r != nil {
		s.logger.Error(ctx, "session panicked", fmt.Errorf("reason: %+v", r))
		s.recordFailure(EndShutdown, fmt.Sprintf("panic: %v", r))
	}
	s.release(ctx)

	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateClosed
		s.history = append(s.history, StateClosed)
		s.endTime = s.now()
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.lifecycle.SessionClosed(ctx, snapshot)
	s.logger.Metrics(ctx,
		observability.MetricField{Key: "metric", Value: "voice_session"},
		observability.MetricField{Key: "end_reason", Value: snapshot.EndReason},
		observability.MetricField{Key: "escalated", Value: snapshot.Escalated},
		observability.MetricField{Key: "duration_ms", Value: snapshot.EndedAt.Sub(snapshot.StartedAt).Milliseconds()},
	)
}

// unknownToolOutput answers a tool call the session has no runner for.
const unknownToolOutput = "Unknown tool"

// relayHandler receives relay callbacks on the relay's goroutines. It only
// records and signals; teardown happens on the session goroutine.
type relayHandler struct {
	s *Session
}

func (h relayHandler) OnTranscript(ctx context.Context, text string, final bool) {
	s := h.s
	s.touch()
	if !final || text == "" {
		return
	}

	s.mu.Lock()
	s.transcript = append(s.transcript, text)
	s.mu.Unlock()

	if s.detector != nil && s.detector.Evaluate(text) {
		s.trigger(ctx, processor.ReasonUserRequest, "")
	}
}

func (h relayHandler) OnProviderEnded(ctx context.Context, err error) {
	detail := provider.ErrSessionEnded.Error()
	if err != nil {
		detail = err.Error()
	}
	if !h.s.trigger(ctx, processor.ReasonProviderError, detail) {
		h.s.logOnce(ctx, "provider_ended", "voice provider ended after escalation or close")
	}
}

func (h relayHandler) OnEscalationRequested(ctx context.Context, reason string) {
	h.s.trigger(ctx, processor.ReasonAgentDecision, reason)
}

func (h relayHandler) OnSinkFailed(ctx context.Context, err error) {
	h.s.Disconnect(ctx, err)
}

func (h relayHandler) OnToolCall(ctx context.Context, call provider.ToolCall) provider.ToolResult {
	s := h.s
	s.touch()
	if s.tools == nil {
		s.logOnce(ctx, "tool_unavailable", fmt.Sprintf("model called tool %s but no tools are configured", call.Name))
		return provider.ToolResult{CallID: call.ID, Name: call.Name, Output: unknownToolOutput}
	}
	return s.tools.Run(ctx, call)
}
