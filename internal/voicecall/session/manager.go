package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"voice-gateway/internal/escalation/processor"
	"voice-gateway/internal/observability"
	"voice-gateway/internal/voice/provider"
	"voice-gateway/internal/voice/relay"

	"github.com/google/uuid"
)

// DefaultOutcomeRetention is how long a closed session's outcome stays
// readable by call id.
const DefaultOutcomeRetention = 10 * time.Minute

type outcome struct {
	snapshot Snapshot
	expires  time.Time
}

// Manager owns the live sessions keyed by stream id.
type Manager struct {
	registry  *provider.Registry
	detector  *processor.Detector
	escalator Escalator
	lifecycle Lifecycle
	tools     ToolRunner
	logger    *observability.Logger
	config    Config
	retention time.Duration
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
	outcomes map[string]outcome
}

func NewManager(registry *provider.Registry, detector *processor.Detector, escalator Escalator, lifecycle Lifecycle, logger *observability.Logger, config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry:  registry,
		detector:  detector,
		escalator: escalator,
		lifecycle: lifecycle,
		logger:    logger,
		config:    config,
		retention: DefaultOutcomeRetention,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
		outcomes:  make(map[string]outcome),
	}
}

// WithClock replaces the time source used by new sessions and the outcome
// ledger.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithTools sets the runner that answers model tool calls. The tools it
// serves must also be declared in Config.Voice.Tools.
func (m *Manager) WithTools(tools ToolRunner) *Manager {
	m.tools = tools
	return m
}

// Create starts a session for a new stream. Provider audio is written to
// sink. The session connects to the provider in the background.
func (m *Manager) Create(ctx context.Context, start StreamStart, sink relay.Sink) (*Session, error) {
	if start.StreamID == "" {
		return nil, fmt.Errorf("stream id is required")
	}

	m.mu.Lock()
	if _, ok := m.sessions[start.StreamID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, start.StreamID)
	}
	adapter, descriptor, err := m.registry.New(m.config.Provider)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to create voice provider: %w", err)
	}
	s := newSession(start, uuid.NewString(), adapter, descriptor, sink, m.detector, m.escalator, m.lifecycle, m.logger, m.config, m.now)
	s.tools = m.tools
	m.sessions[start.StreamID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	ctx = observability.WithCall(ctx, observability.CallFields{
		CallID:         s.callID,
		StreamID:       s.streamID,
		ConversationID: s.conversationID,
	})
	m.logger.Info(ctx, fmt.Sprintf("session created with provider %s", descriptor.Kind))

	go func() {
		defer m.wg.Done()
		defer close(s.done)
		s.run(m.ctx)
		m.retire(s)
	}()
	return s, nil
}

// retire moves a closed session from the live map to the outcome ledger.
func (m *Manager) retire(s *Session) {
	snapshot := s.Snapshot()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.streamID] == s {
		delete(m.sessions, s.streamID)
	}
	for id, o := range m.outcomes {
		if now.After(o.expires) {
			delete(m.outcomes, id)
		}
	}
	if s.callID != "" {
		m.outcomes[s.callID] = outcome{snapshot: snapshot, expires: now.Add(m.retention)}
	}
}

func (m *Manager) Get(streamID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, streamID)
	}
	return s, nil
}

// Remove closes the session for streamID and waits for its resources to be
// released.
func (m *Manager) Remove(ctx context.Context, streamID string) error {
	s, err := m.Get(streamID)
	if err != nil {
		return err
	}
	return s.Close(ctx)
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Outcome returns the final snapshot of a recently closed call.
func (m *Manager) Outcome(callID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.outcomes[callID]
	if !ok || m.now().After(o.expires) {
		return Snapshot{}, false
	}
	return o.snapshot, true
}

// Shutdown stops every session and waits for them to close. Sessions still
// running when ctx ends are cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	m.logger.Info(ctx, fmt.Sprintf("closing %d live sessions", len(live)))
	for _, s := range live {
		s.stopWith(EndShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

// OnStreamStart, OnMediaFrame and OnStreamStop adapt the telephony transport
// callbacks to the manager.

func (m *Manager) OnStreamStart(ctx context.Context, start StreamStart, sink relay.Sink) (<-chan struct{}, error) {
	s, err := m.Create(ctx, start, sink)
	if err != nil {
		return nil, err
	}
	return s.Done(), nil
}

func (m *Manager) OnMediaFrame(ctx context.Context, streamID string, frame []byte) {
	s, err := m.Get(streamID)
	if err != nil {
		return
	}
	s.PushMedia(ctx, frame)
}

func (m *Manager) OnStreamStop(ctx context.Context, streamID string, cause error) {
	s, err := m.Get(streamID)
	if err != nil {
		return
	}
	if cause != nil {
		s.Disconnect(ctx, cause)
		return
	}
	s.Stop()
}
