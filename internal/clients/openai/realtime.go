// Package openai implements the OpenAI Realtime voice backend. The stream is
// a raw websocket speaking the realtime JSON protocol with g711_ulaw audio in
// both directions, so telephony frames pass through untouched.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"voice-gateway/internal/observability"
	"voice-gateway/internal/voice/provider"

	"github.com/gorilla/websocket"
)

const (
	DefaultRealtimeURL = "wss://api.openai.com/v1/realtime"
	DefaultModel       = "gpt-4o-realtime-preview-2024-12-17"
	DefaultVoice       = "verse"

	MaxSessionDuration = 30 * time.Minute

	transcriptionModel = "whisper-1"
	writeTimeout       = 5 * time.Second
	eventBuffer        = 256
)

// Config holds the credentials and endpoint for the realtime API.
type Config struct {
	APIKey string
	Model  string
	// URL overrides the realtime endpoint, mainly for tests.
	URL string
}

// RealtimeAdapter is one realtime conversation. It implements provider.Adapter.
type RealtimeAdapter struct {
	config Config
	logger *observability.Logger
	dialer *websocket.Dialer

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool

	events     chan provider.Event
	done       chan struct{}
	closeOnce  sync.Once
	eventsOnce sync.Once
}

func NewRealtimeAdapter(config Config, logger *observability.Logger) *RealtimeAdapter {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.URL == "" {
		config.URL = DefaultRealtimeURL
	}
	return &RealtimeAdapter{
		config: config,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events: make(chan provider.Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// Descriptor registers the realtime backend with a provider.Registry.
func Descriptor(config Config, logger *observability.Logger) provider.Descriptor {
	return provider.Descriptor{
		Kind:               provider.KindOpenAI,
		MaxSessionDuration: MaxSessionDuration,
		WireCodec:          provider.CodecMuLaw8k,
		New: func() provider.Adapter {
			return NewRealtimeAdapter(config, logger)
		},
	}
}

func (a *RealtimeAdapter) Connect(ctx context.Context, cfg provider.SessionConfig) error {
	if a.config.APIKey == "" {
		return &provider.ConnectError{Provider: provider.KindOpenAI, Err: errors.New("api key is required")}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+a.config.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	url := fmt.Sprintf("%s?model=%s", a.config.URL, a.config.Model)
	conn, resp, err := a.dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return &provider.ConnectError{Provider: provider.KindOpenAI, Err: err}
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return &provider.ConnectError{Provider: provider.KindOpenAI, Err: provider.ErrAdapterClosed}
	}
	a.conn = conn
	a.mu.Unlock()

	if err := a.writeJSON(ctx, buildSessionUpdate(cfg)); err != nil {
		a.Close()
		return &provider.ConnectError{Provider: provider.KindOpenAI, Err: fmt.Errorf("send session.update: %w", err)}
	}

	if cfg.Greeting != "" {
		greeting := responseCreate{
			Type: eventResponseCreate,
			Response: &responseParams{
				Modalities:   []string{"audio", "text"},
				Instructions: cfg.Greeting,
			},
		}
		if err := a.writeJSON(ctx, greeting); err != nil {
			a.Close()
			return &provider.ConnectError{Provider: provider.KindOpenAI, Err: fmt.Errorf("send greeting: %w", err)}
		}
	}

	a.logger.Info(ctx, "connected to openai realtime")
	go a.readLoop(ctx, conn)
	return nil
}

func buildSessionUpdate(cfg provider.SessionConfig) sessionUpdate {
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	td := cfg.TurnDetection
	if td == (provider.TurnDetection{}) {
		td = provider.DefaultTurnDetection()
	}

	params := sessionParams{
		Modalities:              []string{"text", "audio"},
		Instructions:            cfg.Instructions,
		Voice:                   voice,
		InputAudioFormat:        formatG711ULaw,
		OutputAudioFormat:       formatG711ULaw,
		InputAudioTranscription: &transcriptionParams{Model: transcriptionModel},
		TurnDetection: &turnDetection{
			Type:              "server_vad",
			Threshold:         td.Threshold,
			PrefixPaddingMs:   td.PrefixPadding.Milliseconds(),
			SilenceDurationMs: td.SilenceDuration.Milliseconds(),
		},
	}
	if cfg.EnableEscalationTool {
		params.Tools = append(params.Tools, escalationTool())
	}
	for _, spec := range cfg.Tools {
		params.Tools = append(params.Tools, functionTool(spec))
	}
	if len(params.Tools) > 0 {
		params.ToolChoice = "auto"
	}
	return sessionUpdate{Type: eventSessionUpdate, Session: params}
}

func (a *RealtimeAdapter) SendAudio(ctx context.Context, chunk []byte) error {
	return a.writeJSON(ctx, audioAppend{
		Type:  eventInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

func (a *RealtimeAdapter) Events() <-chan provider.Event {
	return a.events
}

// SendToolResult adds the function output to the conversation and asks for a
// new response so the model speaks the answer.
func (a *RealtimeAdapter) SendToolResult(ctx context.Context, result provider.ToolResult) error {
	if err := a.writeJSON(ctx, itemCreate{
		Type: eventItemCreate,
		Item: functionOutput{
			Type:   itemFunctionCallOutput,
			CallID: result.CallID,
			Output: result.Output,
		},
	}); err != nil {
		return fmt.Errorf("send function output: %w", err)
	}
	return a.writeJSON(ctx, responseCreate{Type: eventResponseCreate})
}

func (a *RealtimeAdapter) CancelResponse(ctx context.Context) error {
	return a.writeJSON(ctx, simpleEvent{Type: eventResponseCancel})
}

func (a *RealtimeAdapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		conn := a.conn
		a.mu.Unlock()

		close(a.done)
		if conn == nil {
			a.closeEvents()
			return
		}
		a.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		a.writeMu.Unlock()
		err = conn.Close()
	})
	return err
}

func (a *RealtimeAdapter) writeJSON(ctx context.Context, v any) error {
	a.mu.Lock()
	conn, closed := a.conn, a.closed
	a.mu.Unlock()
	if closed {
		return provider.ErrAdapterClosed
	}
	if conn == nil {
		return provider.ErrNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func (a *RealtimeAdapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer a.closeEvents()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-a.done:
				// closed locally
				return
			default:
			}
			a.logger.WarnWithError(ctx, "openai realtime stream ended", err)
			a.emit(provider.SessionEnded(err))
			return
		}

		event, ok, err := translate(msg)
		if err != nil {
			a.logger.WarnWithError(ctx, "failed to decode openai realtime message", err)
			continue
		}
		if !ok {
			continue
		}
		if !a.emit(event) {
			return
		}
	}
}

func (a *RealtimeAdapter) emit(event provider.Event) bool {
	select {
	case a.events <- event:
		return true
	case <-a.done:
		return false
	}
}

func (a *RealtimeAdapter) closeEvents() {
	a.eventsOnce.Do(func() { close(a.events) })
}

// translate maps one server message to a provider event. Messages with no
// provider-agnostic meaning report ok=false.
func translate(msg []byte) (provider.Event, bool, error) {
	var ev serverEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return provider.Event{}, false, err
	}

	switch ev.Type {
	case eventAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return provider.Event{}, false, fmt.Errorf("decode audio delta: %w", err)
		}
		return provider.AudioChunk(audio), true, nil
	case eventTranscriptionDelta:
		return provider.TranscriptDelta(ev.Delta, false), true, nil
	case eventTranscriptionDone:
		return provider.TranscriptDelta(ev.Transcript, true), true, nil
	case eventFunctionArgumentsDone:
		if ev.Name == escalationToolName {
			return provider.EscalationRequested(parseEscalationReason(ev.Arguments)), true, nil
		}
		return provider.ToolCalled(provider.ToolCall{
			ID:        ev.CallID,
			Name:      ev.Name,
			Arguments: ev.Arguments,
		}), true, nil
	case eventError:
		apiErr := &APIError{Type: "error"}
		if ev.Error != nil {
			apiErr.Type = ev.Error.Type
			apiErr.Code = ev.Error.Code
			apiErr.Message = ev.Error.Message
		}
		return provider.ProviderError(apiErr), true, nil
	default:
		return provider.Event{}, false, nil
	}
}
