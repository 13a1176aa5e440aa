package googleai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"voice-gateway/internal/observability"
	"voice-gateway/internal/voice/audio"
	"voice-gateway/internal/voice/provider"

	"google.golang.org/genai"
)

const (
	inputMIMEType      = "audio/pcm;rate=16000"
	escalationToolName = "escalate_to_human"
	eventBuffer        = 256
)

// ErrServerClosing is reported when Gemini announces it will drop the session.
var ErrServerClosing = errors.New("gemini live server is closing the session")

// LiveAdapter is one Gemini Live conversation. It implements provider.Adapter.
type LiveAdapter struct {
	connect connectFunc
	model   string
	logger  *observability.Logger

	mu      sync.Mutex
	session liveSession
	closed  bool
	writeMu sync.Mutex

	events     chan provider.Event
	done       chan struct{}
	closeOnce  sync.Once
	eventsOnce sync.Once

	// suppress drops model audio after CancelResponse until the model's
	// current turn ends, since Live has no explicit cancel message.
	suppress atomic.Bool

	// input accumulates the caller transcription of the current turn.
	input strings.Builder
}

func newLiveAdapter(connect connectFunc, model string, logger *observability.Logger) *LiveAdapter {
	return &LiveAdapter{
		connect: connect,
		model:   model,
		logger:  logger,
		events:  make(chan provider.Event, eventBuffer),
		done:    make(chan struct{}),
	}
}

func (a *LiveAdapter) Connect(ctx context.Context, cfg provider.SessionConfig) error {
	session, err := a.connect(ctx, a.model, buildConnectConfig(cfg))
	if err != nil {
		return &provider.ConnectError{Provider: provider.KindGemini, Err: err}
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		session.Close()
		return &provider.ConnectError{Provider: provider.KindGemini, Err: provider.ErrAdapterClosed}
	}
	a.session = session
	a.mu.Unlock()

	a.logger.Info(ctx, "connected to gemini live")
	go a.receiveLoop(ctx, session)
	return nil
}

func buildConnectConfig(cfg provider.SessionConfig) *genai.LiveConnectConfig {
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}

	config := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.Modality("AUDIO")},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{Disabled: false},
		},
	}
	if cfg.Instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.Instructions}},
		}
	}
	var declarations []*genai.FunctionDeclaration
	if cfg.EnableEscalationTool {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        escalationToolName,
			Description: "Transfer the caller to a human agent when they ask for one or when you cannot help them.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"reason": {Type: genai.TypeString, Description: "Short reason for the transfer."},
				},
			},
		})
	}
	for _, spec := range cfg.Tools {
		declarations = append(declarations, functionDeclaration(spec))
	}
	if len(declarations) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}
	return config
}

func functionDeclaration(spec provider.ToolSpec) *genai.FunctionDeclaration {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(spec.Parameters)),
	}
	for _, p := range spec.Parameters {
		schema.Properties[p.Name] = &genai.Schema{Type: genai.TypeString, Description: p.Description}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return &genai.FunctionDeclaration{
		Name:        spec.Name,
		Description: spec.Description,
		Parameters:  schema,
	}
}

func (a *LiveAdapter) SendAudio(ctx context.Context, chunk []byte) error {
	session, err := a.current()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			Data:     audio.MuLawToPCM16kHz(chunk),
			MIMEType: inputMIMEType,
		},
	})
}

func (a *LiveAdapter) Events() <-chan provider.Event {
	return a.events
}

func (a *LiveAdapter) SendToolResult(ctx context.Context, result provider.ToolResult) error {
	session, err := a.current()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       result.CallID,
			Name:     result.Name,
			Response: map[string]any{"output": result.Output},
		}},
	})
}

func (a *LiveAdapter) CancelResponse(ctx context.Context) error {
	if _, err := a.current(); err != nil {
		return err
	}
	a.suppress.Store(true)
	return nil
}

func (a *LiveAdapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		session := a.session
		a.mu.Unlock()

		close(a.done)
		if session == nil {
			a.closeEvents()
			return
		}
		err = session.Close()
	})
	return err
}

func (a *LiveAdapter) current() (liveSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, provider.ErrAdapterClosed
	}
	if a.session == nil {
		return nil, provider.ErrNotConnected
	}
	return a.session, nil
}

func (a *LiveAdapter) receiveLoop(ctx context.Context, session liveSession) {
	defer a.closeEvents()

	for {
		msg, err := session.Receive()
		if err != nil {
			select {
			case <-a.done:
				return
			default:
			}
			a.logger.WarnWithError(ctx, "gemini live stream ended", err)
			a.emit(provider.SessionEnded(err))
			return
		}

		for _, event := range a.translate(msg) {
			if !a.emit(event) {
				return
			}
		}
	}
}

// translate maps one server message to zero or more provider events. Only the
// receive goroutine calls it.
func (a *LiveAdapter) translate(msg *genai.LiveServerMessage) []provider.Event {
	if msg == nil {
		return nil
	}
	var out []provider.Event

	if msg.ToolCall != nil {
		for _, call := range msg.ToolCall.FunctionCalls {
			if call == nil {
				continue
			}
			if call.Name == escalationToolName {
				reason, _ := call.Args["reason"].(string)
				out = append(out, provider.EscalationRequested(reason))
				continue
			}
			args, err := json.Marshal(call.Args)
			if err != nil {
				args = []byte("{}")
			}
			out = append(out, provider.ToolCalled(provider.ToolCall{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: string(args),
			}))
		}
	}

	if msg.GoAway != nil {
		out = append(out, provider.ProviderError(ErrServerClosing))
	}

	content := msg.ServerContent
	if content == nil {
		return out
	}

	if t := content.InputTranscription; t != nil {
		if t.Text != "" {
			a.input.WriteString(t.Text)
			out = append(out, provider.TranscriptDelta(t.Text, false))
		}
		if t.Finished {
			out = a.flushInput(out)
		}
	}

	if content.ModelTurn != nil {
		// The model answering means the caller's utterance is complete.
		out = a.flushInput(out)
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if a.suppress.Load() {
				continue
			}
			out = append(out, provider.AudioChunk(audio.PCM24kHzToMuLaw(part.InlineData.Data)))
		}
	}

	if content.TurnComplete || content.Interrupted {
		out = a.flushInput(out)
		a.suppress.Store(false)
	}
	return out
}

func (a *LiveAdapter) flushInput(out []provider.Event) []provider.Event {
	if a.input.Len() == 0 {
		return out
	}
	text := strings.TrimSpace(a.input.String())
	a.input.Reset()
	if text == "" {
		return out
	}
	return append(out, provider.TranscriptDelta(text, true))
}

func (a *LiveAdapter) emit(event provider.Event) bool {
	select {
	case a.events <- event:
		return true
	case <-a.done:
		return false
	}
}

func (a *LiveAdapter) closeEvents() {
	a.eventsOnce.Do(func() { close(a.events) })
}
