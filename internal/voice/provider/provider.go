// Package provider defines the capability set every voice-AI backend adapter
// implements and the registry used to pick one per call.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrUnknownProvider  = errors.New("unknown voice provider")
	ErrUnsupportedCodec = errors.New("provider cannot consume telephony audio")
	ErrNotConnected     = errors.New("provider adapter not connected")
	ErrAdapterClosed    = errors.New("provider adapter closed")
	ErrSessionEnded     = errors.New("provider session ended")
)

// ConnectError reports a failure to open the provider stream (unreachable
// backend, rejected credentials, bad session configuration).
type ConnectError struct {
	Provider Kind
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Provider, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Kind names a backend variant.
type Kind string

const (
	KindOpenAI Kind = "openai"
	KindGemini Kind = "gemini"
)

// Codec identifies an audio encoding on the wire.
type Codec string

const (
	CodecMuLaw8k Codec = "audio/x-mulaw;rate=8000"
	CodecPCM16k  Codec = "audio/pcm;rate=16000"
	CodecPCM24k  Codec = "audio/pcm;rate=24000"
)

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Threshold       float64
	PrefixPadding   time.Duration
	SilenceDuration time.Duration
}

func DefaultTurnDetection() TurnDetection {
	return TurnDetection{
		Threshold:       0.5,
		PrefixPadding:   300 * time.Millisecond,
		SilenceDuration: 500 * time.Millisecond,
	}
}

// SessionConfig is sent to the backend when the stream opens.
type SessionConfig struct {
	ConversationID string
	Instructions   string
	Voice          string
	// Greeting, when set, asks the model to speak first.
	Greeting      string
	TurnDetection TurnDetection
	// EnableEscalationTool exposes an escalate_to_human tool to the model.
	EnableEscalationTool bool
	// Tools are extra functions the model may call. Calls arrive as
	// EventToolCall and are answered with SendToolResult.
	Tools []ToolSpec
}

// ToolSpec declares a function the model can call. Every parameter is a
// string.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  []ToolParameter
}

type ToolParameter struct {
	Name        string
	Description string
	Required    bool
}

// ToolCall is one function invocation requested by the model. Arguments is
// the raw JSON object the model produced.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID string
	Name   string
	Output string
}

// Adapter is one open duplex stream to a voice backend. SendAudio always
// takes telephony-native audio and Events always yields telephony-native
// audio; adapters whose backend needs another encoding convert internally.
type Adapter interface {
	// Connect opens the stream and sends the initial session configuration.
	// Failures are returned as *ConnectError.
	Connect(ctx context.Context, cfg SessionConfig) error

	// SendAudio streams one inbound chunk.
	SendAudio(ctx context.Context, chunk []byte) error

	// Events yields translated backend messages in arrival order. The channel
	// is closed after EventSessionEnded or after Close.
	Events() <-chan Event

	// SendToolResult returns the output of a tool call to the model and lets
	// it continue speaking.
	SendToolResult(ctx context.Context, result ToolResult) error

	// CancelResponse asks the backend to stop its current output. Audio that
	// was already emitted may still be delivered.
	CancelResponse(ctx context.Context) error

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Descriptor describes a registered backend.
type Descriptor struct {
	Kind Kind
	// MaxSessionDuration is the backend's hard ceiling for one stream.
	MaxSessionDuration time.Duration
	// WireCodec is the encoding the backend consumes.
	WireCodec Codec
	// ConvertsTelephonyAudio is true when the adapter transcodes to WireCodec
	// itself. A descriptor whose WireCodec differs from mu-law without
	// conversion is rejected by the registry.
	ConvertsTelephonyAudio bool
	New                    func() Adapter
}

// Registry is the closed set of backends the service can use.
type Registry struct {
	descriptors map[Kind]Descriptor
}

func NewRegistry(descriptors ...Descriptor) *Registry {
	r := &Registry{descriptors: make(map[Kind]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		r.descriptors[d.Kind] = d
	}
	return r
}

// Descriptor returns the registered descriptor for kind.
func (r *Registry) Descriptor(kind Kind) (Descriptor, error) {
	d, ok := r.descriptors[kind]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
	if d.WireCodec != CodecMuLaw8k && !d.ConvertsTelephonyAudio {
		return Descriptor{}, fmt.Errorf("%w: %s expects %s", ErrUnsupportedCodec, kind, d.WireCodec)
	}
	return d, nil
}

// New builds an unconnected adapter for kind.
func (r *Registry) New(kind Kind) (Adapter, Descriptor, error) {
	d, err := r.Descriptor(kind)
	if err != nil {
		return nil, Descriptor{}, err
	}
	return d.New(), d, nil
}

// Kinds lists the registered backends in stable order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.descriptors))
	for k := range r.descriptors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
