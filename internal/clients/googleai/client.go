// Package googleai implements the Gemini Live voice backend on top of the
// genai SDK. Gemini consumes 16kHz PCM and produces 24kHz PCM, so the adapter
// converts to and from telephony mu-law itself.
package googleai

import (
	"context"
	"fmt"
	"time"

	"voice-gateway/internal/observability"
	"voice-gateway/internal/voice/provider"

	"google.golang.org/genai"
)

const (
	DefaultModel = "gemini-2.5-flash-preview-native-audio-dialog"
	DefaultVoice = "Aoede"

	MaxSessionDuration = 15 * time.Minute
)

// liveSession is the part of *genai.Session the adapter uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, config *genai.LiveConnectConfig) (liveSession, error)

// LiveClient owns the genai client shared by every Gemini call.
type LiveClient struct {
	connect connectFunc
	model   string
	logger  *observability.Logger
}

// NewLiveClient creates a new Google AI client for real-time voice sessions.
func NewLiveClient(ctx context.Context, apiKey, model string, logger *observability.Logger) (*LiveClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Google AI client: %w", err)
	}
	if model == "" {
		model = DefaultModel
	}

	return &LiveClient{
		connect: func(ctx context.Context, model string, config *genai.LiveConnectConfig) (liveSession, error) {
			return client.Live.Connect(ctx, model, config)
		},
		model:  model,
		logger: logger,
	}, nil
}

// NewAdapter returns an unconnected Live adapter.
func (c *LiveClient) NewAdapter() *LiveAdapter {
	return newLiveAdapter(c.connect, c.model, c.logger)
}

// Descriptor registers the Gemini backend with a provider.Registry.
func (c *LiveClient) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Kind:                   provider.KindGemini,
		MaxSessionDuration:     MaxSessionDuration,
		WireCodec:              provider.CodecPCM16k,
		ConvertsTelephonyAudio: true,
		New: func() provider.Adapter {
			return c.NewAdapter()
		},
	}
}
