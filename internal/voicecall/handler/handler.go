package handler

import (
	"context"
	"net/http"

	twilioclient "voice-gateway/internal/clients/twilio"
	"voice-gateway/internal/observability"
	"voice-gateway/internal/voice/relay"
	"voice-gateway/internal/voicecall/session"

	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go/client"
)

const (
	PathVoice          = "/twilio/voice"
	PathStream         = "/twilio/stream"
	PathStreamEnded    = "/twilio/stream-ended"
	PathEscalateStatus = "/twilio/escalate-status"

	signatureHeader = "X-Twilio-Signature"
)

// Sessions is the session manager as seen by the Twilio webhooks.
type Sessions interface {
	OnStreamStart(ctx context.Context, start session.StreamStart, sink relay.Sink) (<-chan struct{}, error)
	OnMediaFrame(ctx context.Context, streamID string, frame []byte)
	OnStreamStop(ctx context.Context, streamID string, cause error)
	Outcome(callID string) (session.Snapshot, bool)
}

// Transfers hands out transfers staged for a call.
type Transfers interface {
	Take(callID string) (twilioclient.PendingTransfer, bool)
}

type Handler struct {
	sessions   Sessions
	transfers  Transfers
	publicHost string
	validator  *client.RequestValidator
	logger     *observability.Logger
}

// New builds the Twilio webhook handler. Request signatures are checked when
// authToken is set.
func New(sessions Sessions, transfers Transfers, publicHost, authToken string, logger *observability.Logger) Handler {
	h := Handler{
		sessions:   sessions,
		transfers:  transfers,
		publicHost: publicHost,
		logger:     logger,
	}
	if authToken != "" {
		validator := client.NewRequestValidator(authToken)
		h.validator = &validator
	}
	return h
}

// upgrader is a shared WebSocket upgrader
var upgrader = websocket.Upgrader{
	// Twilio does not send an Origin header.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (h *Handler) streamURL() string {
	return "wss://" + h.publicHost + PathStream
}

func (h *Handler) webhookURL(path string) string {
	return "https://" + h.publicHost + path
}
