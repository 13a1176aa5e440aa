package handler

import (
	"context"

	"voice-gateway/internal/voicecall/session"
	mediastream "voice-gateway/internal/voicecall/twilio"

	"github.com/gin-gonic/gin"
)

// HandleStream upgrades Twilio's media stream request and feeds it to the
// session manager until the stream ends.
func (h *Handler) HandleStream(c *gin.Context) {
	ctx := c.Request.Context()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error(ctx, "WebSocket upgrade failed", err)
		return
	}

	h.logger.Info(ctx, "Twilio media stream connection established")
	stream := mediastream.NewMediaStream(conn, h.logger)
	if err := stream.Serve(ctx, streamBridge{sessions: h.sessions}); err != nil {
		h.logger.WarnWithError(ctx, "media stream ended with error", err)
	}
}

// streamBridge hands media stream callbacks to the session manager with the
// stream itself as the relay sink.
type streamBridge struct {
	sessions Sessions
}

func (b streamBridge) OnStreamStart(ctx context.Context, start mediastream.Start, stream *mediastream.MediaStream) (<-chan struct{}, error) {
	return b.sessions.OnStreamStart(ctx, session.StreamStart{
		StreamID:    start.StreamID,
		CallID:      start.CallID,
		CallerPhone: start.CallerPhone,
	}, stream)
}

func (b streamBridge) OnMediaFrame(ctx context.Context, streamID string, frame []byte) {
	b.sessions.OnMediaFrame(ctx, streamID, frame)
}

func (b streamBridge) OnStreamStop(ctx context.Context, streamID string, cause error) {
	b.sessions.OnStreamStop(ctx, streamID, cause)
}
