// Package api mounts the Twilio webhooks, the media stream socket and the
// handover lookup on a gin router.
package api

import (
	"net/http"

	handoverHandler "voice-gateway/internal/handover/handler"
	voiceCallHandler "voice-gateway/internal/voicecall/handler"

	"github.com/gin-gonic/gin"
)

// CallCounter reports how many calls are live.
type CallCounter interface {
	Len() int
}

type API struct {
	router    *gin.RouterGroup
	voiceCall voiceCallHandler.Handler
	handover  handoverHandler.Handler
	calls     CallCounter
}

func New(router *gin.RouterGroup, voiceCall voiceCallHandler.Handler, handover handoverHandler.Handler, calls CallCounter) API {
	return API{
		router:    router,
		voiceCall: voiceCall,
		handover:  handover,
		calls:     calls,
	}
}

func (a *API) RegisterRoutes() {
	a.router.GET("/health", a.health)

	// Twilio signs every webhook; the stream upgrade carries no signature.
	twilioGroup := a.router.Group("/")
	{
		signed := a.voiceCall.HandleTwilioSignature
		twilioGroup.POST(voiceCallHandler.PathVoice, signed, a.voiceCall.HandleVoice)
		twilioGroup.POST(voiceCallHandler.PathStreamEnded, signed, a.voiceCall.HandleStreamEnded)
		twilioGroup.POST(voiceCallHandler.PathEscalateStatus, signed, a.voiceCall.HandleEscalateStatus)
		twilioGroup.GET(voiceCallHandler.PathStream, a.voiceCall.HandleStream)
	}

	handoverGroup := a.router.Group("/api", a.handover.HandleJWTMiddleware)
	{
		handoverGroup.GET("/handover/:token", a.handover.HandleGetHandover)
	}
}

func (a *API) health(c *gin.Context) {
	body := gin.H{"message": "ok"}
	if a.calls != nil {
		body["active_calls"] = a.calls.Len()
	}
	c.JSON(http.StatusOK, body)
}
