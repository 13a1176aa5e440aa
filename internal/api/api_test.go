package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	handoverHandler "voice-gateway/internal/handover/handler"
	"voice-gateway/internal/observability"
	voiceCallHandler "voice-gateway/internal/voicecall/handler"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixedCalls int

func (f fixedCalls) Len() int { return int(f) }

func TestAPI_RegisterRoutes(t *testing.T) {
	t.Parallel()

	logger := observability.NewFromZap(zap.NewNop())
	engine := gin.New()
	a := New(
		engine.Group("/"),
		voiceCallHandler.New(nil, nil, "gw.example.com", "", logger),
		handoverHandler.New(nil, 10, handoverHandler.AuthConfig{Secret: "s"}, logger),
		fixedCalls(2),
	)
	a.RegisterRoutes()

	routes := make(map[string]bool)
	for _, r := range engine.Routes() {
		routes[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"GET /health",
		"POST /twilio/voice",
		"GET /twilio/stream",
		"POST /twilio/stream-ended",
		"POST /twilio/escalate-status",
		"GET /api/handover/:token",
	} {
		assert.True(t, routes[want], want)
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"ok","active_calls":2}`, w.Body.String())

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/handover/1234567890", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
