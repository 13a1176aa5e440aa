package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	twilioclient "voice-gateway/internal/clients/twilio"
	"voice-gateway/internal/observability"
	"voice-gateway/internal/voice/relay"
	"voice-gateway/internal/voicecall/session"
	mediastream "voice-gateway/internal/voicecall/twilio"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testHost  = "gw.example.com"
	testToken = "twilio-auth-token"
)

type fakeSessions struct {
	mu       sync.Mutex
	starts   []session.StreamStart
	sinks    []relay.Sink
	frames   int
	stops    []error
	outcomes map[string]session.Snapshot
	done     chan struct{}
	started  chan struct{}
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		outcomes: make(map[string]session.Snapshot),
		done:     make(chan struct{}),
		started:  make(chan struct{}, 1),
	}
}

func (f *fakeSessions) OnStreamStart(ctx context.Context, start session.StreamStart, sink relay.Sink) (<-chan struct{}, error) {
	f.mu.Lock()
	f.starts = append(f.starts, start)
	f.sinks = append(f.sinks, sink)
	f.mu.Unlock()
	f.started <- struct{}{}
	return f.done, nil
}

func (f *fakeSessions) OnMediaFrame(ctx context.Context, streamID string, frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
}

func (f *fakeSessions) OnStreamStop(ctx context.Context, streamID string, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, cause)
}

func (f *fakeSessions) Outcome(callID string) (session.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.outcomes[callID]
	return s, ok
}

type fakeTransfers struct {
	pending map[string]twilioclient.PendingTransfer
}

func (f *fakeTransfers) Take(callID string) (twilioclient.PendingTransfer, bool) {
	p, ok := f.pending[callID]
	if ok {
		delete(f.pending, callID)
	}
	return p, ok
}

func newTestHandler(sessions *fakeSessions, transfers *fakeTransfers, authToken string) Handler {
	return New(sessions, transfers, testHost, authToken, observability.NewFromZap(zap.NewNop()))
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func sign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestHandler_HandleVoice(t *testing.T) {
	t.Parallel()

	h := newTestHandler(newFakeSessions(), &fakeTransfers{}, "")
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = postForm(PathVoice, url.Values{"CallSid": {"CA1"}, "From": {"+15551234567"}})

	h.HandleVoice(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/xml", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, `url="wss://gw.example.com/twilio/stream"`)
	assert.Contains(t, body, `action="https://gw.example.com/twilio/stream-ended"`)
	assert.Contains(t, body, `name="caller"`)
	assert.Contains(t, body, `value="+15551234567"`)
}

func TestHandler_RejectsMissingCallSid(t *testing.T) {
	t.Parallel()

	h := newTestHandler(newFakeSessions(), &fakeTransfers{}, "")
	handlers := map[string]gin.HandlerFunc{
		PathVoice:          h.HandleVoice,
		PathStreamEnded:    h.HandleStreamEnded,
		PathEscalateStatus: h.HandleEscalateStatus,
	}
	for path, handle := range handlers {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = postForm(path, url.Values{"From": {"+15551234567"}})

		handle(c)

		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Contains(t, w.Body.String(), `"code":"INVALID_INPUT"`, path)
		assert.Contains(t, w.Body.String(), "CallSid is required", path)
	}
}

func TestHandler_HandleStreamEnded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pending  map[string]twilioclient.PendingTransfer
		outcomes map[string]session.Snapshot
		want     []string
		notWant  []string
	}{
		{
			name: "pending dial transfer",
			pending: map[string]twilioclient.PendingTransfer{
				"CA1": {CallID: "CA1", Destination: "+15550001111", Digits: "wwww1234567890#", Mode: twilioclient.ModeDial},
			},
			want: []string{twilioclient.HoldMessage, `sendDigits="wwww1234567890#"`, "+15550001111", `action="https://gw.example.com/twilio/escalate-status"`},
		},
		{
			name: "pending conference transfer",
			pending: map[string]twilioclient.PendingTransfer{
				"CA1": {CallID: "CA1", Digits: "wwww1234567890#", Mode: twilioclient.ModeConference, ConferenceName: "handover-CA1"},
			},
			want: []string{"<Conference>handover-CA1</Conference>"},
		},
		{
			name: "escalation failed",
			outcomes: map[string]session.Snapshot{
				"CA1": {CallID: "CA1", Escalated: true, FailureReason: "token_store: unavailable"},
			},
			want:    []string{twilioclient.FailureMessage, "<Hangup"},
			notWant: []string{"<Dial"},
		},
		{
			name: "escalated without staged transfer",
			outcomes: map[string]session.Snapshot{
				"CA1": {CallID: "CA1", Escalated: true},
			},
			want: []string{twilioclient.FailureMessage},
		},
		{
			name: "normal end",
			outcomes: map[string]session.Snapshot{
				"CA1": {CallID: "CA1", EndReason: session.EndStreamStop},
			},
			want: []string{twilioclient.GoodbyeMessage},
		},
		{
			name: "unknown call",
			want: []string{twilioclient.GoodbyeMessage},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sessions := newFakeSessions()
			for k, v := range tt.outcomes {
				sessions.outcomes[k] = v
			}
			pending := make(map[string]twilioclient.PendingTransfer)
			for k, v := range tt.pending {
				pending[k] = v
			}
			h := newTestHandler(sessions, &fakeTransfers{pending: pending}, "")

			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = postForm(PathStreamEnded, url.Values{"CallSid": {"CA1"}})

			h.HandleStreamEnded(c)

			require.Equal(t, http.StatusOK, w.Code)
			for _, s := range tt.want {
				assert.Contains(t, w.Body.String(), s)
			}
			for _, s := range tt.notWant {
				assert.NotContains(t, w.Body.String(), s)
			}
			assert.Empty(t, pending)
		})
	}
}

func TestHandler_HandleEscalateStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status string
		want   string
	}{
		{status: "completed", want: twilioclient.GoodbyeMessage},
		{status: "busy", want: twilioclient.FailureMessage},
		{status: "no-answer", want: twilioclient.FailureMessage},
		{status: "failed", want: twilioclient.FailureMessage},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			t.Parallel()

			h := newTestHandler(newFakeSessions(), &fakeTransfers{}, "")
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = postForm(PathEscalateStatus, url.Values{"CallSid": {"CA1"}, "DialCallStatus": {tt.status}})

			h.HandleEscalateStatus(c)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}
}

func TestHandler_HandleTwilioSignature(t *testing.T) {
	t.Parallel()

	form := url.Values{"CallSid": {"CA1"}, "From": {"+15551234567"}}
	valid := sign(testToken, "https://"+testHost+PathVoice, form)

	tests := []struct {
		name      string
		authToken string
		signature string
		wantCode  int
	}{
		{name: "valid signature", authToken: testToken, signature: valid, wantCode: http.StatusOK},
		{name: "wrong signature", authToken: testToken, signature: "bm9wZQ==", wantCode: http.StatusUnauthorized},
		{name: "missing signature", authToken: testToken, wantCode: http.StatusUnauthorized},
		{name: "validation disabled", wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newTestHandler(newFakeSessions(), &fakeTransfers{}, tt.authToken)
			router := gin.New()
			router.POST(PathVoice, h.HandleTwilioSignature, h.HandleVoice)

			req := postForm(PathVoice, form)
			if tt.signature != "" {
				req.Header.Set(signatureHeader, tt.signature)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestHandler_HandleStream(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	h := newTestHandler(sessions, &fakeTransfers{}, "")
	router := gin.New()
	router.GET(PathStream, h.HandleStream)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+PathStream, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(mediastream.MediaEvent{
		Event: mediastream.EventStart,
		Start: &mediastream.StartPayload{
			StreamSid:        "MZ1",
			CallSid:          "CA1",
			CustomParameters: map[string]string{"caller": "+15551234567"},
		},
	}))

	select {
	case <-sessions.started:
	case <-time.After(2 * time.Second):
		t.Fatal("stream start not delivered")
	}

	sessions.mu.Lock()
	require.Len(t, sessions.starts, 1)
	assert.Equal(t, session.StreamStart{StreamID: "MZ1", CallID: "CA1", CallerPhone: "+15551234567"}, sessions.starts[0])
	sink := sessions.sinks[0]
	sessions.mu.Unlock()

	require.NoError(t, sink.SendMediaFrame(context.Background(), "MZ1", []byte{0x7f}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event mediastream.MediaEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, mediastream.EventMedia, event.Event)

	close(sessions.done)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
