// Package twilio speaks the Twilio Media Streams websocket protocol.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"voice-gateway/internal/observability"
	"voice-gateway/internal/voice/audio"

	"github.com/gorilla/websocket"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"

	inboundTrack = "inbound"
	writeTimeout = 5 * time.Second
	closeTimeout = time.Second
	// outboundQueueSize bounds the audio waiting for the socket, about a
	// second of 20ms frames.
	outboundQueueSize = 50
)

var (
	// ErrStreamNotStarted is returned when media is sent before the start event.
	ErrStreamNotStarted = errors.New("media stream not started")
	// ErrStreamBroken is returned once the socket can no longer be written.
	ErrStreamBroken = errors.New("media stream write failed")
)

// MediaEvent is one message on the Twilio media stream.
type MediaEvent struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type StopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// Start describes the call behind a started stream.
type Start struct {
	StreamID    string
	CallID      string
	CallerPhone string
}

// Callbacks receives the stream lifecycle. The channel returned by
// OnStreamStart is closed when the consumer is done with the stream, which
// closes the websocket.
type Callbacks interface {
	OnStreamStart(ctx context.Context, start Start, stream *MediaStream) (<-chan struct{}, error)
	OnMediaFrame(ctx context.Context, streamID string, frame []byte)
	OnStreamStop(ctx context.Context, streamID string, cause error)
}

// MediaStream reads one Twilio websocket and writes provider audio back to it.
// A single writer goroutine owns the socket's write side; senders only
// enqueue, so a slow peer never blocks them past their own deadline.
type MediaStream struct {
	conn   *websocket.Conn
	logger *observability.Logger

	outbound chan []byte
	quit     chan struct{}
	// failed is closed when a write to the socket fails.
	failed   chan struct{}
	writeErr error

	mu        sync.Mutex
	streamSid string
	closing   bool
	closeOnce sync.Once
	failOnce  sync.Once
}

func NewMediaStream(conn *websocket.Conn, logger *observability.Logger) *MediaStream {
	m := &MediaStream{
		conn:     conn,
		logger:   logger,
		outbound: make(chan []byte, outboundQueueSize),
		quit:     make(chan struct{}),
		failed:   make(chan struct{}),
	}
	go m.writeLoop()
	return m
}

func (m *MediaStream) StreamSid() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamSid
}

// Serve reads events until the stream stops, the socket fails or ctx ends.
func (m *MediaStream) Serve(ctx context.Context, callbacks Callbacks) error {
	defer m.Close()

	var (
		streamID string
		stopped  bool
	)
	stop := func(cause error) {
		if streamID == "" || stopped {
			return
		}
		stopped = true
		callbacks.OnStreamStop(ctx, streamID, cause)
	}

	go func(ctx context.Context) {
		<-ctx.Done()
		m.Close()
	}(ctx)

	for {
		_, msg, err := m.conn.ReadMessage()
		if err != nil {
			if m.isClosing() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Info(ctx, "media stream websocket closed")
				stop(nil)
				return nil
			}
			select {
			case <-m.failed:
				err = m.failure()
			default:
			}
			m.logger.Error(ctx, "media stream read failed", err)
			stop(err)
			return fmt.Errorf("failed to read media stream: %w", err)
		}

		var event MediaEvent
		if err := json.Unmarshal(msg, &event); err != nil {
			m.logger.WarnWithError(ctx, "failed to parse media stream event", err)
			continue
		}

		switch event.Event {
		case EventConnected:
			m.logger.Debug(ctx, "media stream connected")

		case EventStart:
			if streamID != "" || event.Start == nil {
				m.logger.Warn(ctx, "ignoring unexpected start event")
				continue
			}
			start := Start{
				StreamID:    event.Start.StreamSid,
				CallID:      event.Start.CallSid,
				CallerPhone: event.Start.CustomParameters["caller"],
			}
			if start.StreamID == "" {
				start.StreamID = event.StreamSid
			}
			ctx = observability.WithCall(ctx, observability.CallFields{CallID: start.CallID, StreamID: start.StreamID})

			m.mu.Lock()
			m.streamSid = start.StreamID
			m.mu.Unlock()

			done, err := callbacks.OnStreamStart(ctx, start, m)
			if err != nil {
				m.logger.Error(ctx, "failed to start session for media stream", err)
				return fmt.Errorf("failed to start session: %w", err)
			}
			streamID = start.StreamID
			m.logger.Info(ctx, fmt.Sprintf("media stream started (%s)", event.Start.MediaFormat.Encoding))

			go func(ctx context.Context) {
				select {
				case <-done:
					m.Close()
				case <-ctx.Done():
				}
			}(ctx)

		case EventMedia:
			if streamID == "" || event.Media == nil {
				continue
			}
			if event.Media.Track != "" && event.Media.Track != inboundTrack {
				continue
			}
			frame, err := audio.Base64ToBytes(event.Media.Payload)
			if err != nil {
				m.logger.WarnWithError(ctx, "failed to decode media payload", err)
				continue
			}
			callbacks.OnMediaFrame(ctx, streamID, frame)

		case EventStop:
			m.logger.Info(ctx, "media stream stopped by twilio")
			stop(nil)
			return nil

		case EventMark:
			m.logger.Debug(ctx, "media stream mark received")

		default:
			m.logger.Debug(ctx, fmt.Sprintf("unknown media stream event: %s", event.Event))
		}
	}
}

// SendMediaFrame queues one μ-law frame for the caller. It returns ctx's
// error when the queue stays full past ctx's deadline, and ErrStreamBroken
// once a write to the socket has failed.
func (m *MediaStream) SendMediaFrame(ctx context.Context, streamID string, frame []byte) error {
	if streamID == "" {
		return ErrStreamNotStarted
	}
	msg, err := json.Marshal(MediaEvent{
		Event:     EventMedia,
		StreamSid: streamID,
		Media:     &MediaPayload{Payload: audio.BytesToBase64(frame)},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal media event: %w", err)
	}

	select {
	case <-m.failed:
		return m.failure()
	case <-m.quit:
		return websocket.ErrCloseSent
	default:
	}

	select {
	case m.outbound <- msg:
		return nil
	case <-m.failed:
		return m.failure()
	case <-m.quit:
		return websocket.ErrCloseSent
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MediaStream) writeLoop() {
	for {
		select {
		case <-m.quit:
			return
		case msg := <-m.outbound:
			if err := m.write(msg); err != nil {
				m.fail(err)
				return
			}
		}
	}
}

func (m *MediaStream) write(msg []byte) error {
	if err := m.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := m.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("failed to write media event: %w", err)
	}
	return nil
}

// fail records the first write error and closes the socket so Serve reports
// the drop to its callbacks.
func (m *MediaStream) fail(err error) {
	if m.isClosing() {
		return
	}
	m.failOnce.Do(func() {
		m.mu.Lock()
		m.writeErr = err
		m.mu.Unlock()
		close(m.failed)
		m.logger.Error(context.Background(), "media stream write failed", err)
		_ = m.conn.Close()
	})
}

func (m *MediaStream) failure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrStreamBroken, m.writeErr)
}

// Close sends a close frame and closes the socket. Twilio then requests the
// stream's action URL.
func (m *MediaStream) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closing = true
		m.mu.Unlock()
		close(m.quit)

		// WriteControl may run alongside the writer goroutine.
		deadline := time.Now().Add(closeTimeout)
		_ = m.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = m.conn.Close()
	})
}

func (m *MediaStream) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}
