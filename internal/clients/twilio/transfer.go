// Package twilio places the contact center leg of a human handoff and builds
// the TwiML documents the voice webhooks answer with.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voice-gateway/internal/observability"

	twilio "github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

var (
	ErrNoPendingTransfer = errors.New("no pending transfer for call")
	ErrMissingDigits     = errors.New("handover digits are required")
)

// Mode says how the caller reaches the contact center.
type Mode string

const (
	// ModeDial returns a <Dial><Number sendDigits> from the stream action URL.
	// Twilio rejects REST redirects of a call while its media stream is open,
	// so the transfer waits for the stream to end.
	ModeDial Mode = "dial"
	// ModeConference places the contact center leg over REST and joins both
	// legs in a named conference.
	ModeConference Mode = "conference"

	pendingTTL     = 10 * time.Minute
	legHoldSeconds = 60
)

// TransferRequest identifies the caller being handed over.
type TransferRequest struct {
	CallID         string
	ConversationID string
	Destination    string
}

// CallHandle refers to a placed or staged contact center leg.
type CallHandle struct {
	CallID string
	// SID is the outbound call's sid in conference mode.
	SID  string
	Mode Mode
}

// PendingTransfer is read by the stream action webhook to build the caller's
// TwiML.
type PendingTransfer struct {
	CallID         string
	Destination    string
	Digits         string
	Mode           Mode
	ConferenceName string
	CallSID        string
	CreatedAt      time.Time
}

// Ledger holds pending transfers keyed by the caller's call sid until the
// action webhook takes them.
type Ledger struct {
	mu      sync.Mutex
	pending map[string]PendingTransfer
	now     func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{pending: make(map[string]PendingTransfer), now: time.Now}
}

func (l *Ledger) stage(p PendingTransfer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictExpired()
	p.CreatedAt = l.now()
	l.pending[p.CallID] = p
}

func (l *Ledger) attachDigits(callID, digits string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[callID]
	if !ok {
		return ErrNoPendingTransfer
	}
	p.Digits = digits
	l.pending[callID] = p
	return nil
}

// Take removes and returns the pending transfer for callID. Transfers without
// digits are not returned.
func (l *Ledger) Take(callID string) (PendingTransfer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictExpired()
	p, ok := l.pending[callID]
	if !ok || p.Digits == "" {
		return PendingTransfer{}, false
	}
	delete(l.pending, callID)
	return p, true
}

func (l *Ledger) evictExpired() {
	cutoff := l.now().Add(-pendingTTL)
	for id, p := range l.pending {
		if p.CreatedAt.Before(cutoff) {
			delete(l.pending, id)
		}
	}
}

// DialTransfer stages a <Dial> for the caller; nothing is sent to Twilio
// until the stream action webhook fires.
type DialTransfer struct {
	ledger *Ledger
	logger *observability.Logger
}

func NewDialTransfer(ledger *Ledger, logger *observability.Logger) *DialTransfer {
	return &DialTransfer{ledger: ledger, logger: logger}
}

func (t *DialTransfer) PlaceCall(ctx context.Context, req TransferRequest) (CallHandle, error) {
	if req.CallID == "" || req.Destination == "" {
		return CallHandle{}, fmt.Errorf("call id and destination are required")
	}
	t.ledger.stage(PendingTransfer{CallID: req.CallID, Destination: req.Destination, Mode: ModeDial})
	t.logger.Info(ctx, "staged dial transfer to contact center")
	return CallHandle{CallID: req.CallID, Mode: ModeDial}, nil
}

func (t *DialTransfer) SendTones(ctx context.Context, handle CallHandle, digits string) error {
	if digits == "" {
		return ErrMissingDigits
	}
	return t.ledger.attachDigits(handle.CallID, digits)
}

// callAPI is the subset of the Twilio REST API used by ConferenceTransfer.
type callAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// ConferenceTransfer dials the contact center over the REST API, plays the
// handover digits on that leg and bridges it with the caller in a conference.
type ConferenceTransfer struct {
	api    callAPI
	from   string
	ledger *Ledger
	logger *observability.Logger
}

func NewConferenceTransfer(accountSID, authToken, from string, ledger *Ledger, logger *observability.Logger) *ConferenceTransfer {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &ConferenceTransfer{api: client.Api, from: from, ledger: ledger, logger: logger}
}

func ConferenceName(callID string) string {
	return "handover-" + callID
}

func (t *ConferenceTransfer) PlaceCall(ctx context.Context, req TransferRequest) (CallHandle, error) {
	if req.CallID == "" || req.Destination == "" {
		return CallHandle{}, fmt.Errorf("call id and destination are required")
	}
	hold, err := holdLegTwiML(legHoldSeconds)
	if err != nil {
		return CallHandle{}, fmt.Errorf("failed to build hold twiml: %w", err)
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(req.Destination)
	params.SetFrom(t.from)
	params.SetTwiml(hold)

	call, err := t.api.CreateCall(params)
	if err != nil {
		return CallHandle{}, fmt.Errorf("failed to place contact center call: %w", err)
	}
	if call == nil || call.Sid == nil {
		return CallHandle{}, errors.New("twilio returned no call sid")
	}

	t.ledger.stage(PendingTransfer{
		CallID:         req.CallID,
		Destination:    req.Destination,
		Mode:           ModeConference,
		ConferenceName: ConferenceName(req.CallID),
		CallSID:        *call.Sid,
	})
	ctx = observability.WithFields(ctx, observability.Field{Key: "transfer_call_sid", Value: *call.Sid})
	t.logger.Info(ctx, "placed contact center call")
	return CallHandle{CallID: req.CallID, SID: *call.Sid, Mode: ModeConference}, nil
}

func (t *ConferenceTransfer) SendTones(ctx context.Context, handle CallHandle, digits string) error {
	if digits == "" {
		return ErrMissingDigits
	}
	leg, err := legTwiML(digits, ConferenceName(handle.CallID))
	if err != nil {
		return fmt.Errorf("failed to build leg twiml: %w", err)
	}

	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(leg)
	if _, err := t.api.UpdateCall(handle.SID, params); err != nil {
		return fmt.Errorf("failed to send handover digits: %w", err)
	}
	return t.ledger.attachDigits(handle.CallID, digits)
}
