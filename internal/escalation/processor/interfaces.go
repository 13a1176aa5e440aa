package processor

import (
	"context"
	"time"

	"voice-gateway/internal/clients/hubspot"
	"voice-gateway/internal/clients/mail"
	"voice-gateway/internal/clients/twilio"
	"voice-gateway/internal/handover"
)

// CRMClient records the escalation in the CRM.
type CRMClient interface {
	UpsertContact(ctx context.Context, phone string) (string, error)
	CreateTicket(ctx context.Context, contactID string, req hubspot.TicketRequest) (string, error)
	AddNote(ctx context.Context, ticketID, body string) error
}

// TokenStore defines the handover token operations required by EscalationProcessor
type TokenStore interface {
	Put(ctx context.Context, token handover.Token, ttl time.Duration) error
	Exists(ctx context.Context, token string) (bool, error)
}

// Transfer places the contact center leg and hands it the token digits.
type Transfer interface {
	PlaceCall(ctx context.Context, req twilio.TransferRequest) (twilio.CallHandle, error)
	SendTones(ctx context.Context, handle twilio.CallHandle, digits string) error
}

// FailureNotifier is told about escalations that could not be completed.
type FailureNotifier interface {
	NotifyEscalationFailure(ctx context.Context, alert mail.FailureAlert) error
}
