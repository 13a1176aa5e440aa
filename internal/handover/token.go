// Package handover holds the handover token record the contact center reads
// back when a transferred call arrives, and the stores that keep it.
package handover

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrNotFound     = errors.New("handover token not found")
	ErrTokenExists  = errors.New("handover token already in use")
	ErrInvalidTTL   = errors.New("handover token ttl must be positive")
	ErrInvalidToken = errors.New("invalid handover token")
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Token is written once per successful escalation and never mutated.
type Token struct {
	Token            string `json:"token" db:"token" validate:"required,numeric"`
	ConversationID   string `json:"conversation_id" db:"conversation_id" validate:"required,uuid4"`
	CallID           string `json:"call_id" db:"call_id"`
	CallerPhone      string `json:"caller_phone" db:"caller_phone" validate:"omitempty,e164"`
	CRMContactID     string `json:"crm_contact_id" db:"crm_contact_id"`
	CRMTicketID      string `json:"crm_ticket_id" db:"crm_ticket_id"`
	Summary          string `json:"summary" db:"summary"`
	Intent           string `json:"intent" db:"intent"`
	Priority         string `json:"priority" db:"priority" validate:"oneof=low medium high"`
	EscalationReason string `json:"escalation_reason" db:"escalation_reason" validate:"required"`
	// CreatedAt and ExpiresAt are epoch seconds.
	CreatedAt int64 `json:"created_at" db:"created_at"`
	ExpiresAt int64 `json:"expires_at" db:"expires_at" validate:"required,gtfield=CreatedAt"`
}

var validate = validator.New()

// Validate checks the record against the contract consumed by the contact
// center.
func (t Token) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return nil
}

// NormalizePhone returns raw when it is an E.164 number and "" otherwise.
// Telephony webhooks report withheld callers as "anonymous" or a client id.
func NormalizePhone(raw string) string {
	if validate.Var(raw, "required,e164") != nil {
		return ""
	}
	return raw
}

// Expired reports whether the token is past its expiry at now.
func (t Token) Expired(now time.Time) bool {
	return now.Unix() >= t.ExpiresAt
}

// Store persists handover tokens with a time-to-live.
type Store interface {
	// Put writes the token atomically. It returns ErrTokenExists when a live
	// token with the same value is already stored.
	Put(ctx context.Context, token Token, ttl time.Duration) error
	// Get returns ErrNotFound for unknown or expired tokens.
	Get(ctx context.Context, token string) (Token, error)
	Exists(ctx context.Context, token string) (bool, error)
}

// FormatPattern returns the expression a well formed token of length digits
// matches.
func FormatPattern(length int) *regexp.Regexp {
	return regexp.MustCompile(`^\d{` + strconv.Itoa(length) + `}$`)
}

func checkPut(token Token, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return token.Validate()
}
