package processor

//go:generate go run go.uber.org/mock/mockgen@latest -source=interfaces.go -destination=mocks_test.go -package=processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voice-gateway/internal/clients/hubspot"
	"voice-gateway/internal/clients/mail"
	"voice-gateway/internal/clients/twilio"
	"voice-gateway/internal/handover"
	"voice-gateway/internal/observability"
)

// Reason says why a call was escalated.
type Reason string

const (
	// ReasonUserRequest is a trigger phrase in the caller's speech.
	ReasonUserRequest Reason = "user_request"
	// ReasonProviderError is an unrecoverable voice backend disconnect.
	ReasonProviderError Reason = "provider_error"
	// ReasonAgentDecision is the model calling its escalation tool.
	ReasonAgentDecision Reason = "agent_decision"
)

// Config holds the handoff settings.
type Config struct {
	TokenLength int
	TokenTTL    time.Duration
	// Destination is the contact center number the caller is transferred to.
	Destination     string
	DefaultPriority string
}

// Request describes the call being handed off.
type Request struct {
	ConversationID string
	CallID         string
	StreamID       string
	CallerPhone    string
	Reason         Reason
	// Detail is free text supplied with the trigger, such as the model's
	// justification for an agent decision.
	Detail    string
	Priority  string
	StartedAt time.Time
	// Transcript holds the caller's final transcript snippets in order.
	Transcript []string
}

// Result is the outcome of a handoff whose token was stored.
type Result struct {
	Token   string
	Digits  string
	Summary string

	CRMContactID string
	CRMTicketID  string
	// CRMErr is set when the CRM step failed; the handoff still proceeds.
	CRMErr error

	Transferred bool
	TransferErr error
}

// EscalationProcessor hands a call over to the contact center.
type EscalationProcessor struct {
	crm      CRMClient
	tokens   TokenStore
	transfer Transfer
	notifier FailureNotifier
	logger   *observability.Logger
	config   Config
	generate TokenGenerator
	now      func() time.Time
}

// New creates a new EscalationProcessor. crm and notifier may be nil.
func New(crm CRMClient, tokens TokenStore, transfer Transfer, notifier FailureNotifier, logger *observability.Logger, config Config) *EscalationProcessor {
	if config.TokenLength == 0 {
		config.TokenLength = 10
	}
	if config.TokenTTL == 0 {
		config.TokenTTL = 600 * time.Second
	}
	if config.DefaultPriority == "" {
		config.DefaultPriority = handover.PriorityMedium
	}
	return &EscalationProcessor{
		crm:      crm,
		tokens:   tokens,
		transfer: transfer,
		notifier: notifier,
		logger:   logger,
		config:   config,
		generate: RandomDigits,
		now:      time.Now,
	}
}

// WithTokenGenerator replaces the random token source.
func (p *EscalationProcessor) WithTokenGenerator(generate TokenGenerator) *EscalationProcessor {
	p.generate = generate
	return p
}

// WithClock replaces the processor's time source.
func (p *EscalationProcessor) WithClock(now func() time.Time) *EscalationProcessor {
	p.now = now
	return p
}

// Escalate issues a handover token, records the call in the CRM, stores the
// token and transfers the caller. Only a failure to issue or store the token
// is returned, as a *FatalIntegrationError; CRM and transfer failures are
// logged and reported on the Result.
func (p *EscalationProcessor) Escalate(ctx context.Context, req Request) (Result, error) {
	ctx = observability.WithCall(ctx, observability.CallFields{
		CallID:         req.CallID,
		StreamID:       req.StreamID,
		ConversationID: req.ConversationID,
	})
	ctx = observability.WithFields(ctx, observability.Field{Key: "escalation_reason", Value: string(req.Reason)})

	now := p.now()
	duration := time.Duration(0)
	if !req.StartedAt.IsZero() {
		duration = now.Sub(req.StartedAt)
	}
	priority := req.Priority
	if priority == "" {
		priority = p.config.DefaultPriority
	}

	intent := Intent(req.Reason, req.Detail)
	callerPhone := handover.NormalizePhone(req.CallerPhone)
	result := Result{Summary: BuildSummary(duration, callerPhone, req.Transcript, intent)}

	token, err := p.allocateToken(ctx)
	if err != nil {
		return result, p.fail(ctx, req, StepToken, err)
	}
	result.Token = token

	p.recordInCRM(observability.WithFields(ctx, observability.Field{Key: "token", Value: token}), req, priority, &result)

	record := handover.Token{
		Token:            token,
		ConversationID:   req.ConversationID,
		CallID:           req.CallID,
		CallerPhone:      callerPhone,
		CRMContactID:     result.CRMContactID,
		CRMTicketID:      result.CRMTicketID,
		Summary:          result.Summary,
		Intent:           intent,
		Priority:         strings.ToLower(priority),
		EscalationReason: string(req.Reason),
		CreatedAt:        now.Unix(),
		ExpiresAt:        now.Add(p.config.TokenTTL).Unix(),
	}
	stored, err := p.storeToken(ctx, record)
	if err != nil {
		return result, p.fail(ctx, req, StepTokenStore, err)
	}
	result.Token = stored
	result.Digits = ToneDigits(stored)
	ctx = observability.WithFields(ctx, observability.Field{Key: "token", Value: stored})
	if stored != token && result.CRMTicketID != "" {
		if err := p.crm.AddNote(ctx, result.CRMTicketID, "Handover token replaced: "+stored); err != nil {
			p.logger.WarnWithError(ctx, "failed to record replacement handover token", err)
		}
	}

	p.transferCall(ctx, req, &result)

	p.logger.Info(ctx, "escalation completed")
	return result, nil
}

// allocateToken draws tokens until one is not already stored.
func (p *EscalationProcessor) allocateToken(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= maxTokenAttempts; attempt++ {
		token, err := p.generate(p.config.TokenLength)
		if err != nil {
			return "", err
		}
		exists, err := p.tokens.Exists(ctx, token)
		if err != nil {
			// The atomic put still rejects a duplicate.
			p.logger.WarnWithError(ctx, "failed to check handover token, continuing", err)
			return token, nil
		}
		if !exists {
			return token, nil
		}
		p.logger.Warn(ctx, fmt.Sprintf("handover token collision on attempt %d", attempt))
	}
	return "", ErrTokenExhausted
}

// storeToken writes record, drawing a new token if another escalation took
// the value in the meantime.
func (p *EscalationProcessor) storeToken(ctx context.Context, record handover.Token) (string, error) {
	for attempt := 1; ; attempt++ {
		err := p.tokens.Put(ctx, record, p.config.TokenTTL)
		if err == nil {
			return record.Token, nil
		}
		if !errors.Is(err, handover.ErrTokenExists) {
			return "", err
		}
		if attempt >= maxTokenAttempts {
			return "", ErrTokenExhausted
		}
		p.logger.Warn(ctx, "handover token taken before write, drawing another")
		if record.Token, err = p.allocateToken(ctx); err != nil {
			return "", err
		}
	}
}

func (p *EscalationProcessor) recordInCRM(ctx context.Context, req Request, priority string, result *Result) {
	if p.crm == nil {
		return
	}

	contactID, err := p.crm.UpsertContact(ctx, req.CallerPhone)
	if err != nil {
		result.CRMErr = classify(StepCRM, err)
		p.logger.WarnWithError(ctx, "failed to upsert crm contact", result.CRMErr)
		return
	}
	result.CRMContactID = contactID

	ticketID, err := p.crm.CreateTicket(ctx, contactID, hubspot.TicketRequest{
		Subject:  "Voice Escalation - " + req.ConversationID,
		Content:  result.Summary,
		Priority: priority,
	})
	if err != nil {
		result.CRMErr = classify(StepCRM, err)
		p.logger.WarnWithError(ctx, "failed to create crm ticket", result.CRMErr)
		return
	}
	result.CRMTicketID = ticketID

	if err := p.crm.AddNote(ctx, ticketID, noteBody(req, result.Token)); err != nil {
		result.CRMErr = classify(StepCRM, err)
		p.logger.WarnWithError(ctx, "failed to add crm note", result.CRMErr)
	}
}

func noteBody(req Request, token string) string {
	var b strings.Builder
	b.WriteString("Voice escalation handover\n")
	fmt.Fprintf(&b, "Conversation ID: %s\n", req.ConversationID)
	fmt.Fprintf(&b, "Call ID: %s\n", req.CallID)
	fmt.Fprintf(&b, "Stream ID: %s\n", req.StreamID)
	fmt.Fprintf(&b, "Reason: %s\n", req.Reason)
	if req.Detail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", req.Detail)
	}
	fmt.Fprintf(&b, "Handover token: %s", token)
	return b.String()
}

func (p *EscalationProcessor) transferCall(ctx context.Context, req Request, result *Result) {
	handle, err := p.transfer.PlaceCall(ctx, twilio.TransferRequest{
		CallID:         req.CallID,
		ConversationID: req.ConversationID,
		Destination:    p.config.Destination,
	})
	if err != nil {
		result.TransferErr = classify(StepTransfer, err)
		p.logger.Error(ctx, "failed to place contact center call", result.TransferErr)
		return
	}
	if err := p.transfer.SendTones(ctx, handle, result.Digits); err != nil {
		result.TransferErr = classify(StepTransfer, err)
		p.logger.Error(ctx, "failed to send handover digits", result.TransferErr)
		return
	}
	result.Transferred = true
}

func (p *EscalationProcessor) fail(ctx context.Context, req Request, step string, err error) error {
	fatal := &FatalIntegrationError{Step: step, Err: err}
	p.logger.Error(ctx, "escalation failed", fatal)

	if p.notifier != nil {
		alert := mail.FailureAlert{
			ConversationID: req.ConversationID,
			CallID:         req.CallID,
			StreamID:       req.StreamID,
			CallerPhone:    req.CallerPhone,
			Reason:         string(req.Reason),
			Step:           step,
			Err:            err,
			OccurredAt:     p.now(),
		}
		if nerr := p.notifier.NotifyEscalationFailure(ctx, alert); nerr != nil {
			p.logger.WarnWithError(ctx, "failed to send escalation failure alert", nerr)
		}
	}
	return fatal
}
