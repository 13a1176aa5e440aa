package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// HandoverToken is a row of handover_tokens. Timestamps are epoch seconds.
type HandoverToken struct {
	Token            string `db:"token"`
	ConversationID   string `db:"conversation_id"`
	CallID           string `db:"call_id"`
	CallerPhone      string `db:"caller_phone"`
	CRMContactID     string `db:"crm_contact_id"`
	CRMTicketID      string `db:"crm_ticket_id"`
	Summary          string `db:"summary"`
	Intent           string `db:"intent"`
	Priority         string `db:"priority"`
	EscalationReason string `db:"escalation_reason"`
	CreatedAt        int64  `db:"created_at"`
	ExpiresAt        int64  `db:"expires_at"`
}

// An expired row with the same token is replaced; a live one is left alone.
const sqlInsertHandoverToken = `
INSERT INTO handover_tokens (
	token, conversation_id, call_id, caller_phone, crm_contact_id, crm_ticket_id,
	summary, intent, priority, escalation_reason, created_at, expires_at
) VALUES (
	:token, :conversation_id, :call_id, :caller_phone, :crm_contact_id, :crm_ticket_id,
	:summary, :intent, :priority, :escalation_reason, :created_at, :expires_at
)
ON CONFLICT (token) DO UPDATE SET
	conversation_id = EXCLUDED.conversation_id,
	call_id = EXCLUDED.call_id,
	caller_phone = EXCLUDED.caller_phone,
	crm_contact_id = EXCLUDED.crm_contact_id,
	crm_ticket_id = EXCLUDED.crm_ticket_id,
	summary = EXCLUDED.summary,
	intent = EXCLUDED.intent,
	priority = EXCLUDED.priority,
	escalation_reason = EXCLUDED.escalation_reason,
	created_at = EXCLUDED.created_at,
	expires_at = EXCLUDED.expires_at
WHERE handover_tokens.expires_at <= EXTRACT(EPOCH FROM now())::BIGINT`

// InsertHandoverToken writes token and reports false when a live row with
// the same value already exists.
func (s *Store) InsertHandoverToken(ctx context.Context, token HandoverToken) (bool, error) {
	result, err := s.db.NamedExecContext(ctx, sqlInsertHandoverToken, token)
	if err != nil {
		s.logger.Error(ctx, "failed to insert handover token", err)
		return false, fmt.Errorf("failed to insert handover token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows > 0, nil
}

const sqlGetHandoverToken = `
SELECT token, conversation_id, call_id, caller_phone, crm_contact_id, crm_ticket_id,
	summary, intent, priority, escalation_reason, created_at, expires_at
FROM handover_tokens
WHERE token = $1 AND expires_at > EXTRACT(EPOCH FROM now())::BIGINT`

// GetHandoverToken returns ErrNotFound for unknown or expired tokens.
func (s *Store) GetHandoverToken(ctx context.Context, token string) (HandoverToken, error) {
	var row HandoverToken
	err := s.db.GetContext(ctx, &row, sqlGetHandoverToken, token)
	if errors.Is(err, sql.ErrNoRows) {
		return HandoverToken{}, ErrNotFound
	}
	if err != nil {
		s.logger.Error(ctx, "failed to get handover token", err)
		return HandoverToken{}, fmt.Errorf("failed to get handover token: %w", err)
	}
	return row, nil
}

const sqlHandoverTokenExists = `
SELECT EXISTS (
	SELECT 1 FROM handover_tokens
	WHERE token = $1 AND expires_at > EXTRACT(EPOCH FROM now())::BIGINT
)`

func (s *Store) HandoverTokenExists(ctx context.Context, token string) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, sqlHandoverTokenExists, token); err != nil {
		return false, fmt.Errorf("failed to check handover token: %w", err)
	}
	return exists, nil
}

const sqlDeleteExpiredHandoverTokens = `
DELETE FROM handover_tokens WHERE expires_at <= EXTRACT(EPOCH FROM now())::BIGINT`

// DeleteExpiredHandoverTokens removes expired rows and returns how many were
// deleted.
func (s *Store) DeleteExpiredHandoverTokens(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, sqlDeleteExpiredHandoverTokens)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired handover tokens: %w", err)
	}
	return result.RowsAffected()
}
