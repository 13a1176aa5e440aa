package handover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voice-gateway/internal/observability"
	"voice-gateway/internal/store"
)

type tokenTable interface {
	InsertHandoverToken(ctx context.Context, token store.HandoverToken) (bool, error)
	GetHandoverToken(ctx context.Context, token string) (store.HandoverToken, error)
	HandoverTokenExists(ctx context.Context, token string) (bool, error)
	DeleteExpiredHandoverTokens(ctx context.Context) (int64, error)
}

// PostgresStore keeps tokens in the handover_tokens table. Expiry is
// enforced on read; Sweep deletes expired rows.
type PostgresStore struct {
	table  tokenTable
	logger *observability.Logger
	now    func() time.Time
}

func NewPostgresStore(table tokenTable, logger *observability.Logger) *PostgresStore {
	return &PostgresStore{table: table, logger: logger, now: time.Now}
}

func (s *PostgresStore) Put(ctx context.Context, token Token, ttl time.Duration) error {
	if err := checkPut(token, ttl); err != nil {
		return err
	}
	token.ExpiresAt = s.now().Add(ttl).Unix()

	inserted, err := s.table.InsertHandoverToken(ctx, store.HandoverToken(token))
	if err != nil {
		return err
	}
	if !inserted {
		return ErrTokenExists
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, token string) (Token, error) {
	row, err := s.table.GetHandoverToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, err
	}
	return Token(row), nil
}

func (s *PostgresStore) Exists(ctx context.Context, token string) (bool, error) {
	return s.table.HandoverTokenExists(ctx, token)
}

// Sweep deletes expired rows every interval until ctx is done.
func (s *PostgresStore) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.table.DeleteExpiredHandoverTokens(ctx)
			if err != nil {
				s.logger.Error(ctx, "failed to sweep expired handover tokens", err)
				continue
			}
			if n > 0 {
				s.logger.Debug(ctx, fmt.Sprintf("swept %d expired handover tokens", n))
			}
		}
	}
}
