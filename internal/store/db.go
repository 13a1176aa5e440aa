// Package store persists handover tokens and knowledge base chunks in
// PostgreSQL through sqlx.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voice-gateway/internal/observability"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("not found")

const (
	maxOpenConns    = 10
	maxIdleConns    = 5
	connMaxIdleTime = 5 * time.Minute
)

type Store struct {
	db     *sqlx.DB
	logger *observability.Logger
}

// Connect opens a pool against connectionString and verifies it answers.
func Connect(ctx context.Context, connectionString string, logger *observability.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	logger.Info(ctx, "connected to postgres")
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
