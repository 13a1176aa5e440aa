package handover

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps tokens in process. It is meant for local development and
// tests; tokens do not survive a restart and are not shared across replicas.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Token
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token), now: time.Now}
}

// WithClock replaces the store's time source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Put(ctx context.Context, token Token, ttl time.Duration) error {
	if err := checkPut(token, ttl); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.tokens[token.Token]; ok && !existing.Expired(now) {
		return ErrTokenExists
	}
	token.ExpiresAt = now.Add(ttl).Unix()
	s.tokens[token.Token] = token
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, token string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok {
		return Token{}, ErrNotFound
	}
	if t.Expired(s.now()) {
		delete(s.tokens, token)
		return Token{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) Exists(ctx context.Context, token string) (bool, error) {
	_, err := s.Get(ctx, token)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// Len returns the number of stored tokens, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
