package handover

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voice-gateway/internal/clients/redis"
)

const redisKeyPrefix = "handover:"

// keyValue is the subset of the Redis client the store needs.
type keyValue interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// RedisStore keeps tokens as JSON values under handover:<token>, expiring
// with the key TTL.
type RedisStore struct {
	kv keyValue
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{kv: client}
}

func (s *RedisStore) Put(ctx context.Context, token Token, ttl time.Duration) error {
	if err := checkPut(token, ttl); err != nil {
		return err
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode handover token: %w", err)
	}
	ok, err := s.kv.SetNX(ctx, redisKeyPrefix+token.Token, payload, ttl)
	if err != nil {
		return fmt.Errorf("failed to store handover token: %w", err)
	}
	if !ok {
		return ErrTokenExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, token string) (Token, error) {
	payload, err := s.kv.Get(ctx, redisKeyPrefix+token)
	if errors.Is(err, redis.ErrKeyNotFound) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("failed to read handover token: %w", err)
	}
	var t Token
	if err := json.Unmarshal(payload, &t); err != nil {
		return Token{}, fmt.Errorf("failed to decode handover token: %w", err)
	}
	return t, nil
}

func (s *RedisStore) Exists(ctx context.Context, token string) (bool, error) {
	ok, err := s.kv.Exists(ctx, redisKeyPrefix+token)
	if err != nil {
		return false, fmt.Errorf("failed to check handover token: %w", err)
	}
	return ok, nil
}
