package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandoverRow(token string, expiresIn time.Duration) HandoverToken {
	now := time.Now()
	return HandoverToken{
		Token:            token,
		ConversationID:   uuid.NewString(),
		CallID:           "CA" + uuid.NewString()[:8],
		Priority:         "medium",
		EscalationReason: "user_request",
		CreatedAt:        now.Unix(),
		ExpiresAt:        now.Add(expiresIn).Unix(),
	}
}

func TestStore_HandoverTokens(t *testing.T) {
	testDB := SetupTestDB(t)
	testDB.Truncate(t, "handover_tokens")
	ctx := context.Background()
	s := testDB.Store

	tests := []struct {
		name         string
		existing     *HandoverToken
		insert       HandoverToken
		wantInserted bool
	}{
		{
			name:         "new token",
			insert:       newHandoverRow("1000000001", time.Minute),
			wantInserted: true,
		},
		{
			name:         "live token is kept",
			existing:     ptr(newHandoverRow("1000000002", time.Minute)),
			insert:       newHandoverRow("1000000002", time.Minute),
			wantInserted: false,
		},
		{
			name:         "expired token is replaced",
			existing:     ptr(newHandoverRow("1000000003", -time.Minute)),
			insert:       newHandoverRow("1000000003", time.Minute),
			wantInserted: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.existing != nil {
				inserted, err := s.InsertHandoverToken(ctx, *tt.existing)
				require.NoError(t, err)
				require.True(t, inserted)
			}

			inserted, err := s.InsertHandoverToken(ctx, tt.insert)
			require.NoError(t, err)
			assert.Equal(t, tt.wantInserted, inserted)

			row, err := s.GetHandoverToken(ctx, tt.insert.Token)
			require.NoError(t, err)
			if tt.wantInserted {
				assert.Equal(t, tt.insert.ConversationID, row.ConversationID)
			} else {
				assert.Equal(t, tt.existing.ConversationID, row.ConversationID)
			}
		})
	}
}

func TestStore_HandoverTokenExpiry(t *testing.T) {
	testDB := SetupTestDB(t)
	testDB.Truncate(t, "handover_tokens")
	ctx := context.Background()
	s := testDB.Store

	inserted, err := s.InsertHandoverToken(ctx, newHandoverRow("2000000001", -time.Second))
	require.NoError(t, err)
	require.True(t, inserted)

	_, err = s.GetHandoverToken(ctx, "2000000001")
	assert.ErrorIs(t, err, ErrNotFound)

	exists, err := s.HandoverTokenExists(ctx, "2000000001")
	require.NoError(t, err)
	assert.False(t, exists)

	n, err := s.DeleteExpiredHandoverTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func ptr[T any](v T) *T {
	return &v
}
