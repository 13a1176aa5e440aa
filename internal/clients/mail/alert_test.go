package mail

import (
	"context"
	"errors"
	"testing"
	"time"

	"voice-gateway/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSender struct {
	msg Message
	err error
}

func (f *fakeSender) SendEmail(ctx context.Context, msg Message) (string, error) {
	f.msg = msg
	return "email-1", f.err
}

func TestAlerter_NotifyEscalationFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		alert      FailureAlert
		sendErr    error
		wantErr    bool
		wantInBody []string
	}{
		{
			name: "renders call details",
			alert: FailureAlert{
				ConversationID: "c0ffee00-0000-4000-8000-000000000001",
				CallID:         "CA123",
				StreamID:       "MZ123",
				CallerPhone:    "+15551234567",
				Reason:         "user_request",
				Step:           "token_store",
				Err:            errors.New("redis: connection refused"),
				OccurredAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			},
			wantInBody: []string{"CA123", "MZ123", "+15551234567", "token_store", "redis: connection refused", "2026-01-02T03:04:05Z"},
		},
		{
			name:       "unknown caller <escaped>",
			alert:      FailureAlert{CallID: "CA9", Err: errors.New("<b>boom</b>")},
			wantInBody: []string{"Unknown", "&lt;b&gt;boom&lt;/b&gt;"},
		},
		{
			name:    "send failure is returned",
			alert:   FailureAlert{CallID: "CA1"},
			sendErr: errors.New("resend: 500"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sender := &fakeSender{err: tt.sendErr}
			alerter := &Alerter{
				sender: sender,
				from:   "alerts@example.com",
				to:     ParseRecipients("oncall@example.com, lead@example.com"),
				logger: observability.NewFromZap(zap.NewNop()),
			}

			err := alerter.NotifyEscalationFailure(context.Background(), tt.alert)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alerts@example.com", sender.msg.From)
			assert.Equal(t, []string{"oncall@example.com", "lead@example.com"}, sender.msg.To)
			assert.Equal(t, "Voice escalation failed for call "+tt.alert.CallID, sender.msg.Subject)
			for _, want := range tt.wantInBody {
				assert.Contains(t, sender.msg.HTML, want)
			}
		})
	}
}

func TestParseRecipients(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "a@example.com", want: []string{"a@example.com"}},
		{in: " a@example.com , ,b@example.com ", want: []string{"a@example.com", "b@example.com"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseRecipients(tt.in), tt.in)
	}
}

func TestResendClient_RequiresRecipients(t *testing.T) {
	t.Parallel()

	client, err := NewResendClient("re_test", observability.NewFromZap(zap.NewNop()))
	require.NoError(t, err)
	_, err = client.SendEmail(context.Background(), Message{From: "alerts@example.com", Subject: "s"})
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = NewResendClient("", observability.NewFromZap(zap.NewNop()))
	assert.Error(t, err)
}
