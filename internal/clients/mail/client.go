// Package mail sends operational email through Resend.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voice-gateway/internal/observability"

	"github.com/resendlabs/resend-go"
)

var ErrNoRecipients = errors.New("email has no recipients")

// Message is one outgoing email.
type Message struct {
	From    string
	To      []string
	Subject string
	HTML    string
}

type ResendClient struct {
	client *resend.Client
	logger *observability.Logger
}

func NewResendClient(apiKey string, logger *observability.Logger) (*ResendClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("resend api key is required")
	}
	client := resend.NewClient(apiKey)
	if client == nil {
		return nil, fmt.Errorf("failed to create Resend client")
	}

	return &ResendClient{
		client: client,
		logger: logger,
	}, nil
}

// SendEmail sends msg and returns the Resend email id.
func (c *ResendClient) SendEmail(ctx context.Context, msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", ErrNoRecipients
	}
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "email_to", Value: strings.Join(msg.To, ",")},
		observability.Field{Key: "email_subject", Value: msg.Subject},
	)

	res, err := c.client.Emails.Send(&resend.SendEmailRequest{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
	})
	if err != nil {
		c.logger.Error(ctx, "failed to send email", err)
		return "", fmt.Errorf("failed to send email: %w", err)
	}

	c.logger.Debug(ctx, "email sent")
	return res.Id, nil
}

// ParseRecipients splits a comma separated address list, dropping blanks.
func ParseRecipients(list string) []string {
	var out []string
	for _, addr := range strings.Split(list, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
