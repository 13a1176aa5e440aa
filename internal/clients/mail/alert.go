package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"voice-gateway/internal/observability"
)

// FailureAlert describes a handoff that could not be completed because the
// handover token was never stored.
type FailureAlert struct {
	ConversationID string
	CallID         string
	StreamID       string
	CallerPhone    string
	Reason         string
	Step           string
	Err            error
	OccurredAt     time.Time
}

type sender interface {
	SendEmail(ctx context.Context, msg Message) (string, error)
}

// Alerter mails the on-call address when an escalation fails.
type Alerter struct {
	sender sender
	from   string
	to     []string
	logger *observability.Logger
}

// NewAlerter mails alerts to the comma separated addresses in to.
func NewAlerter(client *ResendClient, from, to string, logger *observability.Logger) *Alerter {
	return &Alerter{sender: client, from: from, to: ParseRecipients(to), logger: logger}
}

var alertTemplate = template.Must(template.New("alert").Parse(`<h2>Voice escalation failed</h2>
<p>A caller asked for a human but the handover could not be completed.</p>
<table>
<tr><td>Conversation</td><td>{{.ConversationID}}</td></tr>
<tr><td>Call</td><td>{{.CallID}}</td></tr>
<tr><td>Stream</td><td>{{.StreamID}}</td></tr>
<tr><td>Caller</td><td>{{if .CallerPhone}}{{.CallerPhone}}{{else}}Unknown{{end}}</td></tr>
<tr><td>Reason</td><td>{{.Reason}}</td></tr>
<tr><td>Failed step</td><td>{{.Step}}</td></tr>
<tr><td>Error</td><td>{{.Error}}</td></tr>
<tr><td>Time</td><td>{{.Time}}</td></tr>
</table>`))

func (a *Alerter) NotifyEscalationFailure(ctx context.Context, alert FailureAlert) error {
	errText := ""
	if alert.Err != nil {
		errText = alert.Err.Error()
	}
	var body bytes.Buffer
	err := alertTemplate.Execute(&body, struct {
		FailureAlert
		Error string
		Time  string
	}{alert, errText, alert.OccurredAt.UTC().Format(time.RFC3339)})
	if err != nil {
		return fmt.Errorf("failed to render alert: %w", err)
	}

	subject := fmt.Sprintf("Voice escalation failed for call %s", alert.CallID)
	msg := Message{From: a.from, To: a.to, Subject: subject, HTML: body.String()}
	if _, err := a.sender.SendEmail(ctx, msg); err != nil {
		return fmt.Errorf("failed to send escalation alert: %w", err)
	}
	a.logger.Info(ctx, "escalation failure alert sent")
	return nil
}
