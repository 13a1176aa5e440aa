// Package hubspot is a small client for the HubSpot CRM objects API covering
// the contact, ticket and note calls made during a human handoff.
package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"voice-gateway/internal/observability"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultBaseURL = "https://api.hubapi.com"

	// PlaceholderPhone is used when the caller number is unknown.
	PlaceholderPhone = "+10000000000"

	maxAttempts = 5
)

var (
	// ErrRetryable marks failures that may succeed later: rate limits, server
	// errors and network failures.
	ErrRetryable = errors.New("hubspot: retryable failure")
	// ErrPermanent marks failures that will not succeed on retry.
	ErrPermanent = errors.New("hubspot: permanent failure")
)

// APIError is a non-2xx response from HubSpot.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hubspot api error %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRetryable:
		return e.retryable()
	case ErrPermanent:
		return !e.retryable()
	}
	return false
}

func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type networkError struct {
	err error
}

func (e *networkError) Error() string        { return fmt.Sprintf("hubspot request failed: %v", e.err) }
func (e *networkError) Unwrap() error        { return e.err }
func (e *networkError) Is(target error) bool { return target == ErrRetryable }

// TicketRequest describes a support ticket.
type TicketRequest struct {
	Subject  string
	Content  string
	Priority string
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *observability.Logger
	// retryBase is the first backoff delay; doubled per attempt, capped at 10s.
	retryBase time.Duration
}

func NewClient(accessToken, baseURL string, logger *observability.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   accessToken,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:    logger,
		retryBase: time.Second,
	}
}

// WithRetryBase sets the initial retry delay.
func (c *Client) WithRetryBase(d time.Duration) *Client {
	c.retryBase = d
	return c
}

type objectResponse struct {
	ID string `json:"id"`
}

type searchResponse struct {
	Total   int              `json:"total"`
	Results []objectResponse `json:"results"`
}

type propertiesRequest struct {
	Properties map[string]string `json:"properties"`
}

// UpsertContact returns the id of the contact with phone, creating it when
// none exists.
func (c *Client) UpsertContact(ctx context.Context, phone string) (string, error) {
	if phone == "" {
		phone = PlaceholderPhone
	}

	search := map[string]any{
		"filterGroups": []map[string]any{{
			"filters": []map[string]string{{
				"propertyName": "phone",
				"operator":     "EQ",
				"value":        phone,
			}},
		}},
		"properties": []string{"phone"},
		"limit":      1,
	}
	var found searchResponse
	if err := c.do(ctx, http.MethodPost, "/crm/v3/objects/contacts/search", search, &found); err != nil {
		return "", fmt.Errorf("search contact: %w", err)
	}
	if len(found.Results) > 0 && found.Results[0].ID != "" {
		return found.Results[0].ID, nil
	}

	var created objectResponse
	body := propertiesRequest{Properties: map[string]string{
		"phone":          phone,
		"lifecyclestage": "lead",
	}}
	if err := c.do(ctx, http.MethodPost, "/crm/v3/objects/contacts", body, &created); err != nil {
		return "", fmt.Errorf("create contact: %w", err)
	}
	return created.ID, nil
}

// CreateTicket opens a ticket and associates it with contactID when set.
// A failed association is logged and does not fail the ticket.
func (c *Client) CreateTicket(ctx context.Context, contactID string, req TicketRequest) (string, error) {
	body := propertiesRequest{Properties: map[string]string{
		"subject":            req.Subject,
		"content":            req.Content,
		"hs_pipeline":        "0",
		"hs_pipeline_stage":  "1",
		"hs_ticket_priority": MapPriority(req.Priority),
	}}
	var created objectResponse
	if err := c.do(ctx, http.MethodPost, "/crm/v3/objects/tickets", body, &created); err != nil {
		return "", fmt.Errorf("create ticket: %w", err)
	}

	if contactID != "" {
		path := fmt.Sprintf("/crm/v4/objects/tickets/%s/associations/default/contacts/%s", created.ID, contactID)
		if err := c.do(ctx, http.MethodPut, path, nil, nil); err != nil {
			c.logger.WarnWithError(ctx, "failed to associate ticket with contact", err)
		}
	}
	return created.ID, nil
}

// AddNote attaches a note with body to ticketID.
func (c *Client) AddNote(ctx context.Context, ticketID, body string) error {
	note := propertiesRequest{Properties: map[string]string{
		"hs_note_body": body,
		"hs_timestamp": time.Now().UTC().Format(time.RFC3339),
	}}
	var created objectResponse
	if err := c.do(ctx, http.MethodPost, "/crm/v3/objects/notes", note, &created); err != nil {
		return fmt.Errorf("create note: %w", err)
	}

	path := fmt.Sprintf("/crm/v4/objects/notes/%s/associations/default/tickets/%s", created.ID, ticketID)
	if err := c.do(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("associate note: %w", err)
	}
	return nil
}

// MapPriority converts low/medium/high to HubSpot's ticket priority values.
func MapPriority(priority string) string {
	switch strings.ToLower(priority) {
	case "low":
		return "LOW"
	case "high":
		return "HIGH"
	default:
		return "MEDIUM"
	}
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.retryBase)
	b = retry.WithCappedDuration(10*time.Second, b)
	return retry.WithMaxRetries(maxAttempts-1, b)
}

// do sends one JSON request, retrying retryable failures with exponential
// backoff.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		err := c.send(ctx, method, path, payload, out)
		if errors.Is(err, ErrRetryable) {
			c.logger.WarnWithError(ctx, fmt.Sprintf("hubspot %s %s failed, retrying", method, path), err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &networkError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &networkError{err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
