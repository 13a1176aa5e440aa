package processor

import (
	"errors"
	"fmt"

	"voice-gateway/internal/clients/hubspot"
)

// Steps of the handoff, used to label integration failures.
const (
	StepToken      = "token"
	StepCRM        = "crm"
	StepTokenStore = "token_store"
	StepTransfer   = "transfer"
)

var ErrTokenExhausted = errors.New("no unique handover token after retries")

// RetryableIntegrationError is an external call that failed in a way that
// may succeed if tried again later.
type RetryableIntegrationError struct {
	Step string
	Err  error
}

func (e *RetryableIntegrationError) Error() string {
	return fmt.Sprintf("%s: retryable integration failure: %v", e.Step, e.Err)
}

func (e *RetryableIntegrationError) Unwrap() error {
	return e.Err
}

// FatalIntegrationError aborts the handoff. The caller cannot be transferred
// without it.
type FatalIntegrationError struct {
	Step string
	Err  error
}

func (e *FatalIntegrationError) Error() string {
	return fmt.Sprintf("%s: fatal integration failure: %v", e.Step, e.Err)
}

func (e *FatalIntegrationError) Unwrap() error {
	return e.Err
}

// classify labels a best-effort failure with its step.
func classify(step string, err error) error {
	if errors.Is(err, hubspot.ErrRetryable) {
		return &RetryableIntegrationError{Step: step, Err: err}
	}
	return fmt.Errorf("%s: %w", step, err)
}
