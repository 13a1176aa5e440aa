package processor

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultIntent       = "User requested human assistance"
	providerErrorIntent = "Voice assistant unavailable"
	agentDecisionIntent = "Assistant referred caller to a human"

	summarySnippets = 5
	noTranscript    = "No transcript available"
	unknownCaller   = "Unknown"
)

// Intent describes what the caller needs the contact center for. An agent
// decision carries the model's own justification when it gave one.
func Intent(reason Reason, detail string) string {
	switch reason {
	case ReasonProviderError:
		return providerErrorIntent
	case ReasonAgentDecision:
		if detail = strings.TrimSpace(detail); detail != "" {
			return detail
		}
		return agentDecisionIntent
	default:
		return DefaultIntent
	}
}

// BuildSummary renders the ticket text for a handoff.
func BuildSummary(duration time.Duration, callerPhone string, transcript []string, intent string) string {
	if callerPhone == "" {
		callerPhone = unknownCaller
	}
	recent := noTranscript
	if len(transcript) > 0 {
		start := len(transcript) - summarySnippets
		if start < 0 {
			start = 0
		}
		recent = strings.Join(transcript[start:], " | ")
	}

	return fmt.Sprintf("Call Duration: %s\nCaller: %s\nRecent Conversation: %s\nIntent: %s",
		FormatDuration(duration), callerPhone, recent, intent)
}

// FormatDuration renders d as "Xm Ys".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	seconds := int(d / time.Second)
	return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
}
