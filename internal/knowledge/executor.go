package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"voice-gateway/internal/observability"
	"voice-gateway/internal/voice/provider"
)

const (
	DefaultMaxResults        = 5
	DefaultTimeout           = 3 * time.Second
	DefaultMaxResponseLength = 2048

	resultSeparator = "\n\n---\n\n"
	ellipsis        = "..."
)

// Spoken answers for calls that produce no passage.
const (
	OutputNotFound    = "I couldn't find information about that."
	OutputSearchError = "Sorry, I encountered an error searching for that information."
	OutputUnknownTool = "Unknown tool"
	OutputNoQuery     = "No query provided"
)

type Config struct {
	MaxResults int
	// Timeout bounds one knowledge base search.
	Timeout time.Duration
	// MaxResponseLength caps the characters returned to the model.
	MaxResponseLength int
}

// Executor runs search tool calls against a Base. It implements the session
// package's ToolRunner.
type Executor struct {
	base   Base
	logger *observability.Logger
	config Config
}

func NewExecutor(base Base, logger *observability.Logger, config Config) *Executor {
	if config.MaxResults <= 0 {
		config.MaxResults = DefaultMaxResults
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxResponseLength <= 0 {
		config.MaxResponseLength = DefaultMaxResponseLength
	}
	return &Executor{base: base, logger: logger, config: config}
}

type toolArguments struct {
	Query string `json:"query"`
}

// Run answers one tool call. Failures become spoken apologies in the output
// rather than errors, so the model can carry on the conversation.
func (e *Executor) Run(ctx context.Context, call provider.ToolCall) provider.ToolResult {
	result := provider.ToolResult{CallID: call.ID, Name: call.Name}

	tool, ok := lookup(call.Name)
	if !ok {
		e.logger.Warn(ctx, fmt.Sprintf("model called unknown tool %q", call.Name))
		result.Output = OutputUnknownTool
		return result
	}

	var args toolArguments
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			e.logger.WarnWithError(ctx, "failed to decode tool arguments", err)
		}
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		result.Output = OutputNoQuery
		return result
	}

	searchCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()
	started := time.Now()
	found, err := e.base.Search(searchCtx, tool.Collection, query, e.config.MaxResults)
	if err != nil {
		e.logger.Error(ctx, "knowledge base search failed", err)
		result.Output = OutputSearchError
		return result
	}

	e.logger.Metrics(ctx,
		observability.MetricField{Key: "metric", Value: "knowledge_search"},
		observability.MetricField{Key: "collection", Value: string(tool.Collection)},
		observability.MetricField{Key: "results", Value: len(found)},
		observability.MetricField{Key: "duration_ms", Value: time.Since(started).Milliseconds()},
	)

	passages := make([]string, 0, len(found))
	for _, r := range found {
		if text := strings.TrimSpace(r.Content); text != "" {
			passages = append(passages, text)
		}
	}
	if len(passages) == 0 {
		result.Output = OutputNotFound
		return result
	}
	result.Output = Truncate(strings.Join(passages, resultSeparator), e.config.MaxResponseLength)
	return result
}

// Truncate shortens text to at most limit bytes, preferring to end on a
// sentence in the last 30% and otherwise on a word in the last 20%.
func Truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	if limit <= len(ellipsis) {
		return runePrefix(text, limit)
	}
	cut := runePrefix(text, limit)

	end := -1
	for _, mark := range []string{". ", "! ", "? "} {
		if i := strings.LastIndex(cut, mark); i > end {
			end = i
		}
	}
	if end > limit*7/10 {
		return cut[:end+1]
	}

	room := runePrefix(text, limit-len(ellipsis))
	if space := strings.LastIndex(room, " "); space > limit*8/10 {
		return room[:space] + ellipsis
	}
	return strings.TrimRight(room, " ") + ellipsis
}

// runePrefix returns the longest prefix of text no longer than n bytes that
// does not split a rune.
func runePrefix(text string, n int) string {
	for n > 0 && n < len(text) && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}
