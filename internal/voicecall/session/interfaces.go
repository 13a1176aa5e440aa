package session

import (
	"context"

	"voice-gateway/internal/escalation/processor"
	"voice-gateway/internal/voice/provider"
)

// Escalator runs the human handoff for a session.
type Escalator interface {
	Escalate(ctx context.Context, req processor.Request) (processor.Result, error)
}

// ToolRunner answers the tool calls a voice model makes during a call.
type ToolRunner interface {
	Run(ctx context.Context, call provider.ToolCall) provider.ToolResult
}

// Lifecycle is told about session milestones. Implementations must not
// block; delivery is best-effort.
type Lifecycle interface {
	SessionStarted(ctx context.Context, snapshot Snapshot)
	SessionEscalated(ctx context.Context, snapshot Snapshot)
	SessionClosed(ctx context.Context, snapshot Snapshot)
}

type noopLifecycle struct{}

func (noopLifecycle) SessionStarted(context.Context, Snapshot)   {}
func (noopLifecycle) SessionEscalated(context.Context, Snapshot) {}
func (noopLifecycle) SessionClosed(context.Context, Snapshot)    {}
