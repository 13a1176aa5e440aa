package provider

import "fmt"

// EventType tags the variant carried by an Event.
type EventType int

const (
	EventAudioChunk EventType = iota + 1
	EventTranscriptDelta
	EventProviderError
	EventSessionEnded
	// EventEscalationRequested is raised when the model itself asks for a
	// human handoff through its escalation tool.
	EventEscalationRequested
	// EventToolCall asks the gateway to run one of the session's tools.
	EventToolCall
)

func (t EventType) String() string {
	switch t {
	case EventAudioChunk:
		return "audio_chunk"
	case EventTranscriptDelta:
		return "transcript_delta"
	case EventProviderError:
		return "provider_error"
	case EventSessionEnded:
		return "provider_session_ended"
	case EventEscalationRequested:
		return "escalation_requested"
	case EventToolCall:
		return "tool_call"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is the provider-agnostic form of a backend streaming message. Only
// the fields belonging to Type are set.
type Event struct {
	Type EventType

	// Audio holds telephony-native (8kHz mu-law) bytes for EventAudioChunk.
	Audio []byte

	// Text and Final describe a caller transcript for EventTranscriptDelta.
	Text  string
	Final bool

	// Err is set for EventProviderError and, when the end was abnormal,
	// for EventSessionEnded.
	Err error

	// Reason is the model supplied justification for EventEscalationRequested.
	Reason string

	Tool ToolCall
}

func AudioChunk(audio []byte) Event {
	return Event{Type: EventAudioChunk, Audio: audio}
}

func TranscriptDelta(text string, final bool) Event {
	return Event{Type: EventTranscriptDelta, Text: text, Final: final}
}

func ProviderError(err error) Event {
	return Event{Type: EventProviderError, Err: err}
}

func SessionEnded(err error) Event {
	return Event{Type: EventSessionEnded, Err: err}
}

func EscalationRequested(reason string) Event {
	return Event{Type: EventEscalationRequested, Reason: reason}
}

func ToolCalled(call ToolCall) Event {
	return Event{Type: EventToolCall, Tool: call}
}
