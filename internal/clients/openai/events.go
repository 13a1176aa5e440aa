package openai

import (
	"encoding/json"
	"fmt"

	"voice-gateway/internal/voice/provider"
)

const (
	eventSessionUpdate         = "session.update"
	eventResponseCreate        = "response.create"
	eventResponseCancel        = "response.cancel"
	eventItemCreate            = "conversation.item.create"
	eventInputAudioAppend      = "input_audio_buffer.append"
	eventAudioDelta            = "response.audio.delta"
	eventTranscriptionDelta    = "conversation.item.input_audio_transcription.delta"
	eventTranscriptionDone     = "conversation.item.input_audio_transcription.completed"
	eventFunctionArgumentsDone = "response.function_call_arguments.done"
	eventError                 = "error"

	formatG711ULaw = "g711_ulaw"

	itemFunctionCallOutput = "function_call_output"

	escalationToolName = "escalate_to_human"
)

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
	Tools                   []tool               `json:"tools,omitempty"`
	ToolChoice              string               `json:"tool_choice,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int64   `json:"prefix_padding_ms"`
	SilenceDurationMs int64   `json:"silence_duration_ms"`
}

type tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type responseCreate struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type itemCreate struct {
	Type string         `json:"type"`
	Item functionOutput `json:"item"`
}

type functionOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type simpleEvent struct {
	Type string `json:"type"`
}

// serverEvent is the union of the server messages the adapter reads. Delta
// carries base64 audio for response.audio.delta and text for transcription
// deltas.
type serverEvent struct {
	Type       string    `json:"type"`
	Delta      string    `json:"delta"`
	Transcript string    `json:"transcript"`
	Name       string    `json:"name"`
	CallID     string    `json:"call_id"`
	Arguments  string    `json:"arguments"`
	Error      *apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is an error reported in-band by the realtime endpoint.
type APIError struct {
	Type    string
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("openai realtime %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("openai realtime %s: %s", e.Type, e.Message)
}

type escalationArguments struct {
	Reason string `json:"reason"`
}

func escalationTool() tool {
	return tool{
		Type:        "function",
		Name:        escalationToolName,
		Description: "Transfer the caller to a human agent when they ask for one or when you cannot help them.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short reason for the transfer.",
				},
			},
		},
	}
}

// functionTool declares spec as a realtime function whose parameters are all
// strings.
func functionTool(spec provider.ToolSpec) tool {
	properties := make(map[string]any, len(spec.Parameters))
	required := []string{}
	for _, p := range spec.Parameters {
		properties[p.Name] = map[string]any{
			"type":        "string",
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return tool{
		Type:        "function",
		Name:        spec.Name,
		Description: spec.Description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
}

func parseEscalationReason(arguments string) string {
	var args escalationArguments
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return ""
	}
	return args.Reason
}
