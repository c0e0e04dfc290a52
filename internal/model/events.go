// Package model speaks the Nova Sonic bidirectional streaming protocol over
// Amazon Bedrock: it builds the JSON-in-bytes events the model ingests,
// decodes the events it emits, classifies its error variants, and wraps the
// SDK's event stream behind a narrow interface the session layer can drive
// and tests can fake.
package model

import (
	"encoding/json"
	"fmt"
)

// Model event names, each the single top-level key inside the "event"
// wrapper object on the wire.
const (
	EventSessionStart    = "sessionStart"
	EventPromptStart     = "promptStart"
	EventContentStart    = "contentStart"
	EventAudioInput      = "audioInput"
	EventAudioOutput     = "audioOutput"
	EventTextOutput      = "textOutput"
	EventContentEnd      = "contentEnd"
	EventPromptEnd       = "promptEnd"
	EventSessionEnd      = "sessionEnd"
	EventCompletionStart = "completionStart"
	EventCompletionEnd   = "completionEnd"
	EventUsage           = "usageEvent"

	// EventStreamComplete is synthesised locally when the response stream
	// ends; it never appears on the wire.
	EventStreamComplete = "streamComplete"

	// EventError is the normalized name for every error variant.
	EventError = "error"

	// EventCustom is the normalized name for events whose top-level key is
	// not in the enumerated set; the original payload passes through
	// unchanged.
	EventCustom = "custom"
)

// Error variant names surfaced through the dispatcher.
const (
	ErrModelStream    = "modelStreamErrorException"
	ErrInternalServer = "internalServerException"
	ErrValidation     = "validationException"
	ErrThrottling     = "throttlingException"
	ErrAccessDenied   = "accessDeniedException"
)

// knownEvents is the enumerated set of response event names dispatched under
// their own type.
var knownEvents = map[string]bool{
	EventAudioOutput:     true,
	EventTextOutput:      true,
	EventContentStart:    true,
	EventContentEnd:      true,
	EventCompletionStart: true,
	EventCompletionEnd:   true,
	EventUsage:           true,
}

// KnownEvent reports whether name is in the enumerated response event set.
func KnownEvent(name string) bool {
	return knownEvents[name]
}

var errorVariants = map[string]bool{
	ErrModelStream:    true,
	ErrInternalServer: true,
	ErrValidation:     true,
	ErrThrottling:     true,
	ErrAccessDenied:   true,
}

// ErrorVariant reports whether name is one of the model's error event
// variants.
func ErrorVariant(name string) bool {
	return errorVariants[name]
}

// InferenceConfig carries the sampling parameters sent in sessionStart and
// promptStart.
type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// envelope is the outer wrapper of every wire event.
type envelope struct {
	Event map[string]any `json:"event"`
}

// wrap builds the standard {event:{<name>:<payload>}} shape.
func wrap(name string, payload any) envelope {
	return envelope{Event: map[string]any{name: payload}}
}

// SessionStartEvent opens a model session with the inference configuration.
func SessionStartEvent(inf InferenceConfig) any {
	return wrap(EventSessionStart, map[string]any{
		"inferenceConfiguration": inf,
	})
}

// PromptStartEvent opens a prompt within the session.
func PromptStartEvent(promptID string, inf InferenceConfig) any {
	return wrap(EventPromptStart, map[string]any{
		"promptName":             promptID,
		"inferenceConfiguration": inf,
	})
}

// ContentStartEvent opens the audio content block carrying caller speech.
func ContentStartEvent(promptID, contentID string) any {
	return wrap(EventContentStart, map[string]any{
		"promptName":  promptID,
		"contentName": contentID,
		"type":        "AUDIO",
		"interactive": true,
		"audioInputConfiguration": map[string]any{
			"mediaType":       "audio/pcm",
			"sampleRateHertz": 16000,
			"sampleSizeBits":  16,
			"channelCount":    1,
			"encoding":        "base64",
		},
	})
}

// AudioInputEvent carries one base64-encoded PCM16LE @ 16 kHz chunk.
func AudioInputEvent(promptID, contentID, contentB64 string) any {
	return wrap(EventAudioInput, map[string]any{
		"promptName":  promptID,
		"contentName": contentID,
		"content":     contentB64,
	})
}

// ContentEndEvent closes the audio content block.
func ContentEndEvent(promptID, contentID string) any {
	return wrap(EventContentEnd, map[string]any{
		"promptName":  promptID,
		"contentName": contentID,
	})
}

// PromptEndEvent closes the prompt.
func PromptEndEvent(promptID string) any {
	return wrap(EventPromptEnd, map[string]any{
		"promptName": promptID,
	})
}

// SessionEndEvent closes the model session.
func SessionEndEvent() any {
	return wrap(EventSessionEnd, map[string]any{})
}

// ErrorEvent is the synthetic event the session reader emits when an
// enqueued event cannot be serialized.
func ErrorEvent(reason string) any {
	return wrap(EventError, map[string]any{
		"reason": reason,
	})
}

// DecodeResponse parses a UTF-8 JSON response chunk into its event name and
// payload. Chunks use the same {event:{<name>:<payload>}} wrapper as
// requests; a bare single-key object is accepted as well.
func DecodeResponse(chunk []byte) (name string, payload any, err error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(chunk, &outer); err != nil {
		return "", nil, fmt.Errorf("model: decode response chunk: %w", err)
	}

	inner := outer
	if raw, ok := outer["event"]; ok {
		inner = nil
		if err := json.Unmarshal(raw, &inner); err != nil {
			return "", nil, fmt.Errorf("model: decode event wrapper: %w", err)
		}
	}
	if len(inner) != 1 {
		return "", nil, fmt.Errorf("model: response chunk has %d event keys, want 1", len(inner))
	}

	for k, raw := range inner {
		var p any
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", nil, fmt.Errorf("model: decode %s payload: %w", k, err)
		}
		return k, p, nil
	}
	return "", nil, fmt.Errorf("model: empty response chunk")
}
