package kiro

import (
	"encoding/json"
	"strings"

	"github.com/rohanthewiz/serr"
)

// Event is one typed upstream event decoded from an event-stream frame.
type Event interface {
	eventName() string
}

// AssistantEvent carries a chunk of assistant text.
type AssistantEvent struct {
	Content string
}

// ToolUseEvent carries one fragment of a tool call. Input fragments for a
// given ToolUseID concatenate to the full JSON argument document; the final
// fragment has Stop set.
type ToolUseEvent struct {
	ToolUseID string
	Name      string
	Input     string
	Stop      bool
}

// UsageEvent reports token counts observed so far.
type UsageEvent struct {
	InputTokens  int
	OutputTokens int
}

// MeteringEvent is billing telemetry; passed through for logging only.
type MeteringEvent struct {
	Raw json.RawMessage
}

// ExceptionEvent is an upstream error delivered in-stream.
type ExceptionEvent struct {
	Type    string
	Message string
}

func (AssistantEvent) eventName() string { return "assistantResponseEvent" }
func (ToolUseEvent) eventName() string   { return "toolUseEvent" }
func (UsageEvent) eventName() string     { return "contextUsageEvent" }
func (MeteringEvent) eventName() string  { return "meteringEvent" }
func (ExceptionEvent) eventName() string { return "exception" }

// MaxTokens reports whether this exception means the response hit the
// output-token limit, which ends the stream normally with
// stop_reason max_tokens rather than an error.
func (e ExceptionEvent) MaxTokens() bool {
	s := strings.ToLower(e.Type + " " + e.Message)
	return strings.Contains(s, "max_tokens") || strings.Contains(s, "maxtokens")
}

func (e ExceptionEvent) Error() string {
	if e.Type != "" {
		return "upstream exception " + e.Type + ": " + e.Message
	}
	return "upstream exception: " + e.Message
}

// DecodeEvent turns one frame's routing info and payload into a typed event.
// Returns (nil, nil) for event types that are ignored (followup prompts and
// anything unrecognized); callers count those.
func DecodeEvent(messageType, eventType string, payload []byte) (Event, error) {
	if messageType == "exception" {
		return decodeException(eventType, payload), nil
	}

	switch eventType {
	case "assistantResponseEvent":
		var direct struct {
			Content string `json:"content"`
			Nested  *struct {
				Content string `json:"content"`
			} `json:"assistantResponseEvent"`
		}
		if err := json.Unmarshal(payload, &direct); err != nil {
			return nil, serr.Wrap(err, "bad assistantResponseEvent payload")
		}
		if direct.Nested != nil {
			return AssistantEvent{Content: direct.Nested.Content}, nil
		}
		return AssistantEvent{Content: direct.Content}, nil

	case "toolUseEvent":
		var tu struct {
			ToolUseID string `json:"toolUseId"`
			Name      string `json:"name"`
			Input     string `json:"input"`
			Stop      bool   `json:"stop"`
			Nested    *struct {
				ToolUseID string `json:"toolUseId"`
				Name      string `json:"name"`
				Input     string `json:"input"`
				Stop      bool   `json:"stop"`
			} `json:"toolUseEvent"`
		}
		if err := json.Unmarshal(payload, &tu); err != nil {
			return nil, serr.Wrap(err, "bad toolUseEvent payload")
		}
		if tu.Nested != nil {
			return ToolUseEvent{ToolUseID: tu.Nested.ToolUseID, Name: tu.Nested.Name, Input: tu.Nested.Input, Stop: tu.Nested.Stop}, nil
		}
		return ToolUseEvent{ToolUseID: tu.ToolUseID, Name: tu.Name, Input: tu.Input, Stop: tu.Stop}, nil

	case "contextUsageEvent":
		var cu struct {
			Input        int `json:"input"`
			Output       int `json:"output"`
			InputTokens  int `json:"inputTokens"`
			OutputTokens int `json:"outputTokens"`
		}
		if err := json.Unmarshal(payload, &cu); err != nil {
			return nil, serr.Wrap(err, "bad contextUsageEvent payload")
		}
		ev := UsageEvent{InputTokens: cu.Input, OutputTokens: cu.Output}
		if ev.InputTokens == 0 {
			ev.InputTokens = cu.InputTokens
		}
		if ev.OutputTokens == 0 {
			ev.OutputTokens = cu.OutputTokens
		}
		return ev, nil

	case "messageMetadataEvent", "metadataEvent":
		// Official shape nests counts under tokenUsage.
		var md struct {
			Nested *struct {
				TokenUsage *tokenUsage `json:"tokenUsage"`
			} `json:"messageMetadataEvent"`
			TokenUsage *tokenUsage `json:"tokenUsage"`
		}
		if err := json.Unmarshal(payload, &md); err != nil {
			return nil, serr.Wrap(err, "bad metadata payload")
		}
		tu := md.TokenUsage
		if tu == nil && md.Nested != nil {
			tu = md.Nested.TokenUsage
		}
		if tu == nil {
			return nil, nil
		}
		return UsageEvent{InputTokens: tu.UncachedInputTokens + tu.CacheReadInputTokens, OutputTokens: tu.OutputTokens}, nil

	case "meteringEvent":
		return MeteringEvent{Raw: append(json.RawMessage(nil), payload...)}, nil

	case "error", "exception", "internalServerException", "invalidStateEvent":
		return decodeException(eventType, payload), nil

	case "followupPromptEvent":
		// Suggested follow-ups have no Anthropic counterpart.
		return nil, nil
	}

	// The service may return errors inside otherwise-unknown events.
	var probe struct {
		AWSType string `json:"_type"`
		Message string `json:"message"`
	}
	if json.Unmarshal(payload, &probe) == nil && probe.AWSType != "" {
		return ExceptionEvent{Type: probe.AWSType, Message: probe.Message}, nil
	}

	return nil, nil
}

type tokenUsage struct {
	UncachedInputTokens  int `json:"uncachedInputTokens"`
	CacheReadInputTokens int `json:"cacheReadInputTokens"`
	OutputTokens         int `json:"outputTokens"`
	TotalTokens          int `json:"totalTokens"`
}

func decodeException(eventType string, payload []byte) ExceptionEvent {
	exc := ExceptionEvent{Type: eventType}
	var body struct {
		AWSType string `json:"_type"`
		Message string `json:"message"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(payload, &body) == nil {
		if body.AWSType != "" {
			exc.Type = body.AWSType
		}
		switch {
		case body.Message != "":
			exc.Message = body.Message
		case body.Error != nil:
			exc.Message = body.Error.Message
		default:
			exc.Message = strings.TrimSpace(string(payload))
		}
	} else {
		exc.Message = strings.TrimSpace(string(payload))
	}
	return exc
}
