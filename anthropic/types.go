// Package anthropic holds the wire types for the Anthropic Messages API:
// the request schema accepted on /v1/messages, the streaming event payloads
// written back as SSE, and the error envelope.
package anthropic

import (
	"encoding/json"
	"strings"
)

const (
	// DefaultMaxTokens is applied when the client omits max_tokens.
	DefaultMaxTokens = 4096

	// MaxBudgetTokens caps thinking.budget_tokens.
	MaxBudgetTokens = 24576

	// DefaultBudgetTokens is used when thinking is enabled without a budget.
	DefaultBudgetTokens = 20000
)

// MessagesRequest is the request body of POST /v1/messages.
// System and ToolChoice are kept raw because clients send both string and
// structured forms.
type MessagesRequest struct {
	Model      string          `json:"model"`
	MaxTokens  int             `json:"max_tokens"`
	Messages   []Message       `json:"messages"`
	Stream     bool            `json:"stream"`
	System     json.RawMessage `json:"system,omitempty"`
	Tools      []ToolDef       `json:"tools,omitempty"`
	ToolChoice json.RawMessage `json:"tool_choice,omitempty"`
	Metadata   *Metadata       `json:"metadata,omitempty"`
	Thinking   *Thinking       `json:"thinking,omitempty"`
}

// Metadata carries client-supplied request metadata.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// Thinking enables extended thinking with a token budget.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Enabled reports whether the client asked for extended thinking.
func (t *Thinking) Enabled() bool {
	return t != nil && t.Type == "enabled"
}

// Budget returns the effective budget, defaulted and capped.
func (t *Thinking) Budget() int {
	if t == nil || t.BudgetTokens <= 0 {
		return DefaultBudgetTokens
	}
	if t.BudgetTokens > MaxBudgetTokens {
		return MaxBudgetTokens
	}
	return t.BudgetTokens
}

// Message is one turn of the conversation. Content is either a plain string
// or an array of content blocks.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Blocks decodes the message content into content blocks. A plain string
// becomes a single text block.
func (m Message) Blocks() ([]ContentBlock, error) {
	trimmed := strings.TrimSpace(string(m.Content))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(m.Content, &s); err != nil {
			return nil, err
		}
		return []ContentBlock{{Type: "text", Text: s}}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// ContentBlock is one element of a structured message content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`          // tool_use
	Name      string          `json:"name,omitempty"`        // tool_use
	Input     json.RawMessage `json:"input,omitempty"`       // tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"` // tool_result
	Content   json.RawMessage `json:"content,omitempty"`     // tool_result
	IsError   bool            `json:"is_error,omitempty"`    // tool_result
	Source    *ImageSource    `json:"source,omitempty"`      // image
}

// ImageSource is the base64 image payload of an image block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ToolDef is a client-declared tool. Clients also send server-tool shapes
// (web_search etc.) in the same array; those carry a Type and no
// input_schema and are skipped during translation.
type ToolDef struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// SystemText joins the system prompt into one string. Accepts both the
// plain-string form and the array-of-text-blocks form.
func (r *MessagesRequest) SystemText() string {
	trimmed := strings.TrimSpace(string(r.System))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if json.Unmarshal(r.System, &s) == nil {
			return s
		}
		return ""
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(r.System, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// CountTokensRequest is the body of POST /v1/messages/count_tokens.
type CountTokensRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	System   json.RawMessage `json:"system,omitempty"`
	Tools    []ToolDef       `json:"tools,omitempty"`
}

// CountTokensResponse is its reply.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// Model describes one entry of GET /v1/models.
type Model struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	DisplayName string `json:"display_name"`
	Type        string `json:"type"`
	MaxTokens   int    `json:"max_tokens"`
}

// ModelsResponse is the reply of GET /v1/models.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
