// Package kiro holds the wire types for the upstream generateAssistantResponse
// service: the ConversationState request schema and the typed events decoded
// from its event-stream response.
package kiro

import "encoding/json"

// Fixed protocol values.
const (
	OriginAIEditor    = "AI_EDITOR"
	ChatTriggerManual = "MANUAL"
	AgentTaskVibe     = "vibe"
)

// Request is the body of POST /generateAssistantResponse.
type Request struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

// ConversationState carries the current message plus alternating history.
type ConversationState struct {
	ConversationID      string `json:"conversationId"`
	AgentContinuationID string `json:"agentContinuationId,omitempty"`
	AgentTaskType       string `json:"agentTaskType,omitempty"`
	ChatTriggerType     string `json:"chatTriggerType"`
	CurrentMessage      Turn   `json:"currentMessage"`
	History             []Turn `json:"history"`
}

// Turn is one history entry: exactly one of the two members is set.
type Turn struct {
	UserInputMessage         *UserInput         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponse `json:"assistantResponseMessage,omitempty"`
}

// UserInput is a user turn.
type UserInput struct {
	Content string        `json:"content"`
	ModelID string        `json:"modelId,omitempty"`
	Origin  string        `json:"origin,omitempty"`
	Images  []Image       `json:"images,omitempty"`
	Context *UserInputCtx `json:"userInputMessageContext,omitempty"`
}

// UserInputCtx carries tool declarations and tool results for a user turn.
type UserInputCtx struct {
	ToolResults []ToolResult    `json:"toolResults,omitempty"`
	Tools       []ToolWrapper   `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"toolChoice,omitempty"`
}

// ToolResult reports one tool execution back to the model.
type ToolResult struct {
	ToolUseID string           `json:"toolUseId"`
	Status    string           `json:"status"` // "success" or "error"
	Output    ToolResultOutput `json:"output"`
}

// ToolResultOutput wraps the stringified tool output.
type ToolResultOutput struct {
	Message string `json:"message"`
}

// ToolWrapper is the envelope around one tool declaration.
type ToolWrapper struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

// ToolSpecification declares a callable tool.
type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema wraps the tool's JSON schema.
type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// AssistantResponse is an assistant turn in history.
type AssistantResponse struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

// ToolUse is a completed tool call recorded in history.
type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// Image is an inline image attached to a user turn.
type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// ImageSource holds base64 image bytes.
type ImageSource struct {
	Bytes string `json:"bytes"`
}
