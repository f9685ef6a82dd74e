// Package translate converts between the Anthropic Messages API and the
// upstream conversation protocol: request bodies into ConversationState,
// upstream events into the Anthropic stream event sequence.
package translate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rohanthewiz/logger"

	"kiroproxy/anthropic"
	"kiroproxy/kiro"
)

// InvalidRequestError reports a request that violates the Messages API
// contract. Handlers map it to 400 invalid_request_error.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return e.Reason
}

// systemAck is the canned assistant reply paired with the system prompt at
// the head of history.
const systemAck = "I will follow these instructions."

// sessionIDPattern extracts the conversation UUID clients thread through
// metadata.user_id.
var sessionIDPattern = regexp.MustCompile(`session_([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)

// ConversationID reuses the client-supplied session UUID when present,
// otherwise mints a fresh one.
func ConversationID(req *anthropic.MessagesRequest) string {
	if req.Metadata != nil {
		if m := sessionIDPattern.FindStringSubmatch(req.Metadata.UserID); m != nil {
			return strings.ToLower(m[1])
		}
	}
	return uuid.New().String()
}

// BuildRequest translates one Messages API request into the upstream
// request body. The agent continuation id is left empty; the dispatcher
// stamps a fresh one per attempt.
func BuildRequest(req *anthropic.MessagesRequest, profileArn string) (*kiro.Request, error) {
	if len(req.Messages) == 0 {
		return nil, &InvalidRequestError{Reason: "messages must not be empty"}
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" {
		return nil, &InvalidRequestError{Reason: "last message must have role user"}
	}

	// Merge the history (everything but the last message) into alternating
	// turns, collecting tool use ids for orphan detection.
	turns, toolUseIDs, err := mergeHistory(req.Messages[:len(req.Messages)-1])
	if err != nil {
		return nil, err
	}

	history := make([]kiro.Turn, 0, 2*len(turns)+2)

	// System prompt (and the thinking prefix) become a synthetic pair at
	// the head of history.
	sysContent := systemContent(req)
	if sysContent != "" {
		history = append(history,
			kiro.Turn{UserInputMessage: &kiro.UserInput{Content: sysContent, Origin: kiro.OriginAIEditor}},
			kiro.Turn{AssistantResponseMessage: &kiro.AssistantResponse{Content: systemAck}},
		)
	}

	history = appendPaired(history, turns)

	current, err := buildCurrentMessage(req, last, toolUseIDs)
	if err != nil {
		return nil, err
	}

	return &kiro.Request{
		ConversationState: kiro.ConversationState{
			ConversationID:  ConversationID(req),
			AgentTaskType:   kiro.AgentTaskVibe,
			ChatTriggerType: kiro.ChatTriggerManual,
			CurrentMessage:  kiro.Turn{UserInputMessage: current},
			History:         history,
		},
		ProfileArn: profileArn,
	}, nil
}

// systemContent joins the system prompt text, prefixed with the thinking
// directive when extended thinking is requested.
func systemContent(req *anthropic.MessagesRequest) string {
	text := req.SystemText()
	if req.Thinking.Enabled() {
		prefix := fmt.Sprintf("<thinking_mode>extended</thinking_mode>\n<thinking_budget>%d</thinking_budget>\n",
			req.Thinking.Budget())
		return prefix + text
	}
	return text
}

// turn is one merged same-role run of input messages.
type turn struct {
	role        string
	text        []string
	thinking    []string
	toolUses    []kiro.ToolUse
	toolResults []kiro.ToolResult
}

// content renders the turn's text, with assistant thinking blocks wrapped
// in <thinking> tags ahead of the visible text.
func (t *turn) content() string {
	var b strings.Builder
	for _, th := range t.thinking {
		b.WriteString("<thinking>")
		b.WriteString(th)
		b.WriteString("</thinking>\n\n")
	}
	b.WriteString(strings.Join(t.text, "\n"))
	return b.String()
}

// mergeHistory folds the input messages into strictly alternating turns
// (rule: consecutive same-role messages merge, text concatenated, tool
// blocks pooled). Returns the turns plus the set of tool use ids seen.
func mergeHistory(messages []anthropic.Message) ([]*turn, map[string]bool, error) {
	var turns []*turn
	toolUseIDs := make(map[string]bool)

	for i := range messages {
		m := &messages[i]
		if m.Role != "user" && m.Role != "assistant" {
			return nil, nil, &InvalidRequestError{Reason: "message role must be user or assistant, got " + m.Role}
		}

		blocks, err := m.Blocks()
		if err != nil {
			return nil, nil, &InvalidRequestError{Reason: "invalid message content: " + err.Error()}
		}

		var t *turn
		if n := len(turns); n > 0 && turns[n-1].role == m.Role {
			t = turns[n-1]
		} else {
			t = &turn{role: m.Role}
			turns = append(turns, t)
		}

		for _, b := range blocks {
			switch b.Type {
			case "text":
				if b.Text != "" {
					t.text = append(t.text, b.Text)
				}
			case "thinking":
				if m.Role == "assistant" && b.Thinking != "" {
					t.thinking = append(t.thinking, b.Thinking)
				}
			case "tool_use":
				if m.Role != "assistant" {
					return nil, nil, &InvalidRequestError{Reason: "tool_use blocks are only valid in assistant messages"}
				}
				toolUseIDs[b.ID] = true
				t.toolUses = append(t.toolUses, kiro.ToolUse{
					ToolUseID: b.ID,
					Name:      b.Name,
					Input:     toolInput(b.Input),
				})
			case "tool_result":
				if m.Role != "user" {
					return nil, nil, &InvalidRequestError{Reason: "tool_result blocks are only valid in user messages"}
				}
				if !toolUseIDs[b.ToolUseID] {
					logger.Warn("Tool result references unknown tool use", "toolUseId", b.ToolUseID)
				}
				t.toolResults = append(t.toolResults, toolResult(b))
			}
			// Images in history are dropped; only the current message
			// forwards them.
		}
	}
	return turns, toolUseIDs, nil
}

// appendPaired lays merged turns into history as user/assistant pairs,
// repairing alternation with synthetic turns where the input leaves gaps.
func appendPaired(history []kiro.Turn, turns []*turn) []kiro.Turn {
	i := 0
	for i < len(turns) {
		t := turns[i]
		if t.role == "assistant" {
			// Assistant with no preceding user turn.
			logger.Warn("History starts with an assistant message, inserting synthetic user turn")
			history = append(history,
				kiro.Turn{UserInputMessage: &kiro.UserInput{Content: "(empty)", Origin: kiro.OriginAIEditor}},
				kiro.Turn{AssistantResponseMessage: assistantResponse(t)})
			i++
			continue
		}

		history = append(history, kiro.Turn{UserInputMessage: userInput(t)})
		if i+1 < len(turns) {
			history = append(history, kiro.Turn{AssistantResponseMessage: assistantResponse(turns[i+1])})
			i += 2
		} else {
			// Trailing unpaired user turn.
			history = append(history, kiro.Turn{AssistantResponseMessage: &kiro.AssistantResponse{Content: "OK"}})
			i++
		}
	}
	return history
}

func userInput(t *turn) *kiro.UserInput {
	u := &kiro.UserInput{
		Content: strings.Join(t.text, "\n"),
		Origin:  kiro.OriginAIEditor,
	}
	if len(t.toolResults) > 0 {
		u.Context = &kiro.UserInputCtx{ToolResults: t.toolResults}
	}
	return u
}

func assistantResponse(t *turn) *kiro.AssistantResponse {
	a := &kiro.AssistantResponse{
		Content:  t.content(),
		ToolUses: t.toolUses,
	}
	// Upstream rejects empty assistant content; tool-only turns carry a
	// single space.
	if a.Content == "" && len(a.ToolUses) > 0 {
		a.Content = " "
	}
	return a
}

// buildCurrentMessage assembles the last user message: text, images, tool
// results, and the request's tool declarations.
func buildCurrentMessage(req *anthropic.MessagesRequest, last anthropic.Message, toolUseIDs map[string]bool) (*kiro.UserInput, error) {
	blocks, err := last.Blocks()
	if err != nil {
		return nil, &InvalidRequestError{Reason: "invalid message content: " + err.Error()}
	}

	var texts []string
	var images []kiro.Image
	var toolResults []kiro.ToolResult

	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		case "tool_result":
			if !toolUseIDs[b.ToolUseID] {
				logger.Warn("Tool result references unknown tool use", "toolUseId", b.ToolUseID)
			}
			toolResults = append(toolResults, toolResult(b))
		case "tool_use":
			return nil, &InvalidRequestError{Reason: "tool_use blocks are only valid in assistant messages"}
		case "image":
			if img, ok := imageFromBlock(b); ok {
				images = append(images, img)
			}
		}
	}

	cur := &kiro.UserInput{
		Content: strings.Join(texts, "\n"),
		ModelID: MapModel(req.Model),
		Origin:  kiro.OriginAIEditor,
		Images:  images,
	}

	ctx := &kiro.UserInputCtx{ToolResults: toolResults}
	for _, td := range req.Tools {
		if w, ok := toolWrapper(td); ok {
			ctx.Tools = append(ctx.Tools, w)
		}
	}
	ctx.ToolChoice = toolChoice(req.ToolChoice)

	if len(ctx.ToolResults) > 0 || len(ctx.Tools) > 0 || len(ctx.ToolChoice) > 0 {
		cur.Context = ctx
	}
	return cur, nil
}

// toolWrapper converts one tool declaration. Server-side tool shapes
// (web_search etc.) carry a type and no schema and are skipped.
func toolWrapper(td anthropic.ToolDef) (kiro.ToolWrapper, bool) {
	if td.Name == "" || (td.Type != "" && len(td.InputSchema) == 0) {
		return kiro.ToolWrapper{}, false
	}
	desc := td.Description
	if strings.TrimSpace(desc) == "" {
		desc = "Tool: " + td.Name
	}
	schema := td.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return kiro.ToolWrapper{ToolSpecification: kiro.ToolSpecification{
		Name:        td.Name,
		Description: desc,
		InputSchema: kiro.InputSchema{JSON: schema},
	}}, true
}

// toolChoice maps the client's tool_choice to the upstream form where
// structurally expressible.
func toolChoice(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var tc struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil
	}
	switch tc.Type {
	case "auto", "any":
		return json.RawMessage(`{"auto":{}}`)
	case "tool":
		if tc.Name != "" {
			b, err := json.Marshal(map[string]any{"auto": map[string]any{}, "specificToolId": tc.Name})
			if err == nil {
				return b
			}
		}
	}
	return nil
}

func toolResult(b anthropic.ContentBlock) kiro.ToolResult {
	status := "success"
	if b.IsError {
		status = "error"
	}
	return kiro.ToolResult{
		ToolUseID: b.ToolUseID,
		Status:    status,
		Output:    kiro.ToolResultOutput{Message: stringifyToolContent(b.Content)},
	}
}

// stringifyToolContent flattens a tool_result's content (plain string or
// block array) into one string.
func stringifyToolContent(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	}
	if trimmed[0] == '[' {
		var blocks []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &blocks) == nil {
			parts := make([]string, 0, len(blocks))
			for _, b := range blocks {
				if b.Text != "" {
					parts = append(parts, b.Text)
				}
			}
			return strings.Join(parts, "\n")
		}
	}
	return trimmed
}

func imageFromBlock(b anthropic.ContentBlock) (kiro.Image, bool) {
	if b.Source == nil || b.Source.Data == "" {
		return kiro.Image{}, false
	}
	format := b.Source.MediaType
	if idx := strings.LastIndex(format, "/"); idx != -1 {
		format = format[idx+1:]
	}
	if format == "" {
		return kiro.Image{}, false
	}
	return kiro.Image{Format: format, Source: kiro.ImageSource{Bytes: b.Source.Data}}, true
}

func toolInput(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
