package anthropic

import "encoding/json"

// Stream event names in emission order.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
)

// Stop reasons carried on message_delta.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
	StopError     = "error"
)

// Usage is the token accounting block.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessageStart is the payload of the message_start event.
type MessageStart struct {
	Type    string        `json:"type"`
	Message MessageHeader `json:"message"`
}

// MessageHeader is the skeletal message carried inside message_start.
type MessageHeader struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Model        string          `json:"model"`
	Content      []ResponseBlock `json:"content"`
	StopReason   *string         `json:"stop_reason"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        Usage           `json:"usage"`
}

// ContentBlockStart opens block Index.
type ContentBlockStart struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	ContentBlock ResponseBlock `json:"content_block"`
}

// ContentBlockDelta extends block Index.
type ContentBlockDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

// Delta is either a text_delta or an input_json_delta.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlockStop closes block Index.
type ContentBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// BlockIndex implementations let the SSE writer enforce start/delta/stop
// pairing per index.
func (e ContentBlockStart) BlockIndex() int { return e.Index }
func (e ContentBlockDelta) BlockIndex() int { return e.Index }
func (e ContentBlockStop) BlockIndex() int  { return e.Index }

// MessageDelta carries the final stop reason and usage totals.
type MessageDelta struct {
	Type  string           `json:"type"`
	Delta MessageDeltaBody `json:"delta"`
	Usage Usage            `json:"usage"`
}

// MessageDeltaBody is the delta member of message_delta.
type MessageDeltaBody struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// MessageStop terminates the stream.
type MessageStop struct {
	Type string `json:"type"`
}

// ResponseBlock is a content block of an assistant response: the opening
// shape inside content_block_start and the accumulated shape in the
// non-stream message body.
type ResponseBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// MessageResponse is the non-stream reply of POST /v1/messages.
type MessageResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Model        string          `json:"model"`
	Content      []ResponseBlock `json:"content"`
	StopReason   string          `json:"stop_reason"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        Usage           `json:"usage"`
}

// ErrorResponse is the error envelope shared by every non-2xx reply.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the error class and carries a human message.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error types of the envelope.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeAuthentication = "authentication_error"
	ErrTypeNotFound       = "not_found_error"
	ErrTypeOverloaded     = "overloaded_error"
	ErrTypeAPI            = "api_error"
)

// NewErrorResponse builds the standard envelope.
func NewErrorResponse(errType, message string) ErrorResponse {
	return ErrorResponse{Type: "error", Error: ErrorDetail{Type: errType, Message: message}}
}
