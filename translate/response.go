package translate

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/rohanthewiz/logger"

	"kiroproxy/anthropic"
	"kiroproxy/kiro"
)

// StreamEvent is one translated Anthropic stream event, ready for the SSE
// writer or the non-stream accumulator.
type StreamEvent struct {
	Name    string
	Payload any
}

// ResponseState translates the upstream event sequence of one request into
// Anthropic stream events. Feed each decoded event in order, then call
// Finish when the upstream stream ends cleanly (or Abort after a mid-stream
// failure).
type ResponseState struct {
	model         string
	messageID     string
	inputEstimate int

	started   bool
	nextIndex int
	curIndex  int
	openKind  string // "", "text" or "tool"
	openTool  string
	lastTool  bool

	usage    anthropic.Usage
	sawUsage bool
	stop     string
	finished bool
}

// NewResponseState starts a translation for one request. The input estimate
// backfills usage when the upstream stream never reports token counts.
func NewResponseState(model string, inputEstimate int) *ResponseState {
	return &ResponseState{
		model:         model,
		messageID:     "msg_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		inputEstimate: inputEstimate,
	}
}

// MessageID is the generated message identifier echoed in message_start.
func (s *ResponseState) MessageID() string { return s.messageID }

// Started reports whether message_start has been emitted. Handlers use it
// to choose between an error envelope and an in-stream error tail.
func (s *ResponseState) Started() bool { return s.started }

// Usage returns the token totals reported upstream, falling back to the
// input estimate when the stream carried no usage events.
func (s *ResponseState) Usage() anthropic.Usage {
	u := s.usage
	if !s.sawUsage {
		u.InputTokens = s.inputEstimate
	}
	return u
}

// Start emits message_start once. Feed and Finish call it implicitly.
func (s *ResponseState) Start() []StreamEvent {
	if s.started {
		return nil
	}
	s.started = true
	return []StreamEvent{{
		Name: anthropic.EventMessageStart,
		Payload: anthropic.MessageStart{
			Type: anthropic.EventMessageStart,
			Message: anthropic.MessageHeader{
				ID:      s.messageID,
				Type:    "message",
				Role:    "assistant",
				Model:   s.model,
				Content: []anthropic.ResponseBlock{},
				Usage:   anthropic.Usage{InputTokens: s.inputEstimate},
			},
		},
	}}
}

// Feed translates one upstream event into zero or more stream events.
// A non-nil error means the upstream reported a failure mid-stream; the
// max-tokens exception is not an error and instead sets the stop reason.
func (s *ResponseState) Feed(ev kiro.Event) ([]StreamEvent, error) {
	out := s.Start()

	switch e := ev.(type) {
	case kiro.AssistantEvent:
		if e.Content == "" {
			return out, nil
		}
		if s.openKind != "text" {
			out = append(out, s.closeBlock()...)
			out = append(out, s.openTextBlock())
		}
		out = append(out, StreamEvent{
			Name: anthropic.EventContentBlockDelta,
			Payload: anthropic.ContentBlockDelta{
				Type:  anthropic.EventContentBlockDelta,
				Index: s.curIndex,
				Delta: anthropic.Delta{Type: "text_delta", Text: e.Content},
			},
		})

	case kiro.ToolUseEvent:
		if s.openKind != "tool" || s.openTool != e.ToolUseID {
			out = append(out, s.closeBlock()...)
			out = append(out, s.openToolBlock(e.ToolUseID, e.Name))
		}
		if e.Input != "" {
			out = append(out, StreamEvent{
				Name: anthropic.EventContentBlockDelta,
				Payload: anthropic.ContentBlockDelta{
					Type:  anthropic.EventContentBlockDelta,
					Index: s.curIndex,
					Delta: anthropic.Delta{Type: "input_json_delta", PartialJSON: e.Input},
				},
			})
		}
		if e.Stop {
			out = append(out, s.closeBlock()...)
		}

	case kiro.UsageEvent:
		s.usage.InputTokens += e.InputTokens
		s.usage.OutputTokens += e.OutputTokens
		s.sawUsage = true

	case kiro.MeteringEvent:
		logger.Debug("Metering event", "payload", string(e.Raw))

	case kiro.ExceptionEvent:
		if e.MaxTokens() {
			s.stop = anthropic.StopMaxTokens
			return out, nil
		}
		return out, e
	}

	return out, nil
}

// Finish closes any open block and emits message_delta plus message_stop.
func (s *ResponseState) Finish() []StreamEvent {
	return s.finishWith(s.stopReason())
}

// Abort produces the stream tail for a mid-stream failure so clients still
// see a well-formed event sequence.
func (s *ResponseState) Abort() []StreamEvent {
	return s.finishWith(anthropic.StopError)
}

func (s *ResponseState) finishWith(stop string) []StreamEvent {
	if s.finished {
		return nil
	}
	s.finished = true

	out := s.Start()
	out = append(out, s.closeBlock()...)

	usage := s.usage
	if !s.sawUsage {
		usage.InputTokens = s.inputEstimate
	}

	out = append(out,
		StreamEvent{
			Name: anthropic.EventMessageDelta,
			Payload: anthropic.MessageDelta{
				Type:  anthropic.EventMessageDelta,
				Delta: anthropic.MessageDeltaBody{StopReason: stop},
				Usage: usage,
			},
		},
		StreamEvent{
			Name:    anthropic.EventMessageStop,
			Payload: anthropic.MessageStop{Type: anthropic.EventMessageStop},
		},
	)
	return out
}

func (s *ResponseState) stopReason() string {
	if s.stop != "" {
		return s.stop
	}
	if s.lastTool {
		return anthropic.StopToolUse
	}
	return anthropic.StopEndTurn
}

func (s *ResponseState) openTextBlock() StreamEvent {
	s.curIndex = s.nextIndex
	s.nextIndex++
	s.openKind = "text"
	s.lastTool = false
	return StreamEvent{
		Name: anthropic.EventContentBlockStart,
		Payload: anthropic.ContentBlockStart{
			Type:         anthropic.EventContentBlockStart,
			Index:        s.curIndex,
			ContentBlock: anthropic.ResponseBlock{Type: "text"},
		},
	}
}

func (s *ResponseState) openToolBlock(id, name string) StreamEvent {
	s.curIndex = s.nextIndex
	s.nextIndex++
	s.openKind = "tool"
	s.openTool = id
	s.lastTool = true
	return StreamEvent{
		Name: anthropic.EventContentBlockStart,
		Payload: anthropic.ContentBlockStart{
			Type:  anthropic.EventContentBlockStart,
			Index: s.curIndex,
			ContentBlock: anthropic.ResponseBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  name,
				Input: json.RawMessage(`{}`),
			},
		},
	}
}

func (s *ResponseState) closeBlock() []StreamEvent {
	if s.openKind == "" {
		return nil
	}
	ev := StreamEvent{
		Name: anthropic.EventContentBlockStop,
		Payload: anthropic.ContentBlockStop{
			Type:  anthropic.EventContentBlockStop,
			Index: s.curIndex,
		},
	}
	s.openKind = ""
	s.openTool = ""
	return []StreamEvent{ev}
}

// Accumulator folds stream events into the non-stream Messages response.
type Accumulator struct {
	resp   anthropic.MessageResponse
	blocks []accBlock
}

type accBlock struct {
	typ   string
	text  string
	id    string
	name  string
	input string
}

// Add consumes one stream event.
func (a *Accumulator) Add(ev StreamEvent) {
	switch p := ev.Payload.(type) {
	case anthropic.MessageStart:
		a.resp.ID = p.Message.ID
		a.resp.Type = p.Message.Type
		a.resp.Role = p.Message.Role
		a.resp.Model = p.Message.Model
		a.resp.Usage = p.Message.Usage

	case anthropic.ContentBlockStart:
		a.blocks = append(a.blocks, accBlock{
			typ:  p.ContentBlock.Type,
			text: p.ContentBlock.Text,
			id:   p.ContentBlock.ID,
			name: p.ContentBlock.Name,
		})

	case anthropic.ContentBlockDelta:
		if p.Index < 0 || p.Index >= len(a.blocks) {
			return
		}
		b := &a.blocks[p.Index]
		switch p.Delta.Type {
		case "text_delta":
			b.text += p.Delta.Text
		case "input_json_delta":
			b.input += p.Delta.PartialJSON
		}

	case anthropic.MessageDelta:
		a.resp.StopReason = p.Delta.StopReason
		a.resp.Usage = p.Usage
	}
}

// Response assembles the accumulated message body.
func (a *Accumulator) Response() anthropic.MessageResponse {
	resp := a.resp
	resp.Content = make([]anthropic.ResponseBlock, 0, len(a.blocks))
	for _, b := range a.blocks {
		rb := anthropic.ResponseBlock{Type: b.typ}
		switch b.typ {
		case "tool_use":
			rb.ID = b.id
			rb.Name = b.name
			in := strings.TrimSpace(b.input)
			if in == "" {
				in = "{}"
			}
			rb.Input = json.RawMessage(in)
		default:
			rb.Text = b.text
		}
		resp.Content = append(resp.Content, rb)
	}
	return resp
}
