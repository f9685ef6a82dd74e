package translate

import (
	"encoding/json"
	"testing"

	"kiroproxy/anthropic"
	"kiroproxy/kiro"
)

// feedAll drives a full upstream event sequence through the state machine
// and returns the translated stream.
func feedAll(t *testing.T, s *ResponseState, events []kiro.Event) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for _, ev := range events {
		evs, err := s.Feed(ev)
		if err != nil {
			t.Fatalf("Feed(%T): %v", ev, err)
		}
		out = append(out, evs...)
	}
	return append(out, s.Finish()...)
}

func names(events []StreamEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Name
	}
	return out
}

// checkStreamShape asserts the stream grammar: one message_start first, one
// message_stop last, and every content_block_start paired with exactly one
// content_block_stop on the same index.
func checkStreamShape(t *testing.T, events []StreamEvent) {
	t.Helper()
	if len(events) < 2 {
		t.Fatalf("stream too short: %v", names(events))
	}
	starts, stops := 0, 0
	open := map[int]bool{}
	for i, ev := range events {
		switch ev.Name {
		case anthropic.EventMessageStart:
			starts++
			if i != 0 {
				t.Errorf("message_start at position %d", i)
			}
		case anthropic.EventMessageStop:
			stops++
			if i != len(events)-1 {
				t.Errorf("message_stop at position %d of %d", i, len(events))
			}
		case anthropic.EventContentBlockStart:
			idx := ev.Payload.(anthropic.ContentBlockStart).Index
			if open[idx] {
				t.Errorf("block %d opened twice", idx)
			}
			open[idx] = true
		case anthropic.EventContentBlockDelta:
			idx := ev.Payload.(anthropic.ContentBlockDelta).Index
			if !open[idx] {
				t.Errorf("delta for closed block %d", idx)
			}
		case anthropic.EventContentBlockStop:
			idx := ev.Payload.(anthropic.ContentBlockStop).Index
			if !open[idx] {
				t.Errorf("stop for unopened block %d", idx)
			}
			delete(open, idx)
		}
	}
	if starts != 1 || stops != 1 {
		t.Errorf("message_start = %d, message_stop = %d, want 1 and 1", starts, stops)
	}
	if len(open) != 0 {
		t.Errorf("blocks left open: %v", open)
	}
}

func stopReason(t *testing.T, events []StreamEvent) string {
	t.Helper()
	for _, ev := range events {
		if md, ok := ev.Payload.(anthropic.MessageDelta); ok {
			return md.Delta.StopReason
		}
	}
	t.Fatal("no message_delta in stream")
	return ""
}

func TestResponseSimpleText(t *testing.T) {
	s := NewResponseState(ModelSonnet, 1)
	out := feedAll(t, s, []kiro.Event{
		kiro.AssistantEvent{Content: "He"},
		kiro.AssistantEvent{Content: "llo"},
	})

	want := []string{
		anthropic.EventMessageStart,
		anthropic.EventContentBlockStart,
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockStop,
		anthropic.EventMessageDelta,
		anthropic.EventMessageStop,
	}
	got := names(out)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	cbs := out[1].Payload.(anthropic.ContentBlockStart)
	if cbs.Index != 0 || cbs.ContentBlock.Type != "text" {
		t.Errorf("content_block_start = %+v", cbs)
	}
	d1 := out[2].Payload.(anthropic.ContentBlockDelta)
	if d1.Delta.Type != "text_delta" || d1.Delta.Text != "He" {
		t.Errorf("first delta = %+v", d1)
	}
	if got := stopReason(t, out); got != anthropic.StopEndTurn {
		t.Errorf("stop_reason = %q, want end_turn", got)
	}
	checkStreamShape(t, out)
}

func TestResponseToolUse(t *testing.T) {
	s := NewResponseState(ModelSonnet, 1)
	out := feedAll(t, s, []kiro.Event{
		kiro.ToolUseEvent{ToolUseID: "t1", Name: "get_weather", Input: `{"ci`},
		kiro.ToolUseEvent{ToolUseID: "t1", Input: `ty":"Paris"}`},
		kiro.ToolUseEvent{ToolUseID: "t1", Stop: true},
	})
	checkStreamShape(t, out)

	var start *anthropic.ContentBlockStart
	var partial string
	for _, ev := range out {
		switch p := ev.Payload.(type) {
		case anthropic.ContentBlockStart:
			cp := p
			start = &cp
		case anthropic.ContentBlockDelta:
			if p.Delta.Type != "input_json_delta" {
				t.Errorf("delta type = %q, want input_json_delta", p.Delta.Type)
			}
			partial += p.Delta.PartialJSON
		}
	}
	if start == nil {
		t.Fatal("no content_block_start")
	}
	if start.Index != 0 || start.ContentBlock.Type != "tool_use" ||
		start.ContentBlock.ID != "t1" || start.ContentBlock.Name != "get_weather" ||
		string(start.ContentBlock.Input) != "{}" {
		t.Errorf("content_block_start = %+v", start)
	}

	// Concatenated fragments parse back to the original arguments.
	var args map[string]string
	if err := json.Unmarshal([]byte(partial), &args); err != nil {
		t.Fatalf("reassembled input %q does not parse: %v", partial, err)
	}
	if args["city"] != "Paris" {
		t.Errorf("args = %v", args)
	}

	if got := stopReason(t, out); got != anthropic.StopToolUse {
		t.Errorf("stop_reason = %q, want tool_use", got)
	}
}

func TestResponseTextThenTool(t *testing.T) {
	s := NewResponseState(ModelSonnet, 1)
	out := feedAll(t, s, []kiro.Event{
		kiro.AssistantEvent{Content: "Checking."},
		kiro.ToolUseEvent{ToolUseID: "t1", Name: "f", Input: `{}`},
		kiro.ToolUseEvent{ToolUseID: "t1", Stop: true},
	})
	checkStreamShape(t, out)

	var indices []int
	for _, ev := range out {
		if p, ok := ev.Payload.(anthropic.ContentBlockStart); ok {
			indices = append(indices, p.Index)
		}
	}
	if len(indices) != 2 || indices[0] != 0 || indices[1] != 1 {
		t.Errorf("block indices = %v, want [0 1]", indices)
	}
	if got := stopReason(t, out); got != anthropic.StopToolUse {
		t.Errorf("stop_reason = %q, want tool_use", got)
	}
}

func TestResponseToolThenText(t *testing.T) {
	s := NewResponseState(ModelSonnet, 1)
	out := feedAll(t, s, []kiro.Event{
		kiro.ToolUseEvent{ToolUseID: "t1", Name: "f", Input: `{}`, Stop: true},
		kiro.AssistantEvent{Content: "done"},
	})
	checkStreamShape(t, out)
	if got := stopReason(t, out); got != anthropic.StopEndTurn {
		t.Errorf("stop_reason = %q, want end_turn after trailing text", got)
	}
}

func TestResponseUsageAccumulation(t *testing.T) {
	s := NewResponseState(ModelSonnet, 42)
	out := feedAll(t, s, []kiro.Event{
		kiro.AssistantEvent{Content: "hi"},
		kiro.UsageEvent{InputTokens: 10, OutputTokens: 3},
		kiro.UsageEvent{OutputTokens: 4},
	})
	var md anthropic.MessageDelta
	for _, ev := range out {
		if p, ok := ev.Payload.(anthropic.MessageDelta); ok {
			md = p
		}
	}
	if md.Usage.InputTokens != 10 || md.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v, want input 10 output 7", md.Usage)
	}
}

func TestResponseUsageFallsBackToEstimate(t *testing.T) {
	s := NewResponseState(ModelSonnet, 42)
	out := feedAll(t, s, []kiro.Event{kiro.AssistantEvent{Content: "hi"}})

	ms := out[0].Payload.(anthropic.MessageStart)
	if ms.Message.Usage.InputTokens != 42 {
		t.Errorf("message_start input_tokens = %d, want 42", ms.Message.Usage.InputTokens)
	}
	for _, ev := range out {
		if md, ok := ev.Payload.(anthropic.MessageDelta); ok {
			if md.Usage.InputTokens != 42 {
				t.Errorf("final input_tokens = %d, want estimate 42", md.Usage.InputTokens)
			}
		}
	}
}

func TestResponseMaxTokensException(t *testing.T) {
	s := NewResponseState(ModelSonnet, 1)
	out := feedAll(t, s, []kiro.Event{
		kiro.AssistantEvent{Content: "partial"},
		kiro.ExceptionEvent{Type: "ServiceException", Message: "MAX_TOKENS limit reached"},
	})
	checkStreamShape(t, out)
	if got := stopReason(t, out); got != anthropic.StopMaxTokens {
		t.Errorf("stop_reason = %q, want max_tokens", got)
	}
}

func TestResponseExceptionIsError(t *testing.T) {
	s := NewResponseState(ModelSonnet, 1)
	if _, err := s.Feed(kiro.AssistantEvent{Content: "x"}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	_, err := s.Feed(kiro.ExceptionEvent{Type: "InternalServerException", Message: "boom"})
	if err == nil {
		t.Fatal("expected error from exception event")
	}

	out := s.Abort()
	last := out[len(out)-1]
	if last.Name != anthropic.EventMessageStop {
		t.Errorf("abort tail ends with %q, want message_stop", last.Name)
	}
	if got := stopReason(t, out); got != anthropic.StopError {
		t.Errorf("stop_reason = %q, want error", got)
	}
}

func TestResponseEmptyStream(t *testing.T) {
	s := NewResponseState(ModelSonnet, 5)
	out := feedAll(t, s, nil)
	checkStreamShape(t, out)
	if got := stopReason(t, out); got != anthropic.StopEndTurn {
		t.Errorf("stop_reason = %q, want end_turn", got)
	}
}

func TestResponseFinishIdempotent(t *testing.T) {
	s := NewResponseState(ModelSonnet, 1)
	if _, err := s.Feed(kiro.AssistantEvent{Content: "x"}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	first := s.Finish()
	if len(first) == 0 {
		t.Fatal("first Finish returned nothing")
	}
	if extra := s.Finish(); len(extra) != 0 {
		t.Errorf("second Finish returned %v", names(extra))
	}
	if extra := s.Abort(); len(extra) != 0 {
		t.Errorf("Abort after Finish returned %v", names(extra))
	}
}

func TestAccumulator(t *testing.T) {
	s := NewResponseState(ModelOpus, 9)
	events := feedAll(t, s, []kiro.Event{
		kiro.AssistantEvent{Content: "The weather: "},
		kiro.ToolUseEvent{ToolUseID: "t1", Name: "get_weather", Input: `{"city":`},
		kiro.ToolUseEvent{ToolUseID: "t1", Input: `"Paris"}`},
		kiro.ToolUseEvent{ToolUseID: "t1", Stop: true},
		kiro.UsageEvent{InputTokens: 12, OutputTokens: 8},
	})

	var acc Accumulator
	for _, ev := range events {
		acc.Add(ev)
	}
	resp := acc.Response()

	if resp.Model != ModelOpus || resp.Role != "assistant" || resp.Type != "message" {
		t.Errorf("header = %+v", resp)
	}
	if resp.ID == "" {
		t.Error("missing message id")
	}
	if len(resp.Content) != 2 {
		t.Fatalf("content blocks = %d, want 2", len(resp.Content))
	}
	if resp.Content[0].Type != "text" || resp.Content[0].Text != "The weather: " {
		t.Errorf("block 0 = %+v", resp.Content[0])
	}
	tu := resp.Content[1]
	if tu.Type != "tool_use" || tu.ID != "t1" || tu.Name != "get_weather" {
		t.Errorf("block 1 = %+v", tu)
	}
	var args map[string]string
	if err := json.Unmarshal(tu.Input, &args); err != nil || args["city"] != "Paris" {
		t.Errorf("input = %s (err %v)", tu.Input, err)
	}
	if resp.StopReason != anthropic.StopToolUse {
		t.Errorf("stop_reason = %q, want tool_use", resp.StopReason)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 8 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}
