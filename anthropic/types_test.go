package anthropic

import (
	"encoding/json"
	"testing"
)

func TestMessageBlocks(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []ContentBlock
		wantErr bool
	}{
		{
			name:    "plain string",
			content: `"hello"`,
			want:    []ContentBlock{{Type: "text", Text: "hello"}},
		},
		{
			name:    "block array",
			content: `[{"type":"text","text":"a"},{"type":"tool_result","tool_use_id":"t1","content":"ok"}]`,
			want: []ContentBlock{
				{Type: "text", Text: "a"},
				{Type: "tool_result", ToolUseID: "t1", Content: json.RawMessage(`"ok"`)},
			},
		},
		{
			name:    "null content",
			content: `null`,
			want:    nil,
		},
		{
			name:    "empty content",
			content: ``,
			want:    nil,
		},
		{
			name:    "malformed array",
			content: `[{"type":`,
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := Message{Role: "user", Content: json.RawMessage(tc.content)}
			blocks, err := m.Blocks()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Blocks: %v", err)
			}
			if len(blocks) != len(tc.want) {
				t.Fatalf("blocks = %+v, want %+v", blocks, tc.want)
			}
			for i := range tc.want {
				got, want := blocks[i], tc.want[i]
				if got.Type != want.Type || got.Text != want.Text || got.ToolUseID != want.ToolUseID {
					t.Errorf("block %d = %+v, want %+v", i, got, want)
				}
			}
		})
	}
}

func TestSystemText(t *testing.T) {
	tests := []struct {
		name   string
		system string
		want   string
	}{
		{name: "absent", system: ``, want: ""},
		{name: "null", system: `null`, want: ""},
		{name: "string form", system: `"be terse"`, want: "be terse"},
		{
			name:   "block array form",
			system: `[{"type":"text","text":"rule one"},{"type":"text","text":"rule two"}]`,
			want:   "rule one\nrule two",
		},
		{name: "malformed", system: `{{`, want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := MessagesRequest{System: json.RawMessage(tc.system)}
			if got := r.SystemText(); got != tc.want {
				t.Errorf("SystemText = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestThinkingBudget(t *testing.T) {
	tests := []struct {
		name        string
		thinking    *Thinking
		wantEnabled bool
		wantBudget  int
	}{
		{name: "nil", thinking: nil, wantEnabled: false, wantBudget: DefaultBudgetTokens},
		{name: "disabled", thinking: &Thinking{Type: "disabled"}, wantEnabled: false, wantBudget: DefaultBudgetTokens},
		{name: "enabled default budget", thinking: &Thinking{Type: "enabled"}, wantEnabled: true, wantBudget: DefaultBudgetTokens},
		{name: "enabled custom budget", thinking: &Thinking{Type: "enabled", BudgetTokens: 512}, wantEnabled: true, wantBudget: 512},
		{name: "budget capped", thinking: &Thinking{Type: "enabled", BudgetTokens: 1 << 20}, wantEnabled: true, wantBudget: MaxBudgetTokens},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.thinking.Enabled(); got != tc.wantEnabled {
				t.Errorf("Enabled = %v, want %v", got, tc.wantEnabled)
			}
			if got := tc.thinking.Budget(); got != tc.wantBudget {
				t.Errorf("Budget = %d, want %d", got, tc.wantBudget)
			}
		})
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	data, err := json.Marshal(NewErrorResponse(ErrTypeOverloaded, "all credentials exhausted, retry later"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"error","error":{"type":"overloaded_error","message":"all credentials exhausted, retry later"}}`
	if string(data) != want {
		t.Errorf("envelope = %s, want %s", data, want)
	}
}
