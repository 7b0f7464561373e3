package llm

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestConvertMessagesRoundTrip(t *testing.T) {
	in := []Message{
		{Role: RoleSystem, Content: "you are helpful"},
		{Role: RoleUser, Content: "list my orders"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "call_1", Name: "list_records", Arguments: `{"table":"orders"}`},
		}},
		{Role: RoleTool, ToolCallID: "call_1", Content: `[{"id":"o1"}]`},
	}

	out := convertMessages(in)
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4", len(out))
	}
	if out[0].Role != RoleSystem || out[0].Content != "you are helpful" {
		t.Errorf("system message mangled: %+v", out[0])
	}
	if len(out[2].ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(out[2].ToolCalls))
	}
	tc := out[2].ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != openai.ToolTypeFunction {
		t.Errorf("tool call mangled: %+v", tc)
	}
	if tc.Function.Name != "list_records" || tc.Function.Arguments != `{"table":"orders"}` {
		t.Errorf("function payload mangled: %+v", tc.Function)
	}
	if out[3].ToolCallID != "call_1" {
		t.Errorf("tool result lost its call id: %+v", out[3])
	}
}

func TestConvertToolsDefaultsParameters(t *testing.T) {
	out := convertTools([]ToolSpec{
		{Name: "get_dashboard_stats", Description: "summary counts"},
		{Name: "get_record", Parameters: map[string]any{
			"type":     "object",
			"required": []string{"table", "id"},
		}},
	})
	if len(out) != 2 {
		t.Fatalf("got %d tools, want 2", len(out))
	}
	params, ok := out[0].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("missing default parameter schema: %+v", out[0].Function.Parameters)
	}
	if out[1].Function.Name != "get_record" {
		t.Errorf("tool name mangled: %+v", out[1].Function)
	}
}
