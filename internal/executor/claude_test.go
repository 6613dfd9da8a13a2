package executor

import (
	"testing"

	"github.com/devboard/devboard/internal/store"
)

func parseOne(t *testing.T, line string) *NormalizedEntry {
	t.Helper()
	parser := ClaudeExecutor{}
	entries := parser.ParseLine(line)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d: %+v", len(entries), entries)
	}
	return entries[0]
}

func TestParseSystemInit(t *testing.T) {
	entry := parseOne(t, `{"type":"system","subtype":"init","session_id":"sess-1","model":"claude-sonnet-4-5"}`)
	if entry.Type != store.EntryTypeSystemMessage {
		t.Errorf("expected system message, got %s", entry.Type)
	}
	if entry.Metadata["sessionId"] != "sess-1" {
		t.Errorf("session id not extracted: %v", entry.Metadata)
	}
	if entry.Metadata["model"] != "claude-sonnet-4-5" {
		t.Errorf("model not extracted: %v", entry.Metadata)
	}
}

func TestParseAssistantTextAndThinking(t *testing.T) {
	parser := ClaudeExecutor{}
	entries := parser.ParseLine(`{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"thinking","thinking":"considering options"},
		{"type":"text","text":"here is the answer"},
		{"type":"text","text":""}
	]}}`)
	if len(entries) != 2 {
		t.Fatalf("expected thinking + text (empty text dropped), got %d", len(entries))
	}
	if entries[0].Metadata["thinking"] != true {
		t.Errorf("thinking block not flagged: %v", entries[0].Metadata)
	}
	if entries[1].Content != "here is the answer" {
		t.Errorf("text content wrong: %q", entries[1].Content)
	}
}

func TestParseToolUse(t *testing.T) {
	entry := parseOne(t, `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"tool_use","id":"tc-1","name":"Bash","input":{"command":"go test ./..."}}
	]}}`)
	if entry.Type != store.EntryTypeToolUse {
		t.Fatalf("expected tool-use entry, got %s", entry.Type)
	}
	if entry.Tool == nil {
		t.Fatal("tool info missing")
	}
	if entry.Tool.Name != "Bash" || entry.Tool.ToolCallID != "tc-1" {
		t.Errorf("tool identity wrong: %+v", entry.Tool)
	}
	if entry.Tool.Kind != store.ToolKindCommandRun {
		t.Errorf("Bash should classify as command-run, got %s", entry.Tool.Kind)
	}
	if entry.Tool.IsResult {
		t.Error("invocation marked as result")
	}
}

func TestParseToolResult(t *testing.T) {
	entry := parseOne(t, `{"type":"user","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"tc-1","content":"ok\n"}
	]}}`)
	if entry.Type != store.EntryTypeToolUse {
		t.Fatalf("expected tool-use entry, got %s", entry.Type)
	}
	if entry.Tool == nil || !entry.Tool.IsResult {
		t.Fatalf("result not flagged: %+v", entry.Tool)
	}
	if entry.Tool.ToolCallID != "tc-1" {
		t.Errorf("result not linked to call: %+v", entry.Tool)
	}
}

func TestParseSuccessResultCompletesTurn(t *testing.T) {
	entry := parseOne(t, `{"type":"result","subtype":"success","result":"all done","session_id":"sess-1","num_turns":1}`)
	if entry.Type != store.EntryTypeSystemMessage {
		t.Errorf("expected system message, got %s", entry.Type)
	}
	if !entry.TurnCompleted() {
		t.Error("success result must complete the turn")
	}
	if entry.Metadata["sessionId"] != "sess-1" {
		t.Errorf("session id not carried: %v", entry.Metadata)
	}
}

func TestParseErrorResultIsLogicalFailure(t *testing.T) {
	entry := parseOne(t, `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"agent crashed"}`)
	if entry.Type != store.EntryTypeErrorMessage {
		t.Fatalf("expected error message, got %s", entry.Type)
	}
	if !entry.TurnCompleted() {
		t.Error("error result still completes the turn")
	}
	if entry.Metadata["errorReason"] != "agent crashed" {
		t.Errorf("error reason not captured: %v", entry.Metadata)
	}
}

func TestParseNonJSONLineBecomesSystemEntry(t *testing.T) {
	entry := parseOne(t, "some stray stdout line")
	if entry.Type != store.EntryTypeSystemMessage {
		t.Errorf("expected system message, got %s", entry.Type)
	}
	if entry.Content != "some stray stdout line" {
		t.Errorf("raw line not preserved: %q", entry.Content)
	}
}

func TestClassifyToolBuckets(t *testing.T) {
	cases := map[string]store.ToolKind{
		"Bash":     store.ToolKindCommandRun,
		"Edit":     store.ToolKindFileEdit,
		"Write":    store.ToolKindFileEdit,
		"Read":     store.ToolKindFileRead,
		"Grep":     store.ToolKindSearch,
		"WebFetch": store.ToolKindWebFetch,
		"Task":     store.ToolKindTask,
		"SomeMCP":  store.ToolKindTool,
	}
	for name, want := range cases {
		if got := classifyTool(name); got != want {
			t.Errorf("%s: expected %s, got %s", name, want, got)
		}
	}
}

func TestIsMissingSessionError(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"No conversation found with session ID: abc", true},
		{"session expired", true},
		{"rate limit exceeded", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsMissingSessionError(tc.msg); got != tc.want {
			t.Errorf("%q: expected %v, got %v", tc.msg, tc.want, got)
		}
	}
}
