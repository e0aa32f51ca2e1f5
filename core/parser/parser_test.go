package parser

import "testing"

func TestFindCompleteJSONObjectEndSimple(t *testing.T) {
	text := `{"tool":"read_file","args":{"path":"a.go"}} trailing`
	end, ok := FindCompleteJSONObjectEnd(text, 0)
	if !ok {
		t.Fatal("expected complete object")
	}
	if text[end] != '}' {
		t.Errorf("expected end to point at closing brace, got %q", text[end])
	}
	if text[:end+1] != `{"tool":"read_file","args":{"path":"a.go"}}` {
		t.Errorf("unexpected slice: %q", text[:end+1])
	}
}

func TestFindCompleteJSONObjectEndNested(t *testing.T) {
	text := `{"tool":"write_file","args":{"path":"a.go","content":"{nested}"}}`
	end, ok := FindCompleteJSONObjectEnd(text, 0)
	if !ok || end != len(text)-1 {
		t.Errorf("expected end at final index %d, got %d ok=%v", len(text)-1, end, ok)
	}
}

func TestFindCompleteJSONObjectEndIncomplete(t *testing.T) {
	text := `{"tool":"read_file","args":{"path":"a.go"`
	_, ok := FindCompleteJSONObjectEnd(text, 0)
	if ok {
		t.Error("expected incomplete object to not balance")
	}
}

func TestToolCallPatternsAllRecognized(t *testing.T) {
	for _, pattern := range toolCallPatterns {
		text := pattern + `"tool_call"}`
		if _, ok := FindToolCallStart(text, Forward); !ok {
			t.Errorf("pattern %q not recognized", pattern)
		}
	}
}

func TestInlineToolCallIgnored(t *testing.T) {
	text := `I will call the tool like so: {"tool":"x"} to continue.`
	_, ok := FindToolCallStart(text, Forward)
	if ok {
		t.Error("expected inline (non-own-line) tool call mention to be ignored")
	}
}

func TestStandaloneToolCallDetected(t *testing.T) {
	text := "Some text.\n" + `{"tool":"x","args":{}}` + "\nmore text"
	pos, ok := FindToolCallStart(text, Forward)
	if !ok {
		t.Fatal("expected standalone tool call to be detected")
	}
	if !IsOnOwnLine(text, pos) {
		t.Error("expected detected position to be on its own line")
	}
}

func TestFindFirstVsLastToolCallStart(t *testing.T) {
	text := "{\"tool\":\"a\"}\nmiddle\n{\"tool\":\"b\"}"
	first, _ := FindToolCallStart(text, Forward)
	last, _ := FindToolCallStart(text, Backward)
	if first == last {
		t.Fatal("expected forward and backward searches to differ with two calls present")
	}
	if first != 0 {
		t.Errorf("expected forward match at position 0, got %d", first)
	}
}

func TestIsOnOwnLine(t *testing.T) {
	text := "abc\n   {\"tool\"  \nnot-own{\"tool\""
	pos := 7 // points at the '{' after indentation on line 2
	if !IsOnOwnLine(text, pos) {
		t.Error("expected indented tool call start to count as own-line")
	}
}

func TestFindCodeFenceRangesSimple(t *testing.T) {
	text := "before\n```go\ncode here\n```\nafter"
	ranges := FindCodeFenceRanges(text)
	if len(ranges) != 1 {
		t.Fatalf("expected 1 fence range, got %d", len(ranges))
	}
}

func TestFindCodeFenceRangesMultiple(t *testing.T) {
	text := "```\na\n```\ntext\n```\nb\n```"
	ranges := FindCodeFenceRanges(text)
	if len(ranges) != 2 {
		t.Fatalf("expected 2 fence ranges, got %d", len(ranges))
	}
}

func TestIsPositionInFenceRanges(t *testing.T) {
	text := "```\n{\"tool\":\"x\"}\n```"
	ranges := FindCodeFenceRanges(text)
	pos, _ := FindToolCallStart(text, Forward)
	if !IsPositionInFenceRanges(pos, ranges) {
		t.Error("expected fenced tool-call-looking text to be inside a fence range")
	}
}

func TestArgsContainProseFragments(t *testing.T) {
	clean := map[string]any{"path": "a.go"}
	if ArgsContainProseFragments(clean) {
		t.Error("expected clean args to not contain prose fragments")
	}
	dirty := map[string]any{"path": "I'll go ahead and do this for you now in great detail across many words"}
	if !ArgsContainProseFragments(dirty) {
		t.Error("expected prose-prefixed arg to be flagged")
	}
}

func TestProcessChunkRecoversToolCallFromText(t *testing.T) {
	p := New()
	calls := p.ProcessChunk(`Sure, I'll do that.`+"\n"+`{"tool":"read_file","args":{"path":"a.go"}}`, nil, false)
	if len(calls) != 1 {
		t.Fatalf("expected 1 recovered tool call, got %d", len(calls))
	}
	if calls[0].Name != "read_file" {
		t.Errorf("expected tool name read_file, got %q", calls[0].Name)
	}
}

func TestProcessChunkIgnoresFencedToolCallText(t *testing.T) {
	p := New()
	calls := p.ProcessChunk("```\n"+`{"tool":"read_file","args":{}}`+"\n```", nil, false)
	if len(calls) != 0 {
		t.Errorf("expected fenced tool call text to be ignored, got %d calls", len(calls))
	}
}

func TestParserResetClearsState(t *testing.T) {
	p := New()
	p.ProcessChunk(`{"tool":"x","args":{}}`, nil, false)
	p.Reset()
	if p.TextBufferLen() != 0 {
		t.Error("expected buffer cleared after Reset")
	}
	if p.IsMessageStopped() {
		t.Error("expected messageStopped cleared after Reset")
	}
}

func TestMultipleToolCallsProcessedInOrder(t *testing.T) {
	text := `{"tool":"a","args":{}}` + "\n" + `{"tool":"b","args":{}}`
	p := New()
	p.ProcessChunk(text, nil, false)
	all := p.TryParseAllToolCalls()
	if len(all) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(all))
	}
	if all[0].Name != "a" || all[1].Name != "b" {
		t.Errorf("expected order a,b; got %v", all)
	}
}

func TestHasIncompleteToolCall(t *testing.T) {
	p := New()
	p.ProcessChunk("\n"+`{"tool":"read_file","args":{"path":"a.go"`, nil, false)
	if !p.HasIncompleteToolCall() {
		t.Error("expected incomplete tool call to be detected")
	}
}

func TestHasUnexecutedToolCall(t *testing.T) {
	p := New()
	p.ProcessChunk("\n"+`{"tool":"read_file","args":{"path":"a.go"}}`, nil, false)
	if !p.HasUnexecutedToolCall() {
		t.Error("expected complete unexecuted tool call to be detected")
	}
	p.MarkToolCallsConsumed()
	if p.HasUnexecutedToolCall() {
		t.Error("expected no unexecuted tool call after MarkToolCallsConsumed")
	}
}
