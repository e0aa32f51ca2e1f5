package core

import (
	"context"
	"cosmos/core/provider"
	"cosmos/engine/policy"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- Mock provider ---

// mockStreamIterator replays a fixed sequence of StreamChunks.
type mockStreamIterator struct {
	chunks []provider.StreamChunk
	idx    int
}

func (it *mockStreamIterator) Next() (provider.StreamChunk, error) {
	if it.idx >= len(it.chunks) {
		return provider.StreamChunk{}, io.EOF
	}
	c := it.chunks[it.idx]
	it.idx++
	return c, nil
}

func (it *mockStreamIterator) Close() error { return nil }

// mockProvider returns a sequence of stream iterators, one per Send call.
type mockProvider struct {
	calls  [][]provider.StreamChunk // one chunk sequence per call
	idx    int
	mu     sync.Mutex
	models []provider.ModelInfo // models to return from ListModels
}

func (p *mockProvider) Send(_ context.Context, _ provider.Request) (provider.StreamIterator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idx >= len(p.calls) {
		return nil, fmt.Errorf("unexpected Send call #%d", p.idx+1)
	}
	chunks := p.calls[p.idx]
	p.idx++
	return &mockStreamIterator{chunks: chunks}, nil
}

func (p *mockProvider) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	if p.models != nil {
		return p.models, nil
	}
	return nil, nil
}

func (p *mockProvider) Name() string                    { return "mock" }
func (p *mockProvider) SupportsNativeToolCalling() bool { return true }
func (p *mockProvider) SupportsCacheControl() bool      { return false }

// --- Mock executor ---

type mockExecutor struct {
	results map[string]string // tool name → result
	errors  map[string]error  // tool name → error
}

func (e *mockExecutor) Execute(_ context.Context, name string, _ map[string]any) (string, error) {
	if err, ok := e.errors[name]; ok {
		return "", err
	}
	if result, ok := e.results[name]; ok {
		return result, nil
	}
	return "", fmt.Errorf("unknown tool: %s", name)
}

// --- Mock notifier ---

type mockNotifier struct {
	mu   sync.Mutex
	msgs []any
}

func (n *mockNotifier) Send(msg any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *mockNotifier) getMessages() []any {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]any, len(n.msgs))
	copy(out, n.msgs)
	return out
}

// waitForEvent polls the notifier for an event matching predicate, with timeout.
// Returns (event, true) on match or (nil, false) on timeout.
func (n *mockNotifier) waitForEvent(predicate func(any) bool, timeout time.Duration) (any, bool) {
	deadline := time.After(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		n.mu.Lock()
		for _, m := range n.msgs {
			if predicate(m) {
				n.mu.Unlock()
				return m, true
			}
		}
		n.mu.Unlock()

		select {
		case <-deadline:
			return nil, false
		case <-ticker.C:
			continue
		}
	}
}

// --- Helpers ---

func textChunks(text string) []provider.StreamChunk {
	return []provider.StreamChunk{
		{Event: provider.EventTextDelta, Text: text},
		{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

func toolUseChunks(toolID, toolName, inputJSON string) []provider.StreamChunk {
	return []provider.StreamChunk{
		{Event: provider.EventToolStart, ToolCallID: toolID, ToolName: toolName},
		{Event: provider.EventToolDelta, InputDelta: inputJSON},
		{Event: provider.EventToolEnd},
		{Event: provider.EventMessageStop, StopReason: "tool_use", Usage: &provider.Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

func newTestSession(prov provider.Provider, executor ToolExecutor, notifier Notifier) *Session {
	return NewSession("test-session-id", prov, NewTracker(nil, nil), notifier, "test-model", "system", 1024, executor, nil, nil)
}

// history returns a snapshot of the session's message log, for assertions.
func history(s *Session) []provider.Message {
	return s.cw.Messages
}

// --- Tests ---

func TestTextOnlyResponse(t *testing.T) {
	prov := &mockProvider{calls: [][]provider.StreamChunk{
		textChunks("Hello, world!"),
	}}
	notifier := &mockNotifier{}
	executor := &mockExecutor{}
	session := newTestSession(prov, executor, notifier)

	err := session.processUserMessage(context.Background(), "Hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := history(session)
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3 (system prompt, user, assistant)", len(h))
	}
	if h[0].Role != provider.RoleSystem {
		t.Errorf("history[0].Role = %q, want %q", h[0].Role, provider.RoleSystem)
	}
	if h[1].Role != provider.RoleUser {
		t.Errorf("history[1].Role = %q, want %q", h[1].Role, provider.RoleUser)
	}
	if h[2].Role != provider.RoleAssistant {
		t.Errorf("history[2].Role = %q, want %q", h[2].Role, provider.RoleAssistant)
	}
	if h[2].Content != "Hello, world!" {
		t.Errorf("history[2].Content = %q, want %q", h[2].Content, "Hello, world!")
	}

	msgs := notifier.getMessages()
	hasCompletion := false
	for _, m := range msgs {
		if _, ok := m.(CompletionEvent); ok {
			hasCompletion = true
		}
	}
	if !hasCompletion {
		t.Error("expected CompletionEvent in notifier messages")
	}
}

func TestInlineJSONInProseIsNotToolCall(t *testing.T) {
	// A JSON object embedded in prose text, with no surrounding tool-call
	// markers, must flow through as plain text rather than being picked up
	// by the parser's tool-call recovery.
	prov := &mockProvider{calls: [][]provider.StreamChunk{
		textChunks(`Here's an example: {"location":"Rome"} — that's the shape.`),
	}}
	notifier := &mockNotifier{}
	session := newTestSession(prov, &mockExecutor{}, notifier)

	err := session.processUserMessage(context.Background(), "show me an example")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := history(session)
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3 (no tool call should be recovered)", len(h))
	}
	if len(h[2].ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(h[2].ToolCalls))
	}
}

func TestSingleToolCall(t *testing.T) {
	// First call: model requests tool use
	// Second call: model returns text
	prov := &mockProvider{calls: [][]provider.StreamChunk{
		toolUseChunks("tool-1", "get_weather", `{"location":"Rome"}`),
		textChunks("The weather in Rome is sunny."),
	}}
	notifier := &mockNotifier{}
	executor := &mockExecutor{
		results: map[string]string{
			"get_weather": `{"temperature":"22°C","condition":"sunny"}`,
		},
	}
	session := newTestSession(prov, executor, notifier)

	err := session.processUserMessage(context.Background(), "What's the weather?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := history(session)
	// History: user → assistant(tool_calls) → user(tool_results) → assistant(text)
	if len(h) != 4 {
		t.Fatalf("history length = %d, want 4", len(h))
	}

	if h[0].Role != provider.RoleUser {
		t.Errorf("history[0].Role = %q, want user", h[0].Role)
	}

	if h[1].Role != provider.RoleAssistant {
		t.Errorf("history[1].Role = %q, want assistant", h[1].Role)
	}
	if len(h[1].ToolCalls) != 1 {
		t.Fatalf("history[1].ToolCalls length = %d, want 1", len(h[1].ToolCalls))
	}
	if h[1].ToolCalls[0].Name != "get_weather" {
		t.Errorf("tool call name = %q, want get_weather", h[1].ToolCalls[0].Name)
	}

	if h[2].Role != provider.RoleUser {
		t.Errorf("history[2].Role = %q, want user", h[2].Role)
	}
	if len(h[2].ToolResults) != 1 {
		t.Fatalf("history[2].ToolResults length = %d, want 1", len(h[2].ToolResults))
	}
	if h[2].ToolResults[0].IsError {
		t.Error("tool result should not be an error")
	}

	if h[3].Role != provider.RoleAssistant {
		t.Errorf("history[3].Role = %q, want assistant", h[3].Role)
	}
	if h[3].Content != "The weather in Rome is sunny." {
		t.Errorf("history[3].Content = %q, want final text", h[3].Content)
	}

	msgs := notifier.getMessages()
	var hasToolUse, hasToolResult, hasToolExec bool
	for _, m := range msgs {
		switch msg := m.(type) {
		case ToolUseEvent:
			hasToolUse = true
			if msg.ToolCallID != "tool-1" {
				t.Errorf("ToolUseEvent.ToolCallID = %q, want %q", msg.ToolCallID, "tool-1")
			}
		case ToolResultEvent:
			hasToolResult = true
			if msg.ToolCallID != "tool-1" {
				t.Errorf("ToolResultEvent.ToolCallID = %q, want %q", msg.ToolCallID, "tool-1")
			}
		case ToolExecutionEvent:
			hasToolExec = true
			if msg.ToolCallID != "tool-1" {
				t.Errorf("ToolExecutionEvent.ToolCallID = %q, want %q", msg.ToolCallID, "tool-1")
			}
			if msg.ToolName != "get_weather" {
				t.Errorf("ToolExecutionEvent.ToolName = %q, want %q", msg.ToolName, "get_weather")
			}
			if msg.IsError {
				t.Error("ToolExecutionEvent.IsError should be false")
			}
		}
	}
	if !hasToolUse {
		t.Error("expected ToolUseEvent")
	}
	if !hasToolResult {
		t.Error("expected ToolResultEvent")
	}
	if !hasToolExec {
		t.Error("expected ToolExecutionEvent")
	}
}

func TestMultipleToolCallsInOneResponse(t *testing.T) {
	chunks := []provider.StreamChunk{
		{Event: provider.EventToolStart, ToolCallID: "t1", ToolName: "get_weather"},
		{Event: provider.EventToolDelta, InputDelta: `{"location":"Rome"}`},
		{Event: provider.EventToolEnd},
		{Event: provider.EventToolStart, ToolCallID: "t2", ToolName: "read_file"},
		{Event: provider.EventToolDelta, InputDelta: `{"path":"/tmp/a.txt"}`},
		{Event: provider.EventToolEnd},
		{Event: provider.EventMessageStop, StopReason: "tool_use", Usage: &provider.Usage{InputTokens: 20, OutputTokens: 10}},
	}

	prov := &mockProvider{calls: [][]provider.StreamChunk{
		chunks,
		textChunks("Done."),
	}}
	notifier := &mockNotifier{}
	executor := &mockExecutor{
		results: map[string]string{
			"get_weather": `{"temp":"20°C"}`,
			"read_file":   "file content",
		},
	}
	session := newTestSession(prov, executor, notifier)

	err := session.processUserMessage(context.Background(), "Do both")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := history(session)
	if len(h) != 4 {
		t.Fatalf("history length = %d, want 4", len(h))
	}
	if len(h[1].ToolCalls) != 2 {
		t.Errorf("tool calls = %d, want 2", len(h[1].ToolCalls))
	}
	if len(h[2].ToolResults) != 2 {
		t.Errorf("tool results = %d, want 2", len(h[2].ToolResults))
	}

	msgs := notifier.getMessages()
	toolUseCount, toolResultCount, toolExecCount := 0, 0, 0
	toolUseIDs := map[string]bool{}
	toolExecIDs := map[string]bool{}
	for _, m := range msgs {
		switch msg := m.(type) {
		case ToolUseEvent:
			toolUseCount++
			toolUseIDs[msg.ToolCallID] = true
		case ToolResultEvent:
			toolResultCount++
		case ToolExecutionEvent:
			toolExecCount++
			toolExecIDs[msg.ToolCallID] = true
		}
	}
	if toolUseCount != 2 {
		t.Errorf("ToolUseEvent count = %d, want 2", toolUseCount)
	}
	if toolResultCount != 2 {
		t.Errorf("ToolResultEvent count = %d, want 2", toolResultCount)
	}
	if toolExecCount != 2 {
		t.Errorf("ToolExecutionEvent count = %d, want 2", toolExecCount)
	}
	if !toolUseIDs["t1"] || !toolUseIDs["t2"] {
		t.Errorf("expected ToolCallIDs t1 and t2 in ToolUseEvent, got %v", toolUseIDs)
	}
	if !toolExecIDs["t1"] || !toolExecIDs["t2"] {
		t.Errorf("expected ToolCallIDs t1 and t2 in ToolExecutionEvent, got %v", toolExecIDs)
	}
}

func TestSequentialDuplicateToolCallSkippedInSameChunk(t *testing.T) {
	// Two identical calls to the same tool with the same arguments, back to
	// back in one response, should only execute once.
	chunks := []provider.StreamChunk{
		{Event: provider.EventToolStart, ToolCallID: "t1", ToolName: "get_weather"},
		{Event: provider.EventToolDelta, InputDelta: `{"location":"Rome"}`},
		{Event: provider.EventToolEnd},
		{Event: provider.EventToolStart, ToolCallID: "t2", ToolName: "get_weather"},
		{Event: provider.EventToolDelta, InputDelta: `{"location":"Rome"}`},
		{Event: provider.EventToolEnd},
		{Event: provider.EventMessageStop, StopReason: "tool_use", Usage: &provider.Usage{InputTokens: 20, OutputTokens: 10}},
	}

	prov := &mockProvider{calls: [][]provider.StreamChunk{chunks, textChunks("Done.")}}
	notifier := &mockNotifier{}
	executor := &mockExecutor{results: map[string]string{"get_weather": "sunny"}}
	session := newTestSession(prov, executor, notifier)

	err := session.processUserMessage(context.Background(), "check weather twice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := notifier.getMessages()
	execCount := 0
	for _, m := range msgs {
		if _, ok := m.(ToolExecutionEvent); ok {
			execCount++
		}
	}
	if execCount != 1 {
		t.Errorf("ToolExecutionEvent count = %d, want 1 (second identical call should be skipped)", execCount)
	}
}

func TestToolExecutorError(t *testing.T) {
	prov := &mockProvider{calls: [][]provider.StreamChunk{
		toolUseChunks("t1", "bad_tool", `{}`),
		textChunks("Sorry, the tool failed."),
	}}
	notifier := &mockNotifier{}
	executor := &mockExecutor{
		errors: map[string]error{
			"bad_tool": fmt.Errorf("tool exploded"),
		},
	}
	session := newTestSession(prov, executor, notifier)

	err := session.processUserMessage(context.Background(), "try it")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := history(session)
	if len(h) != 4 {
		t.Fatalf("history length = %d, want 4", len(h))
	}
	results := h[2].ToolResults
	if len(results) != 1 {
		t.Fatalf("tool results = %d, want 1", len(results))
	}
	if !results[0].IsError {
		t.Error("expected tool result IsError=true")
	}
	if results[0].Content != "tool exploded" {
		t.Errorf("error content = %q, want %q", results[0].Content, "tool exploded")
	}

	msgs := notifier.getMessages()
	var hasExecMsg bool
	for _, m := range msgs {
		switch msg := m.(type) {
		case ToolResultEvent:
			if !msg.IsError {
				t.Error("expected ToolResultEvent.IsError=true")
			}
		case ToolExecutionEvent:
			hasExecMsg = true
			if !msg.IsError {
				t.Error("expected ToolExecutionEvent.IsError=true")
			}
		}
	}
	if !hasExecMsg {
		t.Error("expected ToolExecutionEvent for failed tool")
	}
}

func TestMultiRoundToolUse(t *testing.T) {
	prov := &mockProvider{calls: [][]provider.StreamChunk{
		toolUseChunks("t1", "get_weather", `{"location":"Rome"}`),
		toolUseChunks("t2", "read_file", `{"path":"/tmp/b.txt"}`),
		textChunks("All done."),
	}}
	notifier := &mockNotifier{}
	executor := &mockExecutor{
		results: map[string]string{
			"get_weather": "sunny",
			"read_file":   "data",
		},
	}
	session := newTestSession(prov, executor, notifier)

	err := session.processUserMessage(context.Background(), "do everything")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := history(session)
	if len(h) != 6 {
		t.Fatalf("history length = %d, want 6", len(h))
	}

	expectedRoles := []provider.Role{
		provider.RoleUser, provider.RoleAssistant,
		provider.RoleUser, provider.RoleAssistant,
		provider.RoleUser, provider.RoleAssistant,
	}
	for i, want := range expectedRoles {
		if h[i].Role != want {
			t.Errorf("history[%d].Role = %q, want %q", i, h[i].Role, want)
		}
	}

	if h[5].Content != "All done." {
		t.Errorf("final content = %q, want %q", h[5].Content, "All done.")
	}

	msgs := notifier.getMessages()
	completionCount, toolExecCount := 0, 0
	for _, m := range msgs {
		switch m.(type) {
		case CompletionEvent:
			completionCount++
		case ToolExecutionEvent:
			toolExecCount++
		}
	}
	if completionCount != 3 {
		t.Errorf("CompletionEvent count = %d, want 3", completionCount)
	}
	if toolExecCount != 2 {
		t.Errorf("ToolExecutionEvent count = %d, want 2", toolExecCount)
	}
}

func TestDoubleStopNoPanic(t *testing.T) {
	prov := &mockProvider{calls: [][]provider.StreamChunk{
		textChunks("Hello"),
	}}
	notifier := &mockNotifier{}
	session := newTestSession(prov, &mockExecutor{}, notifier)

	session.Stop()
	session.Stop()
}

func TestNilExecutorToolUse(t *testing.T) {
	prov := &mockProvider{calls: [][]provider.StreamChunk{
		toolUseChunks("t1", "some_tool", `{"key":"val"}`),
		textChunks("OK, the tool was unavailable."),
	}}
	notifier := &mockNotifier{}
	session := newTestSession(prov, nil, notifier)

	err := session.processUserMessage(context.Background(), "use the tool")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := history(session)
	if len(h) != 4 {
		t.Fatalf("history length = %d, want 4", len(h))
	}

	results := h[2].ToolResults
	if len(results) != 1 {
		t.Fatalf("tool results = %d, want 1", len(results))
	}
	if !results[0].IsError {
		t.Error("expected tool result IsError=true")
	}
	if results[0].Content != "no tool executor configured" {
		t.Errorf("error content = %q, want %q", results[0].Content, "no tool executor configured")
	}

	msgs := notifier.getMessages()
	var hasErrorResult bool
	for _, m := range msgs {
		if msg, ok := m.(ToolResultEvent); ok {
			if msg.IsError && msg.ToolCallID == "t1" {
				hasErrorResult = true
			}
		}
	}
	if !hasErrorResult {
		t.Error("expected ToolResultEvent with IsError=true for nil executor")
	}
}

func TestStripRegionalPrefix(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"us.anthropic.claude-3-5-sonnet-20241022-v2:0", "anthropic.claude-3-5-sonnet-20241022-v2:0"},
		{"eu.anthropic.claude-3-5-sonnet-20241022-v2:0", "anthropic.claude-3-5-sonnet-20241022-v2:0"},
		{"ap.anthropic.claude-3-5-sonnet-20241022-v2:0", "anthropic.claude-3-5-sonnet-20241022-v2:0"},
		{"anthropic.claude-3-5-sonnet-20241022-v2:0", "anthropic.claude-3-5-sonnet-20241022-v2:0"},
		{"custom-model", "custom-model"},
	}
	for _, tt := range tests {
		got := stripRegionalPrefix(tt.input)
		if got != tt.want {
			t.Errorf("stripRegionalPrefix(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestGetModelInfoCaching(t *testing.T) {
	listCallCount := 0
	prov := &countingMockProvider{
		models: []provider.ModelInfo{
			{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0"},
		},
		callCount: &listCallCount,
	}
	notifier := &mockNotifier{}
	session := NewSession("test-session-id", prov, NewTracker(nil, nil), notifier, "us.anthropic.claude-3-5-sonnet-20241022-v2:0", "system", 1024, &mockExecutor{}, nil, nil)

	info1, err := session.getModelInfo(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info1 == nil {
		t.Fatal("expected non-nil model info")
	}
	if info1.ID != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Errorf("model ID = %q, want base ID", info1.ID)
	}

	info2, err := session.getModelInfo(context.Background())
	if err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if info2 != info1 {
		t.Error("expected same pointer from cache")
	}
	if listCallCount != 1 {
		t.Errorf("ListModels called %d times, want 1", listCallCount)
	}
}

// countingMockProvider tracks how many times ListModels is called.
type countingMockProvider struct {
	models    []provider.ModelInfo
	callCount *int
}

func (p *countingMockProvider) Send(_ context.Context, _ provider.Request) (provider.StreamIterator, error) {
	return nil, fmt.Errorf("not implemented")
}

func (p *countingMockProvider) ListModels(_ context.Context) ([]provider.ModelInfo, error) {
	*p.callCount++
	return p.models, nil
}

func (p *countingMockProvider) Name() string                    { return "counting-mock" }
func (p *countingMockProvider) SupportsNativeToolCalling() bool { return true }
func (p *countingMockProvider) SupportsCacheControl() bool      { return false }

func TestContextWarning50Percent(t *testing.T) {
	model := provider.ModelInfo{
		ID: "test-model", Name: "Test Model", ContextWindow: 1000,
		InputCostPer1M: 1.0, OutputCostPer1M: 5.0,
	}

	chunks1 := []provider.StreamChunk{
		{Event: provider.EventTextDelta, Text: "First response"},
		{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 400, OutputTokens: 100}},
	}
	chunks2 := []provider.StreamChunk{
		{Event: provider.EventTextDelta, Text: "Second response"},
		{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 500, OutputTokens: 100}},
	}

	prov := &mockProvider{calls: [][]provider.StreamChunk{chunks1, chunks2}}
	prov.models = []provider.ModelInfo{model}

	notifier := &mockNotifier{}
	tracker := NewTracker(nil, nil)
	session := NewSession("test-session-id", prov, tracker, notifier, "test-model", "system", 1024, &mockExecutor{}, nil, nil)

	if err := session.processUserMessage(context.Background(), "First"); err != nil {
		t.Fatalf("first message failed: %v", err)
	}
	if err := session.processUserMessage(context.Background(), "Second"); err != nil {
		t.Fatalf("second message failed: %v", err)
	}

	msgs := notifier.getMessages()
	var warningCount, updateCount int
	for _, m := range msgs {
		switch msg := m.(type) {
		case ContextWarningEvent:
			warningCount++
			if msg.Percentage < 50.0 || msg.Percentage > 51.0 {
				t.Errorf("warning percentage = %.1f, want ~50.0", msg.Percentage)
			}
			if msg.Threshold != 50.0 {
				t.Errorf("warning threshold = %.1f, want 50.0", msg.Threshold)
			}
		case ContextUpdateEvent:
			updateCount++
		}
	}

	if warningCount != 1 {
		t.Errorf("ContextWarningEvent count = %d, want 1 (warning should fire once)", warningCount)
	}
	if updateCount != 2 {
		t.Errorf("ContextUpdateEvent count = %d, want 2 (one per response)", updateCount)
	}
}

func TestContextAutoCompactAt90Percent(t *testing.T) {
	model := provider.ModelInfo{
		ID: "test-model", Name: "Test Model", ContextWindow: 1000,
		InputCostPer1M: 1.0, OutputCostPer1M: 5.0,
	}

	chunks := []provider.StreamChunk{
		{Event: provider.EventTextDelta, Text: "Large response"},
		{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 720, OutputTokens: 180}},
	}

	prov := &mockProvider{calls: [][]provider.StreamChunk{chunks}}
	prov.models = []provider.ModelInfo{model}

	notifier := &mockNotifier{}
	tracker := NewTracker(nil, nil)
	session := NewSession("test-session-id", prov, tracker, notifier, "test-model", "system", 1024, &mockExecutor{}, nil, nil)

	err := session.processUserMessage(context.Background(), "Large prompt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := notifier.getMessages()
	var hasAutoCompact, hasWarning, hasUpdate, hasError bool
	for _, m := range msgs {
		switch msg := m.(type) {
		case ContextAutoCompactEvent:
			hasAutoCompact = true
			if msg.Percentage < 90.0 {
				t.Errorf("auto-compact percentage = %.1f, want >= 90.0", msg.Percentage)
			}
		case ContextWarningEvent:
			hasWarning = true
		case ContextUpdateEvent:
			hasUpdate = true
			if msg.Percentage < 90.0 {
				t.Errorf("update percentage = %.1f, want >= 90.0", msg.Percentage)
			}
		case ErrorEvent:
			if strings.Contains(msg.Error, "auto-compaction failed") {
				hasError = true
			}
		}
	}

	if !hasAutoCompact {
		t.Error("expected ContextAutoCompactEvent at 90%")
	}
	if hasWarning {
		t.Error("should not have ContextWarningEvent when >= 90% (auto-compact takes precedence)")
	}
	if !hasUpdate {
		t.Error("expected ContextUpdateEvent")
	}
	if !hasError {
		t.Error("expected ErrorEvent for auto-compaction failure (history too short)")
	}
}

func TestContextUpdateEveryResponse(t *testing.T) {
	model := provider.ModelInfo{
		ID: "test-model", Name: "Test Model", ContextWindow: 1000,
		InputCostPer1M: 1.0, OutputCostPer1M: 5.0,
	}

	chunks := [][]provider.StreamChunk{
		{{Event: provider.EventTextDelta, Text: "Response 1"},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 80, OutputTokens: 20}}},
		{{Event: provider.EventTextDelta, Text: "Response 2"},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 160, OutputTokens: 40}}},
		{{Event: provider.EventTextDelta, Text: "Response 3"},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 250, OutputTokens: 60}}},
		{{Event: provider.EventTextDelta, Text: "Response 4"},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 340, OutputTokens: 80}}},
	}

	prov := &mockProvider{calls: chunks}
	prov.models = []provider.ModelInfo{model}

	notifier := &mockNotifier{}
	tracker := NewTracker(nil, nil)
	session := NewSession("test-session-id", prov, tracker, notifier, "test-model", "system", 1024, &mockExecutor{}, nil, nil)

	for i := 1; i <= 4; i++ {
		if err := session.processUserMessage(context.Background(), fmt.Sprintf("Message %d", i)); err != nil {
			t.Fatalf("message %d failed: %v", i, err)
		}
	}

	msgs := notifier.getMessages()
	var updateCount int
	var percentages []float64
	for _, m := range msgs {
		switch msg := m.(type) {
		case ContextUpdateEvent:
			updateCount++
			percentages = append(percentages, msg.Percentage)
		case ContextWarningEvent:
			t.Error("should not have warning (all below 50%)")
		case ContextAutoCompactEvent:
			t.Error("should not have auto-compact (all below 90%)")
		}
	}

	if updateCount != 4 {
		t.Errorf("ContextUpdateEvent count = %d, want 4 (one per response)", updateCount)
	}

	for i := 1; i < len(percentages); i++ {
		if percentages[i] <= percentages[i-1] {
			t.Errorf("percentage[%d] = %.1f should be > percentage[%d] = %.1f", i, percentages[i], i-1, percentages[i-1])
		}
	}
}

func TestManualCompaction(t *testing.T) {
	model := provider.ModelInfo{
		ID: "test-model", Name: "Test Model", ContextWindow: 10000,
		InputCostPer1M: 1.0, OutputCostPer1M: 5.0,
	}

	longResponse := strings.Repeat("This is a detailed response explaining the implementation. ", 15)
	shortResponse := "Brief reply."
	chunks := [][]provider.StreamChunk{
		{{Event: provider.EventTextDelta, Text: longResponse},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 200, OutputTokens: 150}}},
		{{Event: provider.EventTextDelta, Text: longResponse},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 250, OutputTokens: 150}}},
		{{Event: provider.EventTextDelta, Text: longResponse},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 300, OutputTokens: 150}}},
		{{Event: provider.EventTextDelta, Text: longResponse},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 350, OutputTokens: 150}}},
		{{Event: provider.EventTextDelta, Text: longResponse},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 400, OutputTokens: 150}}},
		{{Event: provider.EventTextDelta, Text: shortResponse},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 420, OutputTokens: 10}}},
		{{Event: provider.EventTextDelta, Text: shortResponse},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 430, OutputTokens: 10}}},
		{{Event: provider.EventTextDelta, Text: shortResponse},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 440, OutputTokens: 10}}},
		textChunks("Summary."),
	}

	prov := &mockProvider{calls: chunks, models: []provider.ModelInfo{model}}
	notifier := &mockNotifier{}
	tracker := NewTracker(nil, nil)
	session := NewSession("test-session-id", prov, tracker, notifier, "test-model", "system", 1024, &mockExecutor{}, nil, nil)

	longUserMsg := strings.Repeat("Can you explain the implementation details? ", 12)
	for i := 1; i <= 8; i++ {
		if err := session.processUserMessage(context.Background(), longUserMsg); err != nil {
			t.Fatalf("message %d failed: %v", i, err)
		}
	}

	historyBefore := len(history(session))

	if err := session.processUserMessage(context.Background(), "/compact"); err != nil {
		t.Fatalf("compaction failed: %v", err)
	}

	msgs := notifier.getMessages()
	var hasStart, hasComplete bool
	var oldTokens, newTokens int
	for _, m := range msgs {
		switch msg := m.(type) {
		case CompactionStartEvent:
			hasStart = true
			if msg.Mode != "manual" {
				t.Errorf("mode = %q, want %q", msg.Mode, "manual")
			}
		case CompactionCompleteEvent:
			hasComplete = true
			oldTokens = msg.OldTokens
			newTokens = msg.NewTokens
		case CompactionFailedEvent:
			t.Errorf("unexpected CompactionFailedEvent: %s", msg.Error)
		}
	}

	if !hasStart {
		t.Error("expected CompactionStartEvent")
	}
	if !hasComplete {
		t.Error("expected CompactionCompleteEvent")
	}
	if newTokens >= oldTokens {
		t.Errorf("compaction didn't reduce tokens: %d → %d", oldTokens, newTokens)
	}

	h := history(session)
	historyAfter := len(h)
	if historyAfter >= historyBefore {
		t.Errorf("history length not reduced: %d → %d", historyBefore, historyAfter)
	}

	if h[0].Role != provider.RoleSystem {
		t.Error("first message should be the preserved system prompt")
	}
	if h[1].Role != provider.RoleSystem || !strings.Contains(h[1].Content, "Previous conversation summary:") {
		t.Errorf("second message should be the summary, got role=%v content=%q", h[1].Role, h[1].Content)
	}
}

func TestCompactionWithShortHistory(t *testing.T) {
	model := provider.ModelInfo{
		ID: "test-model", Name: "Test Model", ContextWindow: 1000,
		InputCostPer1M: 1.0, OutputCostPer1M: 5.0,
	}

	t.Run("empty_history", func(t *testing.T) {
		prov := &mockProvider{calls: [][]provider.StreamChunk{}, models: []provider.ModelInfo{model}}
		notifier := &mockNotifier{}
		tracker := NewTracker(nil, nil)
		session := NewSession("test-session-id", prov, tracker, notifier, "test-model", "system", 1024, &mockExecutor{}, nil, nil)

		err := session.processUserMessage(context.Background(), "/compact")
		if err == nil {
			t.Fatal("expected compaction to fail with short history")
		}

		msgs := notifier.getMessages()
		var hasFailedEvent bool
		for _, m := range msgs {
			if msg, ok := m.(CompactionFailedEvent); ok {
				hasFailedEvent = true
				if !strings.Contains(msg.Error, "too short") {
					t.Errorf("error message = %q, want 'too short'", msg.Error)
				}
			}
		}
		if !hasFailedEvent {
			t.Error("expected CompactionFailedEvent")
		}
	})

	t.Run("four_messages_below_threshold", func(t *testing.T) {
		chunks := [][]provider.StreamChunk{
			textChunks("Response 1"),
			textChunks("Response 2"),
		}
		prov := &mockProvider{calls: chunks, models: []provider.ModelInfo{model}}
		notifier := &mockNotifier{}
		tracker := NewTracker(nil, nil)
		session := NewSession("test-session-id", prov, tracker, notifier, "test-model", "system", 1024, &mockExecutor{}, nil, nil)

		for i := 1; i <= 2; i++ {
			if err := session.processUserMessage(context.Background(), fmt.Sprintf("Message %d", i)); err != nil {
				t.Fatalf("message %d failed: %v", i, err)
			}
		}

		err := session.processUserMessage(context.Background(), "/compact")
		if err == nil {
			t.Fatal("expected compaction to fail with 4 messages (below threshold of 6)")
		}

		msgs := notifier.getMessages()
		var hasFailedEvent bool
		for _, m := range msgs {
			if msg, ok := m.(CompactionFailedEvent); ok {
				hasFailedEvent = true
				if !strings.Contains(msg.Error, "too short") {
					t.Errorf("error message = %q, want 'too short'", msg.Error)
				}
			}
		}
		if !hasFailedEvent {
			t.Error("expected CompactionFailedEvent")
		}
	})
}

func TestCompactionPreservesRecentMessages(t *testing.T) {
	model := provider.ModelInfo{
		ID: "test-model", Name: "Test Model", ContextWindow: 10000,
		InputCostPer1M: 1.0, OutputCostPer1M: 5.0,
	}

	chunks := [][]provider.StreamChunk{
		textChunks("Response 1"), textChunks("Response 2"),
		textChunks("Response 3"), textChunks("Response 4"),
		textChunks("Response 5"), textChunks("Response 6"),
		textChunks("Response 7"), textChunks("Response 8"),
		textChunks("Summary..."),
	}

	prov := &mockProvider{calls: chunks, models: []provider.ModelInfo{model}}
	notifier := &mockNotifier{}
	tracker := NewTracker(nil, nil)
	session := NewSession("test-session-id", prov, tracker, notifier, "test-model", "system", 1024, &mockExecutor{}, nil, nil)

	for i := 1; i <= 8; i++ {
		if err := session.processUserMessage(context.Background(), fmt.Sprintf("Message %d", i)); err != nil {
			t.Fatalf("message %d failed: %v", i, err)
		}
	}

	h := history(session)
	recentBefore := make([]provider.Message, 4)
	copy(recentBefore, h[len(h)-4:])

	if err := session.processUserMessage(context.Background(), "/compact"); err != nil {
		t.Fatalf("compaction failed: %v", err)
	}

	h = history(session)
	if len(h) < 5 {
		t.Fatalf("history too short after compaction: %d", len(h))
	}

	recentAfter := h[len(h)-4:]
	for i := 0; i < 4; i++ {
		if recentAfter[i].Content != recentBefore[i].Content {
			t.Errorf("message %d changed: %q → %q", i, recentBefore[i].Content, recentAfter[i].Content)
		}
	}
}

func TestCompactionResetsWarned50(t *testing.T) {
	model := provider.ModelInfo{
		ID: "test-model", Name: "Test Model", ContextWindow: 1000,
		InputCostPer1M: 1.0, OutputCostPer1M: 5.0,
	}

	longResponse := strings.Repeat("This is a detailed response explaining the implementation. ", 10)

	chunks := [][]provider.StreamChunk{
		{
			{Event: provider.EventTextDelta, Text: longResponse},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 400, OutputTokens: 100}},
		},
		{
			{Event: provider.EventTextDelta, Text: longResponse},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 100, OutputTokens: 20}},
		},
		{
			{Event: provider.EventTextDelta, Text: longResponse},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 150, OutputTokens: 30}},
		},
		{
			{Event: provider.EventTextDelta, Text: longResponse},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 200, OutputTokens: 40}},
		},
		textChunks("Summary of the conversation."),
		{
			{Event: provider.EventTextDelta, Text: "After compact"},
			{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 400, OutputTokens: 100}},
		},
	}

	prov := &mockProvider{calls: chunks, models: []provider.ModelInfo{model}}
	notifier := &mockNotifier{}
	tracker := NewTracker(nil, nil)
	session := NewSession("test-session-id", prov, tracker, notifier, "test-model", "system", 1024, &mockExecutor{}, nil, nil)

	longUserMsg := strings.Repeat("Can you explain the implementation details? ", 8)

	if err := session.processUserMessage(context.Background(), longUserMsg); err != nil {
		t.Fatalf("first message failed: %v", err)
	}

	for i := 2; i <= 4; i++ {
		if err := session.processUserMessage(context.Background(), longUserMsg); err != nil {
			t.Fatalf("message %d failed: %v", i, err)
		}
	}

	if err := session.processUserMessage(context.Background(), "/compact"); err != nil {
		t.Fatalf("compaction failed: %v", err)
	}

	if err := session.processUserMessage(context.Background(), "After compact"); err != nil {
		t.Fatalf("post-compact message failed: %v", err)
	}

	msgs := notifier.getMessages()
	warningCount := 0
	for _, m := range msgs {
		if _, ok := m.(ContextWarningEvent); ok {
			warningCount++
		}
	}

	if warningCount != 2 {
		t.Errorf("warning count = %d, want 2 (before and after compaction)", warningCount)
	}
}

func TestAutoCompactionDeferredDuringToolUse(t *testing.T) {
	model := provider.ModelInfo{
		ID: "test-model", Name: "Test Model", ContextWindow: 1000,
		InputCostPer1M: 1.0, OutputCostPer1M: 5.0,
	}

	toolChunks := []provider.StreamChunk{
		{Event: provider.EventToolStart, ToolCallID: "t1", ToolName: "get_weather"},
		{Event: provider.EventToolDelta, InputDelta: `{"location":"Rome"}`},
		{Event: provider.EventToolEnd},
		{Event: provider.EventMessageStop, StopReason: "tool_use", Usage: &provider.Usage{InputTokens: 720, OutputTokens: 180}},
	}
	endChunks := []provider.StreamChunk{
		{Event: provider.EventTextDelta, Text: "Weather is sunny."},
		{Event: provider.EventMessageStop, StopReason: "end_turn", Usage: &provider.Usage{InputTokens: 750, OutputTokens: 200}},
	}

	prov := &mockProvider{
		calls:  [][]provider.StreamChunk{toolChunks, endChunks},
		models: []provider.ModelInfo{model},
	}
	notifier := &mockNotifier{}
	tracker := NewTracker(nil, nil)
	session := NewSession("test-session-id", prov, tracker, notifier, "test-model", "system", 1024,
		&mockExecutor{results: map[string]string{"get_weather": `{"temp":"22°C"}`}}, nil, nil)

	err := session.processUserMessage(context.Background(), "What's the weather?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := history(session)
	if len(h) != 4 {
		t.Fatalf("history length = %d, want 4 (tool loop should complete fully before compaction attempt)", len(h))
	}

	msgs := notifier.getMessages()

	var hasAutoCompact bool
	for _, m := range msgs {
		if _, ok := m.(ContextAutoCompactEvent); ok {
			hasAutoCompact = true
		}
	}
	if !hasAutoCompact {
		t.Error("expected ContextAutoCompactEvent at 90%")
	}

	var hasCompactionFailure bool
	for _, m := range msgs {
		switch m.(type) {
		case ErrorEvent:
			hasCompactionFailure = true
		case CompactionFailedEvent:
			hasCompactionFailure = true
		}
	}
	if !hasCompactionFailure {
		t.Error("expected compaction failure event (history too short for compaction)")
	}

	lastToolExecIdx := -1
	firstCompactIdx := -1
	for i, m := range msgs {
		switch m.(type) {
		case ToolExecutionEvent:
			lastToolExecIdx = i
		case CompactionFailedEvent:
			if firstCompactIdx == -1 {
				firstCompactIdx = i
			}
		}
	}
	if firstCompactIdx != -1 && lastToolExecIdx != -1 && firstCompactIdx < lastToolExecIdx {
		t.Errorf("compaction event at index %d appeared before last tool execution at index %d", firstCompactIdx, lastToolExecIdx)
	}
}

// TestSession_AuditLogging verifies that tool executions are logged to the audit trail.
func TestSession_AuditLogging(t *testing.T) {
	tmpDir := t.TempDir()

	chunks := []provider.StreamChunk{
		{Event: provider.EventToolStart, ToolCallID: "call_1", ToolName: "get_weather"},
		{Event: provider.EventToolDelta, InputDelta: `{"city":"SF"}`},
		{Event: provider.EventToolEnd},
		{Event: provider.EventMessageStop, StopReason: "tool_use"},
	}
	chunks2 := textChunks("The weather is nice.")

	prov := &mockProvider{calls: [][]provider.StreamChunk{chunks, chunks2}}
	executor := &mockExecutor{results: map[string]string{"get_weather": `{"temp":"22°C"}`}}
	notifier := &mockNotifier{}
	tracker := NewTracker(nil, nil)

	sessionID := "test-session-audit-123"
	auditLogger, err := policy.NewAuditLogger(sessionID, tmpDir)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	defer auditLogger.Close()

	session := NewSession(sessionID, prov, tracker, notifier, "test-model", "system", 1024, executor, nil, auditLogger)

	err = session.processUserMessage(context.Background(), "What's the weather?")
	if err != nil {
		t.Fatalf("processUserMessage failed: %v", err)
	}

	session.Stop()

	entries, err := policy.ReadAuditLog(sessionID, tmpDir)
	if err != nil {
		t.Fatalf("ReadAuditLog failed: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}

	entry := entries[0]
	if entry.Tool != "get_weather" {
		t.Errorf("tool mismatch: got %s, want get_weather", entry.Tool)
	}
	if entry.ToolCallID != "call_1" {
		t.Errorf("tool_call_id mismatch: got %s, want call_1", entry.ToolCallID)
	}
	if entry.Decision != "allowed" {
		t.Errorf("decision mismatch: got %s, want allowed", entry.Decision)
	}
	if entry.SessionID != sessionID {
		t.Errorf("session_id mismatch: got %s, want %s", entry.SessionID, sessionID)
	}
	if entry.Timestamp == "" {
		t.Error("timestamp is empty")
	}

	if entry.Arguments == nil {
		t.Error("arguments is nil")
	} else if city, ok := entry.Arguments["city"]; !ok || city != "SF" {
		t.Errorf("arguments[city] mismatch: got %v, want SF", city)
	}
}

// TestSession_AuditLoggingError verifies that tool execution errors are logged.
func TestSession_AuditLoggingError(t *testing.T) {
	tmpDir := t.TempDir()

	chunks := []provider.StreamChunk{
		{Event: provider.EventToolStart, ToolCallID: "call_err", ToolName: "failing_tool"},
		{Event: provider.EventToolDelta, InputDelta: `{"input":"data"}`},
		{Event: provider.EventToolEnd},
		{Event: provider.EventMessageStop, StopReason: "tool_use"},
	}
	chunks2 := textChunks("Tool failed, let me try something else.")

	prov := &mockProvider{calls: [][]provider.StreamChunk{chunks, chunks2}}
	executor := &mockExecutor{errors: map[string]error{"failing_tool": fmt.Errorf("permission denied")}}
	notifier := &mockNotifier{}
	tracker := NewTracker(nil, nil)

	sessionID := "test-session-audit-error"
	auditLogger, err := policy.NewAuditLogger(sessionID, tmpDir)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}
	defer auditLogger.Close()

	session := NewSession(sessionID, prov, tracker, notifier, "test-model", "system", 1024, executor, nil, auditLogger)

	err = session.processUserMessage(context.Background(), "Run the failing tool")
	if err != nil {
		t.Fatalf("processUserMessage failed: %v", err)
	}

	session.Stop()

	entries, err := policy.ReadAuditLog(sessionID, tmpDir)
	if err != nil {
		t.Fatalf("ReadAuditLog failed: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}

	entry := entries[0]
	if entry.Decision != "denied" {
		t.Errorf("decision mismatch for error: got %s, want denied", entry.Decision)
	}
	if entry.Error == "" {
		t.Error("error field should contain error message")
	}
	if !strings.Contains(entry.Error, "permission denied") {
		t.Errorf("error message mismatch: got %s, want to contain 'permission denied'", entry.Error)
	}
}

// TestSession_ShutdownCoordination verifies clean shutdown with in-flight operations.
func TestSession_ShutdownCoordination(t *testing.T) {
	slowExecutor := &slowExecutor{delay: 100 * time.Millisecond}

	chunks := []provider.StreamChunk{
		{Event: provider.EventToolStart, ToolCallID: "call_slow", ToolName: "slow_tool"},
		{Event: provider.EventToolDelta, InputDelta: `{}`},
		{Event: provider.EventToolEnd},
		{Event: provider.EventMessageStop, StopReason: "tool_use"},
	}
	chunks2 := textChunks("Done.")

	prov := &mockProvider{calls: [][]provider.StreamChunk{chunks, chunks2}}
	notifier := &mockNotifier{}
	tracker := NewTracker(nil, nil)

	session := NewSession("test-shutdown", prov, tracker, notifier, "test-model", "system", 1024, slowExecutor, nil, nil)

	ctx := context.Background()
	session.Start(ctx)

	session.SubmitMessage("Run slow tool")

	time.Sleep(20 * time.Millisecond)

	// Stop session while tool is executing. This must not panic (previous
	// bug: would close audit logger before processUserMessage finishes).
	session.Stop()

	if slowExecutor.calls == 0 {
		t.Error("executor was not called - WaitGroup may have blocked submission")
	}
}

// slowExecutor simulates a long-running tool execution
type slowExecutor struct {
	delay time.Duration
	mu    sync.Mutex
	calls int
}

func (e *slowExecutor) Execute(ctx context.Context, name string, _ map[string]any) (string, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	select {
	case <-time.After(e.delay):
		return "slow operation completed", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
