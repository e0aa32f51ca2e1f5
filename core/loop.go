package core

import (
	"context"
	"cosmos/core/parser"
	"cosmos/core/provider"
	"cosmos/engine/policy"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// defaultMaxIterations bounds the number of provider streams a single
	// turn may issue, regardless of tool success — a backstop against a
	// model that keeps requesting tools forever without calling
	// final_output. Overridden per-session via SetMaxIterations (wired from
	// config.MaxIterations).
	defaultMaxIterations = 400

	// defaultMaxAutoSummaryAttempts bounds auto-continue retries per turn.
	// It resets to zero whenever a non-duplicate tool call executes
	// successfully. Overridden per-session via SetMaxAutoSummaryAttempts
	// (wired from config.MaxAutoSummaryAttempts).
	defaultMaxAutoSummaryAttempts = 5

	// interIterationSleep guards against hammering a provider that just
	// returned a transient "model busy" condition.
	interIterationSleep = 50 * time.Millisecond

	// cacheHintInterval applies a cache-control breakpoint to every Nth
	// tool result message.
	cacheHintInterval = 10

	// cacheHintCeiling is the maximum number of cache hints live in the
	// session transcript at once (see recountCacheHints), matching the
	// provider's own breakpoint budget.
	cacheHintCeiling = 4

	// compactionPreserveRecent is the number of most recent messages to preserve during manual compaction.
	compactionPreserveRecent = 4

	// compactionTargetRatio is the target summary length as a percentage of original.
	compactionTargetRatio = 0.25 // 25% of original

	// compactionMinReduction is the minimum reduction percentage required for compaction to be worthwhile.
	compactionMinReduction = 20.0 // Must reduce by at least 20%

	// compactionMinHistory is the minimum number of messages needed for compaction to be meaningful.
	compactionMinHistory = compactionPreserveRecent + 2

	// thinkingBudgetMargin is the per-request headroom a provider's extended
	// thinking budget must leave below max_tokens (Anthropic's
	// max_tokens > thinking_budget + 1024 constraint, generalized).
	thinkingBudgetMargin = 1024

	// mainRequestTokenFloor / summaryRequestTokenFloor are the hardcoded
	// max_tokens fallbacks used once thinning can no longer free enough
	// context to satisfy a configured thinking budget.
	mainRequestTokenFloor    = 16_000
	summaryRequestTokenFloor = 5_000

	// providerTokenFloor is the minimum max_tokens a request resolves to
	// before the thinking-budget cascade even runs, regardless of how
	// little context remains.
	providerTokenFloor = 4_096

	// summaryBufferPercent/Min/Max bound the safety margin subtracted from
	// available tokens when computing a summary request's max_tokens.
	summaryBufferPercent = 0.025
	summaryBufferMin     = 1_000
	summaryBufferMax     = 10_000
)

// changelogFileTools names the tools that touch a file on disk and should
// therefore surface an entry in the Changelog UI once they succeed.
var changelogFileTools = map[string]bool{
	"write_file":  true,
	"str_replace": true,
}

// changelogVerb turns a raw tool name into the verb phrase shown in the
// Changelog UI's entry header.
func changelogVerb(tool string) string {
	switch tool {
	case "write_file":
		return "Wrote file"
	case "str_replace":
		return "Edited file"
	default:
		return tool
	}
}

// ToolExecutor runs a tool and returns its result. Implementations (see
// core/dispatcher) are expected to translate failures into "❌ ..."-prefixed
// result text rather than a non-nil error — the only error this interface
// should surface to the loop is a canceled context.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input map[string]any) (string, error)
}

// Session manages a single LLM conversation loop.
type Session struct {
	provider provider.Provider
	tracker  *Tracker
	notifier Notifier
	executor ToolExecutor
	tools    []provider.ToolDefinition

	model     string
	systemMsg string
	maxTokens int

	id          string
	createdAt   time.Time
	auditLogger *policy.AuditLogger

	mu        sync.Mutex
	cw        *ContextWindow
	sessionsDir string // root for this session's thinned-content directory

	userMsgChan chan string
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	cachedModelInfo *provider.ModelInfo
	modelInfoOnce   sync.Once

	toolCallCounter int // monotonic; drives the cache-hint cadence
	cacheHintsUsed  int
	warned50        bool

	maxIterations          int
	maxAutoSummaryAttempts int
	thinkingBudget         int

	todoReader     func() (string, error) // supplies the TODO snapshot for the continuation artifact
	onTurnComplete func(status string)    // invoked after every turn and on cancellation, for durable session saves
}

// Notifier interface for UI updates. The Send method accepts any event type;
// the adapter in app/adapter.go translates core events into framework-specific messages.
type Notifier interface {
	Send(msg any)
}

// NewSession creates a new conversation session.
func NewSession(
	sessionID string,
	prov provider.Provider,
	tracker *Tracker,
	notifier Notifier,
	model string,
	systemMsg string,
	maxTokens int,
	executor ToolExecutor,
	tools []provider.ToolDefinition,
	auditLogger *policy.AuditLogger,
) *Session {
	return &Session{
		provider:               prov,
		tracker:                tracker,
		notifier:               notifier,
		model:                  model,
		systemMsg:              systemMsg,
		maxTokens:              maxTokens,
		executor:               executor,
		tools:                  tools,
		id:                     sessionID,
		createdAt:              time.Now().UTC(),
		auditLogger:            auditLogger,
		cw:                     NewContextWindow(systemMsg, "", 0),
		userMsgChan:            make(chan string, 16),
		stopChan:               make(chan struct{}),
		maxIterations:          defaultMaxIterations,
		maxAutoSummaryAttempts: defaultMaxAutoSummaryAttempts,
	}
}

// SetMaxIterations overrides the per-turn provider-stream iteration cap.
// n <= 0 is ignored.
func (s *Session) SetMaxIterations(n int) {
	if n > 0 {
		s.maxIterations = n
	}
}

// SetMaxAutoSummaryAttempts overrides the per-turn auto-continue retry cap.
// n <= 0 is ignored.
func (s *Session) SetMaxAutoSummaryAttempts(n int) {
	if n > 0 {
		s.maxAutoSummaryAttempts = n
	}
}

// SetThinkingBudget requests extended thinking with the given token budget
// on every subsequent request. 0 disables it.
func (s *Session) SetThinkingBudget(n int) {
	if n >= 0 {
		s.thinkingBudget = n
	}
}

// SetTodoReader wires the function final_output uses to snapshot the
// current TODO list into the continuation artifact.
func (s *Session) SetTodoReader(fn func() (string, error)) {
	s.todoReader = fn
}

// SetOnTurnComplete wires a callback invoked after every turn finishes
// (status "completed" or "error") and when the loop exits due to
// cancellation (status "cancelled"). app.Application uses this to save the
// session after each turn rather than only once at process exit, so a
// crash or kill mid-session loses at most the in-flight turn.
func (s *Session) SetOnTurnComplete(fn func(status string)) {
	s.onTurnComplete = fn
}

// SetSessionsDir sets the directory thinning writes oversized tool output
// under (<sessionsDir>/<id>/thinned). Must be called before the first turn
// for thinning to have anywhere durable to write; an empty value falls back
// to the thinning package's own temp-dir fallback.
func (s *Session) SetSessionsDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir == "" {
		s.sessionsDir = ""
		return
	}
	s.sessionsDir = dir + string(os.PathSeparator) + s.id
}

// SubmitMessage queues a user message for processing.
func (s *Session) SubmitMessage(text string) {
	select {
	case s.userMsgChan <- text:
	case <-s.stopChan:
	}
}

// Start begins the background conversation loop.
func (s *Session) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop gracefully terminates the session. It is safe to call multiple times.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		if s.auditLogger != nil {
			if err := s.auditLogger.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "cosmos: audit log close failed: %v\n", err)
			}
		}
	})
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// slashCommands are the prefixes Completions offers against.
var slashCommands = []string{"/compact"}

// Completions returns slash-command completions matching prefix, satisfying
// ui.CompletionProvider.
func (s *Session) Completions(prefix string) []string {
	if !strings.HasPrefix(prefix, "/") {
		return nil
	}
	var out []string
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd, prefix) {
			out = append(out, cmd)
		}
	}
	return out
}

// Messages returns a snapshot of the current transcript.
func (s *Session) Messages() []provider.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.Message{}, s.cw.Messages...)
}

func (s *Session) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			if s.onTurnComplete != nil {
				s.onTurnComplete(SessionStatusCanceled)
			}
			return
		case <-s.stopChan:
			return
		case userText := <-s.userMsgChan:
			s.wg.Add(1)
			err := s.processUserMessage(ctx, userText)
			if err != nil {
				s.notifier.Send(ErrorEvent{Error: err.Error()})
			}
			if s.onTurnComplete != nil {
				if err != nil {
					s.onTurnComplete(SessionStatusError)
				} else {
					s.onTurnComplete(SessionStatusCompleted)
				}
			}
			s.wg.Done()
		}
	}
}

// processUserMessage handles one user prompt through the full turn loop:
// iterate provider streams, recover tool calls via the streaming parser
// (unifying native and in-text calls), execute them with sequential-
// duplicate suppression, and auto-continue on premature stops until
// final_output is called or the turn exhausts
// its attempt budget.
func (s *Session) processUserMessage(ctx context.Context, text string) error {
	if text == "/compact" {
		return s.handleCompactCommand(ctx)
	}

	s.mu.Lock()
	s.cw.AddMessage(provider.Message{Role: provider.RoleUser, Content: text})
	s.mu.Unlock()

	interactionID := uuid.NewString()
	autoSummaryAttempts := 0
	toolExecutedThisTurn := false
	finalOutputCalled := false
	// usageSource attributes this iteration's token usage to what triggered
	// it: the user's prompt for the first call, or the tool(s) whose results
	// fed the previous iteration's response — so the pricing breakdown
	// (Tracker.ModelUsage.Sources) can show which tools are driving cost.
	usageSource := SourcePrompt

	for iteration := 0; iteration < s.maxIterations; iteration++ {
		if iteration > 0 {
			time.Sleep(interIterationSleep)
		}

		s.mu.Lock()
		if s.cw.TotalTokens == 0 {
			if info, err := s.getModelInfo(ctx); err == nil && info != nil {
				s.cw.TotalTokens = info.ContextWindow
			}
		}
		if info, err := s.getModelInfo(ctx); err == nil && info != nil && !info.SupportsThinking {
			s.thinkingBudget = 0
		}
		needsSummary := s.cw.ShouldSummarize()
		s.mu.Unlock()

		if needsSummary {
			if err := s.autoSummarizeBeforeRequest(ctx); err != nil {
				s.notifier.Send(ErrorEvent{Error: "auto-summarize failed: " + err.Error()})
			}
		}

		s.mu.Lock()
		messages := stripSystemMessage(s.cw.Messages)
		effectiveSystem := s.cw.EffectiveSystemPrompt(s.systemMsg)
		s.mu.Unlock()

		resolvedMaxTokens, warning := s.resolveRequestMaxTokens()
		if warning != "" {
			s.notifier.Send(ErrorEvent{Error: warning})
		}

		req := provider.Request{
			Model:          s.model,
			System:         effectiveSystem,
			Messages:       messages,
			Tools:          s.tools,
			MaxTokens:      resolvedMaxTokens,
			ThinkingBudget: s.thinkingBudget,
		}

		iter, err := s.provider.Send(ctx, req)
		if err != nil {
			return fmt.Errorf("provider send failed: %w", err)
		}

		p := parser.New()
		var usage *provider.Usage
		stopReason := ""
		var pending *pendingToolCall
		var nativeCalls []provider.ToolCall
		var streamErr error

		for {
			chunk, nextErr := iter.Next()
			if nextErr == io.EOF {
				break
			}
			if nextErr != nil {
				streamErr = nextErr
				break
			}

			switch chunk.Event {
			case provider.EventTextDelta:
				s.notifier.Send(TokenEvent{Text: chunk.Text})
				p.ProcessChunk(chunk.Text, nil, false)

			case provider.EventThinkingDelta:
				s.notifier.Send(ThinkingEvent{Text: chunk.Thinking})

			case provider.EventToolStart:
				pending = &pendingToolCall{id: chunk.ToolCallID, name: chunk.ToolName}

			case provider.EventToolDelta:
				if pending != nil {
					pending.inputJSON.WriteString(chunk.InputDelta)
				}

			case provider.EventToolEnd:
				if pending != nil {
					var input map[string]any
					if raw := pending.inputJSON.String(); raw != "" {
						if err := json.Unmarshal([]byte(raw), &input); err != nil {
							input = map[string]any{"_raw": raw}
						}
					}
					call := provider.ToolCall{ID: pending.id, Name: pending.name, Input: input}
					p.ProcessChunk("", []provider.ToolCall{call}, false)
					nativeCalls = append(nativeCalls, call)
					pending = nil
				}

			case provider.EventMessageStop:
				usage = chunk.Usage
				stopReason = chunk.StopReason
			}
		}
		iter.Close()

		if streamErr != nil {
			return fmt.Errorf("stream error: %w", streamErr)
		}

		s.recordUsage(ctx, usage, usageSource)
		_ = stopReason

		var toolCalls []provider.ToolCall
		if len(nativeCalls) > 0 {
			toolCalls = nativeCalls
			p.ProcessChunk("", nil, true)
		} else {
			toolCalls = p.ProcessChunk("", nil, true)
		}
		rawText := p.GetTextContent()

		if len(toolCalls) == 0 {
			hasIncomplete := p.HasIncompleteToolCall()
			emptyResponse := strings.TrimSpace(rawText) == ""

			if (toolExecutedThisTurn && !finalOutputCalled) || hasIncomplete || emptyResponse {
				continued, err := s.autoContinue(&autoSummaryAttempts, rawText, hasIncomplete)
				if err != nil {
					return err
				}
				if continued {
					continue
				}
				s.finishTurn(rawText)
				return nil
			}

			s.mu.Lock()
			content := rawText
			if strings.TrimSpace(content) == "" {
				content = "(No response)"
			}
			s.cw.AddMessage(provider.Message{Role: provider.RoleAssistant, Content: content})
			s.mu.Unlock()
			s.notifier.Send(CompletionEvent{})
			return nil
		}

		s.mu.Lock()
		lastPriorAssistant := s.previousAssistantToolCallLocked()
		s.cw.AddMessage(provider.Message{Role: provider.RoleAssistant, Content: rawText, ToolCalls: toolCalls})
		s.mu.Unlock()
		p.MarkToolCallsConsumed()

		for i, tc := range toolCalls {
			if dup := sequentialDupLabel(toolCalls, i, lastPriorAssistant); dup != "" {
				s.notifier.Send(ToolResultEvent{ToolCallID: tc.ID, ToolName: tc.Name, Result: dup})
				continue
			}

			result, execErr := s.runTool(ctx, tc, interactionID)
			if execErr != nil {
				return fmt.Errorf("tool execution: %w", execErr)
			}
			isError := strings.HasPrefix(result, "❌")
			toolExecutedThisTurn = true
			if !isError {
				autoSummaryAttempts = 0
			}

			s.mu.Lock()
			s.toolCallCounter++
			resultMsg := provider.Message{Role: provider.RoleUser, Content: "Tool result: " + result}
			if s.toolCallCounter%cacheHintInterval == 0 && s.cacheHintsUsed < cacheHintCeiling {
				resultMsg.CacheHint = true
				s.cacheHintsUsed++
			}
			s.cw.AddMessage(resultMsg)
			shouldThin := s.cw.ShouldThin()
			sessionsDir := s.sessionsDir
			s.mu.Unlock()

			if shouldThin {
				s.mu.Lock()
				s.cw.ThinWithScope(sessionsDir, ThinScopeFirstThird)
				s.recountCacheHints()
				s.mu.Unlock()
			}

			if tc.Name == "final_output" {
				finalOutputCalled = true
				s.saveContinuation(result)
				s.notifier.Send(CompletionEvent{})
				return nil
			}
		}
		usageSource = nextUsageSource(toolCalls)

		s.notifier.Send(CompletionEvent{})
	}

	s.notifier.Send(ErrorEvent{Error: fmt.Sprintf("turn exceeded %d iterations without completing", s.maxIterations)})
	return fmt.Errorf("turn exceeded maxIterations")
}

// pendingToolCall accumulates streaming fragments for a single native tool call.
type pendingToolCall struct {
	id        string
	name      string
	inputJSON strings.Builder
}

// autoContinue appends any emitted text, then a directive user message
// depending on the failure mode, and bumps the attempt counter. Returns
// continued=false once the attempt budget is exhausted, in which case the
// caller terminates the turn.
func (s *Session) autoContinue(attempts *int, text string, incomplete bool) (continued bool, err error) {
	if *attempts >= s.maxAutoSummaryAttempts {
		s.notifier.Send(ErrorEvent{Error: "auto-continue attempts exhausted; terminating turn"})
		return false, nil
	}

	s.mu.Lock()
	if strings.TrimSpace(text) != "" {
		s.cw.AddMessage(provider.Message{Role: provider.RoleAssistant, Content: text})
	}
	followUp := "Please continue until you are done. You MUST call `final_output` with a summary when done."
	if incomplete {
		followUp = "Your previous response was cut off mid-tool-call. Please complete the tool call and continue."
	}
	s.cw.AddMessage(provider.Message{Role: provider.RoleUser, Content: followUp})
	s.mu.Unlock()

	*attempts++
	return true, nil
}

// saveContinuation persists the minimum state needed to resume this
// session after final_output: the summary, a TODO snapshot, the working
// directory, and context usage at completion. Failures are reported but
// never fail the turn — the conversation already completed successfully.
func (s *Session) saveContinuation(summary string) {
	if s.sessionsDir == "" {
		return
	}

	todo := ""
	if s.todoReader != nil {
		if t, err := s.todoReader(); err == nil {
			todo = t
		}
	}

	cwd, _ := os.Getwd()

	s.mu.Lock()
	pct := s.cw.PercentageUsed()
	dehydrated := s.cw.PercentageAtDehydration
	s.mu.Unlock()

	artifact := ContinuationArtifact{
		SessionID:               s.id,
		Summary:                 summary,
		Todo:                    todo,
		WorkDir:                 cwd,
		SessionsDir:             s.sessionsDir,
		PercentageUsed:          pct,
		PercentageAtDehydration: dehydrated,
		SavedAt:                 time.Now().UTC(),
	}
	if err := SaveContinuation(artifact, s.sessionsDir); err != nil {
		s.notifier.Send(ErrorEvent{Error: fmt.Sprintf("saving continuation artifact: %v", err)})
	}
}

// finishTurn appends whatever text the model produced and signals turn
// completion — used when the auto-continue budget is exhausted.
func (s *Session) finishTurn(text string) {
	s.mu.Lock()
	if strings.TrimSpace(text) != "" {
		s.cw.AddMessage(provider.Message{Role: provider.RoleAssistant, Content: text})
	}
	s.mu.Unlock()
	s.notifier.Send(CompletionEvent{})
}

// runTool notifies the UI, dispatches through the configured executor, and
// reports the result back to the UI. The returned error is only non-nil for
// a canceled context — tool-level failures come back as "❌ ..." result text.
// interactionID identifies the user turn this call belongs to; it and the
// call's own ID are attached to ctx so the VFS snapshotter can group
// restorable snapshots by interaction and tool call.
func (s *Session) runTool(ctx context.Context, tc provider.ToolCall, interactionID string) (string, error) {
	inputJSON, _ := json.Marshal(tc.Input)
	s.notifier.Send(ToolUseEvent{ToolCallID: tc.ID, ToolName: tc.Name, Input: string(inputJSON)})

	if s.executor == nil {
		result := "❌ no tool executor configured"
		s.notifier.Send(ToolResultEvent{ToolCallID: tc.ID, ToolName: tc.Name, Result: result, IsError: true})
		return result, nil
	}

	ctx = WithToolCallContext(ctx, interactionID, tc.ID)
	result, err := s.executor.Execute(ctx, tc.Name, tc.Input)
	if err != nil {
		return "", err
	}
	isError := strings.HasPrefix(result, "❌")

	s.notifier.Send(ToolResultEvent{ToolCallID: tc.ID, ToolName: tc.Name, Result: result, IsError: isError})
	s.notifier.Send(ToolExecutionEvent{ToolCallID: tc.ID, ToolName: tc.Name, Input: string(inputJSON), Output: result, IsError: isError})

	if changelogFileTools[tc.Name] && !isError {
		if path, ok := tc.Input["path"].(string); ok && path != "" {
			s.notifier.Send(ChangelogEntryEvent{
				InteractionID: interactionID,
				Timestamp:     time.Now(),
				Description:   changelogVerb(tc.Name),
				Path:          path,
			})
		}
	}

	if s.auditLogger != nil {
		if logErr := s.auditLogger.Log(policy.AuditEntry{
			Agent:         "default",
			Tool:          tc.Name,
			Permission:    tc.Name,
			Decision:      decisionFromError(isError),
			Source:        "loop",
			Arguments:     tc.Input,
			ToolCallID:    tc.ID,
			InteractionID: interactionID,
			Error:         errorStringFrom(isError, result),
		}); logErr != nil {
			fmt.Fprintf(os.Stderr, "cosmos: audit log failed: %v\n", logErr)
		}
	}

	return result, nil
}

// previousAssistantToolCallLocked returns the last tool call appended to
// the transcript by the most recent Assistant message, provided no
// non-whitespace text follows it (i.e. the message ends with that call).
// Caller must hold s.mu.
func (s *Session) previousAssistantToolCallLocked() *provider.ToolCall {
	for i := len(s.cw.Messages) - 1; i >= 0; i-- {
		msg := s.cw.Messages[i]
		if msg.Role != provider.RoleAssistant {
			continue
		}
		if len(msg.ToolCalls) == 0 {
			return nil
		}
		return &msg.ToolCalls[len(msg.ToolCalls)-1]
	}
	return nil
}

// sequentialDupLabel compares a tool call to the
// previous call in the same batch ("chunk"), then — only for the first
// call in the batch — to the last tool call left dangling at the tail of
// the previous Assistant message. Returns "" when the call is not a
// duplicate.
func sequentialDupLabel(calls []provider.ToolCall, i int, lastPrior *provider.ToolCall) string {
	if i > 0 && toolCallsEqual(calls[i-1], calls[i]) {
		return "DUP IN CHUNK (skipped: identical to previous call)"
	}
	if i == 0 && lastPrior != nil && toolCallsEqual(*lastPrior, calls[i]) {
		return "DUP IN MSG (skipped: identical to previous turn's trailing call)"
	}
	return ""
}

func toolCallsEqual(a, b provider.ToolCall) bool {
	if a.Name != b.Name {
		return false
	}
	aj, _ := json.Marshal(a.Input)
	bj, _ := json.Marshal(b.Input)
	return string(aj) == string(bj)
}

// stripSystemMessage removes every RoleSystem message from the transcript
// before it is sent to a provider — the main system prompt (I1), the
// project-context slot (I2), and any post-summary system note left by
// ResetWithSummaryAndStub. All of them fold into Request.System instead
// (see ContextWindow.EffectiveSystemPrompt); providers like Bedrock's
// Converse API only accept User/Assistant roles in Messages.
func stripSystemMessage(messages []provider.Message) []provider.Message {
	out := make([]provider.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == provider.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

// nextUsageSource picks the Source to attribute the following iteration's
// token usage to, based on the tool calls the model just made. A single
// tool's name is used directly; multiple tools in one turn are bucketed
// together rather than arbitrarily picking one.
func nextUsageSource(toolCalls []provider.ToolCall) Source {
	switch len(toolCalls) {
	case 0:
		return SourcePrompt
	case 1:
		return Source(toolCalls[0].Name)
	default:
		return Source("multi-tool")
	}
}

func (s *Session) recordUsage(ctx context.Context, usage *provider.Usage, source Source) {
	if usage == nil {
		return
	}
	modelInfo, err := s.getModelInfo(ctx)
	if err != nil || modelInfo == nil {
		return
	}
	s.tracker.Record(*modelInfo, *usage, source)

	s.mu.Lock()
	s.cw.UpdateUsageFromResponse(*usage)
	pct := s.cw.PercentageUsed()
	s.mu.Unlock()

	s.notifier.Send(ContextUpdateEvent{Percentage: pct, ModelID: s.model})

	if pct >= 90.0 {
		s.notifier.Send(ContextAutoCompactEvent{Percentage: pct, ModelID: s.model})
	} else if pct >= 50.0 {
		s.mu.Lock()
		shouldWarn := !s.warned50
		if shouldWarn {
			s.warned50 = true
		}
		s.mu.Unlock()
		if shouldWarn {
			s.notifier.Send(ContextWarningEvent{Percentage: pct, Threshold: 50.0, ModelID: s.model})
		}
	}
}

// autoSummarizeBeforeRequest runs the summarize-or-fallback cascade when the
// context window has crossed the summarization threshold, before issuing
// the next request.
func (s *Session) autoSummarizeBeforeRequest(ctx context.Context) error {
	s.mu.Lock()
	prompt := s.cw.CreateSummaryPrompt()
	s.mu.Unlock()

	req := provider.Request{
		Model:     s.model,
		System:    "You are a technical summarizer for a coding assistant.",
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: prompt}},
		MaxTokens: s.resolveSummaryMaxTokens(),
	}
	summary, err := s.streamSummary(ctx, req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cw.ResetWithSummary(summary, "")
	s.recountCacheHints()
	s.warned50 = false
	s.mu.Unlock()
	return nil
}

// clampInt restricts n to [lo, hi].
func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// resolveRequestMaxTokens implements the max_tokens-vs-thinking-budget
// preflight: the configured max_tokens is clamped to whatever room is left
// in the context window (never below providerTokenFloor). If a thinking
// budget is set and that clamped value can't cover budget+margin, thinning
// runs — incremental first, then full-scope — to free up room before
// falling back to a hardcoded floor. Returns the resolved max_tokens and a
// non-empty warning only when the hardcoded floor had to be used.
func (s *Session) resolveRequestMaxTokens() (int, string) {
	s.mu.Lock()
	budget := s.thinkingBudget
	sessionsDir := s.sessionsDir
	s.mu.Unlock()

	resolve := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()
		base := s.maxTokens
		if s.cw.TotalTokens > 0 {
			if available := s.cw.TotalTokens - s.cw.UsedTokens; available < base {
				base = available
			}
		}
		return max(base, providerTokenFloor)
	}

	base := resolve()
	if budget <= 0 {
		return base, ""
	}
	required := budget + thinkingBudgetMargin
	if base >= required {
		return base, ""
	}

	s.mu.Lock()
	s.cw.ThinWithScope(sessionsDir, ThinScopeFirstThird)
	s.recountCacheHints()
	s.mu.Unlock()
	if base = resolve(); base >= required {
		return base, ""
	}

	s.mu.Lock()
	s.cw.ThinWithScope(sessionsDir, ThinScopeAll)
	s.recountCacheHints()
	s.mu.Unlock()
	if base = resolve(); base >= required {
		return base, ""
	}

	return mainRequestTokenFloor, fmt.Sprintf(
		"thinking budget %d requires more headroom than max_tokens can provide even after thinning; falling back to %d",
		budget, mainRequestTokenFloor,
	)
}

// resolveSummaryMaxTokens computes the dedicated max_tokens for a
// summarization request: available tokens (model limit minus current
// usage) minus a safety buffer (2.5% of the model limit, clamped to
// [1,000, 10,000]), capped at the configured max_tokens and floored at
// summaryRequestTokenFloor.
func (s *Session) resolveSummaryMaxTokens() int {
	s.mu.Lock()
	total := s.cw.TotalTokens
	used := s.cw.UsedTokens
	configured := s.maxTokens
	s.mu.Unlock()

	if total <= 0 {
		return configured
	}
	buffer := clampInt(int(float64(total)*summaryBufferPercent), summaryBufferMin, summaryBufferMax)
	available := total - used - buffer
	if available > configured {
		available = configured
	}
	return max(available, summaryRequestTokenFloor)
}

// recountCacheHints recomputes cacheHintsUsed from the live transcript.
// ResetWithSummary* and ThinWithScope both drop old messages, including
// any that carried a cache hint — without this the counter stays
// monotonic and the "at most cacheHintCeiling live hints" budget starves
// after the first compaction or thin. Caller must hold s.mu.
func (s *Session) recountCacheHints() {
	n := 0
	for _, m := range s.cw.Messages {
		if m.CacheHint {
			n++
		}
	}
	s.cacheHintsUsed = n
}

func (s *Session) streamSummary(ctx context.Context, req provider.Request) (string, error) {
	iter, err := s.provider.Send(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to request summary: %w", err)
	}
	defer iter.Close()

	var summary strings.Builder
	for {
		chunk, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("summary stream error: %w", err)
		}
		if chunk.Event == provider.EventTextDelta {
			summary.WriteString(chunk.Text)
		}
	}
	return summary.String(), nil
}

// stripRegionalPrefix removes a Bedrock regional prefix (e.g. "us.", "eu.", "ap.")
// from a model ID, returning the base model ID.
func stripRegionalPrefix(modelID string) string {
	prefixes := []string{"us.", "eu.", "ap."}
	for _, p := range prefixes {
		if after, found := strings.CutPrefix(modelID, p); found {
			return after
		}
	}
	return modelID
}

// getModelInfo retrieves model info for pricing, caching the result after the
// first successful lookup to avoid repeated ListModels API calls.
func (s *Session) getModelInfo(ctx context.Context) (*provider.ModelInfo, error) {
	var fetchErr error
	s.modelInfoOnce.Do(func() {
		models, err := s.provider.ListModels(ctx)
		if err != nil {
			fetchErr = err
			return
		}

		baseModel := stripRegionalPrefix(s.model)
		for _, m := range models {
			if m.ID == s.model || m.ID == baseModel {
				info := m
				s.cachedModelInfo = &info
				return
			}
		}
	})
	if fetchErr != nil {
		s.modelInfoOnce = sync.Once{}
		return nil, fetchErr
	}
	return s.cachedModelInfo, nil
}

// handleCompactCommand processes the /compact user command.
func (s *Session) handleCompactCommand(ctx context.Context) error {
	return s.performCompaction(ctx, "manual")
}

// performCompaction summarizes conversation history, replacing it with a
// condensed version via ContextWindow.ResetWithSummary, and then re-appends
// the compactionPreserveRecent most recent messages after the summary.
func (s *Session) performCompaction(ctx context.Context, mode string) error {
	s.mu.Lock()
	if len(s.cw.Messages) < compactionMinHistory {
		s.mu.Unlock()
		err := fmt.Errorf("conversation too short to compact (need at least %d messages)", compactionMinHistory)
		s.notifier.Send(CompactionFailedEvent{Error: err.Error()})
		return err
	}
	oldTokens := s.cw.UsedTokens
	s.mu.Unlock()

	s.notifier.Send(CompactionStartEvent{Mode: mode})
	s.notifier.Send(CompactionProgressEvent{Stage: "generating_summary"})

	s.mu.Lock()
	prompt := s.cw.CreateSummaryPrompt()
	s.mu.Unlock()

	summary, err := s.streamSummary(ctx, provider.Request{
		Model:     s.model,
		System:    "You are a technical summarizer for a coding assistant.",
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: prompt}},
		MaxTokens: s.resolveSummaryMaxTokens(),
	})
	if err != nil {
		errMsg := fmt.Sprintf("failed to generate summary: %v", err)
		s.notifier.Send(CompactionFailedEvent{Error: errMsg})
		return fmt.Errorf("failed to generate summary: %w", err)
	}

	s.notifier.Send(CompactionProgressEvent{Stage: "estimating_tokens"})

	s.mu.Lock()
	newTokenCount := EstimateTokens(summary)
	s.mu.Unlock()

	if newTokenCount >= oldTokens {
		err := fmt.Errorf("summary would increase token count (%d -> %d)", oldTokens, newTokenCount)
		s.notifier.Send(CompactionFailedEvent{Error: err.Error()})
		return err
	}
	reductionPct := 100.0 * float64(oldTokens-newTokenCount) / float64(oldTokens)
	if reductionPct < compactionMinReduction {
		err := fmt.Errorf("insufficient reduction (%.0f%%), compaction not worthwhile", reductionPct)
		s.notifier.Send(CompactionFailedEvent{Error: err.Error()})
		return err
	}

	s.mu.Lock()
	recent := append([]provider.Message{}, s.cw.Messages[len(s.cw.Messages)-compactionPreserveRecent:]...)
	s.cw.ResetWithSummary(summary, "")
	for _, m := range recent {
		s.cw.AddMessage(m)
	}
	s.recountCacheHints()
	s.warned50 = false
	s.mu.Unlock()

	s.notifier.Send(CompactionCompleteEvent{OldTokens: oldTokens, NewTokens: newTokenCount})
	return nil
}

// decisionFromError converts tool execution error status to audit decision.
func decisionFromError(isError bool) string {
	if isError {
		return "denied"
	}
	return "allowed"
}

func errorStringFrom(isError bool, result string) string {
	if isError {
		return result
	}
	return ""
}
