package core

import (
	"cosmos/core/provider"
	"cosmos/core/thinning"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// summarizePercentageThreshold is the percentage of the context window at
// which a turn must summarize before issuing another request.
const summarizePercentageThreshold = 80.0

// summarizeAbsoluteThreshold is an absolute used-token ceiling that forces
// summarization even on a model with a very large context window.
const summarizeAbsoluteThreshold = 150_000

// thinningBand is the width, in percentage points, of the bands should_thin
// watches for crossings (10, 20, 30 ... 80).
const thinningBand = 10

// thinningFloor is the lowest usage percentage at which thinning is worth
// running at all — below it there isn't enough bulk in the transcript to
// make rewriting tool output to disk worthwhile.
const thinningFloor = 50

// thinningCeiling is the highest percentage band thinning will trigger at;
// beyond it only summarization (not thinning) applies.
const thinningCeiling = 80

// ThinScope selects how much of the transcript a thinning pass rewrites.
// ThinScopeFirstThird rewrites only the oldest third of the transcript (a
// "thin" pass) and advances LastThinningPercentage; ThinScopeAll rewrites
// the entire transcript (a "skinnify" pass) and leaves LastThinningPercentage
// untouched so it can run any time.
type ThinScope = thinning.Scope

const (
	ThinScopeFirstThird = thinning.FirstThird
	ThinScopeAll        = thinning.All
)

// ContextWindow is the transcript and usage-accounting model for a single
// session. It enforces four invariants over Messages:
//
//	I1: Messages[0], if present, has Role == provider.RoleSystem.
//	I2: Messages[1], if present, may be a RoleSystem project-context
//	    message (recognised by isProjectContext), kept as part of the prefix.
//	I3: no message has empty Role and empty Content/ToolCalls/ToolResults.
//	I4: UsedTokens always equals the sum of each message's own contribution
//	    as tracked by AddMessageWithTokens — never silently recomputed
//	    from response usage (see UpdateUsageFromResponse).
type ContextWindow struct {
	Messages                []provider.Message
	UsedTokens              int
	CumulativeTokens        int
	TotalTokens             int
	LastThinningPercentage  int
	PercentageAtDehydration float64
}

// NewContextWindow creates a transcript seeded with a system prompt and an
// optional project-context message (e.g. a README or agent configuration
// summary). totalTokens is the model's context window size.
func NewContextWindow(systemPrompt, projectContext string, totalTokens int) *ContextWindow {
	cw := &ContextWindow{TotalTokens: totalTokens}
	_ = cw.AddMessage(provider.Message{Role: provider.RoleSystem, Content: systemPrompt})
	if strings.TrimSpace(projectContext) != "" {
		_ = cw.AddMessage(provider.Message{Role: provider.RoleSystem, Content: projectContext})
	}
	return cw
}

// EstimateTokens estimates the token count of a piece of text. Content that
// looks structured (JSON braces, fenced code blocks, or a Go/Rust-style
// function signature) is assumed denser than prose: roughly 3 characters
// per token instead of 4. A 10% safety margin is then applied and the
// result rounded up, since under-estimating risks overflowing the model's
// actual window.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	divisor := 4
	if strings.Contains(content, "{") || strings.Contains(content, "```") || strings.Contains(content, "fn ") {
		divisor = 3
	}
	base := (len(content) + divisor - 1) / divisor
	return (base*11 + 9) / 10
}

// messageIsEmpty reports whether a message carries no content at all —
// the condition I3 forbids.
func messageIsEmpty(msg provider.Message) bool {
	return strings.TrimSpace(msg.Content) == "" && len(msg.ToolCalls) == 0 && len(msg.ToolResults) == 0
}

// AddMessage appends msg to the transcript, estimating its token cost from
// its content. Whitespace-only messages are dropped (with a debug log)
// rather than appended, since they would violate I3 and add nothing to the
// conversation besides token pressure.
func (cw *ContextWindow) AddMessage(msg provider.Message) error {
	if messageIsEmpty(msg) {
		log.Debug().Str("role", string(msg.Role)).Msg("dropping whitespace-only message")
		return nil
	}
	return cw.AddMessageWithTokens(msg, EstimateTokens(msg.Content))
}

// AddMessageWithTokens appends msg using a caller-supplied token estimate
// (used when the caller already has a more precise count, e.g. from a
// provider's own tokenizer) instead of re-running EstimateTokens.
func (cw *ContextWindow) AddMessageWithTokens(msg provider.Message, tokens int) error {
	if messageIsEmpty(msg) {
		log.Debug().Str("role", string(msg.Role)).Msg("dropping whitespace-only message")
		return nil
	}
	cw.Messages = append(cw.Messages, msg)
	cw.UsedTokens += tokens
	return nil
}

// UpdateUsageFromResponse records a provider's reported usage for a
// completed response. Only CumulativeTokens is incremented here — UsedTokens
// is derived solely from AddMessageWithTokens's own estimates (I4), since a
// provider's usage figure already reflects the whole conversation sent in
// its request and adding it to UsedTokens would double-count everything
// that was already tallied message-by-message.
func (cw *ContextWindow) UpdateUsageFromResponse(usage provider.Usage) {
	cw.CumulativeTokens += usage.InputTokens + usage.OutputTokens
}

// AddStreamingTokens records token usage observed incrementally while a
// response streams in, before a final Usage total is available.
func (cw *ContextWindow) AddStreamingTokens(n int) {
	cw.CumulativeTokens += n
}

// PercentageUsed returns UsedTokens as a percentage of TotalTokens, or 0 if
// TotalTokens is unset.
func (cw *ContextWindow) PercentageUsed() float64 {
	if cw.TotalTokens <= 0 {
		return 0
	}
	return float64(cw.UsedTokens) / float64(cw.TotalTokens) * 100.0
}

// RemainingTokens returns TotalTokens minus UsedTokens, floored at 0.
func (cw *ContextWindow) RemainingTokens() int {
	if cw.UsedTokens >= cw.TotalTokens {
		return 0
	}
	return cw.TotalTokens - cw.UsedTokens
}

// ShouldSummarize reports whether the transcript has crossed either the
// relative (80% of context window) or absolute (150,000 tokens) limit that
// requires summarization before the next request.
func (cw *ContextWindow) ShouldSummarize() bool {
	return cw.PercentageUsed() >= summarizePercentageThreshold || cw.UsedTokens > summarizeAbsoluteThreshold
}

// ShouldThin reports whether usage has crossed into a new 10-point band
// within [50, 80] (the thinning floor and ceiling) since the last thinning
// pass. Below the floor there isn't enough bulk in the transcript yet to be
// worth rewriting to disk; above the ceiling summarization takes over.
func (cw *ContextWindow) ShouldThin() bool {
	pct := cw.PercentageUsed()
	if pct < thinningFloor {
		return false
	}
	currentBand := (int(pct) / thinningBand) * thinningBand
	return currentBand > cw.LastThinningPercentage && currentBand <= thinningCeiling
}

// ThinWithScope rewrites oversized tool results and tool-call arguments to
// files under sessionDir/thinned (or a fallback directory when sessionDir is
// empty), freeing conversation context. For ThinScopeFirstThird it also
// advances LastThinningPercentage so ShouldThin won't fire again within the
// same band; ThinScopeAll never touches it. It returns a user-facing summary
// and recalculates UsedTokens from the rewritten transcript.
func (cw *ContextWindow) ThinWithScope(sessionDir string, scope ThinScope) string {
	currentPercentage := int(cw.PercentageUsed())
	if scope == ThinScopeFirstThird {
		cw.LastThinningPercentage = (currentPercentage / thinningBand) * thinningBand
	}

	dir, err := thinning.ResolveThinnedDir(sessionDir, scope)
	if err != nil {
		return err.Error()
	}

	newMessages, result := thinning.Apply(cw.Messages, scope, dir, currentPercentage)
	cw.Messages = newMessages
	cw.RecalculateTokens()
	return result.Message
}

// ClearConversation drops every message except the system prompt and (if
// present) the project-context message, and resets usage/thinning state to
// match.
func (cw *ContextWindow) ClearConversation() {
	preserved := cw.preservedPrefix()
	cw.Messages = preserved
	cw.UsedTokens = 0
	for _, m := range preserved {
		cw.UsedTokens += EstimateTokens(m.Content)
	}
	cw.LastThinningPercentage = 0
}

// EffectiveSystemPrompt returns the text a request's System field should
// carry: base, followed by the content of every RoleSystem message
// currently in the transcript (the project-context slot seeded by
// NewContextWindow, and any post-summary system note left by
// ResetWithSummaryAndStub), in order. Those messages live in Messages so
// preservedPrefix/ResetWithSummary treat them as durable transcript state,
// but providers take only a single System string per request — this is
// where the two get folded back together before a Request is built.
func (cw *ContextWindow) EffectiveSystemPrompt(base string) string {
	parts := make([]string, 0, len(cw.Messages)+1)
	if strings.TrimSpace(base) != "" {
		parts = append(parts, base)
	}
	for _, m := range cw.Messages {
		if m.Role == provider.RoleSystem {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// isProjectContext reports whether msg looks like the project-context
// carrier seeded by NewContextWindow, identified the same way the original
// summarization reset does: by a recognizable heading substring.
func isProjectContext(msg provider.Message) bool {
	return strings.Contains(msg.Content, "Project README") || strings.Contains(msg.Content, "Agent Configuration")
}

// preservedPrefix returns the leading system message and, if present,
// project-context message that survive a reset or clear.
func (cw *ContextWindow) preservedPrefix() []provider.Message {
	var preserved []provider.Message
	if len(cw.Messages) > 0 && cw.Messages[0].Role == provider.RoleSystem {
		preserved = append(preserved, cw.Messages[0])
	}
	if len(cw.Messages) > 1 && cw.Messages[1].Role == provider.RoleSystem && isProjectContext(cw.Messages[1]) {
		preserved = append(preserved, cw.Messages[1])
	}
	return preserved
}

// CreateSummaryPrompt builds the request text asking the model to summarize
// everything beyond the preserved prefix.
func (cw *ContextWindow) CreateSummaryPrompt() string {
	var body strings.Builder
	prefixLen := len(cw.preservedPrefix())
	for _, msg := range cw.Messages[prefixLen:] {
		role := "User"
		switch msg.Role {
		case provider.RoleAssistant:
			role = "Assistant"
		case provider.RoleSystem:
			role = "System"
		}
		fmt.Fprintf(&body, "\n## %s\n%s\n", role, msg.Content)
	}
	return fmt.Sprintf(
		"Summarize the following conversation concisely, preserving all technical decisions, file paths, and unresolved tasks:\n%s",
		body.String(),
	)
}

// ResetWithSummary replaces everything beyond the preserved prefix with a
// single summary message (and, if non-empty, re-appends the latest user
// message so the turn can continue). It returns the number of characters
// freed (old content minus new content), saturating at 0.
func (cw *ContextWindow) ResetWithSummary(summary, latestUserMessage string) int {
	return cw.ResetWithSummaryAndStub(summary, latestUserMessage, "")
}

// ResetWithSummaryAndStub generalizes ResetWithSummary: when stub is
// non-empty it is inserted as an assistant message between the preserved
// prefix and the summary message, giving the reader a short pointer to what
// was dehydrated before the dense summary text.
func (cw *ContextWindow) ResetWithSummaryAndStub(summary, latestUserMessage, stub string) int {
	oldChars := 0
	for _, m := range cw.Messages {
		oldChars += len(m.Content)
	}

	preserved := cw.preservedPrefix()
	newMessages := append([]provider.Message{}, preserved...)

	if strings.TrimSpace(stub) != "" {
		newMessages = append(newMessages, provider.Message{
			Role:    provider.RoleAssistant,
			Content: stub,
		})
		cw.PercentageAtDehydration = cw.PercentageUsed()
	}

	newMessages = append(newMessages, provider.Message{
		Role:    provider.RoleSystem,
		Content: "Previous conversation summary:\n\n" + summary,
	})

	if strings.TrimSpace(latestUserMessage) != "" {
		newMessages = append(newMessages, provider.Message{
			Role:    provider.RoleUser,
			Content: latestUserMessage,
		})
	}

	cw.Messages = newMessages
	cw.UsedTokens = 0
	for _, m := range newMessages {
		cw.UsedTokens += EstimateTokens(m.Content)
	}
	cw.LastThinningPercentage = 0

	newChars := 0
	for _, m := range newMessages {
		newChars += len(m.Content)
	}

	if oldChars < newChars {
		return 0
	}
	return oldChars - newChars
}

// RecalculateTokens recomputes UsedTokens from scratch by re-estimating
// every message. Callers invoke this after a thinning pass rewrites message
// content in place.
func (cw *ContextWindow) RecalculateTokens() {
	total := 0
	for _, m := range cw.Messages {
		total += EstimateTokens(m.Content)
	}
	cw.UsedTokens = total
}
