// Package provider defines the LLM provider abstraction for Cosmos.
// It contains only interfaces and data types — no implementation.
package provider

import (
	"context"
	"errors"
)

// Common errors returned by providers.
var (
	ErrThrottled         = errors.New("provider: request throttled")
	ErrAccessDenied      = errors.New("provider: access denied")
	ErrModelNotFound     = errors.New("provider: model not found")
	ErrModelNotReady     = errors.New("provider: model not ready")
	ErrContextExceeded   = errors.New("provider: context length exceeded")
	ErrOperationCanceled = errors.New("provider: operation canceled")
)

// Role identifies who authored a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single conversation turn.
// An assistant message may contain both text and tool calls.
// A user message may carry tool results (Bedrock convention).
//
// CacheHint marks a message as a cache-control breakpoint. Providers that
// don't support prompt caching silently ignore it (see Provider.SupportsCacheControl).
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
	CacheHint   bool
}

// ToolCall represents the LLM requesting a tool invocation.
// Input is always a JSON object (never an array or scalar) once parsed,
// whether it arrived via native provider tool-calling or was recovered by
// the in-band streaming parser from free-form assistant text.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult carries the output of a tool execution back to the LLM.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ToolDefinition describes a tool the LLM can invoke.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// StreamEvent identifies the type of a streaming chunk.
type StreamEvent int

const (
	EventTextDelta     StreamEvent = iota // Partial text content
	EventToolStart                        // Native tool invocation begins
	EventToolDelta                        // Partial native tool input JSON
	EventToolEnd                          // Native tool invocation block complete
	EventThinkingDelta                    // Partial extended-thinking text (only when ThinkingBudget > 0)
	EventMessageStop                      // Response finished
)

// StreamChunk is one unit of streamed LLM output.
// Fields are relevant per event type; others are zero-valued.
//
// Providers that lack native tool-calling (SupportsNativeToolCalling
// returns false) never emit EventToolStart/Delta/End; all of their output arrives
// as EventTextDelta, and the turn loop runs it through the streaming
// tool-call parser to recover any in-band JSON tool calls.
type StreamChunk struct {
	Event      StreamEvent
	Text       string // EventTextDelta
	ToolCallID string // EventToolStart
	ToolName   string // EventToolStart
	InputDelta string // EventToolDelta: partial JSON fragment
	Thinking   string // EventThinkingDelta: partial extended-thinking text
	StopReason string // EventMessageStop: "end_turn", "tool_use", "max_tokens"
	Usage      *Usage // Set on EventMessageStop
}

// Usage holds token counts from a single LLM response.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ModelInfo describes a model's metadata and pricing.
type ModelInfo struct {
	ID               string // Provider-specific model identifier
	Name             string // Human-readable display name
	ContextWindow    int
	InputCostPer1M   float64
	OutputCostPer1M  float64
	SupportsThinking bool // Whether the model accepts a ThinkingBudget
}

// Request bundles everything sent to the LLM for one round-trip.
type Request struct {
	Model         string
	System        string
	Messages      []Message
	Tools         []ToolDefinition
	MaxTokens     int
	ThinkingBudget int // 0 = no extended thinking requested
}

// StreamIterator provides token-by-token iteration over a streamed response.
// Callers loop on Next() until it returns io.EOF.
type StreamIterator interface {
	Next() (StreamChunk, error)
	Close() error
}

// Provider is the LLM provider abstraction that the core loop consumes.
// Name, SupportsNativeToolCalling and SupportsCacheControl describe the
// provider; the turn loop does not consult them. It always sends Tools in
// the Request and always runs streamed text through the streaming parser,
// so tool calls written in plain text are recovered whatever the provider
// reports.
type Provider interface {
	Name() string
	Send(ctx context.Context, req Request) (StreamIterator, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	SupportsNativeToolCalling() bool
	SupportsCacheControl() bool
}

// PricingConfig holds provider-agnostic settings for dynamic pricing.
// Passed to provider constructors to decouple providers from the application config.
type PricingConfig struct {
	Enabled  bool   // Whether to fetch dynamic pricing
	CacheDir string // Directory for caching pricing data
	CacheTTL int    // Check interval in hours
}
