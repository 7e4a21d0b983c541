// Package llm provides LLM client implementations.
package llm

import (
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the LLM.
// Once appended to a turn's working list it is never edited in place;
// the orchestrator only appends.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	Name       string     `json:"name,omitempty"`         // Tool name on tool responses
}

// ToolCall represents a completed tool call from the model. Arguments are
// only valid once the stream has finished the call (see toolCallAccumulator).
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request is a chat completion request, provider-neutral.
type Request struct {
	Model    string
	Messages []Message
	// Tools in the OpenAI function-calling wire format, as rendered by
	// the tools package.
	Tools []map[string]any
	// CachedPrefixLen is the number of leading messages that form the
	// static, cache-eligible prefix. Backends that require explicit cache
	// breakpoints annotate exactly these messages; backends with automatic
	// caching ignore it.
	CachedPrefixLen int
	// ExtendedCacheTTL opts into the longer cache TTL where supported.
	ExtendedCacheTTL bool
}

// ChatResponse is the unified response from any LLM provider.
// Wire format conversion happens at provider boundaries.
type ChatResponse struct {
	Model        string
	Message      Message
	FinishReason string
	Done         bool

	// Token usage (provider-neutral). CachedTokens > 0 means the backend
	// served part of the prompt from its cache.
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
}

// DeltaKind identifies the type of a streamed delta.
type DeltaKind int

const (
	// DeltaContent is an incremental text chunk from the model.
	DeltaContent DeltaKind = iota

	// DeltaToolCalls carries completed tool calls, emitted once their
	// argument fragments have fully accumulated.
	DeltaToolCalls

	// DeltaFinish signals the stream is complete for this response.
	DeltaFinish
)

// Delta is one streamed event. Consumers switch on Kind; only the field
// matching the kind is populated.
type Delta struct {
	Kind         DeltaKind
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// StreamFunc receives streaming deltas.
type StreamFunc func(Delta)
