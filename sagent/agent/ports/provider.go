package agentports

import (
	"context"
	"encoding/json"
)

// PromptMessage represents a single chat message used to build prompts.
type PromptMessage struct {
	Role       string     // "user", "assistant", "tool"
	Content    string     // text, or the JSON tool result for "tool"
	ToolCalls  []ToolCall // calls requested by an assistant message
	ToolCallID string     // the call a "tool" message answers
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // high-level system instructions
	Messages []PromptMessage   // ordered chat history (already windowed)
	Context  []string          // retrieved knowledge-base snippets
	Tools    []ToolSpec        // tool declarations available to the model
	Meta     map[string]string // lightweight metadata for tracing/caching keys
}

// Options controls sampling, limits and tool preferences.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	// ToolChoice: "auto" | "none" | specific tool name (if the provider supports it)
	ToolChoice string
	// TimeoutMs applies to the provider call only (not the engine's deadline)
	TimeoutMs int
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider's response.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Raw       any    // raw provider payload for debugging
	Usage     *Usage // optional usage information
}

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string
	Description string
	JSONSchema  []byte
}

// ToolCall represents a model-invoked function with JSON arguments.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Provider is the abstraction for all LLM backends. Errors are classified with
// errx so callers can tell transient failures from terminal ones.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
}
