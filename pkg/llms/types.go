package llms

import (
	"context"

	"github.com/therese-ai/therese/pkg/config"
)

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is emitted by a provider mid-stream. IDs are opaque and
// provider-scoped; Name uses the "<server>__<tool>" composite form.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
}

// ToolResult correlates 1:1 with a ToolCall by ToolCallID within a turn.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"result"`
	IsError    bool   `json:"is_error"`
}

// Message is one turn in a conversation. ToolCalls is only set on
// assistant messages, ToolCallID only on tool messages; the two never
// coexist.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []*ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes a callable tool in provider-agnostic form.
// Parameters is a JSON-Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// EventType tags a StreamEvent.
type EventType string

const (
	EventText     EventType = "text"
	EventToolCall EventType = "tool_call"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// StreamEvent is one element of a provider stream. Every successful
// stream carries exactly one terminal event: done or error.
type StreamEvent struct {
	Type       EventType `json:"type"`
	Content    string    `json:"content,omitempty"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
	StopReason string    `json:"stop_reason,omitempty"`
	Tokens     int       `json:"-"`
	Err        error     `json:"-"`
}

// StreamOptions carries per-request toggles that do not belong in the
// provider config.
type StreamOptions struct {
	// EnableGrounding injects the provider's built-in web search tool
	// where supported (Gemini only).
	EnableGrounding bool

	// MaxTokens caps the output for this call when positive, leaving
	// the provider's configured default untouched.
	MaxTokens int
}

// Provider is the unified streaming contract every adapter implements.
type Provider interface {
	Name() config.ProviderType
	ModelName() string
	ContextWindow() int

	// Stream yields text events incrementally, tool_call events exactly
	// once per complete invocation, and terminates with exactly one done
	// or error event. Cancelling ctx stops producer work within one
	// network read boundary.
	Stream(ctx context.Context, system string, messages []Message, tools []ToolDefinition, opts StreamOptions) (<-chan StreamEvent, error)

	// ContinueWithToolResults appends the assistant turn (text + tool
	// use) and the tool-result turn in provider-native form, then
	// restreams. len(toolCalls) must equal len(toolResults).
	ContinueWithToolResults(ctx context.Context, system string, messages []Message, assistantText string, toolCalls []*ToolCall, toolResults []ToolResult, tools []ToolDefinition, opts StreamOptions) (<-chan StreamEvent, error)

	Close() error
}

// userSafeError is shown to clients; the technical detail stays in logs.
const userSafeError = "Le service IA est momentanement indisponible. Reessayez dans un instant."
