// Package llm presents every upstream AI backend behind one streaming
// contract. Backends normalize their wire formats to the shared event
// types; nothing provider-specific leaks above this package.
package llm

import (
	"context"
	"encoding/json"
)

// Event kinds emitted during a streamed turn.
const (
	EventContent       = "content"
	EventThinking      = "thinking"
	EventToolCallDelta = "tool_call_delta"
	EventUsage         = "usage"
	EventFinish        = "finish"
)

// Event is one incremental observation of a model turn.
type Event struct {
	Kind string

	// content / thinking
	Text string

	// tool_call_delta
	ToolIndex int
	ToolID    string
	ToolName  string
	ArgsDelta string

	// usage
	Usage *Usage

	// finish
	FinishReason string
}

// Usage is the token accounting for one turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCall is one fully assembled tool invocation request.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object
}

// ToolSchema describes a tool offered to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Message is one entry of the assembled context window.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Request is one model turn. Model carries the bare backend model name;
// routing prefixes are stripped by the Router before a backend sees it.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSchema
	ToolChoice  string // "", "auto", "required"
	MaxTokens   int
	Temperature float64
	RequestID   string // correlates the turns of one task for billing
}

// Turn is the aggregated result of one streamed request.
type Turn struct {
	Content      string
	Thinking     string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string
}

// Client completes one model turn, invoking onEvent for every
// incremental event as it arrives. The stream terminates exactly once:
// a nil error means a finish event was delivered, a non-nil error means
// the turn failed. An onEvent error aborts the stream.
type Client interface {
	StreamTurn(ctx context.Context, req Request, onEvent func(Event) error) (*Turn, error)
}
