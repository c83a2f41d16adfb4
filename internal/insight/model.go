package insight

import (
	"context"
	"encoding/json"
	"fmt"
)

// MessageRole is the author of a model message
type MessageRole string

const (
	MessageSystem    MessageRole = "system"
	MessageUser      MessageRole = "user"
	MessageAssistant MessageRole = "assistant"
	MessageTool      MessageRole = "tool"
)

// ToolCall is one function invocation requested by the model
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult answers one ToolCall
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one entry of the flattened model conversation
type Message struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// ToolDeclaration describes a callable tool with a JSON schema
type ToolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a single model invocation
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDeclaration
}

// Response is the model output for one Request.
// A response either carries tool calls, a final text, or both.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Model generates the next assistant step for a conversation
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ToolPairingError reports that the model service rejected the conversation
// because a tool call and its result were not paired.
type ToolPairingError struct {
	Message string
	Err     error
}

func (e *ToolPairingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool call pairing rejected: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("tool call pairing rejected: %s", e.Message)
}

func (e *ToolPairingError) Unwrap() error {
	return e.Err
}
