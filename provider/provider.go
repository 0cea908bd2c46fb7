// Package provider defines the chat model interface behind the generative
// planning backend, with Anthropic, OpenAI and scripted mock implementations.
package provider

import "context"

// Role identifies the sender of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is one model call.
type Request struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
}

// Response is a completed (non-streaming) provider response.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Stream event types.
const (
	EventText  = "text"
	EventDone  = "done"
	EventError = "error"
)

// StreamEvent is emitted during streaming responses.
type StreamEvent struct {
	Type  string `json:"type"` // "text", "done", "error"
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
	Usage *Usage `json:"usage,omitempty"`
}

// Provider is a chat model.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "openai", "mock").
	Name() string

	// Chat sends a non-streaming request and returns the complete response.
	Chat(ctx context.Context, req Request) (*Response, error)

	// Stream sends a streaming request. Events are delivered on the returned
	// channel, which is closed when the response is complete or fails.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}
