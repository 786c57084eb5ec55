// Package llm defines the Provider interface for large language model backends.
//
// The agent graph uses a model for short classification calls (intent
// routing, consent, slot preference, lead extraction) through Complete, and
// for free-form answers through StreamCompletion when no retrieval service is
// configured.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Roles used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishError is the FinishReason of a chunk that reports a mid-stream
// failure; its Text carries the error message.
const FinishError = "error"

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
type CompletionRequest struct {
	// SystemPrompt is injected before Messages when non-empty.
	SystemPrompt string

	// Messages is the ordered conversation; the last one drives the response.
	Messages []Message

	// Temperature in [0, 2]. Zero requests the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// JSON asks the backend for a JSON object response where supported.
	JSON bool
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or
	// FinishError.
	FinishReason string
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion returns a channel of chunks closed when generation ends
	// or ctx is cancelled. Errors after the stream opened arrive as a chunk
	// with FinishReason FinishError.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
