package rag

import (
	"context"
	"errors"
	"fmt"

	"github.com/festnoze/squad-ai-sub002/internal/faults"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/llm"
)

// LLMStreamer answers directly from a language model, without retrieval. It
// backs the FAQ agent when no RAG service is configured.
type LLMStreamer struct {
	provider     llm.Provider
	systemPrompt string
	maxTokens    int
}

var _ Streamer = (*LLMStreamer)(nil)

// NewLLMStreamer returns a streamer that sends each query to p with the given
// system prompt.
func NewLLMStreamer(p llm.Provider, systemPrompt string, maxTokens int) *LLMStreamer {
	return &LLMStreamer{provider: p, systemPrompt: systemPrompt, maxTokens: maxTokens}
}

// Stream implements Streamer. conversationID is not used.
func (s *LLMStreamer) Stream(ctx context.Context, _ string, query string) (<-chan Chunk, error) {
	src, err := s.provider.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: s.systemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: query}},
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("rag: llm stream: %w", err)
	}
	ch := make(chan Chunk, 16)
	go func() {
		defer close(ch)
		for c := range src {
			if c.FinishReason == llm.FinishError {
				send(ctx, ch, Chunk{Err: faults.New(faults.Transient, "rag: llm stream", errors.New(c.Text))})
				return
			}
			if c.Text == "" {
				continue
			}
			if !send(ctx, ch, Chunk{Text: c.Text}) {
				return
			}
		}
	}()
	return ch, nil
}
