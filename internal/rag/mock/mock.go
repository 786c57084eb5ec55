// Package mock provides a test double for rag.Streamer.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/festnoze/squad-ai-sub002/internal/rag"
)

// Call records one Stream invocation.
type Call struct {
	ConversationID string
	Query          string
}

// Streamer is a mock implementation of rag.Streamer.
type Streamer struct {
	mu sync.Mutex

	// Chunks is emitted in order for every query.
	Chunks []string

	// Answers overrides Chunks for specific queries.
	Answers map[string][]string

	// StreamErr, if non-nil, is returned by Stream.
	StreamErr error

	// FailAfter, if non-nil, is sent as an error chunk after all chunks.
	FailAfter error

	// Delay is slept before each chunk.
	Delay time.Duration

	Calls []Call
}

var _ rag.Streamer = (*Streamer)(nil)

// Stream implements rag.Streamer.
func (s *Streamer) Stream(ctx context.Context, conversationID, query string) (<-chan rag.Chunk, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, Call{ConversationID: conversationID, Query: query})
	chunks := s.Chunks
	if a, ok := s.Answers[query]; ok {
		chunks = a
	}
	chunks = append([]string(nil), chunks...)
	err, failAfter, delay := s.StreamErr, s.FailAfter, s.Delay
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	ch := make(chan rag.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- rag.Chunk{Text: c}:
			case <-ctx.Done():
				return
			}
		}
		if failAfter != nil {
			select {
			case ch <- rag.Chunk{Err: failAfter}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// CallCount returns the number of Stream calls.
func (s *Streamer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}
