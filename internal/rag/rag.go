// Package rag is the client side of the retrieval-augmented answering
// service used by the FAQ agent.
//
// A query returns a stream of text deltas. The stream is finite and cannot be
// restarted; the consumer reads until the channel closes. A failure part-way
// is reported as a final [Chunk] carrying Err.
package rag

import "context"

// Chunk is one delta of a streamed answer.
type Chunk struct {
	Text string

	// Err is set on the last chunk when the stream failed.
	Err error
}

// Streamer answers questions in the context of a conversation.
type Streamer interface {
	// Stream starts answering query. The returned channel is closed when the
	// answer is complete, ctx is cancelled, or an error chunk was sent.
	Stream(ctx context.Context, conversationID, query string) (<-chan Chunk, error)
}
