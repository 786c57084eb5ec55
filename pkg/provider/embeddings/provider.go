// Package embeddings defines the Provider interface for text embedding
// backends. The callbot embeds caller questions to look up previously
// answered ones in the semantic answer cache.
package embeddings

import "context"

// Provider maps text to a dense vector. Every vector from one Provider has
// length Dimensions().
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
