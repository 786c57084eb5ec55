// Package mock provides a test double for the embeddings.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/festnoze/squad-ai-sub002/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
//
// Vectors maps an input text to the vector returned for it; other texts get
// Default. Err, when set, fails every call.
type Provider struct {
	mu sync.Mutex

	Vectors map[string][]float32
	Default []float32
	Err     error
	Dims    int

	// Texts records every text passed to Embed, in order.
	Texts []string
}

var _ embeddings.Provider = (*Provider)(nil)

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, text)
	if p.Err != nil {
		return nil, p.Err
	}
	if v, ok := p.Vectors[text]; ok {
		return v, nil
	}
	return p.Default, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dims > 0 {
		return p.Dims
	}
	return len(p.Default)
}
