// Package mock provides a test double for stt.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/festnoze/squad-ai-sub002/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	WAVPath    string
	Language   string
	SampleRate int
}

// Provider is a mock implementation of stt.Provider. Results are returned in
// order; once exhausted, Text and Err are returned.
type Provider struct {
	mu sync.Mutex

	// Results is consumed one entry per call before falling back to Text/Err.
	Results []Result

	// Text is returned once Results is exhausted.
	Text string

	// Err is returned once Results is exhausted.
	Err error

	// Calls records every call in order.
	Calls []TranscribeCall
}

// Result is a scripted Transcribe outcome.
type Result struct {
	Text string
	Err  error
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(_ context.Context, wavPath, language string, sampleRate int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, TranscribeCall{WAVPath: wavPath, Language: language, SampleRate: sampleRate})
	if len(p.Results) > 0 {
		r := p.Results[0]
		p.Results = p.Results[1:]
		return r.Text, r.Err
	}
	return p.Text, p.Err
}

// CallCount returns the number of recorded calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

var _ stt.Provider = (*Provider)(nil)
