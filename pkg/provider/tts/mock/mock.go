// Package mock provides a test double for tts.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/festnoze/squad-ai-sub002/pkg/audio"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
//
// By default Synthesize returns BytesPerChar bytes of PCM per input byte, so
// tests can predict packet counts from text length.
type Provider struct {
	mu sync.Mutex

	// Audio, if non-nil, maps text to the PCM returned for it.
	Audio map[string][]byte

	// BytesPerChar sizes generated PCM when Audio has no entry. Default 2.
	BytesPerChar int

	// Err, if non-nil, is returned by every call.
	Err error

	// OutputFormat is returned by Format. Zero means 8 kHz mono.
	OutputFormat audio.Format

	// Block, if non-nil, is received from before returning, letting tests
	// hold a synthesis in flight.
	Block chan struct{}

	// Calls records every synthesized text in order.
	Calls []string
}

// Synthesize records the call and returns scripted or generated PCM.
func (p *Provider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, text)
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	if pcm, ok := p.Audio[text]; ok {
		return pcm, nil
	}
	n := p.BytesPerChar
	if n <= 0 {
		n = 2
	}
	pcm := make([]byte, len(text)*n)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	return pcm, nil
}

// Format returns OutputFormat or 8 kHz mono.
func (p *Provider) Format() audio.Format {
	if p.OutputFormat.SampleRate == 0 {
		return audio.Telephony
	}
	return p.OutputFormat
}

// CallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Texts returns a copy of the synthesized texts. Thread-safe.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Calls...)
}

var _ tts.Provider = (*Provider)(nil)
