package resilience

import (
	"context"
	"fmt"

	"github.com/festnoze/squad-ai-sub002/pkg/audio"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across backends. Every
// backend must produce the same PCM format, because the outgoing audio path
// converts with the format reported once by Format.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend. It fails when the backend's format
// differs from the primary's.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) error {
	if got, want := p.Format(), f.group.Primary().Format(); got != want {
		return fmt.Errorf("resilience: tts fallback %q produces %+v, primary produces %+v", name, got, want)
	}
	f.group.AddFallback(name, p)
	return nil
}

// Synthesize implements [tts.Provider].
func (f *TTSFallback) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		pcm, err := p.Synthesize(ctx, text)
		if err == nil && len(pcm) == 0 {
			return nil, tts.ErrEmptyAudio
		}
		return pcm, err
	})
}

// Format implements [tts.Provider].
func (f *TTSFallback) Format() audio.Format {
	return f.group.Primary().Format()
}
