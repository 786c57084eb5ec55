package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/festnoze/squad-ai-sub002/pkg/provider/stt"
)

// HybridSTT implements [stt.Provider] by calling a primary recognizer and
// falling back to the next one when it fails or hears nothing. When no backend
// produces text but at least one answered with an empty transcript, the result
// is "" with a nil error: a segment can legitimately contain no words.
type HybridSTT struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*HybridSTT)(nil)

// NewHybridSTT creates a [HybridSTT] with primary as the preferred backend.
// Empty transcripts do not count against a backend's breaker.
func NewHybridSTT(primary stt.Provider, primaryName string, cfg FallbackConfig) *HybridSTT {
	userFailure := cfg.CircuitBreaker.IsFailure
	cfg.CircuitBreaker.IsFailure = func(err error) bool {
		if err == nil || errors.Is(err, stt.ErrEmptyTranscript) {
			return false
		}
		if userFailure != nil {
			return userFailure(err)
		}
		return true
	}
	return &HybridSTT{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another recognizer.
func (h *HybridSTT) AddFallback(name string, p stt.Provider) {
	h.group.AddFallback(name, p)
}

// Transcribe implements [stt.Provider].
func (h *HybridSTT) Transcribe(ctx context.Context, wavPath, language string, sampleRate int) (string, error) {
	sawEmpty := false
	text, err := ExecuteWithResult(h.group, func(p stt.Provider) (string, error) {
		text, err := p.Transcribe(ctx, wavPath, language, sampleRate)
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			sawEmpty = true
			return "", stt.ErrEmptyTranscript
		}
		return text, nil
	})
	if err != nil && sawEmpty && ctx.Err() == nil {
		return "", nil
	}
	return text, err
}
