// Package tts defines the Provider interface for text-to-speech backends.
//
// The outgoing audio manager synthesizes one short speech chunk at a time and
// paces the result over the telephony socket, so the contract is a batch
// call: text in, PCM out. Providers report the PCM format they produce; the
// caller converts it to the call's sample rate.
//
// Implementations must be safe for concurrent use; the same instance serves
// every active call.
package tts

import (
	"context"
	"errors"

	"github.com/festnoze/squad-ai-sub002/pkg/audio"
)

// ErrEmptyAudio is returned when a provider answers without audio.
var ErrEmptyAudio = errors.New("tts: provider returned no audio")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text to 16-bit little-endian mono PCM in Format().
	Synthesize(ctx context.Context, text string) ([]byte, error)

	// Format is the PCM format returned by Synthesize.
	Format() audio.Format
}
