// Package stt defines the Provider interface for speech-to-text backends.
//
// The call runtime transcribes finished speech segments, not live streams: the
// inbound audio manager persists each segment as a WAV file and asks a
// Provider for its text. Implementations wrap a cloud API or a self-hosted
// server and must be safe for concurrent use; apart from their HTTP clients
// they hold no per-call state.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyTranscript is returned by providers and fallbacks that treat an
// empty recognition result as a failure.
var ErrEmptyTranscript = errors.New("stt: empty transcript")

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the text spoken in the WAV file at wavPath.
	// language is a BCP-47 tag or bare code ("fr", "fr-FR"); empty lets the
	// backend decide. sampleRate is the rate of the PCM inside the file.
	//
	// An empty string with a nil error means the backend heard nothing.
	Transcribe(ctx context.Context, wavPath, language string, sampleRate int) (string, error)
}
