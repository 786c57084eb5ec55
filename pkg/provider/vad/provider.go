// Package vad defines the Engine interface for voice activity detection.
//
// A VAD engine classifies fixed-size PCM frames as speech or silence. Each
// session keeps its own smoothing state so that concurrent calls are
// processed independently. Segmentation (how much trailing silence ends an
// utterance) is the caller's business; a session only answers "is this frame
// speech".
//
// Classify is synchronous and must not block: it runs inline on the inbound
// media path for every 20 ms frame.
package vad

import "errors"

// ErrFrameSize is returned when a frame does not match the configured size.
var ErrFrameSize = errors.New("vad: frame size does not match config")

// ErrClosed is returned by a session after Close.
var ErrClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the PCM sample rate in Hz. Telephony media is 8000.
	SampleRate int

	// FrameSizeMs is the duration of each frame passed to Classify.
	FrameSizeMs int

	// SpeechThreshold is the level at or above which a frame counts as speech.
	// The scale is engine specific; the energy engine uses RMS sample units.
	SpeechThreshold float64

	// SilenceThreshold is the level below which an active speaker is
	// considered silent again. Must be <= SpeechThreshold. Zero means
	// SpeechThreshold (no hysteresis).
	SilenceThreshold float64

	// OnsetFrames is the number of consecutive loud frames needed before
	// speech is reported. Zero means 1.
	OnsetFrames int
}

// FrameBytes returns the expected size of one 16-bit mono frame.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("vad: sample rate must be positive"))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, errors.New("vad: frame size must be positive"))
	}
	if c.SpeechThreshold <= 0 {
		errs = append(errs, errors.New("vad: speech threshold must be positive"))
	}
	if c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, errors.New("vad: silence threshold must not exceed speech threshold"))
	}
	return errors.Join(errs...)
}

// SessionHandle is an active VAD session for one audio stream. It is not safe
// for concurrent use.
type SessionHandle interface {
	// Classify analyses one frame of little-endian 16-bit mono PCM. The frame
	// must be exactly Config.FrameBytes long.
	Classify(frame []byte) (Result, error)

	// Reset clears smoothing state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once returns nil.
	Close() error
}

// Engine creates VAD sessions. Implementations must be safe for concurrent use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}
