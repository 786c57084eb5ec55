// Package energy implements a VAD engine based on frame RMS energy with
// hysteresis and an onset debounce. It needs no model files and is cheap enough
// to run on every 20 ms telephony frame.
package energy

import (
	"github.com/festnoze/squad-ai-sub002/pkg/audio"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/vad"
)

// DefaultSpeechThreshold is a speech level suited to 8 kHz µ-law telephony.
const DefaultSpeechThreshold = 500

// Engine creates energy-based VAD sessions.
type Engine struct{}

var _ vad.Engine = Engine{}

// New returns an energy VAD engine.
func New() Engine { return Engine{} }

// NewSession validates cfg and returns a fresh session.
func (Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = cfg.SpeechThreshold
	}
	if cfg.OnsetFrames <= 0 {
		cfg.OnsetFrames = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{cfg: cfg, frameBytes: cfg.FrameBytes()}, nil
}

type session struct {
	cfg        vad.Config
	frameBytes int

	speaking bool
	loud     int
	closed   bool
}

func (s *session) Classify(frame []byte) (vad.Result, error) {
	if s.closed {
		return vad.Result{}, vad.ErrClosed
	}
	if len(frame) != s.frameBytes {
		return vad.Result{}, vad.ErrFrameSize
	}
	level := audio.RMS(frame)

	if s.speaking {
		if level < s.cfg.SilenceThreshold {
			s.speaking = false
			s.loud = 0
		}
	} else if level >= s.cfg.SpeechThreshold {
		s.loud++
		if s.loud >= s.cfg.OnsetFrames {
			s.speaking = true
		}
	} else {
		s.loud = 0
	}

	d := vad.Silence
	if s.speaking {
		d = vad.Speech
	}
	return vad.Result{Decision: d, Level: level}, nil
}

func (s *session) Reset() {
	s.speaking = false
	s.loud = 0
}

func (s *session) Close() error {
	s.closed = true
	return nil
}
