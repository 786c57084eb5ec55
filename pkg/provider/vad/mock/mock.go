// Package mock provides test doubles for the vad package interfaces.
//
// Session replays a scripted list of decisions, one per Classify call, which
// lets tests drive segmentation deterministically without crafting audio.
package mock

import (
	"sync"

	"github.com/festnoze/squad-ai-sub002/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a default Session is created.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// Configs records every Config passed to NewSession.
	Configs []vad.Config
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Script holds the decisions returned by successive Classify calls. Once
	// exhausted, Default is returned.
	Script []vad.Decision

	// Default is returned when Script is exhausted.
	Default vad.Decision

	// ClassifyErr, if non-nil, is returned by every Classify call.
	ClassifyErr error

	// Frames counts Classify calls.
	Frames int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Classify pops the next scripted decision.
func (s *Session) Classify(frame []byte) (vad.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames++
	if s.ClassifyErr != nil {
		return vad.Result{}, s.ClassifyErr
	}
	d := s.Default
	if len(s.Script) > 0 {
		d = s.Script[0]
		s.Script = s.Script[1:]
	}
	return vad.Result{Decision: d}, nil
}

// Push appends decisions to the script. Thread-safe.
func (s *Session) Push(ds ...vad.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Script = append(s.Script, ds...)
}

// Reset records the call.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

var _ vad.SessionHandle = (*Session)(nil)
