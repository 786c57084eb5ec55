// Package call runs phone calls. A [Session] owns the incoming and outgoing
// audio managers of one call and drives the conversation graph with the
// caller's transcripts; a [Manager] creates sessions for started media
// streams and tracks the calls in progress.
//
// Transcripts are handled one at a time in arrival order. While the graph is
// busy, later transcripts wait in a small FIFO; when it is full the newest
// transcript is dropped.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/festnoze/squad-ai-sub002/internal/agent"
	"github.com/festnoze/squad-ai-sub002/internal/inbound"
	"github.com/festnoze/squad-ai-sub002/internal/outbound"
	"github.com/festnoze/squad-ai-sub002/internal/telephony"
)

// Conn is the telephony socket as seen by a call.
type Conn interface {
	outbound.MediaWriter
	Hangup(reason string) error
}

var (
	_ Conn                     = (*telephony.Conn)(nil)
	_ agent.Speaker            = (*outbound.Manager)(nil)
	_ inbound.SpeechController = (*outbound.Manager)(nil)
)

// Graph is the conversation logic driven by a session.
type Graph interface {
	// Start greets the caller.
	Start(ctx context.Context, s *agent.State) error

	// Invoke handles one transcript.
	Invoke(ctx context.Context, s *agent.State, input string) ([]agent.NodeName, error)
}

var _ Graph = (*agent.Agent)(nil)

// Info describes a call in progress.
type Info struct {
	CallSID     string
	StreamSID   string
	CallerPhone string
	StartedAt   time.Time
}

// Session is one call. It implements [telephony.Session].
type Session struct {
	info    Info
	conn    Conn
	graph   Graph
	state   *agent.State
	in      *inbound.Manager
	out     *outbound.Manager
	log     *slog.Logger
	apology string
	drain   time.Duration

	inputs chan string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	streamSID string

	dropped   atomic.Int64
	closeOnce sync.Once
	onClose   func()
}

var _ telephony.Session = (*Session)(nil)

// Info returns the call's identifiers.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.StreamSID = s.streamSID
	return info
}

// HandleMedia queues one inbound packet.
func (s *Session) HandleMedia(mulaw []byte) {
	s.in.ProcessIncoming(mulaw)
}

// HandleMark logs a mark echoed by the provider.
func (s *Session) HandleMark(name string) {
	s.log.Debug("call: mark played", "name", name)
}

// UpdateStreamID rebinds the outgoing audio to a restarted stream.
func (s *Session) UpdateStreamID(streamSID string) {
	s.mu.Lock()
	s.streamSID = streamSID
	s.mu.Unlock()
	s.out.UpdateStreamID(streamSID)
}

// Close stops the audio managers and the graph loop. A graph invocation in
// progress is cancelled. Close is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.in.Stop()
		s.cancel()
		<-s.done
		s.out.StopWorker()
		if n := s.dropped.Load(); n > 0 {
			s.log.Warn("call: transcripts dropped while busy", "count", n)
		}
		s.log.Info("call: session closed", "turns", len(s.state.History))
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Done is closed once the graph loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the conversation state. It must only be read after Done is
// closed.
func (s *Session) State() *agent.State { return s.state }

// Inbound exposes the incoming audio manager, mainly for its counters.
func (s *Session) Inbound() *inbound.Manager { return s.in }

// start launches the audio workers and the graph loop.
func (s *Session) start() error {
	s.out.StartWorker(s.ctx)
	if err := s.in.Start(s.ctx); err != nil {
		s.out.StopWorker()
		return fmt.Errorf("call: start inbound: %w", err)
	}
	go s.run()
	return nil
}

// onTranscript queues a transcript for the graph loop. It runs on the
// transcription goroutine and never blocks.
func (s *Session) onTranscript(_ context.Context, t inbound.Transcript) {
	select {
	case s.inputs <- t.Text:
	default:
		s.dropped.Add(1)
		s.log.Warn("call: graph busy, transcript dropped", "text", t.Text)
	}
}

// onBargeIn hands the unheard speech span to the conversation state, which
// trims it from the history before the next graph call. The outgoing manager
// already told the provider to drop its buffered audio.
func (s *Session) onBargeIn(_ context.Context, cut outbound.Interruption) {
	s.state.Interrupted(cut.From, cut.To)
	s.log.Debug("call: barge-in", "unheard", cut.Unheard)
}

func (s *Session) run() {
	defer close(s.done)
	defer s.state.Settle()
	if !s.step("start", func(ctx context.Context) error {
		return s.graph.Start(ctx, s.state)
	}) {
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case input := <-s.inputs:
			s.state.Settle()
			ok := s.step("invoke", func(ctx context.Context) error {
				path, err := s.graph.Invoke(ctx, s.state, input)
				s.log.Debug("call: graph done", "path", path)
				return err
			})
			if !ok {
				return
			}
		}
	}
}

// step runs one graph call. It reports false when the loop must stop: the
// session is closing or the graph panicked.
func (s *Session) step(op string, fn func(context.Context) error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("call: graph panic", "op", op, "panic", r, "stack", string(debug.Stack()))
			s.out.EnqueueText(s.apology)
			go s.hangup("internal error")
			ok = false
		}
	}()

	err := fn(s.ctx)
	switch {
	case err == nil:
		return true
	case s.ctx.Err() != nil && errors.Is(err, s.ctx.Err()):
		return false
	default:
		s.log.Error("call: graph failed", "op", op, "err", err)
		s.out.EnqueueText(s.apology)
		return true
	}
}

// hangup waits for the queued speech to play, bounded by the drain timeout,
// then closes the socket.
func (s *Session) hangup(reason string) {
	deadline := time.NewTimer(s.drain)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for !s.out.Idle() {
		select {
		case <-deadline.C:
			s.log.Warn("call: hanging up before speech finished")
			s.terminate(reason)
			return
		case <-s.ctx.Done():
			return
		case <-tick.C:
		}
	}
	s.terminate(reason)
}

func (s *Session) terminate(reason string) {
	s.log.Info("call: hanging up", "reason", reason)
	if err := s.conn.Hangup(reason); err != nil {
		s.log.Warn("call: hangup failed", "err", err)
	}
}
