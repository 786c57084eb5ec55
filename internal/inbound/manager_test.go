package inbound

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/festnoze/squad-ai-sub002/internal/outbound"
	sttmock "github.com/festnoze/squad-ai-sub002/pkg/provider/stt/mock"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/vad"
	vadmock "github.com/festnoze/squad-ai-sub002/pkg/provider/vad/mock"
)

type fakeSpeech struct {
	mu         sync.Mutex
	sending    bool
	queued     string
	interrupts int
	enqueued   []string

	// refuse is the number of Interrupt calls refused as if the chunk being
	// spoken were uninterruptible.
	refuse  int
	refused int
}

func (f *fakeSpeech) IsSending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sending
}

func (f *fakeSpeech) QueuedChars() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return outbound.VisibleLen(f.queued)
}

func (f *fakeSpeech) Interrupt() (outbound.Interruption, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse > 0 {
		f.refuse--
		f.refused++
		return outbound.Interruption{}, false
	}
	f.interrupts++
	f.sending = false
	cut := outbound.Interruption{Unheard: f.queued, To: outbound.VisibleLen(f.queued)}
	f.queued = ""
	return cut, true
}

func (f *fakeSpeech) EnqueueText(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, text)
	return true
}

func (f *fakeSpeech) counts() (refused, interrupts int, enqueued []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refused, f.interrupts, append([]string(nil), f.enqueued...)
}

type transcriptLog struct {
	mu  sync.Mutex
	got []Transcript
}

func (l *transcriptLog) handle(_ context.Context, t Transcript) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, t)
}

func (l *transcriptLog) all() []Transcript {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transcript(nil), l.got...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// feed sends one 160-byte µ-law packet (one 20 ms frame) per decision.
func feed(t *testing.T, m *Manager, n int) {
	t.Helper()
	pkt := make([]byte, 160)
	for range n {
		if !m.ProcessIncoming(pkt) {
			t.Fatal("ProcessIncoming rejected a packet")
		}
	}
}

func newTestManager(t *testing.T, p *sttmock.Provider, speech SpeechController, decisions []vad.Decision, cfg Config, opts ...Option) (*Manager, *transcriptLog) {
	t.Helper()
	log := &transcriptLog{}
	engine := &vadmock.Engine{Session: &vadmock.Session{Script: decisions}}
	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	m, err := NewManager(p, engine, speech, log.handle, cfg, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Stop)
	return m, log
}

func TestManager_TranscribesSegment(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{Text: "  Quels BTS en RH ?  "}
	decisions := script(vad.Silence, 3, vad.Speech, 20, vad.Silence, 15)
	m, log := newTestManager(t, p, &fakeSpeech{}, decisions, Config{Language: "fr"})

	feed(t, m, len(decisions))
	waitFor(t, "transcript", func() bool { return len(log.all()) == 1 })

	got := log.all()[0]
	if got.Text != "Quels BTS en RH ?" {
		t.Errorf("text = %q", got.Text)
	}
	if got.End-got.Start < 200*time.Millisecond {
		t.Errorf("segment %v..%v shorter than minimum speech", got.Start, got.End)
	}
	call := p.Calls[0]
	if call.Language != "fr" || call.SampleRate != 8000 {
		t.Errorf("call = %+v", call)
	}
	if _, err := os.Stat(call.WAVPath); !os.IsNotExist(err) {
		t.Errorf("segment wav %s not removed: %v", call.WAVPath, err)
	}
	if s := m.Stats(); s.Segments != 1 || s.Transcripts != 1 {
		t.Errorf("stats = %+v", s)
	}
}

type studiCorrector struct{}

func (studiCorrector) Correct(text string) string { return strings.ReplaceAll(text, "studie", "Studi") }

func TestManager_CorrectsTranscript(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{Text: "je suis chez studie"}
	decisions := script(vad.Speech, 20, vad.Silence, 15)
	m, log := newTestManager(t, p, &fakeSpeech{}, decisions, Config{}, WithCorrector(studiCorrector{}))

	feed(t, m, len(decisions))
	waitFor(t, "transcript", func() bool { return len(log.all()) == 1 })
	if got := log.all()[0].Text; got != "je suis chez Studi" {
		t.Errorf("text = %q", got)
	}
}

func TestManager_ShortSpeechNotTranscribed(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{Text: "bruit"}
	decisions := script(vad.Speech, 5, vad.Silence, 15, vad.Speech, 20, vad.Silence, 15)
	m, log := newTestManager(t, p, &fakeSpeech{}, decisions, Config{})

	feed(t, m, len(decisions))
	waitFor(t, "transcript", func() bool { return len(log.all()) == 1 })
	if n := p.CallCount(); n != 1 {
		t.Errorf("STT calls = %d, want 1", n)
	}
}

func TestManager_ShortTranscriptDropped(t *testing.T) {
	t.Parallel()

	p := &sttmock.Provider{Results: []sttmock.Result{{Text: "a"}, {Text: ""}, {Text: "Oui"}}}
	one := script(vad.Speech, 15, vad.Silence, 15)
	decisions := append(append(append([]vad.Decision(nil), one...), one...), one...)
	m, log := newTestManager(t, p, &fakeSpeech{}, decisions, Config{})

	feed(t, m, len(decisions))
	waitFor(t, "transcript", func() bool { return len(log.all()) == 1 })
	if got := log.all()[0].Text; got != "Oui" {
		t.Errorf("text = %q, want Oui", got)
	}
}

func TestManager_BargeIn(t *testing.T) {
	t.Parallel()

	speech := &fakeSpeech{sending: true, queued: "La suite de la réponse."}
	var cuts []outbound.Interruption
	var mu sync.Mutex
	onBargeIn := func(_ context.Context, cut outbound.Interruption) {
		mu.Lock()
		defer mu.Unlock()
		cuts = append(cuts, cut)
	}
	p := &sttmock.Provider{Text: "Attendez"}
	decisions := script(vad.Speech, 30, vad.Silence, 15)
	m, log := newTestManager(t, p, speech, decisions, Config{BargeInEnabled: true}, WithBargeInHandler(onBargeIn))

	// Below the minimum speech duration nothing is interrupted.
	feed(t, m, 5)
	time.Sleep(50 * time.Millisecond)
	if _, interrupts, _ := speech.counts(); interrupts != 0 {
		t.Fatalf("interrupted after 100ms of speech")
	}

	feed(t, m, len(decisions)-5)
	waitFor(t, "transcript", func() bool { return len(log.all()) == 1 })

	if _, interrupts, _ := speech.counts(); interrupts != 1 {
		t.Errorf("interrupts = %d, want 1", interrupts)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(cuts) != 1 || cuts[0].Unheard != "La suite de la réponse." {
		t.Errorf("cuts = %+v", cuts)
	}
	if s := m.Stats(); s.BargeIns != 1 {
		t.Errorf("BargeIns = %d", s.BargeIns)
	}
}

func TestManager_BargeInRetriedAfterUninterruptibleChunk(t *testing.T) {
	t.Parallel()

	// The first frames past the minimum speech land on an uninterruptible
	// chunk; a later frame of the same utterance reaches the next chunk.
	speech := &fakeSpeech{sending: true, queued: "Merci.", refuse: 3}
	var handled int
	var mu sync.Mutex
	onBargeIn := func(context.Context, outbound.Interruption) {
		mu.Lock()
		defer mu.Unlock()
		handled++
	}
	decisions := script(vad.Speech, 30, vad.Silence, 15)
	m, log := newTestManager(t, &sttmock.Provider{Text: "Attendez"}, speech, decisions,
		Config{BargeInEnabled: true}, WithBargeInHandler(onBargeIn))

	feed(t, m, len(decisions))
	waitFor(t, "transcript", func() bool { return len(log.all()) == 1 })

	refused, interrupts, _ := speech.counts()
	if refused != 3 || interrupts != 1 {
		t.Errorf("refused = %d interrupts = %d, want 3 and 1", refused, interrupts)
	}
	mu.Lock()
	defer mu.Unlock()
	if handled != 1 {
		t.Errorf("barge-in handler ran %d times, want 1", handled)
	}
	if s := m.Stats(); s.BargeIns != 1 {
		t.Errorf("BargeIns = %d, want 1", s.BargeIns)
	}
}

func TestManager_BargeInDisabled(t *testing.T) {
	t.Parallel()

	speech := &fakeSpeech{sending: true}
	decisions := script(vad.Speech, 30, vad.Silence, 15)
	m, log := newTestManager(t, &sttmock.Provider{Text: "Bonjour"}, speech, decisions, Config{})

	feed(t, m, len(decisions))
	waitFor(t, "transcript", func() bool { return len(log.all()) == 1 })
	if refused, interrupts, _ := speech.counts(); refused != 0 || interrupts != 0 {
		t.Errorf("interrupt attempts = %d with barge-in disabled", refused+interrupts)
	}
}

func TestManager_ApologyAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	sttErr := errors.New("stt down")
	p := &sttmock.Provider{Results: []sttmock.Result{
		{Err: sttErr}, {Err: sttErr}, {Text: "Bonjour"},
		{Err: sttErr}, {Err: sttErr}, {Err: sttErr},
	}}
	one := script(vad.Speech, 15, vad.Silence, 15)
	var decisions []vad.Decision
	for range 6 {
		decisions = append(decisions, one...)
	}
	speech := &fakeSpeech{}
	m, log := newTestManager(t, p, speech, decisions, Config{Apology: "Pardon, pouvez-vous répéter ?"})

	feed(t, m, len(decisions))
	waitFor(t, "six transcriptions", func() bool { return p.CallCount() == 6 })
	waitFor(t, "apology", func() bool {
		_, _, enq := speech.counts()
		return len(enq) == 1
	})

	_, _, enq := speech.counts()
	if enq[0] != "Pardon, pouvez-vous répéter ?" {
		t.Errorf("enqueued = %q", enq)
	}
	if len(log.all()) != 1 {
		t.Errorf("transcripts = %d, want 1", len(log.all()))
	}
	if s := m.Stats(); s.STTFailures != 5 {
		t.Errorf("STTFailures = %d, want 5", s.STTFailures)
	}
}

func TestManager_StopRejectsPackets(t *testing.T) {
	t.Parallel()

	sess := &vadmock.Session{}
	m, err := NewManager(&sttmock.Provider{}, &vadmock.Engine{Session: sess}, &fakeSpeech{}, nil, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Stop()
	m.Stop()
	if m.ProcessIncoming(make([]byte, 160)) {
		t.Error("ProcessIncoming accepted a packet after Stop")
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("vad session closed %d times", sess.CloseCallCount)
	}
}

func TestNewManager_VADConfig(t *testing.T) {
	t.Parallel()

	engine := &vadmock.Engine{}
	if _, err := NewManager(&sttmock.Provider{}, engine, nil, nil, Config{SpeechThreshold: 700}); err != nil {
		t.Fatal(err)
	}
	cfg := engine.Configs[0]
	if cfg.SampleRate != 8000 || cfg.FrameSizeMs != 20 || cfg.SpeechThreshold != 700 || cfg.FrameBytes() != 320 {
		t.Errorf("vad config = %+v", cfg)
	}
}
