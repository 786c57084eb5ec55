// Package inbound implements the incoming audio manager of a call.
//
// Inbound µ-law packets are decoded to PCM and cut into 20 ms frames. A VAD
// session classifies every frame; an utterance starts on the first speech
// frame and ends once enough trailing silence has accumulated, or when the
// buffer reaches its safety limit. Finalized segments are written to a
// temporary WAV file and transcribed; transcripts long enough to be meaningful
// are handed to the caller's [TranscriptHandler].
//
// Frame processing and transcription run on separate goroutines so that
// barge-in detection keeps up with the stream while a segment is being
// transcribed. Frames are processed in arrival order and transcripts are
// delivered in segment order.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/festnoze/squad-ai-sub002/internal/observe"
	"github.com/festnoze/squad-ai-sub002/internal/outbound"
	"github.com/festnoze/squad-ai-sub002/pkg/audio"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/stt"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/vad"
)

// ErrStopped is returned by [Manager.Start] after Stop.
var ErrStopped = errors.New("inbound: manager stopped")

// SpeechController is the part of the outgoing audio manager the inbound side
// drives: barge-in and the failure apology.
type SpeechController interface {
	IsSending() bool
	QueuedChars() int
	Interrupt() (outbound.Interruption, bool)
	EnqueueText(text string) bool
}

// Transcript is the text of one finalized segment.
type Transcript struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// TranscriptHandler receives transcripts in segment order. It runs on the
// transcription goroutine and should hand off long work.
type TranscriptHandler func(ctx context.Context, t Transcript)

// BargeInHandler is notified after the outgoing speech was interrupted with
// the span of speech the caller will not hear.
type BargeInHandler func(ctx context.Context, cut outbound.Interruption)

// Config holds the segmentation and transcription parameters.
type Config struct {
	// FrameMs is the VAD frame duration. Default 20.
	FrameMs int

	// RequiredSilence is the trailing silence that ends an utterance.
	// Default 300ms.
	RequiredSilence time.Duration

	// MinSpeech is the speech duration below which a segment is discarded
	// and barge-in is not triggered. Default 200ms.
	MinSpeech time.Duration

	// MaxBufferBytes forces finalization of long utterances. Default 15 s of
	// telephony PCM.
	MaxBufferBytes int

	// PreRoll is audio kept from before the speech onset. Default 200ms.
	PreRoll time.Duration

	// SpeechThreshold is the VAD speech level. Zero uses the engine default.
	SpeechThreshold float64

	// OnsetFrames is the number of loud frames the VAD needs before reporting
	// speech. Default 2.
	OnsetFrames int

	Language string

	// MinTranscriptChars drops shorter transcripts. Default 2.
	MinTranscriptChars int

	// MaxSTTFailures is the number of consecutive transcription failures
	// after which Apology is spoken. Default 3.
	MaxSTTFailures int

	// Apology is spoken after MaxSTTFailures consecutive failures.
	Apology string

	STTTimeout time.Duration

	BargeInEnabled bool

	// QueueSize is the inbound packet backlog. Default 500 (10 s).
	QueueSize int

	// TempDir holds segment WAV files. Empty uses os.TempDir.
	TempDir string
}

func (c Config) withDefaults() Config {
	if c.FrameMs <= 0 {
		c.FrameMs = 20
	}
	if c.RequiredSilence <= 0 {
		c.RequiredSilence = 300 * time.Millisecond
	}
	if c.MinSpeech <= 0 {
		c.MinSpeech = 200 * time.Millisecond
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = audio.Telephony.Bytes(15 * time.Second)
	}
	if c.PreRoll < 0 {
		c.PreRoll = 0
	} else if c.PreRoll == 0 {
		c.PreRoll = 200 * time.Millisecond
	}
	if c.OnsetFrames <= 0 {
		c.OnsetFrames = 2
	}
	if c.MinTranscriptChars <= 0 {
		c.MinTranscriptChars = 2
	}
	if c.MaxSTTFailures <= 0 {
		c.MaxSTTFailures = 3
	}
	if c.STTTimeout <= 0 {
		c.STTTimeout = 15 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 500
	}
	return c
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics enables metric recording.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// Corrector rewrites a transcript before it is reported, typically to fix
// vocabulary terms the recognizer misspells.
type Corrector interface {
	Correct(text string) string
}

// WithCorrector applies c to every transcript.
func WithCorrector(c Corrector) Option {
	return func(m *Manager) { m.corrector = c }
}

// WithBargeInHandler registers h to run after each barge-in.
func WithBargeInHandler(h BargeInHandler) Option {
	return func(m *Manager) { m.onBargeIn = h }
}

// Stats are the manager's counters.
type Stats struct {
	FramesDropped int64
	Segments      int64
	Transcripts   int64
	STTFailures   int64
	BargeIns      int64
}

// Manager is the incoming audio manager of one call.
type Manager struct {
	stt          stt.Provider
	speech       SpeechController
	onTranscript TranscriptHandler
	onBargeIn    BargeInHandler
	corrector    Corrector
	cfg          Config
	log          *slog.Logger
	metrics      *observe.Metrics

	seg      *segmenter
	session  vad.SessionHandle
	bargedIn bool

	packets  chan []byte
	segments chan Segment

	mu      sync.RWMutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	consecutiveFailures atomic.Int64
	framesDropped       atomic.Int64
	segmentCount        atomic.Int64
	transcripts         atomic.Int64
	sttFailures         atomic.Int64
	bargeIns            atomic.Int64
}

// NewManager creates a Manager that classifies frames with a session of
// engine, transcribes with p and reports transcripts to onTranscript.
func NewManager(p stt.Provider, engine vad.Engine, speech SpeechController, onTranscript TranscriptHandler, cfg Config, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	sess, err := engine.NewSession(vad.Config{
		SampleRate:      audio.TelephonySampleRate,
		FrameSizeMs:     cfg.FrameMs,
		SpeechThreshold: cfg.SpeechThreshold,
		OnsetFrames:     cfg.OnsetFrames,
	})
	if err != nil {
		return nil, fmt.Errorf("inbound: vad session: %w", err)
	}
	m := &Manager{
		stt:          p,
		speech:       speech,
		onTranscript: onTranscript,
		cfg:          cfg,
		log:          slog.Default(),
		session:      sess,
		seg:          newSegmenter(sess, cfg),
		packets:      make(chan []byte, cfg.QueueSize),
		segments:     make(chan Segment, 8),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Start launches the frame and transcription goroutines.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStopped
	}
	if m.started {
		return nil
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.frameLoop(ctx)
	go m.transcribeLoop(ctx)
	return nil
}

// ProcessIncoming queues one µ-law packet. It never blocks; when the backlog
// is full the packet is dropped and false is returned.
func (m *Manager) ProcessIncoming(mulaw []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.packets <- mulaw:
		return true
	default:
		if n := m.framesDropped.Add(1); n == 1 || n%100 == 0 {
			m.log.Warn("inbound: backlog full, dropping packets", "dropped", n)
		}
		return false
	}
}

// Stop ends processing. An utterance in progress is discarded and pending
// transcriptions are cancelled. Stop waits for both goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.packets)
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	if err := m.session.Close(); err != nil {
		m.log.Warn("inbound: close vad session", "err", err)
	}
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		FramesDropped: m.framesDropped.Load(),
		Segments:      m.segmentCount.Load(),
		Transcripts:   m.transcripts.Load(),
		STTFailures:   m.sttFailures.Load(),
		BargeIns:      m.bargeIns.Load(),
	}
}

func (m *Manager) frameLoop(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.segments)
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-m.packets:
			if !ok {
				return
			}
			m.consume(ctx, pkt)
		}
	}
}

func (m *Manager) consume(ctx context.Context, mulaw []byte) {
	err := m.seg.write(audio.MulawToPCM(mulaw), func(ev frameEvent) {
		if ev.onset {
			m.bargedIn = false
			m.log.Debug("inbound: speech started")
		}
		if ev.speaking && ev.speech >= m.cfg.MinSpeech {
			m.maybeBargeIn(ctx)
		}
		if ev.segment != nil {
			m.emit(ctx, *ev.segment)
		}
	})
	if err != nil {
		m.log.Warn("inbound: vad classify", "err", err)
	}
}

// maybeBargeIn interrupts the outgoing speech once per utterance. A refused
// interrupt (uninterruptible chunk) is retried on the next speech frame.
func (m *Manager) maybeBargeIn(ctx context.Context) {
	if !m.cfg.BargeInEnabled || m.bargedIn || m.speech == nil {
		return
	}
	if !m.speech.IsSending() && m.speech.QueuedChars() == 0 {
		return
	}
	cut, ok := m.speech.Interrupt()
	if !ok {
		return
	}
	m.bargedIn = true
	m.bargeIns.Add(1)
	m.log.Info("inbound: barge-in", "unheard_chars", cut.To-cut.From)
	if m.onBargeIn != nil {
		m.onBargeIn(ctx, cut)
	}
}

func (m *Manager) emit(ctx context.Context, seg Segment) {
	if seg.Speech < m.cfg.MinSpeech {
		m.log.Debug("inbound: segment too short", "speech", seg.Speech)
		m.recordSegment(ctx, "too_short")
		return
	}
	m.segmentCount.Add(1)
	m.log.Info("inbound: segment finalized",
		"start", seg.Start, "end", seg.End, "speech", seg.Speech, "reason", seg.Reason)
	select {
	case m.segments <- seg:
	case <-ctx.Done():
	}
}

func (m *Manager) transcribeLoop(ctx context.Context) {
	defer m.wg.Done()
	for seg := range m.segments {
		if ctx.Err() != nil {
			continue
		}
		m.transcribe(ctx, seg)
	}
}

func (m *Manager) transcribe(ctx context.Context, seg Segment) {
	path, err := audio.WriteTempWAV(m.cfg.TempDir, seg.PCM, audio.Telephony)
	if err != nil {
		m.failed(ctx, err)
		return
	}
	defer os.Remove(path)

	sctx, cancel := context.WithTimeout(ctx, m.cfg.STTTimeout)
	sctx, span := observe.StartSpan(sctx, "stt.transcribe")
	start := time.Now()
	text, err := m.stt.Transcribe(sctx, path, m.cfg.Language, audio.TelephonySampleRate)
	if m.metrics != nil {
		observe.Since(ctx, m.metrics.STTDuration, start)
	}
	span.End()
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.failed(ctx, err)
		return
	}
	m.consecutiveFailures.Store(0)

	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < m.cfg.MinTranscriptChars {
		m.log.Debug("inbound: transcript dropped", "text", text)
		m.recordSegment(ctx, "dropped")
		return
	}
	if m.corrector != nil {
		if fixed := m.corrector.Correct(text); fixed != text {
			m.log.Debug("inbound: transcript corrected", "from", text, "to", fixed)
			text = fixed
		}
	}
	m.transcripts.Add(1)
	m.recordSegment(ctx, "transcribed")
	m.log.Info("inbound: transcript", "text", text)
	if m.onTranscript != nil {
		m.onTranscript(ctx, Transcript{Text: text, Start: seg.Start, End: seg.End})
	}
}

func (m *Manager) failed(ctx context.Context, err error) {
	m.sttFailures.Add(1)
	m.recordSegment(ctx, "stt_error")
	n := m.consecutiveFailures.Add(1)
	observe.Logger(ctx, m.log).Warn("inbound: transcription failed", "consecutive", n, "err", err)
	if n < int64(m.cfg.MaxSTTFailures) {
		return
	}
	m.consecutiveFailures.Store(0)
	if m.cfg.Apology != "" && m.speech != nil {
		m.speech.EnqueueText(m.cfg.Apology)
	}
}

func (m *Manager) recordSegment(ctx context.Context, outcome string) {
	if m.metrics != nil {
		m.metrics.RecordSegment(ctx, outcome)
	}
}
