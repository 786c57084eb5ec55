// Package outbound implements the outgoing audio path of a call: text is
// queued by the agent graph, cut into short speech chunks, synthesized
// (through the process-wide [Cache]) and paced out over the telephony socket
// as µ-law media frames.
//
// A [Manager] runs a single worker goroutine per call. While one chunk is
// being sent the next one is synthesized, so audio flows without gaps. The
// inbound path drives barge-in through [Manager.Interrupt]; the worker then
// tells the provider to drop its buffered audio, so the socket keeps a single
// writer.
//
// Speech positions count the non-space runes queued on a manager since it was
// created. [Manager.Speak] returns the position just past its text and an
// [Interruption] reports the span of positions the caller will not hear.
package outbound

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/festnoze/squad-ai-sub002/internal/observe"
	"github.com/festnoze/squad-ai-sub002/pkg/audio"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/tts"
)

// ErrQueueClosed is returned when text is offered after the worker stopped.
var ErrQueueClosed = errors.New("outbound: text queue closed")

// Config tunes a [Manager]. Zero fields take defaults.
type Config struct {
	MaxChunkWords int
	MaxChunkChars int

	// MinInterruptibleChars is the length below which a chunk cannot be
	// interrupted. Default: 5.
	MinInterruptibleChars int

	// LoopInterval is the idle poll period of the worker. Default: 50ms.
	LoopInterval time.Duration

	// StreamIDRetries bounds how many loop intervals the worker waits for a
	// stream id before dropping a chunk. Default: 20.
	StreamIDRetries int

	// TTSTimeout bounds one synthesis call. Default: 10s.
	TTSTimeout time.Duration

	Sender SenderConfig
}

func (c Config) withDefaults() Config {
	if c.MaxChunkWords <= 0 {
		c.MaxChunkWords = DefaultMaxChunkWords
	}
	if c.MaxChunkChars <= 0 {
		c.MaxChunkChars = DefaultMaxChunkChars
	}
	if c.MinInterruptibleChars <= 0 {
		c.MinInterruptibleChars = 5
	}
	if c.LoopInterval <= 0 {
		c.LoopInterval = 50 * time.Millisecond
	}
	if c.StreamIDRetries <= 0 {
		c.StreamIDRetries = 20
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = 10 * time.Second
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

// Interruption describes the speech dropped by [Manager.Interrupt].
// Unheard is the dropped text in speaking order; it occupies the speech
// positions [From, To).
type Interruption struct {
	Unheard  string
	From, To int
}

// synthResult is one chunk ready to send. gen is the interruption
// generation the chunk was queued in.
type synthResult struct {
	text string
	gen  int
	pcm  []byte
	err  error
}

// Manager is the outgoing audio manager of one call.
type Manager struct {
	tts     tts.Provider
	cache   *Cache
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	sender  *Sender

	wake chan struct{}

	mu            sync.Mutex
	pending       string
	queued        int      // speech position at the end of the queue
	inflight      []string // chunks popped but not finished, oldest first
	gen           int      // bumped by every honored interruption
	clearPending  bool
	utter         context.Context
	cancelUtter   context.CancelFunc
	closed        bool
	interruptible bool
	busy          bool
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewManager creates a Manager that synthesizes with p, caches in cache and
// writes through w.
func NewManager(p tts.Provider, cache *Cache, w MediaWriter, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		tts:           p,
		cache:         cache,
		cfg:           cfg.withDefaults(),
		log:           slog.Default(),
		wake:          make(chan struct{}, 1),
		interruptible: true,
	}
	for _, o := range opts {
		o(m)
	}
	m.sender = NewSender(w, m.cfg.Sender, m.log, m.metrics)
	return m
}

// Sender exposes the audio sender, mainly for its counters.
func (m *Manager) Sender() *Sender { return m.sender }

// SetStreamID binds the manager to the provider's media stream.
func (m *Manager) SetStreamID(id string) { m.sender.UpdateStreamID(id) }

// UpdateStreamID rebinds to a new media stream, resetting the sender.
func (m *Manager) UpdateStreamID(id string) { m.sender.UpdateStreamID(id) }

// EnqueueText appends text to the speech queue. It returns false once the
// worker has been stopped.
func (m *Manager) EnqueueText(text string) bool {
	_, ok := m.Speak(text)
	return ok
}

// Speak appends text to the speech queue and returns the speech position
// just past it. ok is false once the worker has been stopped.
func (m *Manager) Speak(text string) (end int, ok bool) {
	text = strings.TrimSpace(text)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, false
	}
	if text != "" {
		if m.pending != "" {
			m.pending += " "
		}
		m.pending += text
		m.queued += VisibleLen(text)
	}
	end = m.queued
	m.mu.Unlock()
	m.signal()
	return end, true
}

// Interrupt clears the text queue, stops the chunk being sent after its
// current packet and drops the chunks already taken from the queue. The
// worker then tells the provider to discard its buffered audio.
//
// ok is false, and nothing changes, while the chunk being spoken is
// uninterruptible.
func (m *Manager) Interrupt() (cut Interruption, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.interruptible {
		return Interruption{}, false
	}
	dropped := slices.Clone(m.inflight)
	if m.pending != "" {
		dropped = append(dropped, m.pending)
	}
	cut.Unheard = strings.Join(dropped, " ")
	cut.To = m.queued
	cut.From = cut.To - VisibleLen(cut.Unheard)

	m.pending = ""
	m.inflight = nil
	m.gen++
	m.clearPending = true
	if m.cancelUtter != nil {
		m.cancelUtter()
		m.utter, m.cancelUtter = nil, nil
	}
	m.sender.Interrupt()
	m.signal()
	return cut, true
}

// QueuedChars counts the visible characters queued but not yet fully played:
// the pending text and the chunks taken from the queue.
func (m *Manager) QueuedChars() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := VisibleLen(m.pending)
	for _, c := range m.inflight {
		n += VisibleLen(c)
	}
	return n
}

// IsSending reports whether speech is being sent.
func (m *Manager) IsSending() bool {
	return m.sender.IsSending()
}

// HasTextToSend reports whether text is queued or a chunk is in progress.
func (m *Manager) HasTextToSend() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != "" || m.busy
}

// StartWorker launches the worker goroutine. Calling it twice is a no-op.
func (m *Manager) StartWorker(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil || m.closed {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.run(ctx)
	}()
}

// StopWorker stops the worker, waits for it to exit and closes the queue.
func (m *Manager) StopWorker() {
	m.mu.Lock()
	m.closed = true
	m.pending = ""
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Idle reports whether nothing is queued, synthesized or sent.
func (m *Manager) Idle() bool {
	return !m.HasTextToSend() && !m.IsSending()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// run is the worker loop. prepared holds a synthesized chunk waiting to be
// sent; while it is sent the following chunk is synthesized. Chunks queued
// before an interruption are discarded wherever they are.
func (m *Manager) run(ctx context.Context) {
	var prepared *synthResult
	for {
		if ctx.Err() != nil {
			return
		}
		if m.takeClear() {
			m.log.Debug("worker honored interruption")
			m.sender.Clear(ctx)
			if m.metrics != nil {
				m.metrics.BargeIns.Add(ctx, 1)
			}
		}

		if prepared != nil && m.stale(prepared.gen) {
			prepared = nil
		}
		if prepared == nil {
			text, gen, ok := m.popChunk()
			if !ok {
				m.setBusy(false)
				m.idleWait(ctx)
				continue
			}
			res := m.synthesize(m.utterance(ctx), text, gen)
			prepared = &res
			continue
		}

		cur := *prepared
		prepared = nil
		if m.stale(cur.gen) {
			continue
		}
		if cur.err != nil {
			if ctx.Err() == nil && !errors.Is(cur.err, context.Canceled) {
				m.log.Warn("synthesis failed, chunk dropped", "text", cur.text, "error", cur.err)
			}
			m.finishChunk(cur.gen)
			continue
		}
		if !m.waitStream(ctx) {
			m.log.Error("no stream id bound, chunk dropped", "text", cur.text)
			m.finishChunk(cur.gen)
			continue
		}

		m.setInterruptible(utf8.RuneCountInString(cur.text) >= m.cfg.MinInterruptibleChars)

		var (
			g           errgroup.Group
			interrupted bool
			next        *synthResult
		)
		g.Go(func() error {
			var err error
			interrupted, err = m.sender.Send(ctx, cur.pcm)
			if err != nil && ctx.Err() == nil {
				m.log.Warn("chunk send failed", "error", err)
			}
			return nil
		})
		if text, gen, ok := m.popChunk(); ok {
			uctx := m.utterance(ctx)
			g.Go(func() error {
				res := m.synthesize(uctx, text, gen)
				next = &res
				return nil
			})
		}
		_ = g.Wait()
		m.setInterruptible(true)

		if interrupted {
			m.log.Info("speech interrupted", "text", cur.text)
		} else {
			m.finishChunk(cur.gen)
		}
		prepared = next
	}
}

// popChunk removes the next speech chunk from the queue and marks the worker
// busy until the queue drains.
func (m *Manager) popChunk() (string, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunk, rest := splitChunk(m.pending, m.cfg.MaxChunkWords, m.cfg.MaxChunkChars)
	m.pending = rest
	if chunk == "" {
		return "", 0, false
	}
	m.busy = true
	m.inflight = append(m.inflight, chunk)
	return chunk, m.gen, true
}

// finishChunk forgets the oldest chunk taken from the queue once it has been
// spoken or dropped.
func (m *Manager) finishChunk(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen && len(m.inflight) > 0 {
		m.inflight = m.inflight[1:]
	}
}

func (m *Manager) stale(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.gen
}

func (m *Manager) takeClear() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.clearPending {
		return false
	}
	m.clearPending = false
	m.sender.TakeInterrupt()
	return true
}

// utterance returns the context synthesis runs under. Interrupt cancels it.
func (m *Manager) utterance(parent context.Context) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.utter == nil {
		m.utter, m.cancelUtter = context.WithCancel(parent)
	}
	return m.utter
}

func (m *Manager) setBusy(b bool) {
	m.mu.Lock()
	m.busy = b
	m.mu.Unlock()
}

func (m *Manager) setInterruptible(b bool) {
	m.mu.Lock()
	m.interruptible = b
	m.mu.Unlock()
}

func (m *Manager) idleWait(ctx context.Context) {
	t := time.NewTimer(m.cfg.LoopInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-m.wake:
	case <-t.C:
	}
}

func (m *Manager) waitStream(ctx context.Context) bool {
	for range m.cfg.StreamIDRetries {
		if m.sender.StreamID() != "" {
			return true
		}
		if sleepCtx(ctx, m.cfg.LoopInterval) != nil {
			return false
		}
	}
	return m.sender.StreamID() != ""
}

// synthesize returns telephony PCM for text, from the cache when possible.
func (m *Manager) synthesize(ctx context.Context, text string, gen int) synthResult {
	pcm, hit, err := m.cache.GetOrSynthesize(ctx, text, false, func(ctx context.Context) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, m.cfg.TTSTimeout)
		defer cancel()
		ctx, span := observe.StartSpan(ctx, "tts.synthesize")
		defer span.End()

		start := time.Now()
		raw, err := m.tts.Synthesize(ctx, text)
		if m.metrics != nil {
			observe.Since(ctx, m.metrics.TTSDuration, start)
		}
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return nil, tts.ErrEmptyAudio
		}
		return audio.Convert(raw, m.tts.Format(), audio.Telephony)
	})
	if m.metrics != nil && err == nil {
		m.metrics.RecordCacheLookup(ctx, "synthesis", hit)
	}
	return synthResult{text: text, gen: gen, pcm: pcm, err: err}
}

// VisibleLen counts the non-space runes of text. Chunking only ever removes
// whitespace, so it measures speech positions consistently.
func VisibleLen(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
