package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/festnoze/squad-ai-sub002/internal/agent"
	"github.com/festnoze/squad-ai-sub002/internal/inbound"
	"github.com/festnoze/squad-ai-sub002/internal/observe"
	"github.com/festnoze/squad-ai-sub002/internal/outbound"
	"github.com/festnoze/squad-ai-sub002/internal/telephony"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/stt"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/tts"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/vad"
)

// Defaults.
const (
	DefaultMaxPendingInputs = 8
	DefaultDrainTimeout     = 10 * time.Second
)

// ErrCallActive is returned when a stream starts for a call that already has
// a session.
var ErrCallActive = errors.New("call: call already active")

// Deps are the collaborators shared by every call.
type Deps struct {
	Graph Graph
	STT   stt.Provider
	VAD   vad.Engine
	TTS   tts.Provider

	// Cache is the synthesis cache. Nil gives each call a private cache.
	Cache *outbound.Cache

	// Corrector, when set, fixes vocabulary terms in transcripts.
	Corrector inbound.Corrector
}

// Config holds the per-call settings.
type Config struct {
	Inbound  inbound.Config
	Outbound outbound.Config

	// MaxPendingInputs bounds the transcripts waiting for the graph.
	MaxPendingInputs int

	// Apology is spoken when the graph fails.
	Apology string

	// DrainTimeout bounds how long a failing call waits for its last words
	// before hanging up.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPendingInputs <= 0 {
		c.MaxPendingInputs = DefaultMaxPendingInputs
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.Inbound.Apology == "" {
		c.Inbound.Apology = c.Apology
	}
	return c
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics enables metric recording for the manager and its sessions.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// Manager creates a session per call and tracks the calls in progress. It
// implements [telephony.SessionFactory]. All methods are safe for concurrent
// use.
type Manager struct {
	deps    Deps
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	calls    map[string]*Session
	stopping bool
}

var _ telephony.SessionFactory = (*Manager)(nil)

// NewManager returns a Manager. Graph, STT, VAD and TTS are required.
func NewManager(deps Deps, cfg Config, opts ...Option) (*Manager, error) {
	var errs []error
	if deps.Graph == nil {
		errs = append(errs, errors.New("call: graph is required"))
	}
	if deps.STT == nil {
		errs = append(errs, errors.New("call: STT provider is required"))
	}
	if deps.VAD == nil {
		errs = append(errs, errors.New("call: VAD engine is required"))
	}
	if deps.TTS == nil {
		errs = append(errs, errors.New("call: TTS provider is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	m := &Manager{
		deps:  deps,
		cfg:   cfg.withDefaults(),
		log:   slog.Default(),
		calls: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// StartSession implements [telephony.SessionFactory].
func (m *Manager) StartSession(ctx context.Context, info telephony.StartInfo, conn *telephony.Conn) (telephony.Session, error) {
	return m.Open(ctx, info, conn)
}

// Open starts a session for info writing to conn. The session outlives ctx
// cancellation; it ends with Close.
func (m *Manager) Open(ctx context.Context, info telephony.StartInfo, conn Conn) (*Session, error) {
	key := info.CallSID
	if key == "" {
		key = info.StreamSID
	}

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil, errors.New("call: manager stopping")
	}
	if _, ok := m.calls[key]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCallActive, key)
	}
	m.calls[key] = nil
	m.mu.Unlock()

	s, err := m.newSession(ctx, info, conn)
	if err == nil {
		err = s.start()
	}
	if err != nil {
		m.mu.Lock()
		delete(m.calls, key)
		m.mu.Unlock()
		return nil, err
	}

	s.onClose = func() { m.remove(ctx, key) }
	m.mu.Lock()
	m.calls[key] = s
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ActiveCalls.Add(ctx, 1)
	}
	s.log.Info("call: session started", "caller", info.CallerPhone)
	return s, nil
}

func (m *Manager) newSession(ctx context.Context, info telephony.StartInfo, conn Conn) (*Session, error) {
	log := m.log.With("call_sid", info.CallSID, "stream_sid", info.StreamSID)
	cache := m.deps.Cache
	if cache == nil {
		cache = outbound.NewCache()
	}

	out := outbound.NewManager(m.deps.TTS, cache, conn, m.cfg.Outbound,
		outbound.WithLogger(log), outbound.WithMetrics(m.metrics))
	out.SetStreamID(info.StreamSID)

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		info: Info{
			CallSID:     info.CallSID,
			StreamSID:   info.StreamSID,
			CallerPhone: info.CallerPhone,
			StartedAt:   time.Now(),
		},
		conn:      conn,
		graph:     m.deps.Graph,
		state:     agent.NewState(info.CallSID, info.CallerPhone, out),
		out:       out,
		log:       log,
		apology:   m.cfg.Apology,
		drain:     m.cfg.DrainTimeout,
		inputs:    make(chan string, m.cfg.MaxPendingInputs),
		ctx:       sctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		streamSID: info.StreamSID,
	}

	inOpts := []inbound.Option{inbound.WithLogger(log), inbound.WithBargeInHandler(s.onBargeIn)}
	if m.metrics != nil {
		inOpts = append(inOpts, inbound.WithMetrics(m.metrics))
	}
	if m.deps.Corrector != nil {
		inOpts = append(inOpts, inbound.WithCorrector(m.deps.Corrector))
	}
	in, err := inbound.NewManager(m.deps.STT, m.deps.VAD, out, s.onTranscript, m.cfg.Inbound, inOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("call: %w", err)
	}
	s.in = in
	return s, nil
}

func (m *Manager) remove(ctx context.Context, key string) {
	m.mu.Lock()
	_, ok := m.calls[key]
	delete(m.calls, key)
	m.mu.Unlock()
	if ok && m.metrics != nil {
		m.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)
	}
}

// Count returns the number of calls in progress.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls describes the calls in progress, oldest first.
func (m *Manager) Calls() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.calls))
	for _, s := range m.calls {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.CallSID, b.CallSID)
	})
	return out
}

// StopAll closes every session and refuses new ones. It returns once all
// sessions are closed or ctx is done.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	sessions := make([]*Session, 0, len(m.calls))
	for _, s := range m.calls {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	m.log.Info("call: stopping sessions", "count", len(sessions))
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Go(s.Close)
		}
		wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("call: stop sessions: %w", ctx.Err())
	}
}
