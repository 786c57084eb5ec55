// Package app wires all callbot subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the telephony and operational HTTP endpoints, and
// Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithCRM, WithRAG, etc.). When an option is not provided, New creates real
// implementations from the config, falling back to in-process stand-ins when
// the backing service is not configured.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/festnoze/squad-ai-sub002/internal/agent"
	"github.com/festnoze/squad-ai-sub002/internal/call"
	"github.com/festnoze/squad-ai-sub002/internal/config"
	"github.com/festnoze/squad-ai-sub002/internal/conversation"
	"github.com/festnoze/squad-ai-sub002/internal/conversation/postgres"
	"github.com/festnoze/squad-ai-sub002/internal/crm"
	"github.com/festnoze/squad-ai-sub002/internal/health"
	"github.com/festnoze/squad-ai-sub002/internal/observe"
	"github.com/festnoze/squad-ai-sub002/internal/outbound"
	"github.com/festnoze/squad-ai-sub002/internal/rag"
	"github.com/festnoze/squad-ai-sub002/internal/resilience"
	"github.com/festnoze/squad-ai-sub002/internal/telephony"
	"github.com/festnoze/squad-ai-sub002/internal/transcript"
	"github.com/festnoze/squad-ai-sub002/pkg/audio"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/embeddings"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/llm"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/stt"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/tts"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/vad"
)

// MediaStreamPath is the WebSocket route the telephony provider connects to.
const MediaStreamPath = "/media-stream"

// ragMaxTokens bounds answers generated without a RAG service.
const ragMaxTokens = 400

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	STT         stt.Provider
	STTFallback stt.Provider
	TTS         tts.Provider
	TTSFallback tts.Provider
	LLM         llm.Provider
	LLMFallback llm.Provider
	Embeddings  embeddings.Provider
	VAD         vad.Engine
}

// App owns all subsystem lifetimes and serves the callbot.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics

	// Effective providers, wrapped in fallback groups when configured.
	stt stt.Provider
	tts tts.Provider
	llm llm.Provider

	// Subsystems, initialised in New and torn down in Shutdown.
	store    conversation.Store
	answers  agent.AnswerCache
	crm      crm.Client
	rag      rag.Streamer
	tier     outbound.RemoteTier
	cache    *outbound.Cache
	graph    *agent.Agent
	calls    *call.Manager
	health   *health.Handler
	checkers []health.Checker
	handler  http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation store instead of creating one from config.
func WithStore(s conversation.Store) Option {
	return func(a *App) { a.store = s }
}

// WithAnswerCache injects the FAQ answer cache.
func WithAnswerCache(c agent.AnswerCache) Option {
	return func(a *App) { a.answers = c }
}

// WithCRM injects a CRM client instead of creating one from config.
func WithCRM(c crm.Client) Option {
	return func(a *App) { a.crm = c }
}

// WithRAG injects a RAG streamer instead of creating one from config.
func WithRAG(r rag.Streamer) Option {
	return func(a *App) { a.rag = r }
}

// WithRemoteTier injects the shared synthesis cache tier instead of
// connecting to Redis.
func WithRemoteTier(t outbound.RemoteTier) Option {
	return func(a *App) { a.tier = t }
}

// WithLogger sets the logger passed to every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metrics recorded by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App from the given config and providers. Provider instances
// come from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: provider fallback groups,
// store connection, CRM and RAG clients, the synthesis cache, the agent graph
// and the call manager.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		return nil, errors.New("app: providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 2. Conversation store ────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. CRM and RAG ───────────────────────────────────────────────────
	if err := a.initCollaborators(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init collaborators: %w", err)
	}

	// ── 4. Synthesis cache ───────────────────────────────────────────────
	if err := a.initCache(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	// ── 5. Agent graph and calls ─────────────────────────────────────────
	if err := a.initCalls(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init calls: %w", err)
	}

	// ── 6. HTTP routes ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initProviders checks the required providers and wraps configured fallbacks
// in circuit-breaker groups.
func (a *App) initProviders() error {
	p := a.providers
	var errs []error
	if p.STT == nil {
		errs = append(errs, errors.New("STT provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("TTS provider is required"))
	}
	if p.LLM == nil {
		errs = append(errs, errors.New("LLM provider is required"))
	}
	if p.VAD == nil {
		errs = append(errs, errors.New("VAD engine is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	names := a.cfg.Providers
	a.stt, a.tts, a.llm = p.STT, p.TTS, p.LLM
	if p.STTFallback != nil {
		h := resilience.NewHybridSTT(p.STT, names.STT.Name, resilience.FallbackConfig{})
		h.AddFallback(names.STTFallback.Name, p.STTFallback)
		a.stt = h
	}
	if p.TTSFallback != nil {
		f := resilience.NewTTSFallback(p.TTS, names.TTS.Name, resilience.FallbackConfig{})
		if err := f.AddFallback(names.TTSFallback.Name, p.TTSFallback); err != nil {
			return err
		}
		a.tts = f
	}
	if p.LLMFallback != nil {
		f := resilience.NewLLMFallback(p.LLM, names.LLM.Name, resilience.FallbackConfig{})
		f.AddFallback(names.LLMFallback.Name, p.LLMFallback)
		a.llm = f
	}
	return nil
}

// initStore connects to PostgreSQL when a DSN is configured and keeps
// conversations in memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	db := a.cfg.Database
	quota := conversation.Quota{MaxUserMessagesPerDay: db.MaxUserMessagesPerDay}
	if a.store != nil {
		return nil
	}
	if db.DSN == "" {
		a.log.Info("no database configured, conversations are kept in memory")
		a.store = conversation.NewMemStore(quota)
		return nil
	}

	store, err := postgres.NewStore(ctx, db.DSN, quota, db.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.store = store
	a.checkers = append(a.checkers, health.Ping("database", store))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})

	if a.answers == nil && db.AnswerCacheThreshold > 0 && a.providers.Embeddings != nil {
		answers, err := store.AnswerCache(a.providers.Embeddings, db.AnswerCacheThreshold)
		if err != nil {
			return err
		}
		a.answers = answers
	}
	return nil
}

// initCollaborators creates the CRM client and the RAG streamer. Without a
// CRM gateway an in-memory calendar is used; without a RAG service the FAQ
// agent answers from the LLM alone.
func (a *App) initCollaborators() error {
	if a.crm == nil {
		c := a.cfg.CRM
		if c.BaseURL == "" {
			a.log.Warn("no CRM configured, using in-memory calendar")
			a.crm = crm.NewMemClient()
		} else {
			client, err := crm.NewHTTPClient(c.BaseURL,
				crm.WithToken(c.Token),
				crm.WithTimeout(c.Timeout),
				crm.WithRetryPolicy(c.Retry.Policy()),
			)
			if err != nil {
				return err
			}
			a.crm = client
		}
	}

	if a.rag == nil {
		r := a.cfg.RAG
		if r.BaseURL == "" {
			a.log.Info("no RAG service configured, answering from the LLM")
			a.rag = rag.NewLLMStreamer(a.llm, r.SystemPrompt, ragMaxTokens)
			return nil
		}
		opts := []rag.Option{
			rag.WithToken(r.Token),
			rag.WithModels(r.BM25Model, r.EmbeddingModel),
			rag.WithHTTPClient(&http.Client{Timeout: r.Timeout}),
		}
		if r.Path != "" {
			opts = append(opts, rag.WithPath(r.Path))
		}
		streamer, err := rag.NewHTTPStreamer(r.BaseURL, opts...)
		if err != nil {
			return err
		}
		a.rag = streamer
	}
	return nil
}

// initCache builds the synthesis cache, backed by Redis when an address is
// configured so that replicas share synthesized audio.
func (a *App) initCache(ctx context.Context) error {
	c := a.cfg.Cache
	if a.tier == nil && c.RedisAddr != "" {
		tier, err := outbound.NewRedisTier(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
		if err != nil {
			return err
		}
		a.tier = tier
		a.checkers = append(a.checkers, health.Ping("redis", tier))
		a.closers = append(a.closers, tier.Close)
	}

	opts := []outbound.CacheOption{
		outbound.WithTTL(c.TTL),
		outbound.WithMaxEntries(c.MaxEntries),
		outbound.WithNamespace(a.cacheNamespace()),
	}
	if a.tier != nil {
		opts = append(opts, outbound.WithRemoteTier(a.tier))
	}
	a.cache = outbound.NewCache(opts...)
	return nil
}

// cacheNamespace keys cached audio by voice so that a voice change never
// replays stale audio.
func (a *App) cacheNamespace() string {
	if ns := a.cfg.Cache.Namespace; ns != "" {
		return ns
	}
	t := a.cfg.Providers.TTS
	voice := t.StringOption("voice", t.StringOption("voice_id", ""))
	return t.Name + ":" + t.Model + ":" + voice
}

// initCalls builds the agent graph and the call manager.
func (a *App) initCalls() error {
	graphCfg, err := a.cfg.Graph()
	if err != nil {
		return err
	}
	agentOpts := []agent.Option{agent.WithLogger(a.log)}
	callOpts := []call.Option{call.WithLogger(a.log)}
	if a.metrics != nil {
		agentOpts = append(agentOpts, agent.WithMetrics(a.metrics))
		callOpts = append(callOpts, call.WithMetrics(a.metrics))
	}

	deps := agent.Deps{LLM: a.llm, CRM: a.crm, RAG: a.rag, Store: a.store, Answers: a.answers}
	a.graph, err = agent.New(graphCfg, deps, agentOpts...)
	if err != nil {
		return err
	}

	callDeps := call.Deps{
		Graph: a.graph,
		STT:   a.stt,
		VAD:   a.providers.VAD,
		TTS:   a.tts,
		Cache: a.cache,
	}
	if vocab := a.cfg.Audio.Vocabulary; len(vocab) > 0 {
		c := transcript.New(vocab)
		a.log.Info("transcript vocabulary loaded", "terms", c.Len())
		callDeps.Corrector = c
	}

	apology := a.graph.Prompts().Apology
	a.calls, err = call.NewManager(callDeps, call.Config{
		Inbound:          a.cfg.Audio.Inbound(apology),
		Outbound:         a.cfg.Audio.Outbound(),
		MaxPendingInputs: a.cfg.Agent.MaxPendingInputs,
		Apology:          apology,
		DrainTimeout:     a.cfg.Server.ShutdownTimeout,
	}, callOpts...)
	return err
}

// initHTTP registers the media stream, health and metrics routes.
func (a *App) initHTTP() {
	a.health = health.New(a.checkers...).WithGauges(health.Gauge{Name: "active_calls", Value: a.calls.Count})

	srv := a.cfg.Server
	ws := telephony.NewServer(a.calls,
		telephony.WithLogger(a.log),
		telephony.WithWriteTimeout(srv.WriteTimeout),
		telephony.WithOriginPatterns(srv.OriginPatterns...),
	)

	mux := http.NewServeMux()
	mux.Handle(MediaStreamPath, ws)
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.Handler())
	mux.HandleFunc("GET /calls", a.listCalls)

	a.handler = mux
	if a.metrics != nil {
		a.handler = observe.Middleware(a.metrics)(mux)
	}
}

// ─── Runtime ─────────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Calls returns the call manager.
func (a *App) Calls() *call.Manager { return a.calls }

// Prewarm synthesizes the fixed utterances and the configured extra texts
// into the permanent cache, chunked the way the speech worker chunks them.
func (a *App) Prewarm(ctx context.Context) {
	outCfg := a.cfg.Audio.Outbound()
	texts := append(a.graph.FixedUtterances(), a.cfg.Cache.Prewarm...)
	var chunks []string
	for _, text := range texts {
		chunks = append(chunks, outbound.Chunks(text, outCfg)...)
	}

	start := time.Now()
	a.cache.Preload(ctx, chunks, func(ctx context.Context, text string) ([]byte, error) {
		raw, err := a.tts.Synthesize(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return nil, tts.ErrEmptyAudio
		}
		return audio.Convert(raw, a.tts.Format(), audio.Telephony)
	})
	a.log.Info("synthesis cache prewarmed", "chunks", len(chunks), "elapsed", time.Since(start))
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// drains: readiness fails, calls in progress are closed and the server stops
// within the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	tls := a.cfg.Server.TLS

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("callbot listening", "addr", ln.Addr().String(), "tls", tls != nil)
		var err error
		if tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining(true)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := a.calls.StopAll(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		if a.health != nil {
			a.health.SetDraining(true)
		}
		if a.calls != nil {
			if err := a.calls.StopAll(ctx); err != nil {
				a.log.Warn("stop calls", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what a failed New had already opened.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
