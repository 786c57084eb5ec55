package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/festnoze/squad-ai-sub002/internal/conversation"
	"github.com/festnoze/squad-ai-sub002/internal/crm"
	"github.com/festnoze/squad-ai-sub002/internal/faults"
	"github.com/festnoze/squad-ai-sub002/internal/observe"
	"github.com/festnoze/squad-ai-sub002/internal/rag"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/llm"
)

// AnswerCache remembers FAQ answers by question similarity.
type AnswerCache interface {
	Lookup(ctx context.Context, question string) (string, bool, error)
	Store(ctx context.Context, question, answer string) error
}

// Deps are the collaborators of the graph. LLM, CRM and RAG are required.
type Deps struct {
	LLM llm.Provider
	CRM crm.Client
	RAG rag.Streamer

	// Store persists turns; nil disables persistence.
	Store conversation.Store

	// Answers short-circuits repeated FAQ questions; nil disables it.
	Answers AnswerCache
}

// Option configures an [Agent].
type Option func(*Agent)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.log = l }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// Agent is the compiled callbot graph with its collaborators. It is safe for
// concurrent use by many calls; each call owns its [State].
type Agent struct {
	cfg     Config
	deps    Deps
	graph   *Graph
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time
}

// New validates cfg and compiles the graph.
func New(cfg Config, deps Deps, opts ...Option) (*Agent, error) {
	if deps.LLM == nil || deps.CRM == nil || deps.RAG == nil {
		return nil, errors.New("agent: LLM, CRM and RAG are required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Agent{
		cfg:  cfg,
		deps: deps,
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(a)
	}

	g := NewGraph(NodeInit).
		AddNode(NodeInit, a.initConversation).
		AddNode(NodeRouter, a.route).
		AddNode(NodeFAQ, a.faq).
		AddNode(NodeCalendar, a.calendar).
		AddNode(NodeLead, a.lead).
		AddNode(NodeNoAppointment, a.noAppointment).
		AddConditionalEdges(NodeInit, func(s *State) NodeName {
			if s.UserInput == "" {
				return End
			}
			return NodeRouter
		}).
		AddConditionalEdges(NodeRouter, func(s *State) NodeName {
			return agentOrEnd(s.Scratchpad.NextAgent)
		}).
		AddConditionalEdges(NodeCalendar, func(s *State) NodeName {
			if next := s.Scratchpad.NextAgent; next != NodeCalendar {
				return agentOrEnd(next)
			}
			return End
		}).
		AddEdge(NodeFAQ, End).
		AddEdge(NodeLead, End).
		AddEdge(NodeNoAppointment, End)
	if err := g.Compile(); err != nil {
		return nil, err
	}
	a.graph = g
	return a, nil
}

func agentOrEnd(n NodeName) NodeName {
	for _, a := range agentNodes {
		if a == n {
			return n
		}
	}
	return End
}

// Prompts returns the effective prompts.
func (a *Agent) Prompts() Prompts { return a.cfg.Prompts }

// FixedUtterances returns the texts spoken verbatim, for cache prewarming.
func (a *Agent) FixedUtterances() []string {
	p := a.cfg.Prompts
	return []string{p.Welcome + " " + p.WelcomeUnknown, p.Consent, p.Closing, p.Apology}
}

// Start runs the entry node for a new call, which speaks the welcome.
func (a *Agent) Start(ctx context.Context, s *State) error {
	_, err := a.Invoke(ctx, s, "")
	return err
}

// Invoke handles one caller utterance. It returns the visited nodes. Errors
// are limited to invariant violations and cancellation; external failures
// have already been answered with an apology.
func (a *Agent) Invoke(ctx context.Context, s *State, input string) ([]NodeName, error) {
	ctx, span := observe.StartSpan(ctx, "agent.graph")
	defer span.End()
	start := time.Now()

	s.Settle()
	s.UserInput = strings.TrimSpace(input)
	s.Scratchpad.NextAgent = ""
	path, err := a.graph.Invoke(ctx, s)

	if a.metrics != nil {
		observe.Since(ctx, a.metrics.GraphDuration, start, observe.Attr("agent", string(lastNode(path))))
	}
	return path, err
}

func lastNode(path []NodeName) NodeName {
	if len(path) == 0 {
		return End
	}
	return path[len(path)-1]
}

// window is the history passed to LLM calls.
func (a *Agent) window(s *State) []llm.Message {
	return TruncateHistory(s.History, a.cfg.MaxHistoryMessages, a.cfg.MaxHistoryChars)
}

// say speaks text, records it as one assistant turn and persists what the
// caller heard so far.
func (a *Agent) say(ctx context.Context, s *State, text string) {
	if kept := s.Say(text); kept != "" {
		a.persist(ctx, s, conversation.RoleAssistant, kept)
	}
}

// apologize answers a failed step.
func (a *Agent) apologize(ctx context.Context, s *State, op string, err error) {
	observe.Logger(ctx, a.log).Warn("agent step failed, apologizing",
		"op", op, "call_sid", s.CallSID, "kind", faults.KindOf(err).String(), "error", err)
	s.Scratchpad.Error = fmt.Sprintf("%s: %v", op, err)
	a.say(ctx, s, a.cfg.Prompts.Apology)
}

// persist stores a message; failures other than the quota are logged.
func (a *Agent) persist(ctx context.Context, s *State, role conversation.Role, text string) error {
	if a.deps.Store == nil || !s.persisted {
		return nil
	}
	var usage conversation.Usage
	if role == conversation.RoleAssistant {
		usage = s.takeUsage()
	}
	_, err := a.deps.Store.AddMessage(ctx, s.Scratchpad.ConversationID, role, text, usage)
	if err != nil && !errors.Is(err, conversation.ErrQuotaExceeded) {
		a.log.Warn("persisting message failed", "call_sid", s.CallSID, "role", role, "error", err)
		return nil
	}
	return err
}

// complete runs one non-streaming LLM call over the history window.
func (a *Agent) complete(ctx context.Context, s *State, purpose, system string, json bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.LLMTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "llm."+purpose)
	defer span.End()

	start := time.Now()
	resp, err := a.deps.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     a.window(s),
		JSON:         json,
	})
	if a.metrics != nil {
		observe.Since(ctx, a.metrics.LLMDuration, start, observe.Attr("purpose", purpose))
	}
	if err != nil {
		return "", fmt.Errorf("agent: %s: %w", purpose, err)
	}
	s.addUsage(resp.Usage)
	return strings.TrimSpace(resp.Content), nil
}

// initConversation binds the conversation and greets the caller. It is a
// no-op after the first traversal.
func (a *Agent) initConversation(ctx context.Context, s *State) error {
	if s.started {
		return nil
	}
	s.started = true
	log := observe.Logger(ctx, a.log).With("call_sid", s.CallSID)

	if a.deps.Store != nil {
		conv, err := a.deps.Store.StartConversation(ctx, s.CallerPhone, s.CallSID)
		if err != nil {
			log.Warn("starting conversation record failed", "error", err)
		} else {
			s.Scratchpad.ConversationID = conv.ID
			s.persisted = true
		}
	}
	if s.Scratchpad.ConversationID == uuid.Nil {
		s.Scratchpad.ConversationID = uuid.New()
	}

	if s.CallerPhone != "" {
		p, err := a.deps.CRM.GetPersonByPhone(ctx, s.CallerPhone)
		switch {
		case errors.Is(err, crm.ErrNotFound):
			log.Info("caller not in CRM")
		case err != nil:
			log.Warn("CRM lookup failed", "error", err)
			s.Scratchpad.Error = err.Error()
		default:
			s.Scratchpad.Account = p
			log.Info("caller recognized", "crm_type", p.Type, "crm_id", p.ID)
		}
	}
	a.say(ctx, s, a.welcome(s.Scratchpad.Account))
	return nil
}

func (a *Agent) welcome(p *crm.Person) string {
	pr := a.cfg.Prompts
	if p != nil {
		if adv := p.Advisor(); adv != nil && adv.FirstName != "" {
			return pr.Welcome + " " + render(pr.WelcomeKnown,
				"first_name", p.FirstName, "advisor_first_name", adv.FirstName)
		}
	}
	return pr.Welcome + " " + pr.WelcomeUnknown
}

// route records the utterance and picks the agent that answers it.
func (a *Agent) route(ctx context.Context, s *State) error {
	consentAsked := strings.TrimSpace(s.LastAssistantMessage()) == strings.TrimSpace(a.cfg.Prompts.Consent)

	s.History = append(s.History, llm.Message{Role: llm.RoleUser, Content: s.UserInput})
	if err := a.persist(ctx, s, conversation.RoleUser, s.UserInput); err != nil {
		observe.Logger(ctx, a.log).Warn("daily quota reached", "call_sid", s.CallSID)
		s.Scratchpad.Error = err.Error()
		a.say(ctx, s, a.cfg.Prompts.Apology)
		return nil
	}

	switch {
	case consentAsked:
		c, err := a.classifyConsent(ctx, s)
		if err != nil {
			a.apologize(ctx, s, "consent", err)
			a.say(ctx, s, a.cfg.Prompts.Consent)
			return nil
		}
		s.Scratchpad.Consent = c
		if c == ConsentYes {
			s.Scratchpad.NextAgent = NodeCalendar
		} else {
			s.Scratchpad.NextAgent = NodeNoAppointment
		}
	case s.Scratchpad.Calendar != nil && s.Scratchpad.Calendar.Step == StepAwaitPreference:
		s.Scratchpad.NextAgent = NodeCalendar
	default:
		s.Scratchpad.NextAgent = a.classifyIntent(ctx, s)
	}
	a.log.Debug("routed", "call_sid", s.CallSID, "next", s.Scratchpad.NextAgent)
	return nil
}

// noAppointment closes the conversation.
func (a *Agent) noAppointment(ctx context.Context, s *State) error {
	s.Scratchpad.Calendar = nil
	s.Scratchpad.Consent = ConsentNo
	a.say(ctx, s, a.cfg.Prompts.Closing)
	return nil
}
