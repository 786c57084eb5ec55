package agent_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/festnoze/squad-ai-sub002/internal/agent"
	"github.com/festnoze/squad-ai-sub002/internal/conversation"
	"github.com/festnoze/squad-ai-sub002/internal/crm"
	crmmock "github.com/festnoze/squad-ai-sub002/internal/crm/mock"
	"github.com/festnoze/squad-ai-sub002/internal/outbound"
	ragmock "github.com/festnoze/squad-ai-sub002/internal/rag/mock"
	"github.com/festnoze/squad-ai-sub002/internal/schedule"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/llm"
	llmmock "github.com/festnoze/squad-ai-sub002/pkg/provider/llm/mock"
)

const callerPhone = "+33123456789"

// friday is the test clock: the first bookable day is Monday 2025-01-06.
var friday = time.Date(2025, 1, 3, 10, 0, 0, 0, time.UTC)

// speaker records spoken texts and numbers speech positions the way the
// outgoing audio manager does.
type speaker struct {
	mu    sync.Mutex
	texts []string
	pos   int

	// onSpeak, if set, runs after each text is queued.
	onSpeak func(text string, end int)
}

func (s *speaker) Speak(text string) (int, bool) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.pos += outbound.VisibleLen(text)
	end, hook := s.pos, s.onSpeak
	s.mu.Unlock()
	if hook != nil {
		hook(text, end)
	}
	return end, true
}

func (s *speaker) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// classifier answers LLM calls by the marker at the start of the system
// prompt.
type classifier struct {
	mu         sync.Mutex
	intent     string
	consent    string
	preference string
	lead       []string
}

func (c *classifier) respond(req llm.CompletionRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case strings.HasPrefix(req.SystemPrompt, "ROUTER"):
		return c.intent, nil
	case strings.HasPrefix(req.SystemPrompt, "CONSENT"):
		return c.consent, nil
	case strings.HasPrefix(req.SystemPrompt, "PREFERENCE"):
		if c.preference == "" {
			return `{"action":"other"}`, nil
		}
		return c.preference, nil
	case strings.HasPrefix(req.SystemPrompt, "LEAD"):
		if len(c.lead) == 0 {
			return "{}", nil
		}
		out := c.lead[0]
		c.lead = c.lead[1:]
		return out, nil
	}
	return "", errors.New("unexpected prompt")
}

func (c *classifier) set(fn func(c *classifier)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

type fixture struct {
	agent   *agent.Agent
	llm     *llmmock.Provider
	cls     *classifier
	crm     *crmmock.Client
	rag     *ragmock.Streamer
	speaker *speaker
	state   *agent.State
}

func testConfig() agent.Config {
	morning, _ := schedule.ParseWindow("09:00", "12:00")
	afternoon, _ := schedule.ParseWindow("13:00", "18:00")
	return agent.Config{
		Prompts: agent.Prompts{
			RouterSystem:     "ROUTER\n{intents}",
			ConsentSystem:    "CONSENT",
			PreferenceSystem: "PREFERENCE {today}\n{proposals}",
			LeadSystem:       "LEAD",
		},
		Hours: schedule.BusinessHours{
			Windows:  []schedule.Window{morning, afternoon},
			Weekdays: []int{0, 1, 2, 3, 4},
			Duration: 30 * time.Minute,
		},
	}
}

func newFixture(t *testing.T, cfg agent.Config, deps agent.Deps) *fixture {
	t.Helper()
	f := &fixture{
		cls:     &classifier{intent: "faq_agent", consent: "non"},
		crm:     &crmmock.Client{},
		rag:     &ragmock.Streamer{},
		speaker: &speaker{},
	}
	f.llm = &llmmock.Provider{Respond: f.cls.respond}
	deps.LLM, deps.CRM, deps.RAG = f.llm, f.crm, f.rag
	a, err := agent.New(cfg, deps, agent.WithClock(func() time.Time { return friday }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.agent = a
	f.state = agent.NewState("CA123", callerPhone, f.speaker)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.agent.Start(context.Background(), f.state); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (f *fixture) say(t *testing.T, input string) []agent.NodeName {
	t.Helper()
	path, err := f.agent.Invoke(context.Background(), f.state, input)
	if err != nil {
		t.Fatalf("Invoke(%q): %v", input, err)
	}
	return path
}

func (f *fixture) lastAssistant() string {
	return f.state.LastAssistantMessage()
}

func TestWelcomeKnownCaller(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.crm.Persons = map[string]*crm.Person{callerPhone: {
		Type: crm.PersonContact, ID: "003A", FirstName: "Test", LastName: "User",
		Owner: &crm.User{ID: "005O", FirstName: "Test", LastName: "Owner"},
	}}
	f.start(t)

	h := f.state.History
	if len(h) != 1 || h[0].Role != llm.RoleAssistant {
		t.Fatalf("history = %+v, want one assistant message", h)
	}
	if !strings.HasPrefix(h[0].Content, agent.DefaultPrompts.Welcome) || !strings.Contains(h[0].Content, "Test") {
		t.Errorf("welcome = %q", h[0].Content)
	}
	if got := f.speaker.spoken(); len(got) != 1 || got[0] != h[0].Content {
		t.Errorf("spoken = %q", got)
	}
	if f.state.Scratchpad.Account == nil || f.state.Scratchpad.Account.ID != "003A" {
		t.Errorf("account = %+v", f.state.Scratchpad.Account)
	}

	// A second traversal does not greet again.
	f.say(t, "Bonjour")
	if n := strings.Count(strings.Join(f.speaker.spoken(), "|"), agent.DefaultPrompts.Welcome); n != 1 {
		t.Errorf("welcome spoken %d times", n)
	}
}

func TestWelcomeUnknownCaller(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.start(t)
	want := agent.DefaultPrompts.Welcome + " " + agent.DefaultPrompts.WelcomeUnknown
	if f.lastAssistant() != want {
		t.Errorf("welcome = %q, want %q", f.lastAssistant(), want)
	}
	if len(f.crm.PhoneLookups) != 1 {
		t.Errorf("CRM lookups = %v", f.crm.PhoneLookups)
	}
}

func TestFAQStreamsSentences(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.rag.Chunks = []string{"Nous proposons ", "le BTS GPME. ", "Il se prépare ", "en deux ans. ", "Inscrivez-vous en ligne !"}
	f.start(t)

	path := f.say(t, "Quels BTS en RH ?")
	if want := []agent.NodeName{agent.NodeInit, agent.NodeRouter, agent.NodeFAQ}; !equalPath(path, want) {
		t.Errorf("path = %v, want %v", path, want)
	}

	spoken := f.speaker.spoken()[1:]
	want := []string{"Nous proposons le BTS GPME.", "Il se prépare en deux ans.", "Inscrivez-vous en ligne !"}
	if strings.Join(spoken, "|") != strings.Join(want, "|") {
		t.Errorf("spoken = %q, want %q", spoken, want)
	}

	h := f.state.History
	if len(h) != 3 {
		t.Fatalf("history length = %d, want 3", len(h))
	}
	if h[1].Role != llm.RoleUser || h[1].Content != "Quels BTS en RH ?" {
		t.Errorf("user message = %+v", h[1])
	}
	if h[2].Role != llm.RoleAssistant || h[2].Content != strings.Join(f.rag.Chunks, "") {
		t.Errorf("assistant message = %+v", h[2])
	}
	if c := f.rag.Calls[0]; c.Query != "Quels BTS en RH ?" || c.ConversationID == "" {
		t.Errorf("rag call = %+v", c)
	}
}

func TestFAQEmptyAnswerApologizes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.start(t)
	f.say(t, "Quels BTS en RH ?")
	if f.lastAssistant() != agent.DefaultPrompts.Apology {
		t.Errorf("last message = %q, want apology", f.lastAssistant())
	}
}

func TestFAQStreamErrorApologizes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.rag.StreamErr = errors.New("rag down")
	f.start(t)
	f.say(t, "Quels BTS en RH ?")
	if f.lastAssistant() != agent.DefaultPrompts.Apology {
		t.Errorf("last message = %q, want apology", f.lastAssistant())
	}
	if f.state.Scratchpad.Error == "" {
		t.Error("scratchpad error not set")
	}
}

func TestFAQDeadlineKeepsPartialAnswer(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxStreamDuration = 150 * time.Millisecond
	f := newFixture(t, cfg, agent.Deps{})
	f.rag.Chunks = []string{"Première phrase. ", "Deuxième phrase."}
	f.rag.Delay = 100 * time.Millisecond
	f.start(t)

	f.say(t, "Question longue ?")
	if got := f.lastAssistant(); got != "Première phrase." {
		t.Errorf("answer = %q, want the part received before the deadline", got)
	}
}

type answerCache struct {
	answers map[string]string
	stored  []string
}

func (c *answerCache) Lookup(_ context.Context, q string) (string, bool, error) {
	a, ok := c.answers[q]
	return a, ok, nil
}

func (c *answerCache) Store(_ context.Context, q, a string) error {
	c.stored = append(c.stored, q+"="+a)
	return nil
}

func TestFAQAnswerCache(t *testing.T) {
	t.Parallel()

	cache := &answerCache{answers: map[string]string{"Combien ça coûte ?": "La formation coûte 90 euros par mois."}}
	f := newFixture(t, testConfig(), agent.Deps{Answers: cache})
	f.rag.Chunks = []string{"Oui, en ligne."}
	f.start(t)

	f.say(t, "Combien ça coûte ?")
	if f.rag.CallCount() != 0 {
		t.Error("cached question reached RAG")
	}
	if f.lastAssistant() != "La formation coûte 90 euros par mois." {
		t.Errorf("answer = %q", f.lastAssistant())
	}

	f.say(t, "Est-ce à distance ?")
	if len(cache.stored) != 1 || cache.stored[0] != "Est-ce à distance ?=Oui, en ligne." {
		t.Errorf("stored = %q", cache.stored)
	}
}

func TestRouterFallsBackToFAQ(t *testing.T) {
	t.Parallel()

	tests := []struct {
		reply string
		want  agent.NodeName
	}{
		{reply: "calendar_agent", want: agent.NodeCalendar},
		{reply: "`Lead_Agent`.", want: agent.NodeLead},
		{reply: "faq_agnet", want: agent.NodeFAQ},
		{reply: "no_appointment_requested", want: agent.NodeNoAppointment},
		{reply: "je ne sais pas", want: agent.NodeFAQ},
		{reply: "", want: agent.NodeFAQ},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, testConfig(), agent.Deps{})
			f.cls.set(func(c *classifier) { c.intent = tt.reply })
			f.start(t)
			path := f.say(t, "Bonjour")
			if len(path) < 3 || path[2] != tt.want {
				t.Errorf("path = %v, want %s", path, tt.want)
			}
		})
	}
}

func TestRouterLLMErrorFallsBackToFAQ(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.llm.CompleteErr = errors.New("llm down")
	f.rag.Chunks = []string{"Réponse."}
	f.start(t)
	path := f.say(t, "Bonjour")
	if lastOf(path) != agent.NodeFAQ {
		t.Errorf("path = %v", path)
	}
}

func TestAppointmentHappyPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.cls.set(func(c *classifier) { c.intent = "calendar_agent" })
	f.start(t)

	f.say(t, "Je voudrais prendre rendez-vous")
	cs := f.state.Scratchpad.Calendar
	if cs == nil || cs.Step != agent.StepAwaitPreference {
		t.Fatalf("calendar state = %+v", cs)
	}
	if !strings.Contains(f.lastAssistant(), "lundi 6 janvier à 9h00") {
		t.Errorf("proposal = %q", f.lastAssistant())
	}

	f.say(t, "Oui")
	if f.lastAssistant() != agent.DefaultPrompts.Consent {
		t.Fatalf("last message = %q, want consent prompt", f.lastAssistant())
	}

	path := f.say(t, "Oui")
	if lastOf(path) != agent.NodeCalendar {
		t.Errorf("path = %v", path)
	}
	if f.state.Scratchpad.Consent != "" || f.state.Scratchpad.Calendar.Step != agent.StepBooked {
		t.Errorf("scratchpad = %+v", f.state.Scratchpad)
	}
	if f.crm.ScheduledCount() != 1 {
		t.Fatalf("scheduled = %d, want 1", f.crm.ScheduledCount())
	}
	req := f.crm.Scheduled[0]
	if !req.Start.Equal(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)) || req.DurationMinutes != 30 {
		t.Errorf("request = %+v", req)
	}
	closing := f.lastAssistant()
	if !strings.Contains(closing, "confirmé") || !strings.Contains(closing, "lundi 6 janvier à 9h00") {
		t.Errorf("closing = %q", closing)
	}
	if f.state.Scratchpad.Calendar.EventID != "evt-1" {
		t.Errorf("event id = %q", f.state.Scratchpad.Calendar.EventID)
	}
}

func TestAppointmentRejectedAtConsent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.cls.set(func(c *classifier) { c.intent = "calendar_agent" })
	f.start(t)

	f.say(t, "Je voudrais prendre rendez-vous")
	f.say(t, "Oui")
	path := f.say(t, "Pas maintenant")

	if lastOf(path) != agent.NodeNoAppointment {
		t.Errorf("path = %v", path)
	}
	if f.lastAssistant() != agent.DefaultPrompts.Closing {
		t.Errorf("last message = %q, want closing", f.lastAssistant())
	}
	if f.crm.ScheduledCount() != 0 {
		t.Error("appointment scheduled after refusal")
	}
	if f.state.Scratchpad.Calendar != nil {
		t.Errorf("calendar state not cleared: %+v", f.state.Scratchpad.Calendar)
	}
	if got := f.state.Scratchpad.Consent; got != agent.ConsentNo {
		t.Errorf("consent = %q, want %q", got, agent.ConsentNo)
	}
}

func TestAppointmentDeclinedAtProposal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.cls.set(func(c *classifier) { c.intent = "calendar_agent" })
	f.start(t)

	f.say(t, "Je voudrais prendre rendez-vous")
	path := f.say(t, "Non merci")
	want := []agent.NodeName{agent.NodeInit, agent.NodeRouter, agent.NodeCalendar, agent.NodeNoAppointment}
	if !equalPath(path, want) {
		t.Errorf("path = %v, want %v", path, want)
	}
	if f.crm.ScheduledCount() != 0 || f.lastAssistant() != agent.DefaultPrompts.Closing {
		t.Errorf("scheduled = %d, last = %q", f.crm.ScheduledCount(), f.lastAssistant())
	}
	if got := f.state.Scratchpad.Consent; got != agent.ConsentNo {
		t.Errorf("consent = %q, want %q after declining the proposal", got, agent.ConsentNo)
	}
}

func TestAppointmentBusySlotsSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.cls.set(func(c *classifier) { c.intent = "calendar_agent" })
	f.crm.Appointments = []crm.Appointment{{
		ID: "busy", Start: time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC), End: time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC),
	}}
	f.start(t)

	f.say(t, "Je voudrais prendre rendez-vous")
	if got := f.state.Scratchpad.Calendar.Proposed[0]; !got.Equal(time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("first proposal = %v, want Monday 10:00", got)
	}
}

func TestAppointmentPreference(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.cls.set(func(c *classifier) { c.intent = "calendar_agent" })
	f.start(t)

	f.say(t, "Je voudrais prendre rendez-vous")
	f.cls.set(func(c *classifier) { c.preference = `{"action":"preference","date":"2025-01-07","time":"14:00"}` })
	f.say(t, "Plutôt mardi à 14 heures")

	cs := f.state.Scratchpad.Calendar
	if cs.Step != agent.StepConfirm || !cs.Chosen.Equal(time.Date(2025, 1, 7, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("calendar state = %+v", cs)
	}
	h := f.state.History
	if recap := h[len(h)-2].Content; !strings.Contains(recap, "mardi 7 janvier à 14h00") {
		t.Errorf("recap = %q", recap)
	}
}

func TestAppointmentMoreOptions(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ProposalCount = 2
	f := newFixture(t, cfg, agent.Deps{})
	f.cls.set(func(c *classifier) { c.intent = "calendar_agent" })
	f.start(t)

	f.say(t, "Je voudrais prendre rendez-vous")
	f.cls.set(func(c *classifier) { c.preference = `{"action":"more"}` })
	f.say(t, "Vous avez d'autres disponibilités ?")

	cs := f.state.Scratchpad.Calendar
	if cs.Offset != 2 || !cs.Proposed[0].Equal(time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("calendar state = %+v", cs)
	}
}

func TestAppointmentTakenRegresses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.cls.set(func(c *classifier) { c.intent = "calendar_agent" })
	f.crm.ScheduleErrs = []error{crm.ErrSlotUnavailable}
	f.start(t)

	f.say(t, "Je voudrais prendre rendez-vous")
	f.say(t, "Oui")
	f.say(t, "Oui")

	cs := f.state.Scratchpad.Calendar
	if cs.Step != agent.StepAwaitPreference || cs.Failures != 1 {
		t.Errorf("calendar state = %+v", cs)
	}
	h := f.state.History
	if h[len(h)-2].Content != agent.DefaultPrompts.SlotUnavailable {
		t.Errorf("explanation = %q", h[len(h)-2].Content)
	}
}

func TestLeadCollectsMissingFields(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.cls.set(func(c *classifier) {
		c.intent = "lead_agent"
		c.lead = []string{
			`{"first_name":"Jean","last_name":"Dupont","email":"pas une adresse","training_interest":"BTS MCO"}`,
			"```json\n{\"email\":\"Jean.Dupont@Example.com\"}\n```",
		}
	})
	f.start(t)

	f.say(t, "Je m'appelle Jean Dupont, je veux être rappelé pour le BTS MCO")
	if !strings.Contains(f.lastAssistant(), "adresse e-mail") || strings.Contains(f.lastAssistant(), "prénom") {
		t.Errorf("follow-up = %q", f.lastAssistant())
	}
	if len(f.crm.Leads) != 0 {
		t.Fatal("incomplete lead posted")
	}

	f.say(t, "jean.dupont@example.com")
	if len(f.crm.Leads) != 1 {
		t.Fatalf("leads = %d, want 1", len(f.crm.Leads))
	}
	got := f.crm.Leads[0]
	if got.FirstName != "Jean" || got.Email != "jean.dupont@example.com" || got.Phone != callerPhone ||
		got.TrainingInterest != "BTS MCO" || got.Source != agent.LeadSource {
		t.Errorf("lead = %+v", got)
	}
	if f.lastAssistant() != agent.DefaultPrompts.LeadDone {
		t.Errorf("last message = %q", f.lastAssistant())
	}
}

func TestPersistenceAndQuota(t *testing.T) {
	t.Parallel()

	store := conversation.NewMemStore(conversation.Quota{MaxUserMessagesPerDay: 1})
	f := newFixture(t, testConfig(), agent.Deps{Store: store})
	f.rag.Chunks = []string{"Réponse."}
	f.start(t)

	f.say(t, "Première question ?")
	f.say(t, "Deuxième question ?")

	if f.rag.CallCount() != 1 {
		t.Errorf("rag calls = %d, want 1", f.rag.CallCount())
	}
	if f.lastAssistant() != agent.DefaultPrompts.Apology {
		t.Errorf("last message = %q, want apology", f.lastAssistant())
	}
	msgs, err := store.Messages(context.Background(), f.state.Scratchpad.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	var roles []string
	for _, m := range msgs {
		roles = append(roles, string(m.Role))
	}
	if got := strings.Join(roles, ","); got != "assistant,user,assistant,assistant" {
		t.Errorf("persisted roles = %s", got)
	}
}

func TestLLMCallsSeeBoundedHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.rag.Chunks = []string{strings.Repeat("Une longue réponse. ", 200)}
	f.start(t)
	for range 10 {
		f.say(t, "Encore une question ?")
	}
	for i, c := range f.llm.CompleteCalls {
		msgs := c.Req.Messages
		chars := 0
		for _, m := range msgs {
			chars += len([]rune(m.Content))
		}
		if len(msgs) > 8 || chars > 16000 {
			t.Errorf("call %d: %d messages, %d chars", i, len(msgs), chars)
		}
		if msgs[len(msgs)-1].Content != "Encore une question ?" {
			t.Errorf("call %d: last message = %q", i, msgs[len(msgs)-1].Content)
		}
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := agent.New(testConfig(), agent.Deps{}); err == nil {
		t.Error("missing collaborators accepted")
	}
	cfg := testConfig()
	cfg.Intents = []agent.Intent{{Name: "weather_agent"}}
	deps := agent.Deps{LLM: &llmmock.Provider{}, CRM: &crmmock.Client{}, RAG: &ragmock.Streamer{}}
	if _, err := agent.New(cfg, deps); err == nil {
		t.Error("unknown intent accepted")
	}
}

func equalPath(a, b []agent.NodeName) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func lastOf(path []agent.NodeName) agent.NodeName {
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1]
}

func TestInterruptedWelcomeLeavesHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(), agent.Deps{})
	f.speaker.onSpeak = func(text string, end int) {
		if strings.HasPrefix(text, agent.DefaultPrompts.Welcome) {
			f.state.Interrupted(end-outbound.VisibleLen(text), end)
		}
	}
	f.start(t)
	f.say(t, "Bonjour")

	for _, m := range f.state.History {
		if strings.Contains(m.Content, agent.DefaultPrompts.Welcome) {
			t.Errorf("unheard welcome kept in history: %+v", f.state.History)
		}
	}
	if h := f.state.History; len(h) == 0 || h[0].Role != llm.RoleUser {
		t.Errorf("history = %+v, want the caller's turn first", h)
	}
}

func TestFAQStopsWhenInterrupted(t *testing.T) {
	t.Parallel()

	cache := &answerCache{}
	f := newFixture(t, testConfig(), agent.Deps{Answers: cache})
	f.rag.Chunks = []string{"Nous proposons ", "le BTS GPME. ", "Il se prépare ", "en deux ans. ", "Inscrivez-vous en ligne !"}
	f.speaker.onSpeak = func(text string, end int) {
		if text == "Il se prépare en deux ans." {
			f.state.Interrupted(end-outbound.VisibleLen(text), end)
		}
	}
	f.start(t)
	f.say(t, "Quels BTS en RH ?")

	for _, s := range f.speaker.spoken() {
		if strings.Contains(s, "Inscrivez-vous") {
			t.Errorf("kept speaking after the barge-in: %q", f.speaker.spoken())
		}
	}
	if got := f.lastAssistant(); got != "Nous proposons le BTS GPME." {
		t.Errorf("recorded answer = %q, want the heard sentence only", got)
	}
	if len(cache.stored) != 0 {
		t.Errorf("interrupted answer cached: %q", cache.stored)
	}
}
