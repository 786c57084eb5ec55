// Package agent implements the conversation graph that decides what the
// callbot says after each caller utterance.
//
// A [Graph] is a set of named nodes joined by unconditional or conditional
// edges. The callbot graph is compiled once by [New] and traversed once per
// finalized transcript:
//
//	init_conversation → router → faq_agent | calendar_agent | lead_agent | no_appointment_requested
//
// Nodes read and update a per-call [State]. Everything meant for the caller
// goes through the [Speaker] bound to that state, so speech starts while
// nodes are still working. Nodes never fail the traversal for external
// errors; they speak an apology instead.
package agent

import (
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/festnoze/squad-ai-sub002/internal/conversation"
	"github.com/festnoze/squad-ai-sub002/internal/crm"
	"github.com/festnoze/squad-ai-sub002/internal/outbound"
	"github.com/festnoze/squad-ai-sub002/pkg/provider/llm"
)

// NodeName identifies a graph node.
type NodeName string

// Nodes of the callbot graph.
const (
	NodeInit          NodeName = "init_conversation"
	NodeRouter        NodeName = "router"
	NodeFAQ           NodeName = "faq_agent"
	NodeCalendar      NodeName = "calendar_agent"
	NodeLead          NodeName = "lead_agent"
	NodeNoAppointment NodeName = "no_appointment_requested"

	// End terminates a traversal.
	End NodeName = "__end__"
)

// agentNodes are the targets the router may select.
var agentNodes = []NodeName{NodeFAQ, NodeCalendar, NodeLead, NodeNoAppointment}

// Speaker receives text to be spoken to the caller. The outgoing audio
// manager of the call implements it.
//
// Speak returns the speech position just past text, counted in non-space
// runes as [outbound.VisibleLen] does, so that later interruptions can be
// mapped back onto the history.
type Speaker interface {
	Speak(text string) (end int, ok bool)
}

// Consent is the outcome of the consent classifier.
type Consent string

const (
	ConsentYes Consent = "oui"
	ConsentNo  Consent = "non"
)

// CalendarStep is the position of the appointment flow.
type CalendarStep string

const (
	StepPropose         CalendarStep = "propose"
	StepAwaitPreference CalendarStep = "await_preference"
	StepConfirm         CalendarStep = "confirm"
	StepBooked          CalendarStep = "booked"
)

// CalendarState tracks the appointment flow across turns.
type CalendarState struct {
	Step CalendarStep `json:"step"`

	// Proposed are the starts offered in the last proposal.
	Proposed []time.Time `json:"proposed,omitempty"`

	// Offset is the index of the first free slot of the last proposal.
	Offset int `json:"offset"`

	Chosen  time.Time `json:"chosen,omitzero"`
	EventID string    `json:"event_id,omitempty"`

	// Failures counts booking attempts that did not go through.
	Failures int `json:"failures,omitempty"`
}

// LeadInfo holds the contact details gathered by the lead agent.
type LeadInfo struct {
	FirstName        string `json:"first_name,omitempty"`
	LastName         string `json:"last_name,omitempty"`
	Email            string `json:"email,omitempty"`
	Phone            string `json:"phone,omitempty"`
	TrainingInterest string `json:"training_interest,omitempty"`
	LeadID           string `json:"lead_id,omitempty"`
}

// Scratchpad is the set of decisions nodes share within a call. Every field
// is optional.
type Scratchpad struct {
	ConversationID uuid.UUID      `json:"conversation_id,omitzero"`
	Account        *crm.Person    `json:"sf_account_info,omitempty"`
	NextAgent      NodeName       `json:"next_agent_needed,omitempty"`
	Calendar       *CalendarState `json:"calendar_state,omitempty"`
	Lead           *LeadInfo      `json:"lead_extracted_info,omitempty"`
	Consent        Consent        `json:"consent,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// State is the conversation state of one call. It is owned by the call and
// must not be shared between concurrent traversals.
type State struct {
	CallSID     string
	CallerPhone string

	// UserInput is the transcript being handled.
	UserInput string

	// History holds the spoken turns, oldest first. Assistant speech the
	// caller interrupted is trimmed to what was heard, and dropped when
	// nothing was. LLM calls see a truncated window of it.
	History []llm.Message

	Scratchpad Scratchpad

	out       Speaker
	started   bool
	persisted bool
	usage     conversation.Usage

	// parts map spoken assistant text to speech positions; turn is the
	// index of the assistant message being spoken, or -1.
	parts []speechPart
	turn  int

	cutMu      sync.Mutex
	cuts       []speechCut
	interrupts int
}

// speechPart is one piece of an assistant message handed to the Speaker.
type speechPart struct {
	msg        int
	text       string
	start, end int
}

// speechCut is a span of speech positions the caller did not hear.
type speechCut struct{ from, to int }

// NewState returns the state of a new call whose speech goes to out.
func NewState(callSID, callerPhone string, out Speaker) *State {
	return &State{CallSID: callSID, CallerPhone: callerPhone, out: out, turn: -1}
}

// LastAssistantMessage returns the most recent assistant message, or "".
func (s *State) LastAssistantMessage() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == llm.RoleAssistant {
			return s.History[i].Content
		}
	}
	return ""
}

// Say speaks text and records it as an assistant turn. It returns the text
// kept in the history, which is empty when nothing was recorded.
func (s *State) Say(text string) string {
	s.openTurn()
	s.speakTurn(text)
	return s.closeTurn()
}

// Interrupted records that the speech between positions from and to was
// not heard. It may be called from any goroutine; the history is trimmed by
// the next [State.Settle].
func (s *State) Interrupted(from, to int) {
	if to <= from {
		return
	}
	s.cutMu.Lock()
	defer s.cutMu.Unlock()
	s.cuts = append(s.cuts, speechCut{from, to})
	s.interrupts++
}

func (s *State) interruptions() int {
	s.cutMu.Lock()
	defer s.cutMu.Unlock()
	return s.interrupts
}

// openTurn starts an assistant message that speakTurn fills.
func (s *State) openTurn() {
	s.History = append(s.History, llm.Message{Role: llm.RoleAssistant})
	s.turn = len(s.History) - 1
}

// speakTurn speaks text and appends it to the open turn. Text is recorded
// even when the speech queue is closed, but only spoken text can be cut.
func (s *State) speakTurn(text string) bool {
	if text = strings.TrimSpace(text); text == "" || s.turn < 0 {
		return false
	}
	msg := &s.History[s.turn]
	if msg.Content != "" {
		msg.Content += " "
	}
	msg.Content += text
	if s.out == nil {
		return false
	}
	end, ok := s.out.Speak(text)
	if !ok {
		return false
	}
	s.parts = append(s.parts, speechPart{msg: s.turn, text: text, start: end - outbound.VisibleLen(text), end: end})
	return true
}

// closeTurn settles pending cuts and returns what the open turn kept. An
// empty turn is removed.
func (s *State) closeTurn() string {
	s.Settle()
	if s.turn < 0 {
		return ""
	}
	content := s.History[s.turn].Content
	s.turn = -1
	s.compact()
	return content
}

// Settle applies the interruptions reported since the last call: every
// assistant message is cut back to the speech the caller heard. It must run
// on the goroutine that owns the state.
func (s *State) Settle() {
	s.cutMu.Lock()
	cuts := s.cuts
	s.cuts = nil
	s.cutMu.Unlock()
	if len(cuts) == 0 {
		return
	}

	touched := make(map[int]bool)
	for i := range s.parts {
		p := &s.parts[i]
		for _, c := range cuts {
			if c.to <= p.start || c.from >= p.end {
				continue
			}
			heard := max(c.from-p.start, 0)
			p.text = keepVisible(p.text, heard)
			p.end = p.start + heard
			touched[p.msg] = true
		}
	}
	for msg := range touched {
		var kept []string
		for _, p := range s.parts {
			if p.msg == msg && p.text != "" {
				kept = append(kept, p.text)
			}
		}
		s.History[msg].Content = strings.Join(kept, " ")
	}
	s.compact()
}

// compact drops emptied assistant messages, except the open turn, and the
// speech parts left without text.
func (s *State) compact() {
	remap := make([]int, len(s.History))
	kept := s.History[:0]
	for i, m := range s.History {
		if m.Role == llm.RoleAssistant && m.Content == "" && i != s.turn {
			remap[i] = -1
			continue
		}
		remap[i] = len(kept)
		kept = append(kept, m)
	}
	clear(s.History[len(kept):])
	s.History = kept
	if s.turn >= 0 {
		s.turn = remap[s.turn]
	}

	parts := s.parts[:0]
	for _, p := range s.parts {
		if p.text == "" || remap[p.msg] < 0 {
			continue
		}
		p.msg = remap[p.msg]
		parts = append(parts, p)
	}
	s.parts = parts
}

// keepVisible returns the prefix of text holding its first n non-space runes.
func keepVisible(text string, n int) string {
	if n <= 0 {
		return ""
	}
	for i, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		if n--; n == 0 {
			_, size := utf8.DecodeRuneInString(text[i:])
			return text[:i+size]
		}
	}
	return text
}

func (s *State) addUsage(u llm.Usage) {
	s.usage.PromptTokens += u.PromptTokens
	s.usage.CompletionTokens += u.CompletionTokens
}

// takeUsage returns the LLM cost accumulated since the last call.
func (s *State) takeUsage() conversation.Usage {
	u := s.usage
	s.usage = conversation.Usage{}
	return u
}
