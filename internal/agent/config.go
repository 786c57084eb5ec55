package agent

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/festnoze/squad-ai-sub002/internal/schedule"
)

// Intent is a label the router may choose, with the description shown to
// the classifier.
type Intent struct {
	Name        NodeName `yaml:"name"`
	Description string   `yaml:"description"`
}

// DefaultIntents is the minimum intent set.
var DefaultIntents = []Intent{
	{Name: NodeFAQ, Description: "question sur les formations, les financements, les modalités ou l'école"},
	{Name: NodeCalendar, Description: "souhaite prendre, déplacer ou fixer un rendez-vous avec un conseiller"},
	{Name: NodeLead, Description: "souhaite laisser ses coordonnées pour être rappelé ou recevoir de la documentation"},
	{Name: NodeNoAppointment, Description: "ne souhaite rien de plus, refuse ou veut terminer l'appel"},
}

// Prompts are the texts the graph speaks or sends to the LLM. Placeholders
// in braces are substituted before use.
type Prompts struct {
	// Welcome opens every call.
	Welcome string `yaml:"welcome"`

	// WelcomeKnown follows Welcome for callers found in the CRM with an
	// advisor. Placeholders: {first_name}, {advisor_first_name}.
	WelcomeKnown string `yaml:"welcome_known"`

	// WelcomeUnknown follows Welcome for everyone else.
	WelcomeUnknown string `yaml:"welcome_unknown"`

	// Consent is the canonical confirmation question. The router detects it
	// verbatim as the previous assistant message.
	Consent string `yaml:"consent"`

	Closing string `yaml:"closing"`
	Apology string `yaml:"apology"`

	// Calendar flow. {slots} is a spoken list, {slot} a single start.
	ProposeSlots          string `yaml:"propose_slots"`
	NoSlots               string `yaml:"no_slots"`
	PreferenceUnavailable string `yaml:"preference_unavailable"`
	ConfirmSlot           string `yaml:"confirm_slot"`
	Booked                string `yaml:"booked"`
	SlotUnavailable       string `yaml:"slot_unavailable"`

	// Lead flow. {fields} is a spoken list of missing details.
	LeadMissing string `yaml:"lead_missing"`
	LeadDone    string `yaml:"lead_done"`

	// Classifier system prompts. {intents}, {today} and {proposals} are
	// filled in where relevant.
	RouterSystem     string `yaml:"router_system"`
	ConsentSystem    string `yaml:"consent_system"`
	PreferenceSystem string `yaml:"preference_system"`
	LeadSystem       string `yaml:"lead_system"`
}

// DefaultPrompts are the French prompts of the admissions line.
var DefaultPrompts = Prompts{
	Welcome:               "Bonjour, je suis l'assistant virtuel de Studi.",
	WelcomeKnown:          "Ravi de vous retrouver {first_name}. Votre conseiller est {advisor_first_name}. Comment puis-je vous aider ?",
	WelcomeUnknown:        "Comment puis-je vous aider ?",
	Consent:               "Confirmez-vous ce rendez-vous ?",
	Closing:               "Merci pour votre appel et à bientôt.",
	Apology:               "Je suis désolé, je rencontre un petit problème. Pouvez-vous reformuler votre demande ?",
	ProposeSlots:          "Je peux vous proposer {slots}. Quel créneau vous convient ?",
	NoSlots:               "Je n'ai malheureusement aucun créneau disponible prochainement. Un conseiller vous rappellera.",
	PreferenceUnavailable: "Ce créneau n'est pas disponible.",
	ConfirmSlot:           "Je récapitule : un rendez-vous téléphonique le {slot}.",
	Booked:                "C'est noté, votre rendez-vous est confirmé le {slot}. Merci et à bientôt.",
	SlotUnavailable:       "Ce créneau vient d'être pris.",
	LeadMissing:           "Pour que l'on vous recontacte, pouvez-vous me donner {fields} ?",
	LeadDone:              "Merci, un conseiller vous recontactera très rapidement.",
	RouterSystem: "Tu es le standard téléphonique d'une école. Classe la dernière demande de l'appelant " +
		"dans exactement une des catégories suivantes et réponds uniquement par son nom :\n{intents}",
	ConsentSystem: "L'appelant répond à une demande de confirmation. Réponds uniquement \"oui\" s'il accepte " +
		"clairement, sinon \"non\".",
	PreferenceSystem: "Nous sommes le {today}. L'appelant répond à une proposition de rendez-vous :\n{proposals}\n" +
		"Réponds uniquement en JSON {\"action\":\"accept|more|preference|reschedule|decline|other\"," +
		"\"choice\":numéro du créneau accepté,\"date\":\"AAAA-MM-JJ\",\"time\":\"HH:MM\"}. " +
		"Laisse date et time vides s'ils ne sont pas précisés.",
	LeadSystem: "Extrais les coordonnées données par l'appelant. Réponds uniquement en JSON avec les clés " +
		"first_name, last_name, email, phone, training_interest ; laisse vide ce qui n'est pas dit.",
}

// Config tunes the graph. Zero fields take defaults.
type Config struct {
	Intents []Intent
	Prompts Prompts

	MaxHistoryMessages int
	MaxHistoryChars    int

	// ProposalCount is the number of starts offered at once. Default: 3.
	ProposalCount int

	// SearchDays is the length of the free-slot search window, starting
	// tomorrow. Default: 14.
	SearchDays int

	AppointmentSubject string

	// LLMTimeout bounds one classifier call. Default: 10s.
	LLMTimeout time.Duration

	// MaxStreamDuration bounds a streamed answer; what arrived by then is
	// spoken. Default: 30s.
	MaxStreamDuration time.Duration

	Hours schedule.BusinessHours
}

func (c Config) withDefaults() Config {
	c.Intents = withMinimumIntents(c.Intents)
	c.Prompts = c.Prompts.withDefaults()
	if c.MaxHistoryMessages <= 0 {
		c.MaxHistoryMessages = DefaultMaxHistoryMessages
	}
	if c.MaxHistoryChars <= 0 {
		c.MaxHistoryChars = DefaultMaxHistoryChars
	}
	if c.ProposalCount <= 0 {
		c.ProposalCount = 3
	}
	if c.SearchDays <= 0 {
		c.SearchDays = 14
	}
	if c.AppointmentSubject == "" {
		c.AppointmentSubject = "Rendez-vous téléphonique avec un conseiller"
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 10 * time.Second
	}
	if c.MaxStreamDuration <= 0 {
		c.MaxStreamDuration = 30 * time.Second
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	for _, in := range c.Intents {
		if !slices.Contains(agentNodes, in.Name) {
			errs = append(errs, fmt.Errorf("agent: unknown intent %q", in.Name))
		}
	}
	if err := c.Hours.Validate(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Prompts.Consent) == "" {
		errs = append(errs, errors.New("agent: consent prompt must not be empty"))
	}
	return errors.Join(errs...)
}

// IsRoutable reports whether name is a node the router may select.
func IsRoutable(name NodeName) bool { return slices.Contains(agentNodes, name) }

func withMinimumIntents(in []Intent) []Intent {
	out := slices.Clone(in)
	for _, d := range DefaultIntents {
		if !slices.ContainsFunc(out, func(i Intent) bool { return i.Name == d.Name }) {
			out = append(out, d)
		}
	}
	return out
}

func (p Prompts) withDefaults() Prompts {
	d := DefaultPrompts
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&p.Welcome, d.Welcome)
	fill(&p.WelcomeKnown, d.WelcomeKnown)
	fill(&p.WelcomeUnknown, d.WelcomeUnknown)
	fill(&p.Consent, d.Consent)
	fill(&p.Closing, d.Closing)
	fill(&p.Apology, d.Apology)
	fill(&p.ProposeSlots, d.ProposeSlots)
	fill(&p.NoSlots, d.NoSlots)
	fill(&p.PreferenceUnavailable, d.PreferenceUnavailable)
	fill(&p.ConfirmSlot, d.ConfirmSlot)
	fill(&p.Booked, d.Booked)
	fill(&p.SlotUnavailable, d.SlotUnavailable)
	fill(&p.LeadMissing, d.LeadMissing)
	fill(&p.LeadDone, d.LeadDone)
	fill(&p.RouterSystem, d.RouterSystem)
	fill(&p.ConsentSystem, d.ConsentSystem)
	fill(&p.PreferenceSystem, d.PreferenceSystem)
	fill(&p.LeadSystem, d.LeadSystem)
	return p
}

// render substitutes {key} placeholders; kv alternates keys and values.
func render(tmpl string, kv ...string) string {
	if len(kv) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, "{"+kv[i]+"}", kv[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
