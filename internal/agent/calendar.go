package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/festnoze/squad-ai-sub002/internal/crm"
	"github.com/festnoze/squad-ai-sub002/internal/observe"
	"github.com/festnoze/squad-ai-sub002/internal/schedule"
)

// Actions of the preference classifier.
const (
	actionAccept     = "accept"
	actionMore       = "more"
	actionPreference = "preference"
	actionReschedule = "reschedule"
	actionDecline    = "decline"
)

type preferenceDecision struct {
	Action string `json:"action"`
	Choice int    `json:"choice"`
	Date   string `json:"date"`
	Time   string `json:"time"`
}

// calendar runs the appointment flow: propose, await preference, confirm,
// book. A failed booking goes back to proposing.
func (a *Agent) calendar(ctx context.Context, s *State) error {
	s.Scratchpad.NextAgent = NodeCalendar
	cs := s.Scratchpad.Calendar

	switch {
	case cs == nil || cs.Step == StepBooked || cs.Step == StepPropose:
		s.Scratchpad.Calendar = &CalendarState{Step: StepPropose}
		var pref *schedule.Preference
		if d, err := a.classifyPreference(ctx, s, nil); err == nil && d.Action == actionPreference {
			pref = a.preference(d)
		}
		return a.propose(ctx, s, pref)

	case cs.Step == StepAwaitPreference:
		d, err := a.classifyPreference(ctx, s, cs.Proposed)
		if err != nil {
			a.apologize(ctx, s, "calendar preference", err)
			return nil
		}
		switch d.Action {
		case actionAccept:
			i := min(max(d.Choice, 1), len(cs.Proposed)) - 1
			if i < 0 {
				return a.propose(ctx, s, nil)
			}
			a.confirm(ctx, s, cs.Proposed[i])
		case actionMore:
			cs.Offset += max(len(cs.Proposed), 1)
			return a.propose(ctx, s, nil)
		case actionPreference:
			return a.propose(ctx, s, a.preference(d))
		case actionReschedule:
			cs.Offset = 0
			return a.propose(ctx, s, nil)
		case actionDecline:
			s.Scratchpad.Calendar = nil
			s.Scratchpad.Consent = ConsentNo
			s.Scratchpad.NextAgent = NodeNoAppointment
		default:
			s.Scratchpad.Calendar = nil
			s.Scratchpad.NextAgent = NodeFAQ
		}
		return nil

	case cs.Step == StepConfirm && s.Scratchpad.Consent == ConsentYes:
		return a.book(ctx, s)

	default:
		cs.Step = StepPropose
		return a.propose(ctx, s, nil)
	}
}

// propose offers free starts, or confirms pref directly when it can be met.
func (a *Agent) propose(ctx context.Context, s *State, pref *schedule.Preference) error {
	cs := s.Scratchpad.Calendar
	slots, err := a.freeSlots(ctx, s)
	if err != nil {
		cs.Step = StepPropose
		a.apologize(ctx, s, "calendar slots", err)
		return nil
	}
	if len(slots) == 0 {
		s.Scratchpad.Calendar = nil
		a.say(ctx, s, a.cfg.Prompts.NoSlots)
		return nil
	}

	var prefix string
	if pref != nil {
		if t, ok := schedule.Resolve(slots, *pref); ok {
			a.confirm(ctx, s, t)
			return nil
		}
		prefix = a.cfg.Prompts.PreferenceUnavailable + " "
	}

	starts := schedule.Next(slots, cs.Offset, a.cfg.ProposalCount)
	if len(starts) == 0 {
		cs.Offset = 0
		starts = schedule.Next(slots, 0, a.cfg.ProposalCount)
	}
	spoken := make([]string, 0, len(starts))
	for _, t := range starts {
		spoken = append(spoken, frenchSlot(t))
	}
	cs.Proposed = starts
	cs.Step = StepAwaitPreference
	a.say(ctx, s, prefix+render(a.cfg.Prompts.ProposeSlots, "slots", joinFrench(spoken, "ou")))
	return nil
}

// confirm restates the chosen start and asks for consent.
func (a *Agent) confirm(ctx context.Context, s *State, t time.Time) {
	cs := s.Scratchpad.Calendar
	cs.Chosen = t
	cs.Step = StepConfirm
	s.Scratchpad.Consent = ""
	a.say(ctx, s, render(a.cfg.Prompts.ConfirmSlot, "slot", frenchSlot(t)))
	a.say(ctx, s, a.cfg.Prompts.Consent)
}

// book schedules the confirmed appointment.
func (a *Agent) book(ctx context.Context, s *State) error {
	cs := s.Scratchpad.Calendar
	log := observe.Logger(ctx, a.log).With("call_sid", s.CallSID)
	s.Scratchpad.Consent = ""

	if slots, err := a.freeSlots(ctx, s); err != nil {
		log.Warn("re-checking slot failed, booking anyway", "error", err)
	} else if !schedule.Contains(slots, cs.Chosen) {
		return a.regress(ctx, s, a.cfg.Prompts.SlotUnavailable)
	}

	req := crm.AppointmentRequest{
		Subject:         a.cfg.AppointmentSubject,
		Start:           cs.Chosen,
		DurationMinutes: int(a.cfg.Hours.Duration / time.Minute),
		Description:     "Rendez-vous pris par l'assistant vocal, appel " + s.CallSID,
	}
	if p := s.Scratchpad.Account; p != nil {
		req.WhoID = p.ID
	}
	req.OwnerID = a.ownerID(s)

	id, err := a.deps.CRM.ScheduleAppointment(ctx, req)
	switch {
	case errors.Is(err, crm.ErrSlotUnavailable):
		return a.regress(ctx, s, a.cfg.Prompts.SlotUnavailable)
	case err != nil:
		log.Warn("booking failed", "error", err)
		s.Scratchpad.Error = err.Error()
		return a.regress(ctx, s, a.cfg.Prompts.Apology)
	case id == "":
		log.Warn("booking returned no event id")
		return a.regress(ctx, s, a.cfg.Prompts.Apology)
	}

	cs.EventID = id
	cs.Step = StepBooked
	log.Info("appointment booked", "event_id", id, "start", cs.Chosen)
	a.say(ctx, s, render(a.cfg.Prompts.Booked, "slot", frenchSlot(cs.Chosen)))
	return nil
}

// regress explains why the booking did not happen and proposes again.
func (a *Agent) regress(ctx context.Context, s *State, why string) error {
	cs := s.Scratchpad.Calendar
	cs.Failures++
	cs.Offset = 0
	cs.Step = StepPropose
	a.say(ctx, s, why)
	return a.propose(ctx, s, nil)
}

// freeSlots returns the bookable slots from tomorrow on.
func (a *Agent) freeSlots(ctx context.Context, s *State) ([]schedule.Slot, error) {
	loc := a.location()
	y, m, d := a.now().In(loc).Date()
	from := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, a.cfg.SearchDays)

	appts, err := a.deps.CRM.GetScheduledAppointments(ctx, from, to, a.ownerID(s))
	if err != nil {
		return nil, err
	}
	busy := make([]schedule.Interval, 0, len(appts))
	for _, ap := range appts {
		busy = append(busy, schedule.Interval{Start: ap.Start, End: ap.End})
	}
	return a.cfg.Hours.FreeSlots(from, to, busy), nil
}

func (a *Agent) ownerID(s *State) string {
	if p := s.Scratchpad.Account; p != nil {
		if adv := p.Advisor(); adv != nil {
			return adv.ID
		}
	}
	return ""
}

func (a *Agent) location() *time.Location {
	if a.cfg.Hours.Location != nil {
		return a.cfg.Hours.Location
	}
	return time.UTC
}

// classifyPreference reads the caller's answer to a proposal. Plain yes or
// no answers are decided locally.
func (a *Agent) classifyPreference(ctx context.Context, s *State, proposed []time.Time) (preferenceDecision, error) {
	if len(proposed) > 0 {
		if c, ok := consentFastPath(s.UserInput); ok {
			if c == ConsentYes {
				return preferenceDecision{Action: actionAccept, Choice: 1}, nil
			}
			return preferenceDecision{Action: actionDecline}, nil
		}
	}

	var b strings.Builder
	for i, t := range proposed {
		fmt.Fprintf(&b, "%d. %s\n", i+1, frenchSlot(t))
	}
	if b.Len() == 0 {
		b.WriteString("(aucune proposition pour l'instant)\n")
	}
	system := render(a.cfg.Prompts.PreferenceSystem,
		"today", frenchDate(a.now().In(a.location())), "proposals", b.String())
	out, err := a.complete(ctx, s, "preference", system, true)
	if err != nil {
		return preferenceDecision{}, err
	}
	var d preferenceDecision
	if err := json.Unmarshal([]byte(jsonObject(out)), &d); err != nil {
		a.log.Info("unparsable preference, treating as other", "call_sid", s.CallSID, "reply", out)
		return preferenceDecision{}, nil
	}
	d.Action = strings.ToLower(strings.TrimSpace(d.Action))
	return d, nil
}

// preference converts a classifier decision into a schedule preference.
func (a *Agent) preference(d preferenceDecision) *schedule.Preference {
	var p schedule.Preference
	if d.Date != "" {
		if day, err := time.ParseInLocation("2006-01-02", d.Date, a.location()); err == nil {
			p.Day = day
		}
	}
	if d.Time != "" {
		if tod, err := schedule.ParseTimeOfDay(d.Time); err == nil {
			p.Time = &tod
		}
	}
	if p.Day.IsZero() && p.Time == nil {
		return nil
	}
	return &p
}

// jsonObject extracts the outermost JSON object of an LLM reply, ignoring
// code fences and prose around it.
func jsonObject(s string) string {
	i, j := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if i < 0 || j < i {
		return s
	}
	return s[i : j+1]
}

var (
	frenchWeekdays = [...]string{"lundi", "mardi", "mercredi", "jeudi", "vendredi", "samedi", "dimanche"}
	frenchMonths   = [...]string{
		"janvier", "février", "mars", "avril", "mai", "juin",
		"juillet", "août", "septembre", "octobre", "novembre", "décembre",
	}
)

// frenchSlot renders a start as "lundi 6 janvier à 9h00".
func frenchSlot(t time.Time) string {
	return fmt.Sprintf("%s %d %s à %dh%02d",
		frenchWeekdays[schedule.Weekday(t)], t.Day(), frenchMonths[t.Month()-1], t.Hour(), t.Minute())
}

// frenchDate renders a date as "lundi 6 janvier 2025".
func frenchDate(t time.Time) string {
	return frenchWeekdays[schedule.Weekday(t)] + " " + strconv.Itoa(t.Day()) + " " +
		frenchMonths[t.Month()-1] + " " + strconv.Itoa(t.Year())
}

// joinFrench joins items as "a, b ou c" with conj as the last separator.
func joinFrench(items []string, conj string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " " + conj + " " + items[len(items)-1]
}
