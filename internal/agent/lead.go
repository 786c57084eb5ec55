package agent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/festnoze/squad-ai-sub002/internal/crm"
	"github.com/festnoze/squad-ai-sub002/internal/observe"
)

// LeadSource tags leads created by the callbot.
const LeadSource = "callbot"

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// lead gathers contact details over one or more turns and posts them to the
// CRM once complete.
func (a *Agent) lead(ctx context.Context, s *State) error {
	info := s.Scratchpad.Lead
	if info == nil {
		info = &LeadInfo{Phone: normalizePhone(s.CallerPhone)}
		if p := s.Scratchpad.Account; p != nil {
			info.FirstName, info.LastName, info.Email = p.FirstName, p.LastName, p.Email
		}
		s.Scratchpad.Lead = info
	}
	if info.LeadID != "" {
		a.say(ctx, s, a.cfg.Prompts.LeadDone)
		return nil
	}

	out, err := a.complete(ctx, s, "lead", a.cfg.Prompts.LeadSystem, true)
	if err != nil {
		a.apologize(ctx, s, "lead extraction", err)
		return nil
	}
	var got LeadInfo
	if err := json.Unmarshal([]byte(jsonObject(out)), &got); err != nil {
		a.log.Info("unparsable lead extraction", "call_sid", s.CallSID, "reply", out)
	}
	info.merge(got)

	if missing := info.missing(); len(missing) > 0 {
		a.say(ctx, s, render(a.cfg.Prompts.LeadMissing, "fields", joinFrench(missing, "et")))
		return nil
	}

	id, err := a.deps.CRM.CreateLead(ctx, crm.Lead{
		FirstName:        info.FirstName,
		LastName:         info.LastName,
		Email:            info.Email,
		Phone:            info.Phone,
		TrainingInterest: info.TrainingInterest,
		Source:           LeadSource,
	})
	if err != nil {
		a.apologize(ctx, s, "create lead", err)
		return nil
	}
	info.LeadID = id
	observe.Logger(ctx, a.log).Info("lead created", "call_sid", s.CallSID, "lead_id", id)
	a.say(ctx, s, a.cfg.Prompts.LeadDone)
	return nil
}

// merge keeps the valid, non-empty fields of o.
func (l *LeadInfo) merge(o LeadInfo) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&l.FirstName, o.FirstName)
	set(&l.LastName, o.LastName)
	set(&l.TrainingInterest, o.TrainingInterest)
	if e := strings.ToLower(strings.ReplaceAll(o.Email, " ", "")); emailPattern.MatchString(e) {
		l.Email = e
	}
	if p := normalizePhone(o.Phone); p != "" {
		l.Phone = p
	}
}

// missing lists the required details still unknown, as spoken labels.
func (l *LeadInfo) missing() []string {
	var out []string
	if l.FirstName == "" {
		out = append(out, "votre prénom")
	}
	if l.LastName == "" {
		out = append(out, "votre nom")
	}
	if l.Email == "" {
		out = append(out, "votre adresse e-mail")
	}
	if l.Phone == "" {
		out = append(out, "votre numéro de téléphone")
	}
	return out
}

// normalizePhone keeps digits and a leading plus. Numbers with fewer than 9
// or more than 15 digits are rejected.
func normalizePhone(p string) string {
	var b strings.Builder
	digits := 0
	for i, r := range strings.TrimSpace(p) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	if digits < 9 || digits > 15 {
		return ""
	}
	return b.String()
}
