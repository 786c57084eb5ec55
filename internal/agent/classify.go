package agent

import (
	"context"
	"slices"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	labelJaroWinkler   = 0.85
	labelLevenshtein   = 2
	consentJaroWinkler = 0.9
)

var (
	yesWords = []string{
		"oui", "ouais", "ok", "okay", "accord", "parfait", "volontiers", "absolument",
		"exactement", "certainement", "entendu", "yes", "super", "impeccable", "confirme",
	}
	noWords = []string{"non", "nan", "pas", "jamais", "aucun", "aucunement"}
	fillers = []string{
		"d", "c", "est", "ca", "me", "va", "tres", "bien", "alors", "euh", "bon", "merci",
		"madame", "monsieur", "je", "vous", "le", "la", "tout", "a", "fait", "sur",
		"maintenant", "pour", "l", "instant", "moment",
	}
)

// classifyIntent asks the LLM for the agent that should answer and snaps the
// reply onto a configured intent. Unusable replies and LLM failures select
// the FAQ agent.
func (a *Agent) classifyIntent(ctx context.Context, s *State) NodeName {
	var b strings.Builder
	labels := make([]string, 0, len(a.cfg.Intents))
	for _, in := range a.cfg.Intents {
		labels = append(labels, string(in.Name))
		b.WriteString("- " + string(in.Name) + " : " + in.Description + "\n")
	}
	out, err := a.complete(ctx, s, "router", render(a.cfg.Prompts.RouterSystem, "intents", b.String()), false)
	if err != nil {
		a.log.Warn("intent classification failed, defaulting to FAQ", "call_sid", s.CallSID, "error", err)
		return NodeFAQ
	}
	label, ok := snapLabel(out, labels)
	if !ok {
		a.log.Info("unknown intent label, defaulting to FAQ", "call_sid", s.CallSID, "label", out)
		return NodeFAQ
	}
	return NodeName(label)
}

// classifyConsent decides whether the caller accepted. Plain answers are
// decided locally; the LLM settles the rest.
func (a *Agent) classifyConsent(ctx context.Context, s *State) (Consent, error) {
	if c, ok := consentFastPath(s.UserInput); ok {
		return c, nil
	}
	out, err := a.complete(ctx, s, "consent", a.cfg.Prompts.ConsentSystem, false)
	if err != nil {
		return "", err
	}
	if label, ok := snapLabel(out, []string{string(ConsentYes), string(ConsentNo)}); ok && label == string(ConsentYes) {
		return ConsentYes, nil
	}
	return ConsentNo, nil
}

// consentFastPath recognizes short unambiguous answers.
func consentFastPath(text string) (Consent, bool) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return "", false
	}
	if tokens[0] == "non" || tokens[0] == "nan" {
		return ConsentNo, true
	}
	var yes, no bool
	for _, t := range tokens {
		switch {
		case isYesWord(t):
			yes = true
		case slices.Contains(noWords, t):
			no = true
		case slices.Contains(fillers, t):
		default:
			return "", false
		}
	}
	switch {
	case yes && !no:
		return ConsentYes, true
	case no && !yes:
		return ConsentNo, true
	}
	return "", false
}

func isYesWord(t string) bool {
	if slices.Contains(yesWords, t) {
		return true
	}
	return len(t) >= 3 && matchr.JaroWinkler(t, "oui", false) >= consentJaroWinkler
}

// snapLabel maps a free-form LLM reply onto one of labels.
func snapLabel(out string, labels []string) (string, bool) {
	s := strings.Trim(strings.ToLower(strings.TrimSpace(out)), "\"'`.*:- \n")
	if s == "" {
		return "", false
	}
	if slices.Contains(labels, s) {
		return s, true
	}
	for _, l := range labels {
		if strings.Contains(s, l) {
			return l, true
		}
	}
	best, score := "", 0.0
	for _, l := range labels {
		if js := matchr.JaroWinkler(s, l, false); js > score {
			best, score = l, js
		}
	}
	if score >= labelJaroWinkler {
		return best, true
	}
	for _, l := range labels {
		if matchr.Levenshtein(s, l) <= labelLevenshtein {
			return l, true
		}
	}
	return "", false
}

// tokenize lowercases text, folds French accents and splits on anything
// that is not a letter or digit.
func tokenize(text string) []string {
	folded := strings.Map(foldAccent, strings.ToLower(text))
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func foldAccent(r rune) rune {
	switch r {
	case 'à', 'â', 'ä':
		return 'a'
	case 'é', 'è', 'ê', 'ë':
		return 'e'
	case 'î', 'ï':
		return 'i'
	case 'ô', 'ö':
		return 'o'
	case 'ù', 'û', 'ü':
		return 'u'
	case 'ç':
		return 'c'
	}
	return r
}
