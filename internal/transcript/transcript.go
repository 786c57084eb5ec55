// Package transcript corrects speech-to-text output against a known
// vocabulary: programme names, brands and other terms that recognizers tend
// to misspell or split into several words.
//
// A span of one or more transcript words is replaced by a vocabulary entry
// when the two are close enough. Closeness is judged in two stages:
//
//  1. Phonetic filtering: Double Metaphone codes are computed for each word
//     of the span and of the entry. When any code is shared, the entry is a
//     phonetic candidate and needs a Jaro-Winkler score of at least the
//     phonetic threshold (default 0.85).
//
//  2. Fuzzy fallback: entries without a shared code need the higher fuzzy
//     threshold (default 0.92).
//
// Scores are computed on lower-cased, accent-folded text, so "developeur"
// still reaches "Développeur". Spans never cross punctuation.
package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultPhoneticThreshold = 0.85
	defaultFuzzyThreshold    = 0.92
	defaultMinRunes          = 4
)

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for entries that
// share a phonetic code with the span.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for entries without
// a shared phonetic code.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// WithMinRunes sets the length below which spans and entries are ignored.
// Short words match too many things. Default 4.
func WithMinRunes(n int) Option {
	return func(c *Corrector) { c.minRunes = n }
}

// Correction describes one replacement made by [Corrector.Apply].
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

type entry struct {
	text   string
	folded string
	concat string
	tokens int
	codes  map[string]struct{}
}

// Corrector replaces misrecognized vocabulary terms in transcripts. It is
// read-only after construction and safe for concurrent use.
type Corrector struct {
	entries           []entry
	maxTokens         int
	phoneticThreshold float64
	fuzzyThreshold    float64
	minRunes          int
}

// New returns a Corrector for vocabulary. Blank entries and entries shorter
// than the minimum length are ignored.
func New(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
		minRunes:          defaultMinRunes,
	}
	for _, o := range opts {
		o(c)
	}
	for _, v := range vocabulary {
		v = strings.TrimSpace(v)
		tokens := strings.Fields(fold(v))
		concat := strings.Join(tokens, "")
		if utf8.RuneCountInString(concat) < c.minRunes {
			continue
		}
		c.entries = append(c.entries, entry{
			text:   strings.Join(strings.Fields(v), " "),
			folded: strings.Join(tokens, " "),
			concat: concat,
			tokens: len(tokens),
			codes:  codesForTokens(tokens),
		})
		c.maxTokens = max(c.maxTokens, len(tokens))
	}
	return c
}

// Len returns the number of usable vocabulary entries.
func (c *Corrector) Len() int { return len(c.entries) }

// Correct returns text with vocabulary terms corrected.
func (c *Corrector) Correct(text string) string {
	out, _ := c.Apply(text)
	return out
}

// Apply corrects text and reports each replacement. When nothing is
// replaced, text is returned unchanged.
func (c *Corrector) Apply(text string) (string, []Correction) {
	toks := split(text)
	if len(c.entries) == 0 || len(toks) == 0 {
		return text, nil
	}

	var (
		out   = make([]string, 0, len(toks))
		fixes []Correction
	)
	for i := 0; i < len(toks); {
		e, n, score := c.best(toks[i:])
		if n == 0 {
			out = append(out, toks[i].String())
			i++
			continue
		}
		span := toks[i : i+n]
		original := joinWords(span)
		if original != e.text {
			fixes = append(fixes, Correction{Original: original, Corrected: e.text, Confidence: score})
		}
		out = append(out, span[0].lead+e.text+span[n-1].trail)
		i += n
	}
	if len(fixes) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), fixes
}

// best finds the entry matching a prefix of toks. It returns n == 0 when
// none does. Among equal scores the shorter span wins.
func (c *Corrector) best(toks []token) (entry, int, float64) {
	var (
		bestEntry entry
		bestN     int
		bestScore float64
	)
	limit := min(c.maxTokens+1, len(toks))
	for n := 1; n <= limit; n++ {
		if toks[n-1].word == "" || (n > 1 && toks[n-2].trail != "") {
			break
		}
		words := make([]string, n)
		for k := range n {
			words[k] = fold(toks[k].word)
		}
		spanTokens := strings.Fields(strings.Join(words, " "))
		folded := strings.Join(spanTokens, " ")
		concat := strings.Join(spanTokens, "")
		spanLen := utf8.RuneCountInString(concat)
		if spanLen < c.minRunes {
			continue
		}
		codes := codesForTokens(spanTokens)

		for _, e := range c.entries {
			if n < e.tokens || n > e.tokens+1 || !similarLength(spanLen, utf8.RuneCountInString(e.concat)) {
				continue
			}
			score := max(
				matchr.JaroWinkler(folded, e.folded, false),
				matchr.JaroWinkler(concat, e.concat, false),
			)
			threshold := c.fuzzyThreshold
			if codesOverlap(codes, e.codes) {
				threshold = c.phoneticThreshold
			}
			if score >= threshold && score > bestScore {
				bestEntry, bestN, bestScore = e, n, score
			}
		}
	}
	return bestEntry, bestN, bestScore
}

// similarLength reports whether a span of a runes may stand for an entry of
// b runes. It keeps a trailing short word from joining a match.
func similarLength(a, b int) bool {
	return 4*a >= 3*b && 3*a <= 4*b
}

// token is one whitespace-separated field split into surrounding
// punctuation and the word itself.
type token struct {
	lead, word, trail string
}

func (t token) String() string { return t.lead + t.word + t.trail }

func split(text string) []token {
	fields := strings.Fields(text)
	toks := make([]token, len(fields))
	for i, f := range fields {
		rest := strings.TrimLeftFunc(f, unicode.IsPunct)
		word := strings.TrimRightFunc(rest, unicode.IsPunct)
		toks[i] = token{lead: f[:len(f)-len(rest)], word: word, trail: rest[len(word):]}
	}
	return toks
}

func joinWords(toks []token) string {
	words := make([]string, len(toks))
	for i, t := range toks {
		words[i] = t.word
	}
	return strings.Join(words, " ")
}

// fold lower-cases s and strips diacritics.
func fold(s string) string {
	s = strings.ToLower(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
// Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
