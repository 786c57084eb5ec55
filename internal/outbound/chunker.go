package outbound

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunk limits used when the config does not override them.
const (
	DefaultMaxChunkWords = 20
	DefaultMaxChunkChars = 100
)

// splitChunk cuts the next speech chunk from the front of text. The chunk
// holds at most maxWords words and maxChars runes. It ends at the last
// sentence terminator inside those limits when there is one, otherwise at the
// last whitespace; a single overlong word is cut at maxChars. rest is the
// remaining text with leading whitespace removed.
func splitChunk(text string, maxWords, maxChars int) (chunk, rest string) {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if text == "" {
		return "", ""
	}

	limit := windowEnd(text, maxWords, maxChars)
	if limit >= len(text) {
		return strings.TrimSpace(text), ""
	}

	window := text[:limit]
	cut := lastSentenceEnd(window)
	if cut < 0 {
		cut = strings.LastIndexFunc(window, unicode.IsSpace)
	}
	if cut <= 0 {
		cut = limit
	}
	return strings.TrimSpace(text[:cut]), strings.TrimLeftFunc(text[cut:], unicode.IsSpace)
}

// windowEnd returns the byte offset where the word or rune limit is reached.
func windowEnd(text string, maxWords, maxChars int) int {
	words, runes := 0, 0
	inWord := false
	for i, r := range text {
		if runes == maxChars {
			return i
		}
		runes++
		if unicode.IsSpace(r) {
			inWord = false
			continue
		}
		if !inWord {
			if words == maxWords {
				return i
			}
			words++
			inWord = true
		}
	}
	return len(text)
}

// lastSentenceEnd returns the byte offset just past the last sentence
// terminator in s that is followed by whitespace or ends s, or -1.
func lastSentenceEnd(s string) int {
	for i := len(s); i > 0; {
		r, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
		if !isTerminator(r) {
			continue
		}
		end := i + size
		if end == len(s) {
			return end
		}
		next, _ := utf8.DecodeRuneInString(s[end:])
		if unicode.IsSpace(next) {
			return end
		}
	}
	return -1
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', ';', ':', '…':
		return true
	}
	return false
}

// Chunks splits text the way the worker does with cfg's limits. Prewarming
// the cache with these chunks makes fixed prompts play without synthesis.
func Chunks(text string, cfg Config) []string {
	cfg = cfg.withDefaults()
	var out []string
	for rest := text; ; {
		var chunk string
		chunk, rest = splitChunk(rest, cfg.MaxChunkWords, cfg.MaxChunkChars)
		if chunk == "" {
			return out
		}
		out = append(out, chunk)
	}
}
