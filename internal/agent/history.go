package agent

import (
	"unicode/utf8"

	"github.com/festnoze/squad-ai-sub002/pkg/provider/llm"
)

// Default history window.
const (
	DefaultMaxHistoryMessages = 8
	DefaultMaxHistoryChars    = 16000
)

// TruncateHistory returns the most recent messages of h holding at most
// maxMessages messages and maxChars characters. Oldest messages are dropped
// first. A last message longer than maxChars on its own is cut to its final
// maxChars characters. The returned slice does not alias h.
func TruncateHistory(h []llm.Message, maxMessages, maxChars int) []llm.Message {
	if maxMessages <= 0 || maxChars <= 0 || len(h) == 0 {
		return nil
	}
	start := max(len(h)-maxMessages, 0)
	total := 0
	for _, m := range h[start:] {
		total += utf8.RuneCountInString(m.Content)
	}
	for total > maxChars && start < len(h)-1 {
		total -= utf8.RuneCountInString(h[start].Content)
		start++
	}

	out := make([]llm.Message, len(h)-start)
	copy(out, h[start:])
	if total > maxChars {
		last := []rune(out[0].Content)
		out[0].Content = string(last[len(last)-maxChars:])
	}
	return out
}
