package agent

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/festnoze/squad-ai-sub002/internal/conversation"
	"github.com/festnoze/squad-ai-sub002/internal/observe"
)

// faq answers from the RAG service, speaking each sentence as soon as it is
// complete. The answer is recorded once the stream ends. A barge-in stops the
// stream, and only the speech the caller heard is recorded.
func (a *Agent) faq(ctx context.Context, s *State) error {
	log := observe.Logger(ctx, a.log).With("call_sid", s.CallSID)
	question := s.UserInput

	if a.deps.Answers != nil {
		answer, ok, err := a.deps.Answers.Lookup(ctx, question)
		if a.metrics != nil && err == nil {
			a.metrics.RecordCacheLookup(ctx, "answer", ok)
		}
		switch {
		case err != nil:
			log.Warn("answer cache lookup failed", "error", err)
		case ok:
			log.Debug("answered from cache")
			a.say(ctx, s, answer)
			return nil
		}
	}

	sctx, cancel := context.WithTimeout(ctx, a.cfg.MaxStreamDuration)
	defer cancel()
	sctx, span := observe.StartSpan(sctx, "rag.stream")
	defer span.End()

	ch, err := a.deps.RAG.Stream(sctx, s.Scratchpad.ConversationID.String(), question)
	if err != nil {
		a.apologize(ctx, s, "faq", err)
		return nil
	}

	mark := s.interruptions()
	s.openTurn()
	var (
		full      strings.Builder
		pending   string
		streamErr error
		cut       bool
	)
	for c := range ch {
		if s.interruptions() != mark {
			cut = true
			cancel()
			break
		}
		if c.Err != nil {
			streamErr = c.Err
			break
		}
		full.WriteString(c.Text)
		pending += c.Text
		for {
			sentence, rest, ok := cutSentence(pending)
			if !ok {
				break
			}
			s.speakTurn(sentence)
			pending = rest
		}
	}
	if !cut && s.interruptions() == mark {
		s.speakTurn(pending)
	} else {
		cut = true
	}
	if sctx.Err() != nil && ctx.Err() == nil && !cut {
		log.Warn("answer stream cut at deadline", "limit", a.cfg.MaxStreamDuration)
	}
	spoken := s.closeTurn()

	answer := strings.TrimSpace(full.String())
	switch {
	case cut:
		log.Info("answer interrupted by the caller", "heard_chars", len(spoken))
		if spoken != "" {
			a.persist(ctx, s, conversation.RoleAssistant, spoken)
		}
		return nil
	case answer == "" && streamErr != nil:
		a.apologize(ctx, s, "faq", streamErr)
		return nil
	case answer == "":
		log.Info("empty answer, apologizing")
		a.say(ctx, s, a.cfg.Prompts.Apology)
		return nil
	}
	a.persist(ctx, s, conversation.RoleAssistant, spoken)

	if streamErr != nil {
		log.Warn("answer stream failed part-way", "error", streamErr)
		return nil
	}
	if a.deps.Answers != nil && sctx.Err() == nil {
		if err := a.deps.Answers.Store(ctx, question, answer); err != nil {
			log.Warn("storing answer failed", "error", err)
		}
	}
	return nil
}

// cutSentence splits text after its first sentence terminator that is
// followed by whitespace. A terminator at the very end is not cut, since the
// next delta may continue it ("3." then "5 %").
func cutSentence(text string) (sentence, rest string, ok bool) {
	for i, r := range text {
		if !isSentenceEnd(r) {
			continue
		}
		j := i + utf8.RuneLen(r)
		for j < len(text) && isSentenceEnd(rune(text[j])) {
			j++
		}
		if j >= len(text) {
			return "", text, false
		}
		next, _ := utf8.DecodeRuneInString(text[j:])
		if unicode.IsSpace(next) {
			return text[:j], text[j:], true
		}
	}
	return "", text, false
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}
