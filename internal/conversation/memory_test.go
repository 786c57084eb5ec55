package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/festnoze/squad-ai-sub002/internal/faults"
)

func TestMemStore_StartConversationIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewMemStore(Quota{})
	ctx := context.Background()
	a, err := s.StartConversation(ctx, "+33123456789", "CA1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.StartConversation(ctx, "+33123456789", "CA1")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("restart created a new conversation")
	}
	c, _ := s.StartConversation(ctx, "+33123456789", "CA2")
	if c.ID == a.ID || c.CallerID != a.CallerID {
		t.Errorf("second call: conv %v caller %v", c.ID, c.CallerID)
	}
	anon1, _ := s.StartConversation(ctx, "", "CA3")
	anon2, _ := s.StartConversation(ctx, "", "CA4")
	if anon1.CallerID == anon2.CallerID {
		t.Errorf("anonymous callers share an identity")
	}
	if _, err := s.StartConversation(ctx, "+33", ""); err == nil {
		t.Error("empty call sid accepted")
	}
}

func TestMemStore_Messages(t *testing.T) {
	t.Parallel()

	s := NewMemStore(Quota{})
	ctx := context.Background()
	conv, _ := s.StartConversation(ctx, "+33123456789", "CA1")
	if _, err := s.AddMessage(ctx, conv.ID, RoleUser, "Bonjour", Usage{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddMessage(ctx, conv.ID, RoleAssistant, "Bonjour, que puis-je faire ?", Usage{PromptTokens: 40, CompletionTokens: 8}); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != RoleUser || msgs[1].Usage.CompletionTokens != 8 {
		t.Errorf("messages = %+v", msgs)
	}

	if _, err := s.AddMessage(ctx, uuid.New(), RoleUser, "x", Usage{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown conversation: %v", err)
	}
	if _, err := s.Messages(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown conversation: %v", err)
	}
}

func TestMemStore_DailyQuota(t *testing.T) {
	t.Parallel()

	s := NewMemStore(Quota{MaxUserMessagesPerDay: 2})
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	first, _ := s.StartConversation(ctx, "+33123456789", "CA1")
	second, _ := s.StartConversation(ctx, "+33123456789", "CA2")
	if _, err := s.AddMessage(ctx, first.ID, RoleUser, "un", Usage{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddMessage(ctx, second.ID, RoleUser, "deux", Usage{}); err != nil {
		t.Fatal(err)
	}
	_, err := s.AddMessage(ctx, second.ID, RoleUser, "trois", Usage{})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("third message: %v, want ErrQuotaExceeded", err)
	}
	if faults.KindOf(err) != faults.Quota {
		t.Errorf("kind = %v, want Quota", faults.KindOf(err))
	}
	if _, err := s.AddMessage(ctx, second.ID, RoleAssistant, "Désolé.", Usage{}); err != nil {
		t.Errorf("assistant message blocked by quota: %v", err)
	}

	now = now.Add(24 * time.Hour)
	if _, err := s.AddMessage(ctx, second.ID, RoleUser, "lendemain", Usage{}); err != nil {
		t.Errorf("quota not reset the next day: %v", err)
	}
}
