package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-process Store. Data is lost on restart.
type MemStore struct {
	quota Quota
	now   func() time.Time

	mu            sync.Mutex
	callers       map[string]*Caller
	conversations map[uuid.UUID]*Conversation
	byCall        map[string]uuid.UUID
	messages      map[uuid.UUID][]Message
}

// NewMemStore returns an empty MemStore enforcing quota.
func NewMemStore(quota Quota) *MemStore {
	return &MemStore{
		quota:         quota,
		now:           time.Now,
		callers:       make(map[string]*Caller),
		conversations: make(map[uuid.UUID]*Conversation),
		byCall:        make(map[string]uuid.UUID),
		messages:      make(map[uuid.UUID][]Message),
	}
}

// StartConversation implements Store.
func (s *MemStore) StartConversation(_ context.Context, phone, callSID string) (*Conversation, error) {
	if callSID == "" {
		return nil, fmt.Errorf("conversation: start: empty call sid")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byCall[callSID]; ok {
		c := *s.conversations[id]
		return &c, nil
	}

	key := CallerKey(phone, callSID)
	caller, ok := s.callers[key]
	if !ok {
		caller = &Caller{ID: uuid.New(), Phone: key, CreatedAt: s.now()}
		s.callers[key] = caller
	}
	conv := &Conversation{ID: uuid.New(), CallerID: caller.ID, CallSID: callSID, CreatedAt: s.now()}
	s.conversations[conv.ID] = conv
	s.byCall[callSID] = conv.ID
	c := *conv
	return &c, nil
}

// AddMessage implements Store.
func (s *MemStore) AddMessage(_ context.Context, conversationID uuid.UUID, role Role, content string, usage Usage) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation: add message %s: %w", conversationID, ErrNotFound)
	}
	now := s.now()
	if role == RoleUser && s.quota.MaxUserMessagesPerDay > 0 {
		if s.userMessagesSince(conv.CallerID, DayStart(now)) >= s.quota.MaxUserMessagesPerDay {
			return nil, ErrQuotaExceeded
		}
	}
	msg := Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Usage:          usage,
		CreatedAt:      now,
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return &msg, nil
}

// userMessagesSince counts a caller's user messages across conversations.
// The caller holds s.mu.
func (s *MemStore) userMessagesSince(callerID uuid.UUID, since time.Time) int {
	n := 0
	for id, conv := range s.conversations {
		if conv.CallerID != callerID {
			continue
		}
		for _, m := range s.messages[id] {
			if m.Role == RoleUser && !m.CreatedAt.Before(since) {
				n++
			}
		}
	}
	return n
}

// Messages implements Store.
func (s *MemStore) Messages(_ context.Context, conversationID uuid.UUID) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, fmt.Errorf("conversation: messages %s: %w", conversationID, ErrNotFound)
	}
	return append([]Message(nil), s.messages[conversationID]...), nil
}
