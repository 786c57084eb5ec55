// Package conversation persists callers, conversations and their messages.
//
// Each call binds to one conversation, created on the first start event and
// retrieved again if the provider restarts the stream. Every user and
// assistant turn is appended as a [Message] together with the LLM token usage
// it cost. A per-caller daily quota limits the number of user messages;
// exceeding it yields [ErrQuotaExceeded], which the agent answers with an
// apology instead of a reply.
//
// Two implementations exist: [MemStore] for tests and single-process
// deployments, and the PostgreSQL store in the postgres sub-package.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/festnoze/squad-ai-sub002/internal/faults"
)

// ErrQuotaExceeded is returned by AddMessage when the caller has used up the
// daily message quota. It matches faults.ErrQuota.
var ErrQuotaExceeded = fmt.Errorf("conversation: %w", faults.ErrQuota)

// ErrNotFound is returned for unknown conversation ids.
var ErrNotFound = errors.New("conversation: not found")

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Caller is a person identified by phone number.
type Caller struct {
	ID        uuid.UUID
	Phone     string
	CreatedAt time.Time
}

// Conversation is the persisted record of one call.
type Conversation struct {
	ID        uuid.UUID
	CallerID  uuid.UUID
	CallSID   string
	CreatedAt time.Time
}

// Usage is the LLM token cost attributed to a message.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Message is one turn of a conversation.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           Role
	Content        string
	Usage          Usage
	CreatedAt      time.Time
}

// Store is the persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// StartConversation returns the conversation bound to callSID, creating
	// the caller and the conversation when needed. An empty phone creates an
	// anonymous caller private to the call.
	StartConversation(ctx context.Context, phone, callSID string) (*Conversation, error)

	// AddMessage appends a message. User messages count against the caller's
	// daily quota and fail with ErrQuotaExceeded once it is used up.
	AddMessage(ctx context.Context, conversationID uuid.UUID, role Role, content string, usage Usage) (*Message, error)

	// Messages returns the conversation's messages, oldest first.
	Messages(ctx context.Context, conversationID uuid.UUID) ([]Message, error)
}

// Quota limits caller activity. Zero values disable a limit.
type Quota struct {
	MaxUserMessagesPerDay int
}

// CallerKey is the phone stored for a caller. Anonymous callers get a key
// unique to the call so that they do not share a quota.
func CallerKey(phone, callSID string) string {
	if phone != "" {
		return phone
	}
	return "anonymous:" + callSID
}

// DayStart returns midnight UTC of t's day, the start of the quota window.
func DayStart(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
