// Package postgres is the PostgreSQL implementation of conversation.Store,
// plus a pgvector-backed semantic cache of FAQ answers.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, conversation.Quota{MaxUserMessagesPerDay: 200}, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	conv, _ := store.StartConversation(ctx, "+33123456789", callSID)
//	_, _ = store.AddMessage(ctx, conv.ID, conversation.RoleUser, "Bonjour", conversation.Usage{})
//
//	answers := store.AnswerCache(embedder, 0.08)
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/festnoze/squad-ai-sub002/internal/conversation"
)

var _ conversation.Store = (*Store)(nil)

// Store is a conversation.Store backed by a pgx connection pool. All methods
// are safe for concurrent use.
type Store struct {
	pool  *pgxpool.Pool
	quota conversation.Quota
	dims  int
	now   func() time.Time
}

// NewStore connects to dsn, registers pgvector types on every connection and
// runs [Migrate]. embeddingDimensions sizes the answer cache vectors; zero
// disables the answer cache.
func NewStore(ctx context.Context, dsn string, quota conversation.Quota, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	if embeddingDimensions > 0 {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool, quota: quota, dims: embeddingDimensions, now: time.Now}, nil
}

// Ping checks connectivity. It backs the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// StartConversation implements conversation.Store.
func (s *Store) StartConversation(ctx context.Context, phone, callSID string) (*conversation.Conversation, error) {
	if callSID == "" {
		return nil, errors.New("postgres store: start conversation: empty call sid")
	}
	var conv conversation.Conversation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var callerID uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO callers (id, phone) VALUES ($1, $2)
			ON CONFLICT (phone) DO UPDATE SET phone = EXCLUDED.phone
			RETURNING id`,
			uuid.New(), conversation.CallerKey(phone, callSID),
		).Scan(&callerID)
		if err != nil {
			return fmt.Errorf("upsert caller: %w", err)
		}
		return tx.QueryRow(ctx, `
			INSERT INTO conversations (id, caller_id, call_sid) VALUES ($1, $2, $3)
			ON CONFLICT (call_sid) DO UPDATE SET call_sid = EXCLUDED.call_sid
			RETURNING id, caller_id, call_sid, created_at`,
			uuid.New(), callerID, callSID,
		).Scan(&conv.ID, &conv.CallerID, &conv.CallSID, &conv.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: start conversation: %w", err)
	}
	return &conv, nil
}

// AddMessage implements conversation.Store.
func (s *Store) AddMessage(ctx context.Context, conversationID uuid.UUID, role conversation.Role, content string, usage conversation.Usage) (*conversation.Message, error) {
	now := s.now()
	msg := conversation.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Usage:          usage,
		CreatedAt:      now,
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var callerID uuid.UUID
		err := tx.QueryRow(ctx, `SELECT caller_id FROM conversations WHERE id = $1`, conversationID).Scan(&callerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return conversation.ErrNotFound
		}
		if err != nil {
			return err
		}

		if role == conversation.RoleUser && s.quota.MaxUserMessagesPerDay > 0 {
			var used int
			err := tx.QueryRow(ctx, `
				SELECT count(*)
				FROM   messages m
				JOIN   conversations c ON c.id = m.conversation_id
				WHERE  c.caller_id = $1
				  AND  m.role = 'user'
				  AND  m.created_at >= $2`,
				callerID, conversation.DayStart(now),
			).Scan(&used)
			if err != nil {
				return fmt.Errorf("count quota: %w", err)
			}
			if used >= s.quota.MaxUserMessagesPerDay {
				return conversation.ErrQuotaExceeded
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO messages
			    (id, conversation_id, role, content, prompt_tokens, completion_tokens, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			msg.ID, conversationID, string(role), content,
			usage.PromptTokens, usage.CompletionTokens, now,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: add message: %w", err)
	}
	return &msg, nil
}

// Messages implements conversation.Store.
func (s *Store) Messages(ctx context.Context, conversationID uuid.UUID) ([]conversation.Message, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres store: messages: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("postgres store: messages %s: %w", conversationID, conversation.ErrNotFound)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, prompt_tokens, completion_tokens, created_at
		FROM   messages
		WHERE  conversation_id = $1
		ORDER  BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Message, error) {
		var (
			m    conversation.Message
			role string
		)
		if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content,
			&m.Usage.PromptTokens, &m.Usage.CompletionTokens, &m.CreatedAt); err != nil {
			return conversation.Message{}, err
		}
		m.Role = conversation.Role(role)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan messages: %w", err)
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	return msgs, nil
}
