package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS callers (
    id          UUID         PRIMARY KEY,
    phone       TEXT         NOT NULL UNIQUE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversations (
    id          UUID         PRIMARY KEY,
    caller_id   UUID         NOT NULL REFERENCES callers (id) ON DELETE CASCADE,
    call_sid    TEXT         NOT NULL UNIQUE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_caller_id
    ON conversations (caller_id);

CREATE TABLE IF NOT EXISTS messages (
    id                 UUID         PRIMARY KEY,
    conversation_id    UUID         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    role               TEXT         NOT NULL,
    content            TEXT         NOT NULL,
    prompt_tokens      INTEGER      NOT NULL DEFAULT 0,
    completion_tokens  INTEGER      NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
    ON messages (conversation_id, created_at);
`

// ddlAnswers returns the answer cache DDL with the embedding dimension
// substituted. The dimension is fixed when the table is first created.
func ddlAnswers(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS cached_answers (
    id          UUID         PRIMARY KEY,
    question    TEXT         NOT NULL,
    answer      TEXT         NOT NULL,
    embedding   vector(%d)   NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cached_answers_embedding
    ON cached_answers USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates the tables and extensions the store needs. It is idempotent
// and runs on every start. With embeddingDimensions <= 0 the answer cache
// table is not created.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{ddlConversations}
	if embeddingDimensions > 0 {
		statements = append(statements, ddlAnswers(embeddingDimensions))
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
