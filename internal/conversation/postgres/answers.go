package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/festnoze/squad-ai-sub002/pkg/provider/embeddings"
)

// AnswerCache stores FAQ answers keyed by the embedding of their question.
// A new question whose embedding lies within maxDistance (cosine) of a stored
// one is answered from the cache.
type AnswerCache struct {
	pool        *pgxpool.Pool
	embedder    embeddings.Provider
	maxDistance float64
}

// AnswerCache returns the store's answer cache. It requires the store to have
// been created with a positive embedding dimension matching embedder.
func (s *Store) AnswerCache(embedder embeddings.Provider, maxDistance float64) (*AnswerCache, error) {
	if s.dims <= 0 {
		return nil, errors.New("postgres store: answer cache disabled (no embedding dimensions)")
	}
	if d := embedder.Dimensions(); d != s.dims {
		return nil, fmt.Errorf("postgres store: embedder produces %d dimensions, table has %d", d, s.dims)
	}
	return &AnswerCache{pool: s.pool, embedder: embedder, maxDistance: maxDistance}, nil
}

// Lookup returns the cached answer closest to question, if close enough.
func (c *AnswerCache) Lookup(ctx context.Context, question string) (string, bool, error) {
	vec, err := c.embedder.Embed(ctx, normalizeQuestion(question))
	if err != nil {
		return "", false, fmt.Errorf("answer cache: embed: %w", err)
	}
	var (
		answer   string
		distance float64
	)
	err = c.pool.QueryRow(ctx, `
		SELECT answer, embedding <=> $1 AS distance
		FROM   cached_answers
		ORDER  BY distance
		LIMIT  1`, pgvector.NewVector(vec)).Scan(&answer, &distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("answer cache: lookup: %w", err)
	}
	if distance > c.maxDistance {
		return "", false, nil
	}
	return answer, true, nil
}

// Store records answer for question.
func (c *AnswerCache) Store(ctx context.Context, question, answer string) error {
	vec, err := c.embedder.Embed(ctx, normalizeQuestion(question))
	if err != nil {
		return fmt.Errorf("answer cache: embed: %w", err)
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO cached_answers (id, question, answer, embedding)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), question, answer, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("answer cache: store: %w", err)
	}
	return nil
}

func normalizeQuestion(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}
