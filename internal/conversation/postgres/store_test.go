package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/festnoze/squad-ai-sub002/internal/conversation"
	"github.com/festnoze/squad-ai-sub002/internal/conversation/postgres"
	embmock "github.com/festnoze/squad-ai-sub002/pkg/provider/embeddings/mock"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN or skips the test.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CALLBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALLBOT_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a Store on a clean schema.
func newTestStore(t *testing.T, quota conversation.Quota) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS cached_answers CASCADE",
		"DROP TABLE IF EXISTS messages CASCADE",
		"DROP TABLE IF EXISTS conversations CASCADE",
		"DROP TABLE IF EXISTS callers CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop: %v", err)
		}
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn, quota, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_ConversationLifecycle(t *testing.T) {
	store := newTestStore(t, conversation.Quota{MaxUserMessagesPerDay: 2})
	ctx := context.Background()

	conv, err := store.StartConversation(ctx, "+33123456789", "CA1")
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	again, err := store.StartConversation(ctx, "+33123456789", "CA1")
	if err != nil {
		t.Fatalf("StartConversation again: %v", err)
	}
	if again.ID != conv.ID {
		t.Errorf("restart created conversation %s, want %s", again.ID, conv.ID)
	}

	for _, text := range []string{"un", "deux"} {
		if _, err := store.AddMessage(ctx, conv.ID, conversation.RoleUser, text, conversation.Usage{}); err != nil {
			t.Fatalf("AddMessage %q: %v", text, err)
		}
	}
	if _, err := store.AddMessage(ctx, conv.ID, conversation.RoleUser, "trois", conversation.Usage{}); !errors.Is(err, conversation.ErrQuotaExceeded) {
		t.Errorf("third user message: %v, want ErrQuotaExceeded", err)
	}
	if _, err := store.AddMessage(ctx, conv.ID, conversation.RoleAssistant, "Désolé.", conversation.Usage{PromptTokens: 12, CompletionTokens: 3}); err != nil {
		t.Errorf("assistant message: %v", err)
	}

	msgs, err := store.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 3 || msgs[2].Role != conversation.RoleAssistant || msgs[2].Usage.PromptTokens != 12 {
		t.Errorf("messages = %+v", msgs)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestAnswerCache(t *testing.T) {
	store := newTestStore(t, conversation.Quota{})
	ctx := context.Background()

	emb := &embmock.Provider{
		Dims: testEmbeddingDim,
		Vectors: map[string][]float32{
			"quels bts en rh ?":          {1, 0, 0, 0},
			"quels sont les bts en rh ?": {0.99, 0.05, 0, 0},
			"comment payer mes frais ?":  {0, 0, 1, 0},
		},
		Default: []float32{0, 1, 0, 0},
	}
	cache, err := store.AnswerCache(emb, 0.05)
	if err != nil {
		t.Fatalf("AnswerCache: %v", err)
	}

	if _, ok, err := cache.Lookup(ctx, "Quels BTS en RH ?"); err != nil || ok {
		t.Fatalf("empty cache lookup: ok=%v err=%v", ok, err)
	}
	if err := cache.Store(ctx, "Quels BTS en RH ?", "Nous proposons deux BTS."); err != nil {
		t.Fatalf("Store: %v", err)
	}
	answer, ok, err := cache.Lookup(ctx, "Quels sont les  BTS en RH ?")
	if err != nil || !ok || answer != "Nous proposons deux BTS." {
		t.Errorf("similar lookup = %q, %v, %v", answer, ok, err)
	}
	if _, ok, _ := cache.Lookup(ctx, "Comment payer mes frais ?"); ok {
		t.Error("unrelated question hit the cache")
	}

	if _, err := store.AnswerCache(&embmock.Provider{Dims: 8}, 0.05); err == nil {
		t.Error("dimension mismatch accepted")
	}
}
