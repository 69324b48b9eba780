package chat_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docsmith/docsmith/db"
	"github.com/docsmith/docsmith/internal/chat"
	"github.com/docsmith/docsmith/internal/log"
	"github.com/docsmith/docsmith/internal/postgres"
)

// Integration tests against a real PostgreSQL instance. Run with:
//
//	DOCSMITH_TEST_DATABASE_URL=postgres://localhost/docsmith_test go test ./internal/chat
func testChatStore(t *testing.T) (*chat.Store, *pgxpool.Pool) {
	t.Helper()

	connURL := os.Getenv("DOCSMITH_TEST_DATABASE_URL")
	if connURL == "" {
		t.Skip("DOCSMITH_TEST_DATABASE_URL not set, skipping integration test")
	}

	if err := db.Migrate(connURL); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	pool, err := postgres.Connect(ctx, connURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `TRUNCATE sessions, turns CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	s, err := chat.NewStore(pool, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, pool
}

func TestSessionLifecycle(t *testing.T) {
	s, _ := testChatStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Status != chat.StatusOpen {
		t.Errorf("Status = %q, want open", sess.Status)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("ID = %s, want %s", got.ID, sess.ID)
	}

	if err := s.CloseSession(ctx, sess.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	// Closing twice is a no-op.
	if err := s.CloseSession(ctx, sess.ID); err != nil {
		t.Fatalf("second CloseSession: %v", err)
	}

	got, err = s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession after close: %v", err)
	}
	if got.Status != chat.StatusClosed {
		t.Errorf("Status = %q, want closed", got.Status)
	}

	if _, err := s.GetSession(ctx, uuid.New()); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Errorf("unknown session error = %v, want ErrSessionNotFound", err)
	}
	if err := s.CloseSession(ctx, uuid.New()); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Errorf("close unknown session error = %v, want ErrSessionNotFound", err)
	}
}

func TestAppendTurnSequencesAndCitations(t *testing.T) {
	s, _ := testChatStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	user, err := s.AppendTurn(ctx, sess.ID, chat.RoleUser, "what are the values?", nil, false)
	if err != nil {
		t.Fatalf("append user turn: %v", err)
	}
	if user.SequenceNumber != 1 {
		t.Errorf("SequenceNumber = %d, want 1", user.SequenceNumber)
	}

	citations := []chat.Citation{
		{DocumentID: uuid.New(), ChunkID: uuid.New(), URL: "https://example.com/values"},
	}
	assistant, err := s.AppendTurn(ctx, sess.ID, chat.RoleAssistant, "the values are...", citations, false)
	if err != nil {
		t.Fatalf("append assistant turn: %v", err)
	}
	if assistant.SequenceNumber != 2 {
		t.Errorf("SequenceNumber = %d, want 2", assistant.SequenceNumber)
	}

	turns, err := s.ListTurns(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	if len(turns[1].Citations) != 1 || turns[1].Citations[0].URL != citations[0].URL {
		t.Errorf("citations did not round-trip: %+v", turns[1].Citations)
	}

	if err := s.CloseSession(ctx, sess.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if _, err := s.AppendTurn(ctx, sess.ID, chat.RoleUser, "more", nil, false); !errors.Is(err, chat.ErrSessionClosed) {
		t.Errorf("append to closed session error = %v, want ErrSessionClosed", err)
	}
}

func TestAppendTurnConcurrentSequencing(t *testing.T) {
	s, _ := testChatStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.AppendTurn(ctx, sess.ID, chat.RoleUser,
				fmt.Sprintf("message %d", i), nil, false)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	turns, err := s.ListTurns(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != n {
		t.Fatalf("turns = %d, want %d", len(turns), n)
	}
	for i, turn := range turns {
		if turn.SequenceNumber != int32(i+1) {
			t.Errorf("turn %d has sequence %d, want %d", i, turn.SequenceNumber, i+1)
		}
	}
}

func TestRecentTurnsWindow(t *testing.T) {
	s, _ := testChatStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for i := range 5 {
		if _, err := s.AppendTurn(ctx, sess.ID, chat.RoleUser,
			fmt.Sprintf("message %d", i), nil, false); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	recent, err := s.RecentTurns(ctx, sess.ID, 2)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d, want 2", len(recent))
	}
	// Newest two, returned oldest first.
	if recent[0].Content != "message 3" || recent[1].Content != "message 4" {
		t.Errorf("recent = %q, %q; want message 3, message 4",
			recent[0].Content, recent[1].Content)
	}
}
