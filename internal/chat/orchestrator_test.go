package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/docsmith/docsmith/internal/gemini"
	"github.com/docsmith/docsmith/internal/retrieval"
)

type fakeSessions struct {
	session *Session
	turns   []Turn
	nextSeq int32
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		session: &Session{ID: uuid.New(), Status: StatusOpen},
	}
}

func (f *fakeSessions) GetSession(_ context.Context, id uuid.UUID) (*Session, error) {
	if f.session == nil || f.session.ID != id {
		return nil, ErrSessionNotFound
	}
	return f.session, nil
}

func (f *fakeSessions) AppendTurn(_ context.Context, sessionID uuid.UUID, role, content string, citations []Citation, failed bool) (*Turn, error) {
	if f.session == nil || f.session.ID != sessionID {
		return nil, ErrSessionNotFound
	}
	if f.session.Status != StatusOpen {
		return nil, ErrSessionClosed
	}
	f.nextSeq++
	t := Turn{
		ID:             uuid.New(),
		SessionID:      sessionID,
		SequenceNumber: f.nextSeq,
		Role:           role,
		Content:        content,
		Citations:      citations,
		Failed:         failed,
	}
	f.turns = append(f.turns, t)
	return &t, nil
}

func (f *fakeSessions) RecentTurns(_ context.Context, _ uuid.UUID, limit int) ([]Turn, error) {
	if len(f.turns) <= limit {
		return f.turns, nil
	}
	return f.turns[len(f.turns)-limit:], nil
}

type fakeRetriever struct {
	passages []retrieval.RankedPassage
	err      error
	queries  []string
}

func (f *fakeRetriever) Search(_ context.Context, query string, _ int) ([]retrieval.RankedPassage, error) {
	f.queries = append(f.queries, query)
	return f.passages, f.err
}

type fakeGenerator struct {
	deltas  []string
	err     error      // returned after streaming failAfter deltas
	failAt  int        // deltas to emit before err; -1 streams all
	systems []string   // system prompts seen
	prompts []string   // final user prompt seen
	history [][]string // prior turn texts seen
}

func (f *fakeGenerator) StreamGenerate(_ context.Context, system string, turns []gemini.Turn, onDelta func(string) error) (string, error) {
	f.systems = append(f.systems, system)
	var prior []string
	for _, t := range turns[:len(turns)-1] {
		prior = append(prior, t.Text)
	}
	f.history = append(f.history, prior)
	f.prompts = append(f.prompts, turns[len(turns)-1].Text)

	var full strings.Builder
	for i, d := range f.deltas {
		if f.err != nil && i == f.failAt {
			return "", f.err
		}
		if err := onDelta(d); err != nil {
			return "", err
		}
		full.WriteString(d)
	}
	if f.err != nil && f.failAt >= len(f.deltas) {
		return "", f.err
	}
	return full.String(), nil
}

func passage(content, url string) retrieval.RankedPassage {
	return retrieval.RankedPassage{
		ChunkID:    uuid.New(),
		DocumentID: uuid.New(),
		Content:    content,
		SourceURL:  url,
		Score:      0.03,
	}
}

func newOrchestrator(t *testing.T, sessions SessionStore, r Retriever, g Generator, cfg Config) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(sessions, r, g, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestSendMessageStreamsAndPersists(t *testing.T) {
	sessions := newFakeSessions()
	ret := &fakeRetriever{passages: []retrieval.RankedPassage{
		passage("The mission is to make everyone contribute.", "https://handbook.example.com/mission"),
		passage("Values are credit and transparency.", "https://handbook.example.com/values"),
	}}
	gen := &fakeGenerator{deltas: []string{"The mission ", "is contribution. ", "[1]"}, failAt: -1}
	o := newOrchestrator(t, sessions, ret, gen, Config{})

	var streamed []string
	turn, err := o.SendMessage(context.Background(), sessions.session.ID, "What is the mission?",
		func(delta string) error {
			streamed = append(streamed, delta)
			return nil
		})
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	if got := strings.Join(streamed, ""); got != "The mission is contribution. [1]" {
		t.Errorf("streamed %q", got)
	}
	if turn.Role != RoleAssistant || turn.Failed {
		t.Errorf("assistant turn = %+v", turn)
	}
	if turn.Content != "The mission is contribution. [1]" {
		t.Errorf("persisted content = %q", turn.Content)
	}

	// user turn then assistant turn
	if len(sessions.turns) != 2 {
		t.Fatalf("persisted %d turns, want 2", len(sessions.turns))
	}
	if sessions.turns[0].Role != RoleUser || sessions.turns[0].Content != "What is the mission?" {
		t.Errorf("user turn = %+v", sessions.turns[0])
	}

	// citations cover exactly the supplied passages
	if len(turn.Citations) != 2 {
		t.Fatalf("citations = %d, want 2", len(turn.Citations))
	}
	for i, c := range turn.Citations {
		if c.ChunkID != ret.passages[i].ChunkID || c.URL != ret.passages[i].SourceURL {
			t.Errorf("citation %d = %+v does not match passage", i, c)
		}
	}

	// the model saw the passages in its prompt
	if !strings.Contains(gen.prompts[0], "make everyone contribute") {
		t.Errorf("prompt missing passage content: %q", gen.prompts[0])
	}
	if !strings.Contains(gen.prompts[0], "Question: What is the mission?") {
		t.Errorf("prompt missing question: %q", gen.prompts[0])
	}
}

func TestSendMessageFollowUpCarriesHistory(t *testing.T) {
	sessions := newFakeSessions()
	ret := &fakeRetriever{passages: []retrieval.RankedPassage{passage("p", "u")}}
	gen := &fakeGenerator{deltas: []string{"answer"}, failAt: -1}
	o := newOrchestrator(t, sessions, ret, gen, Config{HistoryWindow: 4})

	discard := func(string) error { return nil }
	if _, err := o.SendMessage(context.Background(), sessions.session.ID, "Who owns the handbook?", discard); err != nil {
		t.Fatal(err)
	}
	if _, err := o.SendMessage(context.Background(), sessions.session.ID, "And who updates it?", discard); err != nil {
		t.Fatal(err)
	}

	// The second retrieval query disambiguates the follow-up with the
	// first question.
	second := ret.queries[1]
	if !strings.Contains(second, "Who owns the handbook?") || !strings.Contains(second, "And who updates it?") {
		t.Errorf("follow-up query = %q, want both messages", second)
	}

	// The model saw the prior exchange.
	if len(gen.history[1]) == 0 {
		t.Error("second generation saw no history")
	}
}

func TestSendMessageGenerationFailure(t *testing.T) {
	sessions := newFakeSessions()
	ret := &fakeRetriever{passages: []retrieval.RankedPassage{passage("p", "u")}}
	gen := &fakeGenerator{deltas: []string{"partial ", "answer"}, err: errors.New("503 unavailable"), failAt: 1}
	o := newOrchestrator(t, sessions, ret, gen, Config{})

	var streamed strings.Builder
	turn, err := o.SendMessage(context.Background(), sessions.session.ID, "question",
		func(delta string) error {
			streamed.WriteString(delta)
			return nil
		})
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("SendMessage() error = %v, want ErrGenerationFailed", err)
	}

	// The failed turn reflects only what was actually sent, no citations.
	if turn == nil || !turn.Failed {
		t.Fatalf("failed turn = %+v", turn)
	}
	if turn.Content != streamed.String() {
		t.Errorf("failed turn content %q != streamed %q", turn.Content, streamed.String())
	}
	if len(turn.Citations) != 0 {
		t.Errorf("failed turn carries %d citations", len(turn.Citations))
	}

	// Conversation stays usable.
	gen.err = nil
	if _, err := o.SendMessage(context.Background(), sessions.session.ID, "again",
		func(string) error { return nil }); err != nil {
		t.Errorf("next message after failure: %v", err)
	}
}

func TestSendMessageClientDisconnect(t *testing.T) {
	sessions := newFakeSessions()
	ret := &fakeRetriever{passages: []retrieval.RankedPassage{passage("p", "u")}}
	gen := &fakeGenerator{deltas: []string{"one ", "two ", "three"}, failAt: -1}
	o := newOrchestrator(t, sessions, ret, gen, Config{})

	disconnect := errors.New("client gone")
	delivered := 0
	turn, err := o.SendMessage(context.Background(), sessions.session.ID, "question",
		func(delta string) error {
			if delivered == 2 {
				return disconnect
			}
			delivered++
			return nil
		})
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("SendMessage() error = %v", err)
	}
	// Only the two delivered deltas are persisted.
	if turn.Content != "one two " {
		t.Errorf("persisted %q, want the delivered prefix", turn.Content)
	}
}

func TestSendMessageClosedSession(t *testing.T) {
	sessions := newFakeSessions()
	sessions.session.Status = StatusClosed
	o := newOrchestrator(t, sessions, &fakeRetriever{}, &fakeGenerator{}, Config{})

	_, err := o.SendMessage(context.Background(), sessions.session.ID, "hello",
		func(string) error { return nil })
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SendMessage() error = %v, want ErrSessionClosed", err)
	}
	if len(sessions.turns) != 0 {
		t.Errorf("turns persisted on a closed session")
	}
}

func TestSendMessageUnknownSession(t *testing.T) {
	sessions := newFakeSessions()
	o := newOrchestrator(t, sessions, &fakeRetriever{}, &fakeGenerator{}, Config{})

	_, err := o.SendMessage(context.Background(), uuid.New(), "hello",
		func(string) error { return nil })
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SendMessage() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSendMessageBudgetLimitsCitations(t *testing.T) {
	sessions := newFakeSessions()
	big := strings.Repeat("long passage content ", 50) // ~500 tokens
	ret := &fakeRetriever{passages: []retrieval.RankedPassage{
		passage(big, "https://example.com/1"),
		passage(big, "https://example.com/2"),
		passage(big, "https://example.com/3"),
	}}
	gen := &fakeGenerator{deltas: []string{"ok"}, failAt: -1}
	o := newOrchestrator(t, sessions, ret, gen, Config{ContextTokenBudget: 600})

	turn, err := o.SendMessage(context.Background(), sessions.session.ID, "question",
		func(string) error { return nil })
	if err != nil {
		t.Fatal(err)
	}

	// Only the passage that fit the budget may be cited.
	if len(turn.Citations) != 1 {
		t.Fatalf("citations = %d, want 1 after budget truncation", len(turn.Citations))
	}
	if strings.Contains(gen.prompts[0], "example.com/3") {
		t.Error("prompt contains a passage that was budgeted out")
	}
}

func TestSendMessageEmptyText(t *testing.T) {
	sessions := newFakeSessions()
	o := newOrchestrator(t, sessions, &fakeRetriever{}, &fakeGenerator{}, Config{})
	if _, err := o.SendMessage(context.Background(), sessions.session.ID, "   ",
		func(string) error { return nil }); err == nil {
		t.Error("SendMessage(blank) expected error")
	}
}
