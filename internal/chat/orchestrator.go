package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/docsmith/docsmith/internal/gemini"
	"github.com/docsmith/docsmith/internal/retrieval"
)

// ErrGenerationFailed indicates the model call did not complete. The
// conversation stays valid: a failed assistant turn is persisted and the
// next message starts clean.
var ErrGenerationFailed = errors.New("answer generation failed")

const systemPrompt = `You are a documentation assistant. Answer using only the numbered passages provided. Cite the passages you used as [n]. If the passages do not contain the answer, say so plainly instead of guessing.`

// SessionStore is the persistence surface the orchestrator needs. *Store
// implements it.
type SessionStore interface {
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	AppendTurn(ctx context.Context, sessionID uuid.UUID, role, content string, citations []Citation, failed bool) (*Turn, error)
	RecentTurns(ctx context.Context, sessionID uuid.UUID, limit int) ([]Turn, error)
}

// Retriever finds passages grounding an answer. *retrieval.Retriever
// implements it.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]retrieval.RankedPassage, error)
}

// Generator streams a model response. *gemini.Client implements it.
type Generator interface {
	StreamGenerate(ctx context.Context, system string, turns []gemini.Turn, onDelta func(delta string) error) (string, error)
}

// Config tunes the orchestrator.
type Config struct {
	// HistoryWindow is how many recent turns feed the retrieval query and
	// the model context. Default 6.
	HistoryWindow int

	// ContextTokenBudget bounds the passage context; lowest-ranked passages
	// are dropped first. Default 4000.
	ContextTokenBudget int

	// TopK is how many passages retrieval returns before budgeting.
	// Default 10.
	TopK int
}

// Orchestrator drives one conversation turn: persist the user message,
// retrieve grounding passages, stream the model answer, persist the
// assistant turn with citations.
type Orchestrator struct {
	sessions  SessionStore
	retriever Retriever
	generator Generator
	cfg       Config
	logger    *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(sessions SessionStore, retriever Retriever, generator Generator, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 6
	}
	if cfg.ContextTokenBudget <= 0 {
		cfg.ContextTokenBudget = 4000
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sessions:  sessions,
		retriever: retriever,
		generator: generator,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// SendMessage handles one user message, calling onDelta with each answer
// fragment as it streams. The returned turn is the persisted assistant
// turn. On generation failure the error wraps ErrGenerationFailed and the
// persisted turn holds only the text that actually reached the caller,
// marked failed and without citations.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID uuid.UUID, text string, onDelta func(delta string) error) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("message text is required")
	}

	sess, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusOpen {
		return nil, ErrSessionClosed
	}

	history, err := o.sessions.RecentTurns(ctx, sessionID, o.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	if _, err := o.sessions.AppendTurn(ctx, sessionID, RoleUser, text, nil, false); err != nil {
		return nil, fmt.Errorf("failed to persist user turn: %w", err)
	}

	passages, err := o.retrieve(ctx, history, text)
	if err != nil {
		return o.failTurn(ctx, sessionID, "", err)
	}

	turns := buildTurns(history, passages, text)

	// Citations may only reference passages actually supplied to the model.
	citations := make([]Citation, len(passages))
	for i, p := range passages {
		citations[i] = Citation{DocumentID: p.DocumentID, ChunkID: p.ChunkID, URL: p.SourceURL}
	}

	// Track what was actually delivered so a mid-stream failure persists
	// exactly the sent prefix.
	var sent strings.Builder
	answer, err := o.generator.StreamGenerate(ctx, systemPrompt, turns, func(delta string) error {
		if err := onDelta(delta); err != nil {
			return err
		}
		sent.WriteString(delta)
		return nil
	})
	if err != nil {
		return o.failTurn(ctx, sessionID, sent.String(), err)
	}

	turn, err := o.sessions.AppendTurn(ctx, sessionID, RoleAssistant, answer, citations, false)
	if err != nil {
		return nil, fmt.Errorf("failed to persist assistant turn: %w", err)
	}
	return turn, nil
}

// retrieve builds the retrieval query from the message plus recent user
// turns, so follow-up questions carry their antecedents, and fits the hits
// to the context budget.
func (o *Orchestrator) retrieve(ctx context.Context, history []Turn, text string) ([]retrieval.RankedPassage, error) {
	var parts []string
	for _, t := range history {
		if t.Role == RoleUser {
			parts = append(parts, t.Content)
		}
	}
	parts = append(parts, text)
	query := strings.Join(parts, "\n")

	passages, err := o.retriever.Search(ctx, query, o.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	return fitToBudget(passages, o.cfg.ContextTokenBudget), nil
}

// failTurn persists a failed assistant turn holding whatever prefix reached
// the caller, then surfaces a degraded-service error.
func (o *Orchestrator) failTurn(ctx context.Context, sessionID uuid.UUID, sent string, cause error) (*Turn, error) {
	o.logger.Error("generation failed", "session_id", sessionID, "error", cause)

	turn, appendErr := o.sessions.AppendTurn(ctx, sessionID, RoleAssistant, sent, nil, true)
	if appendErr != nil {
		o.logger.Error("failed to persist failed turn",
			"session_id", sessionID, "error", appendErr)
	}
	return turn, fmt.Errorf("%w: %v", ErrGenerationFailed, cause)
}

// buildTurns assembles the model input: prior turns, then the user message
// prefixed with the numbered passage context.
func buildTurns(history []Turn, passages []retrieval.RankedPassage, text string) []gemini.Turn {
	turns := make([]gemini.Turn, 0, len(history)+1)
	for _, t := range history {
		if t.Failed {
			continue
		}
		role := "user"
		if t.Role == RoleAssistant {
			role = "model"
		}
		turns = append(turns, gemini.Turn{Role: role, Text: t.Content})
	}

	var b strings.Builder
	if len(passages) > 0 {
		b.WriteString("Passages:\n")
		for i, p := range passages {
			fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, p.SourceURL, p.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(text)

	return append(turns, gemini.Turn{Role: "user", Text: b.String()})
}
