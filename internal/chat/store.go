// Package chat implements conversation sessions: persistence, retrieval
// grounding, and streamed answer generation with citations.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session status values.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrSessionNotFound indicates an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed indicates a message sent to a closed session.
	ErrSessionClosed = errors.New("session is closed")
)

// Session is one conversation.
type Session struct {
	ID        uuid.UUID
	Status    string
	CreatedAt time.Time
}

// Citation points an assistant turn back at a passage that was supplied to
// the model.
type Citation struct {
	DocumentID uuid.UUID `json:"document_id"`
	ChunkID    uuid.UUID `json:"chunk_id"`
	URL        string    `json:"url"`
}

// Turn is one message in a session. Immutable once persisted. Failed marks
// an assistant turn whose generation did not complete; it never carries
// citations.
type Turn struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	SequenceNumber int32
	Role           string
	Content        string
	Citations      []Citation
	Failed         bool
	CreatedAt      time.Time
}

// Store persists sessions and turns.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a conversation store on the given pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// CreateSession opens a new conversation.
func (s *Store) CreateSession(ctx context.Context) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions DEFAULT VALUES RETURNING id, status, created_at`).
		Scan(&sess.ID, &sess.Status, &sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.logger.Debug("session created", "session_id", sess.ID)
	return &sess, nil
}

// GetSession returns a session, or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, created_at FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.Status, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

// CloseSession marks a session closed. Closing an already closed session is
// a no-op.
func (s *Store) CloseSession(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = 'closed', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendTurn persists the next turn in a session. The session row is locked
// so concurrent appends serialize on sequence numbers instead of colliding
// on the unique constraint.
func (s *Store) AppendTurn(ctx context.Context, sessionID uuid.UUID, role, content string, citations []Citation, failed bool) (*Turn, error) {
	if citations == nil {
		citations = []Citation{}
	}
	body, err := json.Marshal(citations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal citations: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("append turn rollback", "error", rbErr)
		}
	}()

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).
		Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock session %s: %w", sessionID, err)
	}
	if status != StatusOpen {
		return nil, ErrSessionClosed
	}

	turn := Turn{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Citations: citations,
		Failed:    failed,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO turns (session_id, sequence_number, role, content, citations, failed)
		 SELECT $1, COALESCE(MAX(sequence_number), 0) + 1, $2, $3, $4, $5
		 FROM turns WHERE session_id = $1
		 RETURNING id, sequence_number, created_at`,
		sessionID, role, content, body, failed).
		Scan(&turn.ID, &turn.SequenceNumber, &turn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append turn: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET updated_at = now() WHERE id = $1`, sessionID); err != nil {
		return nil, fmt.Errorf("failed to touch session %s: %w", sessionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit turn: %w", err)
	}
	return &turn, nil
}

// RecentTurns returns the last limit turns in chronological order.
func (s *Store) RecentTurns(ctx context.Context, sessionID uuid.UUID, limit int) ([]Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM (
		     SELECT id, session_id, sequence_number, role, content, citations, failed, created_at
		     FROM turns WHERE session_id = $1
		     ORDER BY sequence_number DESC
		     LIMIT $2
		 ) recent ORDER BY sequence_number`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// ListTurns returns a session's full history in order.
func (s *Store) ListTurns(ctx context.Context, sessionID uuid.UUID) ([]Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, sequence_number, role, content, citations, failed, created_at
		 FROM turns WHERE session_id = $1
		 ORDER BY sequence_number`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func scanTurns(rows pgx.Rows) ([]Turn, error) {
	var out []Turn
	for rows.Next() {
		var t Turn
		var citations []byte
		if err := rows.Scan(&t.ID, &t.SessionID, &t.SequenceNumber, &t.Role,
			&t.Content, &citations, &t.Failed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if err := json.Unmarshal(citations, &t.Citations); err != nil {
			return nil, fmt.Errorf("failed to decode citations: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("turn rows: %w", err)
	}
	return out, nil
}
