package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/docsmith/docsmith/internal/chat"
)

// SessionService is the conversation persistence surface the API exposes.
// *chat.Store implements it.
type SessionService interface {
	CreateSession(ctx context.Context) (*chat.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*chat.Session, error)
	CloseSession(ctx context.Context, id uuid.UUID) error
	ListTurns(ctx context.Context, sessionID uuid.UUID) ([]chat.Turn, error)
}

type sessionHandler struct {
	sessions SessionService
	logger   *slog.Logger
}

type sessionResponse struct {
	ID        uuid.UUID `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type turnResponse struct {
	ID             uuid.UUID       `json:"id"`
	SequenceNumber int32           `json:"sequence_number"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Citations      []chat.Citation `json:"citations"`
	Failed         bool            `json:"failed"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (h *sessionHandler) create(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.CreateSession(r.Context())
	if err != nil {
		h.logger.Error("failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		ID: sess.ID, Status: sess.Status, CreatedAt: sess.CreatedAt,
	})
}

func (h *sessionHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	sess, err := h.sessions.GetSession(r.Context(), id)
	if errors.Is(err, chat.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get session")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		ID: sess.ID, Status: sess.Status, CreatedAt: sess.CreatedAt,
	})
}

// close ends a conversation; the client starts a new one by creating a new
// session.
func (h *sessionHandler) close(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	err := h.sessions.CloseSession(r.Context(), id)
	if errors.Is(err, chat.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to close session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to close session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *sessionHandler) listTurns(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	if _, err := h.sessions.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "session not found")
			return
		}
		h.logger.Error("failed to get session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get session")
		return
	}

	turns, err := h.sessions.ListTurns(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list turns", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list turns")
		return
	}

	out := make([]turnResponse, len(turns))
	for i, t := range turns {
		out[i] = turnResponse{
			ID:             t.ID,
			SequenceNumber: t.SequenceNumber,
			Role:           t.Role,
			Content:        t.Content,
			Citations:      t.Citations,
			Failed:         t.Failed,
			CreatedAt:      t.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": out})
}

// pathUUID parses the {id} path segment, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
