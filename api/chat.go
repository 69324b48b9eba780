package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/docsmith/docsmith/internal/chat"
)

// Messenger drives one conversation turn. *chat.Orchestrator implements it.
type Messenger interface {
	SendMessage(ctx context.Context, sessionID uuid.UUID, text string, onDelta func(delta string) error) (*chat.Turn, error)
}

// SSE event types for the message stream.
const (
	eventDelta     = "delta"
	eventCitations = "citations"
	eventError     = "error"
)

type chatHandler struct {
	messenger Messenger
	logger    *slog.Logger
}

type messageRequest struct {
	Text string `json:"text"`
}

type deltaPayload struct {
	Text string `json:"text"`
}

type citationsPayload struct {
	Citations []chat.Citation `json:"citations"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sendMessage streams the answer over SSE: delta events carrying text
// fragments, then a single citations event. Errors after streaming has
// begun arrive as an error event, since the 200 status is already out.
func (h *chatHandler) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathUUID(w, r)
	if !ok {
		return
	}

	var req messageRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "missing_text", "text is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	turn, err := h.messenger.SendMessage(ctx, sessionID, req.Text, func(delta string) error {
		return writeEvent(w, flusher, eventDelta, deltaPayload{Text: delta})
	})
	if err != nil {
		h.streamError(w, flusher, sessionID, err)
		return
	}

	_ = writeEvent(w, flusher, eventCitations, citationsPayload{Citations: turn.Citations})
}

// streamError maps orchestrator errors onto SSE error events.
func (h *chatHandler) streamError(w io.Writer, f http.Flusher, sessionID uuid.UUID, err error) {
	code := "internal_error"
	switch {
	case errors.Is(err, chat.ErrSessionNotFound):
		code = "session_not_found"
	case errors.Is(err, chat.ErrSessionClosed):
		code = "session_closed"
	case errors.Is(err, chat.ErrGenerationFailed):
		code = "generation_failed"
	}

	h.logger.Warn("message stream failed", "session_id", sessionID, "code", code, "error", err)
	_ = writeEvent(w, f, eventError, errorPayload{Code: code, Message: err.Error()})
}

// writeEvent writes one SSE event: "event: <type>\ndata: <json>\n\n".
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, body); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}
