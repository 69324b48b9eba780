package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/docsmith/docsmith/internal/retrieval"
)

// SearchService answers retrieval queries. *retrieval.Retriever implements
// it.
type SearchService interface {
	Search(ctx context.Context, query string, topK int) ([]retrieval.RankedPassage, error)
}

// SyncTrigger starts a sync cycle out of schedule. *scheduler.Scheduler
// implements it.
type SyncTrigger interface {
	TriggerNow(ctx context.Context) (bool, error)
}

type searchHandler struct {
	searcher SearchService
	logger   *slog.Logger
}

type searchHit struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	DocumentID uuid.UUID `json:"document_id"`
	URL        string    `json:"url"`
	Text       string    `json:"text"`
	Score      float64   `json:"score"`
}

func (h *searchHandler) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "q is required")
		return
	}

	topK := 0
	if raw := r.URL.Query().Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "invalid_top_k", "top_k must be in 1..100")
			return
		}
		topK = n
	}

	passages, err := h.searcher.Search(r.Context(), query, topK)
	if err != nil {
		h.logger.Error("search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "search failed")
		return
	}

	hits := make([]searchHit, len(passages))
	for i, p := range passages {
		hits[i] = searchHit{
			ChunkID:    p.ChunkID,
			DocumentID: p.DocumentID,
			URL:        p.SourceURL,
			Text:       p.Content,
			Score:      p.Score,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

type syncHandler struct {
	trigger SyncTrigger
	logger  *slog.Logger
}

// trigger starts a sync cycle now. A cycle already in flight is reported,
// not treated as an error.
func (h *syncHandler) triggerSync(w http.ResponseWriter, r *http.Request) {
	started, err := h.trigger.TriggerNow(r.Context())
	if err != nil {
		h.logger.Error("manual sync trigger failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "sync trigger failed")
		return
	}
	if !started {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_running"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}
