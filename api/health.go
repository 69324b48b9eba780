package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// health reports process liveness for container probes.
func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readiness reports whether the store is reachable. Index freshness is
// reported, not gated on: a stale index still serves queries.
func readiness(pool *pgxpool.Pool, counter PendingCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, "store_unreachable", err.Error())
				return
			}
		}

		body := map[string]any{"status": "ready"}
		if counter != nil {
			if pending, err := counter.CountChunksWithoutEmbedding(ctx); err == nil {
				body["pending_embeddings"] = pending
			}
		}
		writeJSON(w, http.StatusOK, body)
	}
}
