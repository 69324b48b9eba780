// Package api exposes the HTTP surface: session management, streamed chat,
// retrieval, and operational probes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PendingCounter reports ingestion backlog for readiness. *store.Store
// implements it.
type PendingCounter interface {
	CountChunksWithoutEmbedding(ctx context.Context) (int64, error)
}

// ServerConfig wires the server's dependencies.
type ServerConfig struct {
	Logger    *slog.Logger
	Sessions  SessionService // required
	Messenger Messenger      // required
	Searcher  SearchService  // required
	Sync      SyncTrigger    // optional: nil disables POST /api/v1/sync
	Pool      *pgxpool.Pool  // optional: nil skips the store ping in /ready
	Pending   PendingCounter // optional: nil omits backlog from /ready
}

// Server is the JSON/SSE HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session service is required")
	}
	if cfg.Messenger == nil {
		return nil, errors.New("messenger is required")
	}
	if cfg.Searcher == nil {
		return nil, errors.New("search service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sh := &sessionHandler{sessions: cfg.Sessions, logger: logger}
	ch := &chatHandler{messenger: cfg.Messenger, logger: logger}
	qh := &searchHandler{searcher: cfg.Searcher, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", sh.create)
	mux.HandleFunc("GET /api/v1/sessions/{id}", sh.get)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", sh.close)
	mux.HandleFunc("GET /api/v1/sessions/{id}/turns", sh.listTurns)
	mux.HandleFunc("POST /api/v1/sessions/{id}/messages", ch.sendMessage)
	mux.HandleFunc("GET /api/v1/search", qh.search)

	if cfg.Sync != nil {
		syh := &syncHandler{trigger: cfg.Sync, logger: logger}
		mux.HandleFunc("POST /api/v1/sync", syh.triggerSync)
	}

	var handler http.Handler = mux
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health)
	topMux.Handle("GET /ready", readiness(cfg.Pool, cfg.Pending))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe runs the server until ctx is canceled, then drains
// connections for up to 10 seconds. SSE streams are long-lived, so there is
// no write timeout; idle and header timeouts still bound slow clients.
func (s *Server) ListenAndServe(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("http server stopped")
	return <-errCh
}
