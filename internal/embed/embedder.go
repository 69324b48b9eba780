// Package embed implements the embedding worker consuming the embed queue.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/time/rate"

	"github.com/docsmith/docsmith/internal/gemini"
	"github.com/docsmith/docsmith/internal/store"
	"github.com/docsmith/docsmith/internal/task"
)

// ChunkStore is the store surface the worker reads and writes.
// *store.Store implements it.
type ChunkStore interface {
	GetChunk(ctx context.Context, id uuid.UUID) (*store.Chunk, error)
	SetEmbedding(ctx context.Context, chunkID uuid.UUID, embedding pgvector.Vector) error
}

// Provider computes embeddings for a batch of texts. *gemini.Client
// implements it.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Worker handles embed_chunk tasks. It batches provider calls across the
// tasks claimed together and skips chunks that already carry a vector, so
// redelivery costs nothing beyond a store read.
type Worker struct {
	chunks   ChunkStore
	provider Provider
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewWorker creates a Worker. rps caps provider calls per second; zero
// disables limiting.
func NewWorker(chunks ChunkStore, provider Provider, rps float64, logger *slog.Logger) (*Worker, error) {
	if chunks == nil {
		return nil, fmt.Errorf("chunk store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Worker{chunks: chunks, provider: provider, limiter: limiter, logger: logger}, nil
}

// HandleBatch resolves a claimed batch of embed tasks with one provider
// call for the chunks that still need a vector.
func (w *Worker) HandleBatch(ctx context.Context, tasks []*task.Task) []task.Result {
	results := make([]task.Result, len(tasks))

	// First pass over the store decides which tasks still need work.
	var pendingIdx []int
	var pendingChunks []*store.Chunk
	for i, t := range tasks {
		chunk, res := w.loadChunk(ctx, t)
		if chunk == nil {
			results[i] = res
			continue
		}
		pendingIdx = append(pendingIdx, i)
		pendingChunks = append(pendingChunks, chunk)
	}
	if len(pendingChunks) == 0 {
		return results
	}

	texts := make([]string, len(pendingChunks))
	for i, c := range pendingChunks {
		texts[i] = c.Content
	}

	if err := w.limiter.Wait(ctx); err != nil {
		for _, i := range pendingIdx {
			results[i] = task.Retry(err)
		}
		return results
	}

	vectors, err := w.provider.EmbedBatch(ctx, texts)
	if err != nil {
		res := classifyProviderError(err)
		for _, i := range pendingIdx {
			results[i] = res
		}
		return results
	}

	for j, i := range pendingIdx {
		results[i] = w.storeVector(ctx, pendingChunks[j].ID, vectors[j])
	}
	return results
}

// loadChunk returns the chunk if it still needs an embedding, or nil with
// the final result for this task.
func (w *Worker) loadChunk(ctx context.Context, t *task.Task) (*store.Chunk, task.Result) {
	decoded, err := t.DecodePayload()
	if err != nil {
		return nil, task.Fatal(err)
	}
	payload, ok := decoded.(task.EmbedChunkPayload)
	if !ok {
		return nil, task.Fatal(fmt.Errorf("task %s is not an embed task", t.ID))
	}

	chunk, err := w.chunks.GetChunk(ctx, payload.ChunkID)
	if errors.Is(err, store.ErrNotFound) {
		// The chunk set was replaced while this task waited; the new set
		// has its own tasks.
		w.logger.Debug("chunk gone, acknowledging stale embed task",
			"chunk_id", payload.ChunkID)
		return nil, task.Done()
	}
	if err != nil {
		return nil, task.Retry(err)
	}
	if chunk.Embedding != nil {
		return nil, task.Done()
	}
	return chunk, task.Result{}
}

func (w *Worker) storeVector(ctx context.Context, chunkID uuid.UUID, values []float32) task.Result {
	err := w.chunks.SetEmbedding(ctx, chunkID, pgvector.NewVector(values))
	if errors.Is(err, store.ErrNotFound) {
		return task.Done()
	}
	if err != nil {
		return task.Retry(err)
	}
	return task.Done()
}

// classifyProviderError maps a provider failure onto the retry taxonomy:
// rate limits and transient I/O are retried with backoff, anything else is
// dead-lettered for inspection.
func classifyProviderError(err error) task.Result {
	if gemini.RateLimited(err) || gemini.Transient(err) {
		return task.Retry(err)
	}
	return task.Fatal(err)
}
