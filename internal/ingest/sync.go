package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docsmith/docsmith/internal/config"
	"github.com/docsmith/docsmith/internal/scheduler"
	"github.com/docsmith/docsmith/internal/store"
	"github.com/docsmith/docsmith/internal/task"
)

// ChunkStore is the store surface the sync cycle writes chunks through.
// *store.Store implements it.
type ChunkStore interface {
	ReplaceChunks(ctx context.Context, documentID uuid.UUID, expectedVersion int32, chunks []store.Chunk) error
	MarkChunked(ctx context.Context, documentID uuid.UUID, version int32, contentHash string) error
	RetireAbsent(ctx context.Context, collection string, presentURLs []string) (int64, error)
}

// Enqueuer enqueues follow-up work. *task.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, taskType string, payload any, idempotencyKey string) (bool, error)
}

// LeaseReleaser releases the sync lease on cycle completion.
// *store.Store implements it.
type LeaseReleaser interface {
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Syncer runs one full sync cycle in response to a fetch_sync task:
// fetch every source, chunk the changed documents, fan out embed tasks, and
// retire documents whose source disappeared.
type Syncer struct {
	fetcher *Fetcher
	chunker *Chunker
	chunks  ChunkStore
	queue   Enqueuer
	leases  LeaseReleaser
	sources []config.Source
	logger  *slog.Logger
}

// NewSyncer creates a Syncer over a fixed source list.
func NewSyncer(
	fetcher *Fetcher,
	chunker *Chunker,
	chunks ChunkStore,
	queue Enqueuer,
	leases LeaseReleaser,
	sources []config.Source,
	logger *slog.Logger,
) (*Syncer, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if chunker == nil {
		return nil, fmt.Errorf("chunker is required")
	}
	if chunks == nil {
		return nil, fmt.Errorf("chunk store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if leases == nil {
		return nil, fmt.Errorf("lease store is required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		fetcher: fetcher,
		chunker: chunker,
		chunks:  chunks,
		queue:   queue,
		leases:  leases,
		sources: sources,
		logger:  logger,
	}, nil
}

// Handle processes one fetch_sync task. The whole cycle is idempotent: a
// document is skipped only when both its content hash and its chunked mark
// are current, chunk replacement is guarded by the document version, and
// embed tasks are deduplicated by chunk ID, so a redelivered sync task
// re-does exactly the work that is still missing.
func (s *Syncer) Handle(ctx context.Context, t *task.Task) task.Result {
	decoded, err := t.DecodePayload()
	if err != nil {
		return task.Fatal(err)
	}
	payload, ok := decoded.(task.FetchSyncPayload)
	if !ok {
		return task.Fatal(fmt.Errorf("task %s is not a sync task", t.ID))
	}

	start := time.Now()
	if err := s.runCycle(ctx); err != nil {
		// The lease stays held so a retry does not race a fresh cycle;
		// TTL expiry unblocks the schedule if retries are exhausted.
		return task.Retry(err)
	}

	if payload.LeaseHolder != "" {
		if err := s.leases.ReleaseLease(ctx, scheduler.LeaseName, payload.LeaseHolder); err != nil {
			s.logger.Warn("failed to release sync lease, waiting for TTL expiry",
				"holder", payload.LeaseHolder, "error", err)
		}
	}

	s.logger.Info("sync cycle complete", "elapsed", time.Since(start))
	return task.Done()
}

func (s *Syncer) runCycle(ctx context.Context) error {
	report, err := s.fetcher.FetchAll(ctx, s.sources)
	if err != nil {
		return fmt.Errorf("fetch pass: %w", err)
	}

	for _, doc := range report.Changed {
		if err := s.ingestDocument(ctx, doc); err != nil {
			return err
		}
	}

	return s.retireMissing(ctx)
}

// ingestDocument replaces a changed document's chunk set, enqueues one embed
// task per new chunk, and only then marks the content as chunked. The mark is
// last on purpose: a failure anywhere before it leaves the document reported
// as changed, so the next delivery rebuilds the chunk set instead of trusting
// a content hash whose chunks never landed. The rebuilt set gets fresh chunk
// IDs, and embed tasks from the abandoned attempt find their chunks gone and
// acknowledge.
func (s *Syncer) ingestDocument(ctx context.Context, doc *store.Document) error {
	passages := s.chunker.Chunk(doc.Content)

	chunks := make([]store.Chunk, len(passages))
	for i, p := range passages {
		chunks[i] = store.Chunk{
			ID:            uuid.New(),
			DocumentID:    doc.ID,
			SequenceIndex: p.SequenceIndex,
			Content:       p.Content,
			TokenCount:    p.TokenCount,
			ByteStart:     p.ByteStart,
			ByteEnd:       p.ByteEnd,
		}
	}

	err := s.chunks.ReplaceChunks(ctx, doc.ID, doc.Version, chunks)
	if errors.Is(err, store.ErrVersionConflict) {
		// A newer ingestion already replaced this chunk set. The later
		// write wins; our embed tasks would find their chunks gone anyway.
		s.logger.Info("skipping superseded document version",
			"document_id", doc.ID, "version", doc.Version)
		return nil
	}
	if err != nil {
		return fmt.Errorf("replace chunks for document %s: %w", doc.ID, err)
	}

	for _, c := range chunks {
		payload := task.EmbedChunkPayload{ChunkID: c.ID, DocumentID: doc.ID}
		if _, err := s.queue.Enqueue(ctx, task.QueueEmbed, task.TypeEmbedChunk, payload, c.ID.String()); err != nil {
			return fmt.Errorf("enqueue embed task for chunk %s: %w", c.ID, err)
		}
	}

	if err := s.chunks.MarkChunked(ctx, doc.ID, doc.Version, doc.ContentHash); err != nil {
		return fmt.Errorf("mark document %s chunked: %w", doc.ID, err)
	}

	s.logger.Debug("document ingested",
		"document_id", doc.ID, "version", doc.Version, "chunks", len(chunks))
	return nil
}

// retireMissing soft-retires documents whose source URL is no longer
// tracked. Pages that merely failed this cycle still count as present, so
// a flaky fetch never retires a live document.
func (s *Syncer) retireMissing(ctx context.Context) error {
	byCollection := make(map[string][]string)
	for _, src := range s.sources {
		byCollection[src.Collection] = append(byCollection[src.Collection], src.URL)
	}

	for collection, urls := range byCollection {
		if _, err := s.chunks.RetireAbsent(ctx, collection, urls); err != nil {
			return fmt.Errorf("retire absent documents in %q: %w", collection, err)
		}
	}
	return nil
}
