// Package store persists documents and chunks in PostgreSQL.
//
// The store is the single source of truth for ingestion state: workers never
// cache writable state beyond the task at hand, and a document's chunk set is
// only ever replaced atomically so retrieval cannot observe a torn state.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a chunk replacement lost the race against
	// a newer document version. The later write wins; the stale replacement
	// must be discarded.
	ErrVersionConflict = errors.New("document version conflict")
)

// Document is a tracked documentation page. ChunkedHash trails ContentHash
// until the chunk set and its embed fan-out for that content have landed; a
// mismatch marks ingestion work still owed.
type Document struct {
	ID          uuid.UUID
	SourceURL   string
	Collection  string
	Content     string
	ContentHash string
	ChunkedHash string
	Version     int32
	Retired     bool
	FetchedAt   time.Time
}

// Chunk is a bounded, overlapping window of a document's content and the
// atomic unit of retrieval. Embedding is nil until the embed worker has
// processed it.
type Chunk struct {
	ID            uuid.UUID
	DocumentID    uuid.UUID
	SequenceIndex int32
	Content       string
	TokenCount    int32
	ByteStart     int32
	ByteEnd       int32
	Embedding     *pgvector.Vector
}

// Store provides document and chunk persistence.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store backed by the given connection pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

const documentCols = `id, source_url, collection, content, content_hash, chunked_hash, version, retired, fetched_at`

// GetDocumentBySourceURL returns the document for a source URL, or ErrNotFound.
func (s *Store) GetDocumentBySourceURL(ctx context.Context, sourceURL string) (*Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentCols+` FROM documents WHERE source_url = $1`,
		sourceURL)
	return scanDocument(row)
}

// GetDocument returns a document by ID, or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentCols+` FROM documents WHERE id = $1`,
		id)
	return scanDocument(row)
}

// UpsertDocument records a freshly fetched page. If the stored content hash
// matches AND the chunk set already reflects it, only fetched_at is touched
// and changed is false. Matching content whose chunk set never landed (a
// cycle died between storing the content and MarkChunked) is reported
// changed again, so a redelivered sync task finishes the missing work
// instead of skipping it by hash. Otherwise the content is replaced, the
// version is bumped, and a previously retired document is revived.
func (s *Store) UpsertDocument(ctx context.Context, sourceURL, collection, content, contentHash string) (doc *Document, changed bool, err error) {
	existing, err := s.GetDocumentBySourceURL(ctx, sourceURL)
	switch {
	case errors.Is(err, ErrNotFound):
		row := s.pool.QueryRow(ctx,
			`INSERT INTO documents (source_url, collection, content, content_hash)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (source_url) DO UPDATE
			   SET content = EXCLUDED.content,
			       content_hash = EXCLUDED.content_hash,
			       version = documents.version + 1,
			       retired = FALSE,
			       fetched_at = now(),
			       updated_at = now()
			 RETURNING `+documentCols,
			sourceURL, collection, content, contentHash)
		doc, err = scanDocument(row)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert document %q: %w", sourceURL, err)
		}
		s.logger.Debug("document created", "source_url", sourceURL, "version", doc.Version)
		return doc, true, nil

	case err != nil:
		return nil, false, err
	}

	if existing.ContentHash == contentHash && !existing.Retired {
		_, err = s.pool.Exec(ctx,
			`UPDATE documents SET fetched_at = now() WHERE id = $1`,
			existing.ID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to touch document %q: %w", sourceURL, err)
		}
		if existing.ChunkedHash != contentHash {
			// Content landed but its chunk set did not; the version stays
			// put so the pending replacement still passes the guard.
			return existing, true, nil
		}
		return existing, false, nil
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE documents
		 SET content = $2, content_hash = $3, version = version + 1,
		     retired = FALSE, fetched_at = now(), updated_at = now()
		 WHERE id = $1
		 RETURNING `+documentCols,
		existing.ID, content, contentHash)
	doc, err = scanDocument(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update document %q: %w", sourceURL, err)
	}
	s.logger.Debug("document updated", "source_url", sourceURL, "version", doc.Version)
	return doc, true, nil
}

// ReplaceChunks atomically swaps a document's chunk set. The expected version
// guards against a concurrent re-ingestion: if the document row has moved on,
// ErrVersionConflict is returned and nothing is written (the later write wins).
func (s *Store) ReplaceChunks(ctx context.Context, documentID uuid.UUID, expectedVersion int32, chunks []Chunk) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("chunk replace rollback", "error", rbErr)
		}
	}()

	var version int32
	err = tx.QueryRow(ctx,
		`SELECT version FROM documents WHERE id = $1 FOR UPDATE`,
		documentID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock document %s: %w", documentID, err)
	}
	if version != expectedVersion {
		return fmt.Errorf("document %s at version %d, expected %d: %w",
			documentID, version, expectedVersion, ErrVersionConflict)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to delete old chunks: %w", err)
	}

	for i := range chunks {
		c := &chunks[i]
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO chunks (id, document_id, sequence_index, content, token_count, byte_start, byte_end)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, documentID, c.SequenceIndex, c.Content, c.TokenCount, c.ByteStart, c.ByteEnd); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.SequenceIndex, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunk replacement: %w", err)
	}

	s.logger.Debug("chunks replaced",
		"document_id", documentID, "version", expectedVersion, "count", len(chunks))
	return nil
}

// MarkChunked records that the stored chunk set and its embed fan-out
// reflect the given content hash. Until this lands, UpsertDocument keeps
// reporting the document changed, so an ingestion that fails anywhere after
// the fetch is re-done on redelivery. The version guard makes a superseded
// cycle's mark a no-op: the newer cycle owns the chunk state.
func (s *Store) MarkChunked(ctx context.Context, documentID uuid.UUID, version int32, contentHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET chunked_hash = $3, updated_at = now()
		 WHERE id = $1 AND version = $2`,
		documentID, version, contentHash)
	if err != nil {
		return fmt.Errorf("failed to mark document %s chunked: %w", documentID, err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("chunked mark skipped, document version moved on",
			"document_id", documentID, "version", version)
	}
	return nil
}

// GetChunk returns a chunk by ID, or ErrNotFound.
func (s *Store) GetChunk(ctx context.Context, id uuid.UUID) (*Chunk, error) {
	var c Chunk
	err := s.pool.QueryRow(ctx,
		`SELECT id, document_id, sequence_index, content, token_count, byte_start, byte_end, embedding
		 FROM chunks WHERE id = $1`,
		id).Scan(&c.ID, &c.DocumentID, &c.SequenceIndex, &c.Content,
		&c.TokenCount, &c.ByteStart, &c.ByteEnd, &c.Embedding)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %s: %w", id, err)
	}
	return &c, nil
}

// SetEmbedding stores a chunk's vector. The write is an idempotent upsert
// keyed by chunk ID: redelivered embed tasks overwrite with the same value.
func (s *Store) SetEmbedding(ctx context.Context, chunkID uuid.UUID, embedding pgvector.Vector) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chunks SET embedding = $2, updated_at = now() WHERE id = $1`,
		chunkID, embedding)
	if err != nil {
		return fmt.Errorf("failed to set embedding for chunk %s: %w", chunkID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	return nil
}

// RetireAbsent soft-retires documents in a collection whose source URL is no
// longer tracked. Retired documents are excluded from retrieval but kept for
// citation history.
func (s *Store) RetireAbsent(ctx context.Context, collection string, presentURLs []string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET retired = TRUE, updated_at = now()
		 WHERE collection = $1 AND NOT retired AND NOT (source_url = ANY($2))`,
		collection, presentURLs)
	if err != nil {
		return 0, fmt.Errorf("failed to retire absent documents: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("retired documents", "collection", collection, "count", n)
		return n, nil
	}
	return 0, nil
}

// CountChunksWithoutEmbedding reports how many chunks still await a vector.
// Used by readiness reporting and by tests.
func (s *Store) CountChunksWithoutEmbedding(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chunks WHERE embedding IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending embeddings: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.SourceURL, &d.Collection, &d.Content,
		&d.ContentHash, &d.ChunkedHash, &d.Version, &d.Retired, &d.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	return &d, nil
}
