package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Candidate is a chunk row produced by one of the two rankings feeding the
// hybrid retriever. Score scales differ between rankings (ts_rank vs cosine
// similarity); fusion therefore happens on ranks, not raw scores.
type Candidate struct {
	ChunkID       uuid.UUID
	DocumentID    uuid.UUID
	SequenceIndex int32
	Content       string
	SourceURL     string
	Collection    string
	Score         float64
}

const candidateCols = `c.id, c.document_id, c.sequence_index, c.content, d.source_url, d.collection`

// LexicalSearch ranks chunks by PostgreSQL full-text relevance. Retired
// documents are excluded; ties are broken by (document_id, sequence_index)
// so the ranking is deterministic for fixed index contents.
func (s *Store) LexicalSearch(ctx context.Context, query string, limit int) ([]Candidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+candidateCols+`,
		        ts_rank(c.lexical, plainto_tsquery('english', $1))::float8 AS score
		 FROM chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE NOT d.retired
		   AND c.lexical @@ plainto_tsquery('english', $1)
		 ORDER BY score DESC, c.document_id, c.sequence_index
		 LIMIT $2`,
		query, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

// VectorSearch ranks chunks by cosine similarity to the query embedding.
// Chunks without a stored vector (ingestion still in flight) and retired
// documents are excluded.
func (s *Store) VectorSearch(ctx context.Context, embedding pgvector.Vector, limit int) ([]Candidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+candidateCols+`,
		        (1 - (c.embedding <=> $1))::float8 AS score
		 FROM chunks c
		 JOIN documents d ON d.id = c.document_id
		 WHERE NOT d.retired
		   AND c.embedding IS NOT NULL
		 ORDER BY c.embedding <=> $1, c.document_id, c.sequence_index
		 LIMIT $2`,
		embedding, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

type candidateRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanCandidates(rows candidateRows) ([]Candidate, error) {
	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.SequenceIndex,
			&c.Content, &c.SourceURL, &c.Collection, &c.Score); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("candidate rows: %w", err)
	}
	return out, nil
}
