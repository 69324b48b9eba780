// Package retrieval implements hybrid search over the chunk index.
//
// Two rankings are computed per query, one lexical and one semantic, and
// fused by reciprocal rank: lexical ts_rank and cosine similarity live on
// incomparable scales, so fusing raw scores would let one ranking drown the
// other. Rank positions are scale-free.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/docsmith/docsmith/internal/store"
)

// DefaultRRFConstant is the damping constant k in 1/(k+rank). 60 is the
// standard choice: large enough that a single top rank does not dominate.
const DefaultRRFConstant = 60

// Searcher is the store surface the retriever queries. *store.Store
// implements it.
type Searcher interface {
	LexicalSearch(ctx context.Context, query string, limit int) ([]store.Candidate, error)
	VectorSearch(ctx context.Context, embedding pgvector.Vector, limit int) ([]store.Candidate, error)
}

// QueryEmbedder turns a query string into a vector. *gemini.Client
// implements it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// RankedPassage is one fused search hit carrying enough document metadata
// to cite it.
type RankedPassage struct {
	ChunkID       uuid.UUID
	DocumentID    uuid.UUID
	SequenceIndex int32
	Content       string
	SourceURL     string
	Score         float64
}

// Config tunes the retriever.
type Config struct {
	// TopK is the result count returned by Search. Default 10.
	TopK int

	// RRFConstant is k in the reciprocal rank formula. Default 60.
	RRFConstant int

	// MinScore drops fused results scoring below it. Zero keeps everything.
	MinScore float64

	// CandidateDepth is how many rows each underlying ranking contributes.
	// Defaults to 3x TopK so fusion has enough overlap to work with.
	CandidateDepth int
}

// Retriever answers queries against the chunk index.
type Retriever struct {
	searcher Searcher
	embedder QueryEmbedder
	cfg      Config
	logger   *slog.Logger
}

// New creates a Retriever.
func New(searcher Searcher, embedder QueryEmbedder, cfg Config, logger *slog.Logger) (*Retriever, error) {
	if searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("query embedder is required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = DefaultRRFConstant
	}
	if cfg.CandidateDepth <= 0 {
		cfg.CandidateDepth = 3 * cfg.TopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{searcher: searcher, embedder: embedder, cfg: cfg, logger: logger}, nil
}

// Search runs both rankings and fuses them. For fixed index contents and a
// fixed query the result order is stable: ties on fused score break by
// (document_id, sequence_index).
func (r *Retriever) Search(ctx context.Context, query string, topK int) ([]RankedPassage, error) {
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if topK <= 0 {
		topK = r.cfg.TopK
	}

	lexical, err := r.searcher.LexicalSearch(ctx, query, r.cfg.CandidateDepth)
	if err != nil {
		return nil, fmt.Errorf("lexical ranking: %w", err)
	}

	queryVec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	semantic, err := r.searcher.VectorSearch(ctx, pgvector.NewVector(queryVec), r.cfg.CandidateDepth)
	if err != nil {
		return nil, fmt.Errorf("vector ranking: %w", err)
	}

	fused := fuse(r.cfg.RRFConstant, lexical, semantic)

	out := make([]RankedPassage, 0, topK)
	for _, p := range fused {
		if r.cfg.MinScore > 0 && p.Score < r.cfg.MinScore {
			break
		}
		out = append(out, p)
		if len(out) == topK {
			break
		}
	}

	r.logger.Debug("hybrid search",
		"lexical", len(lexical), "semantic", len(semantic), "returned", len(out))
	return out, nil
}

// fuse combines rankings by reciprocal rank: each chunk scores the sum of
// 1/(k+rank) over every ranking it appears in, ranks starting at 1.
func fuse(k int, rankings ...[]store.Candidate) []RankedPassage {
	byChunk := make(map[uuid.UUID]*RankedPassage)
	for _, ranking := range rankings {
		for i, c := range ranking {
			contribution := 1.0 / float64(k+i+1)
			if p, ok := byChunk[c.ChunkID]; ok {
				p.Score += contribution
				continue
			}
			byChunk[c.ChunkID] = &RankedPassage{
				ChunkID:       c.ChunkID,
				DocumentID:    c.DocumentID,
				SequenceIndex: c.SequenceIndex,
				Content:       c.Content,
				SourceURL:     c.SourceURL,
				Score:         contribution,
			}
		}
	}

	fused := make([]RankedPassage, 0, len(byChunk))
	for _, p := range byChunk {
		fused = append(fused, *p)
	}
	sort.Slice(fused, func(i, j int) bool {
		a, b := fused[i], fused[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID.String() < b.DocumentID.String()
		}
		return a.SequenceIndex < b.SequenceIndex
	})
	return fused
}
