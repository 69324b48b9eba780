// Package ingest implements the sync pipeline: fetching source pages,
// diffing them against stored content hashes, chunking changed documents,
// and fanning out embedding work.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/docsmith/docsmith/internal/config"
	"github.com/docsmith/docsmith/internal/store"
)

// DocumentUpserter is the store surface the fetcher writes through.
// *store.Store implements it.
type DocumentUpserter interface {
	UpsertDocument(ctx context.Context, sourceURL, collection, content, contentHash string) (*store.Document, bool, error)
}

// FetchFailure records one page that could not be ingested this cycle.
type FetchFailure struct {
	URL string
	Err error
}

// FetchReport summarizes one pass over the tracked sources. Changed holds
// the documents whose content hash moved and that need re-chunking;
// Unchanged pages were touched but not reprocessed.
type FetchReport struct {
	Changed   []*store.Document
	Unchanged int
	Failures  []FetchFailure
}

// FetcherConfig bounds the fetch worker pool.
type FetcherConfig struct {
	Concurrency int           // parallel fetches
	RPS         float64       // requests per second; 0 disables limiting
	Timeout     time.Duration // per-request timeout
	MaxRetries  int           // attempts per page beyond the first
	BaseBackoff time.Duration // first retry delay, doubled per attempt
}

// Fetcher pulls source pages and upserts changed documents.
type Fetcher struct {
	client  *http.Client
	docs    DocumentUpserter
	limiter *rate.Limiter
	cfg     FetcherConfig
	logger  *slog.Logger
}

// NewFetcher creates a Fetcher. Zero config fields fall back to modest
// defaults sized for a documentation site, not a crawl.
func NewFetcher(docs DocumentUpserter, cfg FetcherConfig, logger *slog.Logger) (*Fetcher, error) {
	if docs == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), 1)
	}

	return &Fetcher{
		client:  &http.Client{Timeout: cfg.Timeout},
		docs:    docs,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// FetchAll pulls every source page through the bounded pool. Per-page
// failures are isolated: a page that keeps failing after retries lands in
// the report's Failures and never aborts the batch. The returned error is
// reserved for cancellation.
func (f *Fetcher) FetchAll(ctx context.Context, sources []config.Source) (*FetchReport, error) {
	report := &FetchReport{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)

	for _, src := range sources {
		g.Go(func() error {
			doc, changed, err := f.fetchOne(ctx, src)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				f.logger.Warn("page fetch failed, skipping",
					"url", src.URL, "error", err)
				report.Failures = append(report.Failures, FetchFailure{URL: src.URL, Err: err})
			case changed:
				report.Changed = append(report.Changed, doc)
			default:
				report.Unchanged++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	f.logger.Info("fetch pass complete",
		"changed", len(report.Changed),
		"unchanged", report.Unchanged,
		"failed", len(report.Failures))
	return report, nil
}

// fetchOne retrieves, normalizes, and upserts a single page, retrying
// transient errors with doubling backoff.
func (f *Fetcher) fetchOne(ctx context.Context, src config.Source) (*store.Document, bool, error) {
	var lastErr error
	delay := f.cfg.BaseBackoff

	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if err := f.limiter.Wait(ctx); err != nil {
			return nil, false, err
		}

		body, err := f.get(ctx, src.URL)
		if err != nil {
			lastErr = err
			continue
		}

		content, err := Normalize(body)
		if err != nil {
			// Malformed markup will not get better on retry.
			return nil, false, err
		}
		if content == "" {
			return nil, false, fmt.Errorf("page %s has no extractable content", src.URL)
		}

		doc, changed, err := f.docs.UpsertDocument(ctx, src.URL, src.Collection, content, ContentHash(content))
		if err != nil {
			return nil, false, err
		}
		return doc, changed, nil
	}

	return nil, false, fmt.Errorf("fetch %s: %w", src.URL, lastErr)
}

func (f *Fetcher) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
