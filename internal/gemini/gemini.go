// Package gemini wraps the Google GenAI client for embedding and grounded
// answer generation.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// Embedding task types understood by the Gemini embedding models. Documents
// and queries are embedded asymmetrically.
const (
	taskTypeDocument = "RETRIEVAL_DOCUMENT"
	taskTypeQuery    = "RETRIEVAL_QUERY"
)

// Turn is one prior exchange supplied as generation context.
type Turn struct {
	Role string // "user" or "model"
	Text string
}

// Client calls the Gemini API for embeddings and streamed generation.
type Client struct {
	client          *genai.Client
	generationModel string
	embedModel      string
	dimensions      int32
	logger          *slog.Logger
}

// New creates a Client bound to fixed model names. dimensions is the
// embedding width and must match the vector column in the store.
func New(ctx context.Context, apiKey, generationModel, embedModel string, dimensions int32, logger *slog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if generationModel == "" || embedModel == "" {
		return nil, fmt.Errorf("model names are required")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", dimensions)
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Client{
		client:          client,
		generationModel: generationModel,
		embedModel:      embedModel,
		dimensions:      dimensions,
		logger:          logger,
	}, nil
}

// EmbedBatch embeds document passages in one API call. The returned vectors
// are positionally aligned with texts.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts, taskTypeDocument)
}

// EmbedQuery embeds a retrieval query.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, []string{text}, taskTypeQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: t}}}
	}

	resp, err := c.client.Models.EmbedContent(ctx, c.embedModel, contents, &genai.EmbedContentConfig{
		TaskType:             taskType,
		OutputDimensionality: genai.Ptr(c.dimensions),
	})
	if err != nil {
		return nil, fmt.Errorf("embed call failed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed call returned %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("embed call returned empty vector at index %d", i)
		}
		vectors[i] = e.Values
	}
	return vectors, nil
}

// StreamGenerate produces an answer incrementally, calling onDelta for each
// text fragment as it arrives. The accumulated full text is returned on
// success. An onDelta error aborts the stream, typically on client
// disconnect.
func (c *Client) StreamGenerate(ctx context.Context, system string, turns []Turn, onDelta func(delta string) error) (string, error) {
	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		contents = append(contents, &genai.Content{
			Role:  turn.Role,
			Parts: []*genai.Part{{Text: turn.Text}},
		})
	}

	var config *genai.GenerateContentConfig
	if system != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
		}
	}

	var full strings.Builder
	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.generationModel, contents, config) {
		if err != nil {
			return "", fmt.Errorf("generation stream failed: %w", err)
		}
		delta := resp.Text()
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := onDelta(delta); err != nil {
			return "", fmt.Errorf("stream consumer: %w", err)
		}
	}
	return full.String(), nil
}

// RateLimited reports whether err looks like a provider rate limit. The API
// error surface is stringly typed, so this is a substring check.
func RateLimited(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), "429", "rate limit", "quota exceeded", "resource_exhausted")
}

// Transient reports whether err is worth retrying at all.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if RateLimited(err) {
		return true
	}
	return containsAny(err.Error(),
		"500", "502", "503", "504", "unavailable",
		"connection reset", "timeout", "temporary")
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
