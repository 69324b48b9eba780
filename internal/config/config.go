// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables with the DOCSMITH_ prefix (runtime override)
//  2. Config file (docsmith.yaml in the working directory or /etc/docsmith)
//  3. Default values
//
// Sensitive values (API keys, database passwords embedded in the URL) are
// never logged; see Redacted().
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrMissingDatabaseURL indicates no PostgreSQL connection string was provided.
	ErrMissingDatabaseURL = errors.New("missing database URL")

	// ErrMissingAPIKey indicates the Gemini API key is not set.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidSyncInterval indicates the sync interval is out of range.
	ErrInvalidSyncInterval = errors.New("invalid sync interval")

	// ErrInvalidConcurrency indicates a worker pool size is out of range.
	ErrInvalidConcurrency = errors.New("invalid concurrency")

	// ErrInvalidChunking indicates chunk size/overlap are inconsistent.
	ErrInvalidChunking = errors.New("invalid chunking parameters")

	// ErrInvalidRetrieval indicates retrieval parameters are out of range.
	ErrInvalidRetrieval = errors.New("invalid retrieval parameters")
)

// Defaults for the Gemini models. gemini-embedding-001 supports truncation to
// 768 dimensions via OutputDimensionality; the pgvector schema depends on it.
const (
	DefaultGenerationModel = "gemini-2.5-flash"
	DefaultEmbedderModel   = "gemini-embedding-001"
	DefaultVectorDimension = 768
)

// Config stores the full application configuration.
type Config struct {
	// Storage
	DatabaseURL string `mapstructure:"database_url"`

	// Gemini API
	GeminiAPIKey    string `mapstructure:"gemini_api_key"`
	GenerationModel string `mapstructure:"generation_model"`
	EmbedderModel   string `mapstructure:"embedder_model"`

	// Ingestion
	SourcesFile      string        `mapstructure:"sources_file"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency"`
	FetchRPS         float64       `mapstructure:"fetch_rps"`
	ChunkSize        int           `mapstructure:"chunk_size"`
	ChunkOverlap     int           `mapstructure:"chunk_overlap"`

	// Embedding
	EmbedConcurrency int     `mapstructure:"embed_concurrency"`
	EmbedBatchSize   int     `mapstructure:"embed_batch_size"`
	EmbedRPS         float64 `mapstructure:"embed_rps"`

	// Task queue
	MaxTaskAttempts int `mapstructure:"max_task_attempts"`

	// Retrieval
	TopK          int     `mapstructure:"top_k"`
	RRFConstant   int     `mapstructure:"rrf_constant"`
	MinFusedScore float64 `mapstructure:"min_fused_score"`

	// Conversation
	ContextTokenBudget int `mapstructure:"context_token_budget"`
	HistoryWindow      int `mapstructure:"history_window"`

	// HTTP API
	HTTPAddr string `mapstructure:"http_addr"`
}

// Load reads configuration from defaults, an optional config file, and
// environment variables, then validates the result.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("docsmith")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/docsmith")

	v.SetEnvPrefix("DOCSMITH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults still apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("generation_model", DefaultGenerationModel)
	v.SetDefault("embedder_model", DefaultEmbedderModel)

	v.SetDefault("sources_file", "sources.yaml")
	v.SetDefault("sync_interval", 3*time.Hour)
	v.SetDefault("lease_ttl", 4*time.Hour)
	v.SetDefault("fetch_concurrency", 6)
	v.SetDefault("fetch_rps", 5.0)
	v.SetDefault("chunk_size", 512)
	v.SetDefault("chunk_overlap", 64)

	v.SetDefault("embed_concurrency", 4)
	v.SetDefault("embed_batch_size", 32)
	v.SetDefault("embed_rps", 2.0)

	v.SetDefault("max_task_attempts", 5)

	v.SetDefault("top_k", 10)
	v.SetDefault("rrf_constant", 60)
	v.SetDefault("min_fused_score", 0.0)

	v.SetDefault("context_token_budget", 4000)
	v.SetDefault("history_window", 6)

	v.SetDefault("http_addr", "127.0.0.1:8080")
}

// Validate checks all configuration values and returns the first violation.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("%w: set DOCSMITH_DATABASE_URL", ErrMissingDatabaseURL)
	}
	if c.SyncInterval < time.Minute {
		return fmt.Errorf("%w: %s (minimum 1m)", ErrInvalidSyncInterval, c.SyncInterval)
	}
	if c.LeaseTTL <= c.SyncInterval/2 {
		return fmt.Errorf("%w: lease TTL %s too short for interval %s",
			ErrInvalidSyncInterval, c.LeaseTTL, c.SyncInterval)
	}
	if c.FetchConcurrency < 1 || c.FetchConcurrency > 64 {
		return fmt.Errorf("%w: fetch_concurrency %d (want 1-64)", ErrInvalidConcurrency, c.FetchConcurrency)
	}
	if c.EmbedConcurrency < 1 || c.EmbedConcurrency > 64 {
		return fmt.Errorf("%w: embed_concurrency %d (want 1-64)", ErrInvalidConcurrency, c.EmbedConcurrency)
	}
	if c.EmbedBatchSize < 1 || c.EmbedBatchSize > 250 {
		return fmt.Errorf("%w: embed_batch_size %d (want 1-250)", ErrInvalidConcurrency, c.EmbedBatchSize)
	}
	if c.ChunkSize < 50 || c.ChunkSize > 8192 {
		return fmt.Errorf("%w: chunk_size %d (want 50-8192)", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap %d must be < chunk_size %d",
			ErrInvalidChunking, c.ChunkOverlap, c.ChunkSize)
	}
	if c.TopK < 1 || c.TopK > 100 {
		return fmt.Errorf("%w: top_k %d (want 1-100)", ErrInvalidRetrieval, c.TopK)
	}
	if c.RRFConstant < 1 {
		return fmt.Errorf("%w: rrf_constant %d (want >= 1)", ErrInvalidRetrieval, c.RRFConstant)
	}
	if c.ContextTokenBudget < 500 {
		return fmt.Errorf("%w: context_token_budget %d (want >= 500)", ErrInvalidRetrieval, c.ContextTokenBudget)
	}
	if c.HistoryWindow < 0 {
		return fmt.Errorf("%w: history_window %d", ErrInvalidRetrieval, c.HistoryWindow)
	}
	return nil
}

// RequireAPIKey validates that the Gemini API key is present.
// Ingestion fetch-only paths do not need it, so it is not part of Validate.
func (c *Config) RequireAPIKey() error {
	if strings.TrimSpace(c.GeminiAPIKey) == "" {
		return fmt.Errorf("%w: set DOCSMITH_GEMINI_API_KEY", ErrMissingAPIKey)
	}
	return nil
}

// Redacted returns a copy safe for logging.
func (c *Config) Redacted() Config {
	cp := *c
	if cp.GeminiAPIKey != "" {
		cp.GeminiAPIKey = "***"
	}
	cp.DatabaseURL = redactURL(cp.DatabaseURL)
	return cp
}

// redactURL masks the password portion of a connection URL.
func redactURL(u string) string {
	at := strings.LastIndex(u, "@")
	if at == -1 {
		return u
	}
	scheme := strings.Index(u, "://")
	if scheme == -1 {
		return u
	}
	creds := u[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon != -1 {
		return u[:scheme+3] + creds[:colon] + ":***" + u[at:]
	}
	return u
}
