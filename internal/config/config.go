package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dgallion1/ctxgest/internal/retrieval"
)

type Config struct {
	Port     string `toml:"port"`
	LogLevel string `toml:"log_level"`

	// Auth
	APIKey string `toml:"api_key"`

	// Claude extraction and answering
	AnthropicAPIKey string `toml:"anthropic_api_key"`
	AnthropicModel  string `toml:"anthropic_model"`

	// Embeddings
	OllamaHost     string `toml:"ollama_host"`
	EmbedModel     string `toml:"embed_model"`
	EmbedDimension int    `toml:"embed_dimension"`

	// Hierarchical store
	DBDriver    string `toml:"db_driver"`
	DBPath      string `toml:"db_path"`
	DatabaseURL string `toml:"database_url"`

	// Vector search
	VectorBackend    string `toml:"vector_backend"`
	QdrantHost       string `toml:"qdrant_host"`
	QdrantPort       int    `toml:"qdrant_port"`
	QdrantAPIKey     string `toml:"qdrant_api_key"`
	QdrantCollection string `toml:"qdrant_collection"`

	// Worker pool
	WorkerCount          int `toml:"worker_count"`
	MaxQueueSize         int `toml:"max_queue_size"`
	MaxConcurrentExtract int `toml:"max_concurrent_extract"`

	// Upload limits
	MaxUploadBytes int64 `toml:"max_upload_bytes"`

	// Chunking
	ChunkSize       int      `toml:"chunk_size"`
	ChunkSeparators []string `toml:"chunk_separators"`

	// Retrieval
	ParagraphThreshold float64 `toml:"paragraph_threshold"`
	SectionThreshold   float64 `toml:"section_threshold"`
	TopNRetrieval      int     `toml:"top_n_retrieval"`
	MinScore           float64 `toml:"min_score"`

	// Job state
	JobTTL time.Duration `toml:"job_ttl"`

	// PDF
	PDFFallbackPdftotext bool `toml:"pdf_fallback_pdftotext"`

	OTELEnabled bool `toml:"otel_enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Port:     "8090",
		LogLevel: "info",

		AnthropicModel: "claude-sonnet-4-5-20250929",

		OllamaHost:     "http://localhost:11434",
		EmbedModel:     "nomic-embed-text",
		EmbedDimension: 768,

		DBDriver: "sqlite",
		DBPath:   "ctxgest.db",

		VectorBackend:    "local",
		QdrantHost:       "localhost",
		QdrantPort:       6334,
		QdrantCollection: "ctxgest_chunks",

		WorkerCount:          4,
		MaxQueueSize:         100,
		MaxConcurrentExtract: 5,

		MaxUploadBytes: 52428800, // 50MB

		ChunkSize:       1000,
		ChunkSeparators: []string{"\n\n", "\n", ".", " ", ""},

		TopNRetrieval: 10,

		JobTTL: 1 * time.Hour,

		PDFFallbackPdftotext: true,
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). An empty
// path falls back to CTXGEST_CONFIG, then ctxgest.toml. A missing file is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = envOr("CTXGEST_CONFIG", "ctxgest.toml")
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.Port = envOr("PORT", cfg.Port)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.APIKey = envOr("CTXGEST_API_KEY", cfg.APIKey)

	cfg.AnthropicAPIKey = envOr("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.AnthropicModel = envOr("ANTHROPIC_MODEL", cfg.AnthropicModel)

	cfg.OllamaHost = envOr("OLLAMA_HOST", cfg.OllamaHost)
	cfg.EmbedModel = envOr("EMBED_MODEL", cfg.EmbedModel)
	cfg.EmbedDimension = envInt("EMBED_DIMENSION", cfg.EmbedDimension)

	cfg.DBDriver = envOr("DB_DRIVER", cfg.DBDriver)
	cfg.DBPath = envOr("DB_PATH", cfg.DBPath)
	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)

	cfg.VectorBackend = envOr("VECTOR_BACKEND", cfg.VectorBackend)
	cfg.QdrantHost = envOr("QDRANT_HOST", cfg.QdrantHost)
	cfg.QdrantPort = envInt("QDRANT_PORT", cfg.QdrantPort)
	cfg.QdrantAPIKey = envOr("QDRANT_API_KEY", cfg.QdrantAPIKey)
	cfg.QdrantCollection = envOr("QDRANT_COLLECTION", cfg.QdrantCollection)

	cfg.WorkerCount = envInt("WORKER_COUNT", cfg.WorkerCount)
	cfg.MaxQueueSize = envInt("MAX_QUEUE_SIZE", cfg.MaxQueueSize)
	cfg.MaxConcurrentExtract = envInt("MAX_CONCURRENT_EXTRACT", cfg.MaxConcurrentExtract)
	cfg.MaxUploadBytes = envInt64("MAX_UPLOAD_BYTES", cfg.MaxUploadBytes)

	cfg.ChunkSize = envInt("CHUNK_SIZE", cfg.ChunkSize)
	cfg.ChunkSeparators = envStrings("CHUNK_SEPARATORS", cfg.ChunkSeparators)

	cfg.ParagraphThreshold = envFloat("PARAGRAPH_THRESHOLD", cfg.ParagraphThreshold)
	cfg.SectionThreshold = envFloat("SECTION_THRESHOLD", cfg.SectionThreshold)
	cfg.TopNRetrieval = envInt("TOP_N_RETRIEVAL", cfg.TopNRetrieval)
	cfg.MinScore = envFloat("MIN_SCORE", cfg.MinScore)

	cfg.JobTTL = envDuration("JOB_TTL", cfg.JobTTL)
	cfg.PDFFallbackPdftotext = envBool("PDF_FALLBACK_PDFTOTEXT", cfg.PDFFallbackPdftotext)
	cfg.OTELEnabled = envBool("OTEL_ENABLED", cfg.OTELEnabled)

	cfg.clamp()
	return cfg, nil
}

func (c *Config) clamp() {
	d := Default()
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.MaxConcurrentExtract <= 0 {
		c.MaxConcurrentExtract = d.MaxConcurrentExtract
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if len(c.ChunkSeparators) == 0 {
		c.ChunkSeparators = d.ChunkSeparators
	}
	if c.TopNRetrieval <= 0 {
		c.TopNRetrieval = d.TopNRetrieval
	}
	if c.JobTTL <= 0 {
		c.JobTTL = d.JobTTL
	}
}

// Validate checks settings every entry point relies on.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for sqlite")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	switch c.VectorBackend {
	case "local":
	case "qdrant":
		if c.QdrantHost == "" || c.QdrantCollection == "" {
			return fmt.Errorf("QDRANT_HOST and QDRANT_COLLECTION are required for qdrant")
		}
	default:
		return fmt.Errorf("VECTOR_BACKEND must be local or qdrant, got %q", c.VectorBackend)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("PARAGRAPH_THRESHOLD/SECTION_THRESHOLD: %w", err)
	}
	if math.IsNaN(c.MinScore) {
		return fmt.Errorf("MIN_SCORE must be a number")
	}
	return nil
}

// Thresholds returns the promotion thresholds for the retrieval engine.
func (c Config) Thresholds() retrieval.Thresholds {
	return retrieval.Thresholds{Paragraph: c.ParagraphThreshold, Section: c.SectionThreshold}
}

// ValidateServer additionally checks what the HTTP server needs.
func (c Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.APIKey == "" {
		return fmt.Errorf("CTXGEST_API_KEY is required")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envStrings reads a JSON array of strings.
func envStrings(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		var out []string
		if err := json.Unmarshal([]byte(v), &out); err == nil && len(out) > 0 {
			return out
		}
	}
	return fallback
}
