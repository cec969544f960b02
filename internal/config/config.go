// Package config provides configuration loading and structs for the MedRagnosis server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Blob      BlobConfig      `yaml:"blob"`
	Auth      AuthConfig      `yaml:"auth"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	LLM       LLMConfig       `yaml:"llm"`
	OCR       OCRConfig       `yaml:"ocr"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig holds paths for the record database and the local vector index snapshot.
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path"`
	VectorIndexPath string `yaml:"vector_index_path"`
}

// BlobConfig selects where raw uploaded reports are kept.
type BlobConfig struct {
	Backend   string `yaml:"backend"` // "disk" or "gcs"
	UploadDir string `yaml:"upload_dir"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// EmbeddingConfig holds embedding service settings.
type EmbeddingConfig struct {
	Provider          string `yaml:"provider"` // "gemini" or "mock"
	Model             string `yaml:"model"`
	APIKey            string `yaml:"api_key"`
	Dimensions        int    `yaml:"dimensions"`
	BatchSize         int    `yaml:"batch_size"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CacheSize         int    `yaml:"cache_size"`
}

// VectorConfig selects and configures the vector index.
type VectorConfig struct {
	IndexType         string `yaml:"index_type"` // "memory" or "pinecone"
	PineconeAPIKey    string `yaml:"pinecone_api_key"`
	PineconeIndex     string `yaml:"pinecone_index"`
	PineconeNamespace string `yaml:"pinecone_namespace"`
}

// LLMConfig holds answer-generation settings.
type LLMConfig struct {
	Provider        string  `yaml:"provider"` // "gemini"
	Model           string  `yaml:"model"`
	APIKey          string  `yaml:"api_key"`
	Temperature     float32 `yaml:"temperature"`
	MaxOutputTokens int32   `yaml:"max_output_tokens"`
}

// OCRConfig holds the scanned-document fallback settings.
type OCRConfig struct {
	Enabled       *bool `yaml:"enabled"`
	PagesPerBatch int   `yaml:"pages_per_batch"`
	MaxPages      int   `yaml:"max_pages"`
}

// EnabledOrDefault returns whether OCR fallback is on; defaults to true when unset.
func (o *OCRConfig) EnabledOrDefault() bool {
	if o.Enabled != nil {
		return *o.Enabled
	}
	return true
}

// IngestConfig holds chunking and upload settings.
type IngestConfig struct {
	ChunkSize      int   `yaml:"chunk_size"`
	ChunkOverlap   int   `yaml:"chunk_overlap"`
	MaxChunkText   int   `yaml:"max_chunk_text"`
	OCRMinChars    int   `yaml:"ocr_min_chars"`
	Concurrency    int   `yaml:"concurrency"`
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// RetrievalConfig holds retrieval engine settings.
type RetrievalConfig struct {
	TopK             int           `yaml:"top_k"`
	LongitudinalTopK int           `yaml:"longitudinal_top_k"`
	Timeout          time.Duration `yaml:"timeout"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Environment overrides (see ApplyEnv) are applied after the file so secrets never
// need to live in YAML. Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	cfg.Blob.UploadDir = expandPath(cfg.Blob.UploadDir, configDir)

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate reports configuration that cannot work at runtime, such as a remote
// provider selected without credentials.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set JWT_SECRET)")
	}
	if c.Embedding.Provider == "gemini" && c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding.api_key is required for the gemini provider (or set GEMINI_API_KEY)")
	}
	if c.LLM.Provider == "gemini" && c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required for the gemini provider (or set GEMINI_API_KEY)")
	}
	if c.Vector.IndexType == "pinecone" && (c.Vector.PineconeAPIKey == "" || c.Vector.PineconeIndex == "") {
		return fmt.Errorf("vector.pinecone_api_key and vector.pinecone_index are required for the pinecone index")
	}
	if c.Blob.Backend == "gcs" && c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required for the gcs backend")
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("ingest.chunk_overlap (%d) must be smaller than ingest.chunk_size (%d)",
			c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
