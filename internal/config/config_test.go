package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
auth:
  jwt_secret: "s3cret"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("jwt_secret: got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_durations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
retrieval:
  top_k: 7
  timeout: 15s
auth:
  token_ttl: 2h
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retrieval.Timeout != 15*time.Second {
		t.Errorf("retrieval timeout: got %v", cfg.Retrieval.Timeout)
	}
	if cfg.Retrieval.TopK != 7 {
		t.Errorf("top_k: got %d", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.LongitudinalTopK != 10 {
		t.Errorf("longitudinal_top_k default: got %d", cfg.Retrieval.LongitudinalTopK)
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("token ttl: got %v", cfg.Auth.TokenTTL)
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  database_path: "./data/db/medragnosis.db"
blob:
  upload_dir: "./uploaded_reports"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "db", "medragnosis.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, wantDB)
	}
	wantUploads := filepath.Join(dir, "uploaded_reports")
	if cfg.Blob.UploadDir != wantUploads {
		t.Errorf("upload_dir = %s, want %s", cfg.Blob.UploadDir, wantUploads)
	}
}

func TestLoad_envOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "gem-key")
	t.Setenv("PINECONE_API_KEY", "pc-key")
	t.Setenv("PINECONE_INDEX_NAME", "reports")
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("MEDRAGNOSIS_DEBUG", "true")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
auth:
  jwt_secret: "from-file"
llm:
  api_key: "llm-file-key"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("jwt secret: got %q, want env value", cfg.Auth.JWTSecret)
	}
	if cfg.Embedding.APIKey != "gem-key" {
		t.Errorf("embedding key: got %q", cfg.Embedding.APIKey)
	}
	if cfg.LLM.APIKey != "llm-file-key" {
		t.Errorf("llm key from file should win over GEMINI_API_KEY: got %q", cfg.LLM.APIKey)
	}
	if cfg.Vector.PineconeAPIKey != "pc-key" || cfg.Vector.PineconeIndex != "reports" {
		t.Errorf("pinecone: got %+v", cfg.Vector)
	}
	if !cfg.Debug {
		t.Error("MEDRAGNOSIS_DEBUG=true should enable debug")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("MEDRAGNOSIS_TEST_DOTENV=loaded\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("MEDRAGNOSIS_TEST_DOTENV") })

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("MEDRAGNOSIS_TEST_DOTENV"); got != "loaded" {
		t.Errorf("env var: got %q", got)
	}
	if err := LoadDotEnv(filepath.Join(dir, "nothing-here.env")); err != nil {
		t.Errorf("missing files should be ignored: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" {
		t.Errorf("default host: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.Ingest.ChunkSize != 500 || cfg.Ingest.ChunkOverlap != 100 {
		t.Errorf("chunking defaults: got size=%d overlap=%d", cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	}
	if cfg.Ingest.MaxChunkText != 2000 {
		t.Errorf("max chunk text: got %d", cfg.Ingest.MaxChunkText)
	}
	if cfg.Ingest.OCRMinChars != 50 {
		t.Errorf("ocr min chars: got %d", cfg.Ingest.OCRMinChars)
	}
	if cfg.Retrieval.TopK != 5 || cfg.Retrieval.LongitudinalTopK != 10 {
		t.Errorf("top-k defaults: got %d/%d", cfg.Retrieval.TopK, cfg.Retrieval.LongitudinalTopK)
	}
	if cfg.Vector.IndexType != "memory" {
		t.Errorf("index type: got %s", cfg.Vector.IndexType)
	}
	if cfg.Blob.Backend != "disk" {
		t.Errorf("blob backend: got %s", cfg.Blob.Backend)
	}
}

func TestOCRConfig_EnabledOrDefault(t *testing.T) {
	t.Run("nil_returns_true", func(t *testing.T) {
		o := &OCRConfig{}
		if got := o.EnabledOrDefault(); !got {
			t.Errorf("EnabledOrDefault() = %v, want true", got)
		}
	})
	t.Run("false_returns_false", func(t *testing.T) {
		f := false
		o := &OCRConfig{Enabled: &f}
		if got := o.EnabledOrDefault(); got {
			t.Errorf("EnabledOrDefault() = %v, want false", got)
		}
	})
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{Auth: AuthConfig{JWTSecret: "x"}}
		cfg.Embedding.Provider = "mock"
		cfg.LLM.Provider = "gemini"
		cfg.LLM.APIKey = "k"
		ApplyDefaults(cfg)
		return cfg
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, true},
		{"gemini embedder without key", func(c *Config) { c.Embedding.Provider = "gemini" }, true},
		{"pinecone without key", func(c *Config) { c.Vector.IndexType = "pinecone" }, true},
		{"gcs without bucket", func(c *Config) { c.Blob.Backend = "gcs" }, true},
		{"overlap not smaller than size", func(c *Config) { c.Ingest.ChunkOverlap = c.Ingest.ChunkSize }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")
	cfg := &Config{
		Server:  ServerConfig{Host: "localhost", Port: 9090},
		Storage: StorageConfig{DatabasePath: "/tmp/db"},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
}
