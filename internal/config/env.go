package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads variables from the given .env files into the process environment.
// Missing files are ignored; variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overlays secrets and deployment settings from the environment onto cfg.
// Only non-empty variables override file values.
func ApplyEnv(cfg *Config) {
	if v := env("GEMINI_API_KEY"); v != "" {
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = v
		}
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = v
		}
	}
	if v := env("PINECONE_API_KEY"); v != "" {
		cfg.Vector.PineconeAPIKey = v
	}
	if v := env("PINECONE_INDEX_NAME"); v != "" {
		cfg.Vector.PineconeIndex = v
	}
	if v := env("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := env("UPLOAD_DIR"); v != "" {
		cfg.Blob.UploadDir = v
	}
	if v := env("GCS_BUCKET"); v != "" {
		cfg.Blob.Backend = "gcs"
		cfg.Blob.Bucket = v
	}
	if v := env("MEDRAGNOSIS_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
