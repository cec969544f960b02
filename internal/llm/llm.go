// Package llm generates answers with a hosted language model.
package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/medragnosis/medragnosis/internal/config"
	"github.com/medragnosis/medragnosis/internal/models"
)

// Prompt is one generation request: a system instruction, earlier conversation turns and
// the message to answer.
type Prompt struct {
	System      string
	History     []models.ChatMessage
	Message     string
	Temperature *float32 // overrides the configured temperature when set
}

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
	Close() error
}

// Temperature returns a pointer for Prompt.Temperature.
func Temperature(t float32) *float32 {
	return &t
}

// NewGenerator builds the generator selected by cfg.Provider: "gemini" or "mock".
func NewGenerator(ctx context.Context, cfg *config.LLMConfig, logger *zap.Logger) (Generator, error) {
	switch cfg.Provider {
	case "", "gemini":
		g, err := NewGeminiGenerator(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "mock":
		return NewEchoGenerator(0), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
