package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/medragnosis/medragnosis/internal/config"
	"github.com/medragnosis/medragnosis/internal/models"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("model returned no text")

// GeminiGenerator runs chat completions against a Gemini model.
type GeminiGenerator struct {
	client          *genai.Client
	model           string
	temperature     float32
	maxOutputTokens int32
	logger          *zap.Logger
}

// NewGeminiGenerator creates a client for cfg.Model using cfg.APIKey.
func NewGeminiGenerator(ctx context.Context, cfg *config.LLMConfig, logger *zap.Logger) (*GeminiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiGenerator{
		client:          client,
		model:           cfg.Model,
		temperature:     cfg.Temperature,
		maxOutputTokens: cfg.MaxOutputTokens,
		logger:          logger,
	}, nil
}

// Generate starts a chat seeded with p.History and sends p.Message.
func (g *GeminiGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	model := g.client.GenerativeModel(g.model)
	if p.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(p.System)}}
	}
	temp := g.temperature
	if p.Temperature != nil {
		temp = *p.Temperature
	}
	model.GenerationConfig = genai.GenerationConfig{Temperature: &temp}
	if g.maxOutputTokens > 0 {
		maxTokens := g.maxOutputTokens
		model.GenerationConfig.MaxOutputTokens = &maxTokens
	}

	cs := model.StartChat()
	cs.History = toContents(p.History)
	resp, err := cs.SendMessage(ctx, genai.Text(p.Message))
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		g.logger.Warn("gemini response had no text parts")
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Close releases the Gemini client.
func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}

// toContents maps conversation turns to Gemini roles ("user" and "model").
func toContents(history []models.ChatMessage) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		role := "user"
		if m.Role == models.RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return out
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}
