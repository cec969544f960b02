package llm

import (
	"context"
	"strings"

	"github.com/medragnosis/medragnosis/pkg/utils"
)

// EchoGenerator is a deterministic offline generator: it returns the prompt message,
// truncated. Pair it with the mock embedder to run the pipeline without network access.
type EchoGenerator struct {
	maxLen int
}

// NewEchoGenerator returns an EchoGenerator that truncates output to maxLen runes
// (default 1000).
func NewEchoGenerator(maxLen int) *EchoGenerator {
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &EchoGenerator{maxLen: maxLen}
}

// Generate returns the trimmed prompt message.
func (g *EchoGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return utils.Truncate(strings.TrimSpace(p.Message), g.maxLen), nil
}

// Close is a no-op.
func (g *EchoGenerator) Close() error { return nil }
