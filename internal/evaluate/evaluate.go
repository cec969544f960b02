// Package evaluate runs question/ground-truth cases through the retrieval engine and scores
// how much of each ground truth the retrieved contexts cover.
package evaluate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/medragnosis/medragnosis/internal/embedding"
	"github.com/medragnosis/medragnosis/internal/models"
)

// Case is one evaluation question about a report.
type Case struct {
	Question    string `yaml:"question" json:"question"`
	GroundTruth string `yaml:"ground_truth" json:"ground_truth"`
	DocID       string `yaml:"doc_id" json:"doc_id"`
}

// Result is the engine's output for a case and its score.
type Result struct {
	Case
	Answer        string   `json:"answer"`
	Contexts      []string `json:"contexts"`
	Sources       []string `json:"sources"`
	ContextRecall float64  `json:"context_recall"`
	Error         string   `json:"error,omitempty"`
}

// Summary holds every result and the mean context recall over cases that ran.
type Summary struct {
	Results    []Result `json:"results"`
	MeanRecall float64  `json:"mean_context_recall"`
	Failed     int      `json:"failed"`
}

// Chatter answers a question about one report. *retrieval.Engine implements it.
type Chatter interface {
	Chat(ctx context.Context, docID string, messages []models.ChatMessage) (*models.Answer, error)
}

type caseFile struct {
	Cases []Case `yaml:"cases"`
}

// LoadCases reads cases from a YAML file with a top-level "cases" list.
func LoadCases(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cases: %w", err)
	}
	var f caseFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse cases: %w", err)
	}
	for i, c := range f.Cases {
		if strings.TrimSpace(c.Question) == "" || strings.TrimSpace(c.DocID) == "" {
			return nil, fmt.Errorf("case %d: question and doc_id are required", i+1)
		}
	}
	if len(f.Cases) == 0 {
		return nil, fmt.Errorf("no cases in %s", path)
	}
	return f.Cases, nil
}

// Run asks every case in order. A failing case is recorded and does not stop the run.
// Nothing is persisted as a diagnosis record.
func Run(ctx context.Context, chatter Chatter, cases []Case, logger *zap.Logger) *Summary {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Summary{Results: make([]Result, 0, len(cases))}
	var total float64
	for _, c := range cases {
		logger.Info("evaluating case", zap.String("doc_id", c.DocID), zap.String("question", c.Question))
		r := Result{Case: c}
		ans, err := chatter.Chat(ctx, c.DocID, []models.ChatMessage{{Role: models.RoleUser, Content: c.Question}})
		if err != nil {
			r.Error = err.Error()
			s.Failed++
			s.Results = append(s.Results, r)
			continue
		}
		r.Answer = ans.Diagnosis
		r.Contexts = ans.Contexts
		r.Sources = ans.Sources
		r.ContextRecall = ContextRecall(c.GroundTruth, ans.Contexts)
		total += r.ContextRecall
		s.Results = append(s.Results, r)
	}
	if ran := len(cases) - s.Failed; ran > 0 {
		s.MeanRecall = total / float64(ran)
	}
	return s
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true,
	"by": true, "for": true, "in": true, "is": true, "it": true, "of": true, "on": true,
	"or": true, "s": true, "that": true, "the": true, "this": true, "to": true, "was": true,
	"were": true, "with": true,
}

// ContextRecall is the share of distinct ground-truth terms, stopwords excluded, that
// appear in at least one context. A ground truth with no terms scores 0.
func ContextRecall(groundTruth string, contexts []string) float64 {
	want := make(map[string]bool)
	for _, t := range embedding.Terms(groundTruth) {
		if !stopwords[t] {
			want[t] = true
		}
	}
	if len(want) == 0 {
		return 0
	}
	have := make(map[string]bool)
	for _, c := range contexts {
		for _, t := range embedding.Terms(c) {
			have[t] = true
		}
	}
	found := 0
	for t := range want {
		if have[t] {
			found++
		}
	}
	return float64(found) / float64(len(want))
}
