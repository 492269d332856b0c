// Package evaluation replays a labelled dataset through the assistant and
// scores intent routing, grounding and answer similarity.
package evaluation

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Leoris0/MusicProject/internal/agent"
	"github.com/Leoris0/MusicProject/internal/assistant"
	"github.com/Leoris0/MusicProject/internal/index"
	"github.com/Leoris0/MusicProject/internal/render"
	"github.com/Leoris0/MusicProject/pkg/logger"
)

type Asker interface {
	Ask(ctx context.Context, sessionID, query string) (*assistant.Answer, error)
}

type Evaluator struct {
	assistant Asker
	embedder  index.Embedder
}

type Dataset struct {
	Items []DatasetItem `yaml:"items"`
}

// DatasetItem is one labelled query. Expected is a fragment the answer must
// contain to count as grounded; Intent defaults to query.
type DatasetItem struct {
	Query    string       `yaml:"query"`
	Expected string       `yaml:"expected"`
	Intent   agent.Intent `yaml:"intent"`
}

type ItemResult struct {
	Query            string
	Intent           agent.Intent
	IntentCorrect    bool
	Grounded         bool
	CosineSimilarity float64
	Response         string
	Error            string
}

type Report struct {
	TotalQueries        int
	FailedQueries       int
	IntentCorrect       int
	GroundedCount       int
	GroundedEligible    int
	IntentAccuracy      float64
	GroundingRate       float64
	AvgCosineSimilarity float64
	Items               []ItemResult
}

// NewEvaluator creates an evaluator. embedder may be nil, in which case
// cosine similarity is not computed.
func NewEvaluator(a Asker, embedder index.Embedder) *Evaluator {
	return &Evaluator{
		assistant: a,
		embedder:  embedder,
	}
}

func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	return ParseDataset(data)
}

func ParseDataset(data []byte) (*Dataset, error) {
	var dataset Dataset
	if err := yaml.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}

	items := dataset.Items[:0]
	for _, item := range dataset.Items {
		if strings.TrimSpace(item.Query) == "" {
			continue
		}
		if item.Intent == "" {
			item.Intent = agent.IntentQuery
		}
		items = append(items, item)
	}
	dataset.Items = items
	return &dataset, nil
}

func (e *Evaluator) EvaluateItem(ctx context.Context, id string, item DatasetItem) ItemResult {
	result := ItemResult{Query: item.Query}

	answer, err := e.assistant.Ask(ctx, id, item.Query)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Intent = answer.Intent
	result.Response = answer.Response
	result.IntentCorrect = answer.Intent == item.Intent
	if item.Expected != "" {
		text := render.PlainText(answer.Response)
		result.Grounded = strings.Contains(text, item.Expected)
		if e.embedder != nil {
			sim, err := e.similarity(ctx, text, item.Expected)
			if err != nil {
				logger.Warn("Failed to calculate cosine similarity", zap.String("query", item.Query), zap.Error(err))
			}
			result.CosineSimilarity = sim
		}
	}
	return result
}

func (e *Evaluator) Run(ctx context.Context, dataset *Dataset) *Report {
	logger.Info("Running dataset evaluation", zap.Int("items", len(dataset.Items)))

	report := &Report{TotalQueries: len(dataset.Items)}
	var totalCosine float64
	var cosineCount int

	for i, item := range dataset.Items {
		if ctx.Err() != nil {
			break
		}
		res := e.EvaluateItem(ctx, fmt.Sprintf("eval_%d", i), item)
		report.Items = append(report.Items, res)

		if res.Error != "" {
			report.FailedQueries++
			logger.Warn("Evaluation query failed", zap.Int("index", i), zap.String("error", res.Error))
			continue
		}
		if res.IntentCorrect {
			report.IntentCorrect++
		}
		if item.Expected != "" {
			report.GroundedEligible++
			if res.Grounded {
				report.GroundedCount++
			}
			if e.embedder != nil {
				totalCosine += res.CosineSimilarity
				cosineCount++
			}
		}
	}

	if report.TotalQueries > 0 {
		report.IntentAccuracy = float64(report.IntentCorrect) / float64(report.TotalQueries) * 100
	}
	if report.GroundedEligible > 0 {
		report.GroundingRate = float64(report.GroundedCount) / float64(report.GroundedEligible) * 100
	}
	if cosineCount > 0 {
		report.AvgCosineSimilarity = totalCosine / float64(cosineCount)
	}

	logger.Info("Dataset evaluation completed",
		zap.Int("total", report.TotalQueries),
		zap.Int("failed", report.FailedQueries),
		zap.Float64("intent_accuracy", report.IntentAccuracy),
		zap.Float64("grounding_rate", report.GroundingRate),
	)
	return report
}

func (e *Evaluator) similarity(ctx context.Context, a, b string) (float64, error) {
	vecs, err := e.embedder.EmbedBatch(ctx, []string{a, b})
	if err != nil {
		return 0, err
	}
	if len(vecs) != 2 {
		return 0, fmt.Errorf("expected 2 embeddings, got %d", len(vecs))
	}
	return cosineSimilarity(vecs[0], vecs[1]), nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func FormatReport(report *Report) string {
	return fmt.Sprintf(`
Evaluation Report
=================

Total Queries: %d
Failed: %d

Intent Accuracy: %d/%d (%.1f%%)
Grounded Answers: %d/%d (%.1f%%)
Cosine Similarity: %.3f
`,
		report.TotalQueries,
		report.FailedQueries,
		report.IntentCorrect, report.TotalQueries, report.IntentAccuracy,
		report.GroundedCount, report.GroundedEligible, report.GroundingRate,
		report.AvgCosineSimilarity,
	)
}
