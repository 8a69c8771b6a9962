package gemini

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/analysis"
)

type vectorEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingScorer scores entry pairs by cosine similarity of their embeddings,
// with negative similarities clamped to zero.
type EmbeddingScorer struct {
	embedder vectorEmbedder
	logger   *zap.Logger
}

func NewEmbeddingScorer(embedder vectorEmbedder, log *zap.Logger) *EmbeddingScorer {
	if log == nil {
		log = zap.NewNop()
	}
	return &EmbeddingScorer{embedder: embedder, logger: log}
}

func (s *EmbeddingScorer) Score(ctx context.Context, category analysis.Category, required, present []string) ([][]float64, error) {
	texts := make([]string, 0, len(required)+len(present))
	texts = append(texts, required...)
	texts = append(texts, present...)

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vectors))
	}

	requiredVectors, presentVectors := vectors[:len(required)], vectors[len(required):]

	scores := make([][]float64, len(required))
	for i, r := range requiredVectors {
		scores[i] = make([]float64, len(present))
		for j, p := range presentVectors {
			sim, err := cosine(r, p)
			if err != nil {
				return nil, fmt.Errorf("compare %q with %q: %w", required[i], present[j], err)
			}
			scores[i][j] = math.Max(0, math.Min(1, sim))
		}
	}

	s.logger.Debug("scored entries by embedding",
		zap.String("category", string(category)),
		zap.Int("required", len(required)),
		zap.Int("present", len(present)),
	)

	return scores, nil
}

func cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimensions differ: %d and %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
