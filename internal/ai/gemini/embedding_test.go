package gemini

import (
	"context"
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/analysis"
)

type stubEmbedder struct {
	vectors map[string][]float32
	err     error
	texts   []string
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.texts = texts
	if s.err != nil {
		return nil, s.err
	}
	result := make([][]float32, 0, len(texts))
	for _, text := range texts {
		result = append(result, s.vectors[text])
	}
	return result, nil
}

func TestEmbeddingScorer(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"backend software engineer": {1, 0.1, 0},
		"backend developer":         {0.9, 0.2, 0},
		"painter":                   {-1, 0, 0},
		"go":                        {0, 0, 1},
	}}
	scorer := NewEmbeddingScorer(embedder, zap.NewNop())

	scores, err := scorer.Score(context.Background(), analysis.CategoryExperience,
		[]string{"backend software engineer", "go"},
		[]string{"backend developer", "painter"},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(embedder.texts) != 4 {
		t.Fatalf("expected a single batched call with 4 texts, got %d", len(embedder.texts))
	}

	if len(scores) != 2 || len(scores[0]) != 2 {
		t.Fatalf("unexpected matrix shape %v", scores)
	}
	if scores[0][0] < 0.95 {
		t.Fatalf("expected high similarity for paraphrased titles, got %v", scores[0][0])
	}
	if scores[0][1] != 0 {
		t.Fatalf("expected negative similarity to clamp to 0, got %v", scores[0][1])
	}
	if scores[1][0] != 0 {
		t.Fatalf("expected orthogonal vectors to score 0, got %v", scores[1][0])
	}
	for _, row := range scores {
		for _, v := range row {
			if v < 0 || v > 1 || math.IsNaN(v) {
				t.Fatalf("score out of range: %v", v)
			}
		}
	}
}

func TestEmbeddingScorerErrors(t *testing.T) {
	failing := &stubEmbedder{err: errors.New("quota")}
	if _, err := NewEmbeddingScorer(failing, nil).Score(context.Background(), analysis.CategorySkills, []string{"a"}, []string{"b"}); !errors.Is(err, failing.err) {
		t.Fatalf("expected embedder error, got %v", err)
	}

	mismatched := &stubEmbedder{vectors: map[string][]float32{"a": {1, 0}, "b": {1}}}
	if _, err := NewEmbeddingScorer(mismatched, nil).Score(context.Background(), analysis.CategorySkills, []string{"a"}, []string{"b"}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}
