// Package ai declares the model-backed collaborators of the pipeline.
package ai

import (
	"context"

	"github.com/spigell/cv-matcher/internal/analysis"
)

const ProviderGemini = "gemini"

// Extractor turns free text into a structured record for the given role.
// Output that does not conform to the record schema is an
// *analysis.ExtractionSchemaError, never a partial record.
type Extractor interface {
	Extract(ctx context.Context, text string, role analysis.Role) (*analysis.Record, error)
}

// Scorer rates how well each required entry is matched by each present entry.
// The result has len(required) rows of len(present) scores in [0, 1].
type Scorer interface {
	Score(ctx context.Context, category analysis.Category, required, present []string) ([][]float64, error)
}
