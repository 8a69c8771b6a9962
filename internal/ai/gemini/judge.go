package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	_ "embed"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/cv-matcher/internal/analysis"
	"github.com/spigell/cv-matcher/internal/utils"
)

//go:embed prompts/judge.md
var judgePrompt string

var scoreSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"scores": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type:  genai.TypeArray,
				Items: &genai.Schema{Type: genai.TypeNumber},
			},
		},
	},
	Required: []string{"scores"},
}

// Judge scores entry pairs with one model call per category.
type Judge struct {
	generator jsonGenerator
	logger    *zap.Logger
	maxLogLen int
}

func NewJudge(generator jsonGenerator, log *zap.Logger, maxLogLength int) *Judge {
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Judge{generator: generator, logger: log, maxLogLen: maxLogLength}
}

type judgeRequest struct {
	Category analysis.Category `json:"category"`
	Required []string          `json:"required"`
	Present  []string          `json:"present"`
}

func (j *Judge) Score(ctx context.Context, category analysis.Category, required, present []string) ([][]float64, error) {
	payload, err := json.MarshalIndent(judgeRequest{Category: category, Required: required, Present: present}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal judge payload: %w", err)
	}

	raw, err := j.generator.GenerateJSON(ctx, judgePrompt, string(payload), scoreSchema)
	if err != nil {
		return nil, err
	}

	j.logger.Debug("gemini judge response",
		zap.String("category", string(category)),
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.TruncateForLog(raw, j.maxLogLen)),
	)

	return parseScores(raw, len(required), len(present))
}

func parseScores(raw string, rows, cols int) ([][]float64, error) {
	var data struct {
		Scores [][]float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &data); err != nil {
		return nil, fmt.Errorf("parse judge response: %w", err)
	}

	if data.Scores == nil {
		return nil, errors.New("judge response has no scores")
	}
	if len(data.Scores) != rows {
		return nil, fmt.Errorf("judge returned %d rows, want %d", len(data.Scores), rows)
	}
	for i, row := range data.Scores {
		if len(row) != cols {
			return nil, fmt.Errorf("judge row %d has %d scores, want %d", i, len(row), cols)
		}
	}

	return data.Scores, nil
}
