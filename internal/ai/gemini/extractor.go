package gemini

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	_ "embed"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/cv-matcher/internal/ai"
	"github.com/spigell/cv-matcher/internal/analysis"
	"github.com/spigell/cv-matcher/internal/logger"
	"github.com/spigell/cv-matcher/internal/utils"
)

const defaultMaxLogLength = 200

//go:embed prompts/extract_job.md
var extractJobPrompt string

//go:embed prompts/extract_candidate.md
var extractCandidatePrompt string

type jsonGenerator interface {
	GenerateJSON(ctx context.Context, system, message string, schema *genai.Schema) (string, error)
	Model() string
}

func stringArraySchema(description string) *genai.Schema {
	return &genai.Schema{
		Type:        genai.TypeArray,
		Description: description,
		Items:       &genai.Schema{Type: genai.TypeString},
	}
}

var recordSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"skills":     stringArraySchema("Skills, tools and technologies stated in the text."),
		"experience": stringArraySchema("Roles, seniority and domains stated in the text."),
		"education":  stringArraySchema("Degrees, fields of study and certifications stated in the text."),
	},
	Required:         []string{"skills", "experience", "education"},
	PropertyOrdering: []string{"skills", "experience", "education"},
}

// Extractor asks the model for a structured record of a text.
type Extractor struct {
	generator jsonGenerator
	logger    *zap.Logger
	maxLogLen int
}

func NewExtractor(generator jsonGenerator, log *zap.Logger, maxLogLength int) *Extractor {
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}
	return &Extractor{
		generator: generator,
		logger:    logger.WithCommonFields(log, ai.ProviderGemini, generator.Model()),
		maxLogLen: maxLogLength,
	}
}

func (e *Extractor) Extract(ctx context.Context, text string, role analysis.Role) (*analysis.Record, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	log := logger.WithStage(e.logger, string(analysis.ExtractStage(role)))

	if strings.TrimSpace(text) == "" {
		log.Warn("source text is empty, returning an empty record")
		return &analysis.Record{Skills: []string{}, Experience: []string{}, Education: []string{}}, nil
	}

	log.Debug("gemini extraction request",
		zap.String("role", string(role)),
		zap.Int("text_length", utf8.RuneCountInString(text)),
		zap.String("text_preview", utils.TruncateForLog(text, e.maxLogLen)),
	)

	raw, err := e.generator.GenerateJSON(ctx, instruction(role), text, recordSchema)
	if err != nil {
		return nil, err
	}

	log.Debug("gemini extraction response",
		zap.String("role", string(role)),
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.TruncateForLog(raw, e.maxLogLen)),
	)

	record, err := ParseRecord(raw, role)
	if err != nil {
		return nil, err
	}

	log.Info("extracted record",
		zap.String("role", string(role)),
		zap.Int("skills", len(record.Skills)),
		zap.Int("experience", len(record.Experience)),
		zap.Int("education", len(record.Education)),
	)

	return record, nil
}

func instruction(role analysis.Role) string {
	if role == analysis.RoleJobDescription {
		return extractJobPrompt
	}
	return extractCandidatePrompt
}
