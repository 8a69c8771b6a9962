package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/cv-matcher/internal/analysis"
	"github.com/spigell/cv-matcher/internal/ai"
	"github.com/spigell/cv-matcher/internal/logger"
	"github.com/spigell/cv-matcher/internal/utils"
)

const (
	defaultModel          = "gemini-2.5-flash"
	defaultEmbeddingModel = "gemini-embedding-001"
	defaultMaxRetries     = 3
	defaultCallTimeout    = 2 * time.Minute

	BackendGeminiAPI = "gemini-api"
	BackendVertex    = "vertex"

	// Quota errors asking to wait longer than this are not retried.
	maxQuotaRetryDelay = 30 * time.Second
	retryBackoff       = 2 * time.Second
)

var (
	waitFor = utils.WaitFor

	quotaDelayPattern = regexp.MustCompile(`(?i)retry(?:\s+after|\s+in|delay)?[\s":]*(\d+(?:\.\d+)?)\s*s`)

	errEmptyResponse = errors.New("gemini api returned empty response")
)

type chatSession interface {
	SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type chatCreator interface {
	Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error)
}

type contentEmbedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

type genaiChats struct {
	chats *genai.Chats
}

func (c genaiChats) Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error) {
	chat, err := c.chats.Create(ctx, model, config, history)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// Config selects the backend and models of a Generator.
type Config struct {
	APIKey         string
	Backend        string
	Project        string
	Location       string
	Model          string
	EmbeddingModel string
	MaxRetries     int
	CallTimeout    time.Duration
}

// Generator wraps the Google GenAI client with bounded calls and retries.
type Generator struct {
	chats    chatCreator
	embedder contentEmbedder

	model          string
	embeddingModel string
	maxRetries     int
	callTimeout    time.Duration
	logger         *zap.Logger
}

// NewGenerator creates a Generator for the Gemini API or Vertex AI backend.
func NewGenerator(ctx context.Context, cfg Config, log *zap.Logger) (*Generator, error) {
	clientConfig := &genai.ClientConfig{}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendGeminiAPI:
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("gemini api key is required")
		}
		clientConfig.APIKey = apiKey
		clientConfig.Backend = genai.BackendGeminiAPI
	case BackendVertex:
		if strings.TrimSpace(cfg.Project) == "" || strings.TrimSpace(cfg.Location) == "" {
			return nil, errors.New("vertex backend requires project and location")
		}
		clientConfig.Project = cfg.Project
		clientConfig.Location = cfg.Location
		clientConfig.Backend = genai.BackendVertexAI
	default:
		return nil, fmt.Errorf("unknown gemini backend %q", cfg.Backend)
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	embeddingModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	return &Generator{
		chats:          genaiChats{chats: client.Chats},
		embedder:       client.Models,
		model:          model,
		embeddingModel: embeddingModel,
		maxRetries:     maxRetries,
		callTimeout:    callTimeout,
		logger:         logger.WithCommonFields(log, ai.ProviderGemini, model),
	}, nil
}

func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.model
}

// GenerateContent sends message under the system instruction and returns the
// text of the response.
func (g *Generator) GenerateContent(ctx context.Context, system, message string) (string, error) {
	return g.generate(ctx, "generate content", generationConfig(system), message)
}

// GenerateJSON is GenerateContent constrained to a JSON response matching schema.
func (g *Generator) GenerateJSON(ctx context.Context, system, message string, schema *genai.Schema) (string, error) {
	config := generationConfig(system)
	config.ResponseMIMEType = "application/json"
	config.ResponseSchema = schema
	config.Temperature = genai.Ptr[float32](0)

	return g.generate(ctx, "generate json", config, message)
}

// Embed returns one embedding vector per text, in order.
func (g *Generator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if g == nil || g.embedder == nil {
		return nil, errors.New("gemini embedder is not initialized")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, genai.Text(text)...)
	}

	var vectors [][]float32
	err := g.withRetries(ctx, "embed content", func(callCtx context.Context) error {
		resp, err := g.embedder.EmbedContent(callCtx, g.embeddingModel, contents, &genai.EmbedContentConfig{
			TaskType: "SEMANTIC_SIMILARITY",
		})
		if err != nil {
			return err
		}
		if resp == nil || len(resp.Embeddings) != len(texts) {
			return fmt.Errorf("expected %d embeddings, got %d", len(texts), embeddingCount(resp))
		}

		vectors = make([][]float32, 0, len(resp.Embeddings))
		for i, e := range resp.Embeddings {
			if e == nil || len(e.Values) == 0 {
				return fmt.Errorf("embedding %d is empty", i)
			}
			vectors = append(vectors, e.Values)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return vectors, nil
}

func (g *Generator) generate(ctx context.Context, op string, config *genai.GenerateContentConfig, message string) (string, error) {
	if g == nil || g.chats == nil {
		return "", errors.New("gemini generator is not initialized")
	}

	if strings.TrimSpace(message) == "" {
		return "", errors.New("message must not be empty")
	}

	var output string
	err := g.withRetries(ctx, op, func(callCtx context.Context) error {
		chat, err := g.chats.Create(callCtx, g.model, config, nil)
		if err != nil {
			return err
		}

		resp, err := chat.SendMessage(callCtx, genai.Part{Text: message})
		if err != nil {
			return err
		}

		output = responseText(resp)
		if output == "" {
			return errEmptyResponse
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return output, nil
}

// withRetries runs fn with a per-call timeout, retrying transient failures.
func (g *Generator) withRetries(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := g.maxRetries
	if attempts <= 0 {
		attempts = 1
	}

	log := g.logger
	if log == nil {
		log = zap.NewNop()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = g.callOnce(ctx, fn)
		if lastErr == nil {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay, retry := retryDelay(lastErr, attempt)
		if !retry || attempt == attempts {
			break
		}

		log.Warn("gemini call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		if err := waitFor(ctx, delay); err != nil {
			return err
		}
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		return &analysis.TimeoutError{Op: "gemini " + op, After: g.callTimeout, Err: lastErr}
	}

	return fmt.Errorf("%s: %w", op, lastErr)
}

func (g *Generator) callOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.callTimeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	return fn(callCtx)
}

func generationConfig(system string) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if system = strings.TrimSpace(system); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	return config
}

// retryDelay reports whether err is transient and how long to wait before the
// next attempt.
func retryDelay(err error, attempt int) (time.Duration, bool) {
	backoff := time.Duration(attempt) * retryBackoff

	apiErr, ok := asAPIError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			return backoff, true
		}
		return 0, false
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		if delay, ok := quotaDelay(apiErr); ok {
			if delay > maxQuotaRetryDelay {
				return 0, false
			}
			return delay, true
		}
		return backoff, true
	case apiErr.Code >= http.StatusInternalServerError:
		return backoff, true
	default:
		return 0, false
	}
}

func asAPIError(err error) (genai.APIError, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}

	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return *apiErrPtr, true
	}

	return genai.APIError{}, false
}

// quotaDelay extracts the server suggested wait from a quota error.
func quotaDelay(apiErr genai.APIError) (time.Duration, bool) {
	for _, detail := range apiErr.Details {
		if raw, ok := detail["retryDelay"].(string); ok {
			if d, err := time.ParseDuration(raw); err == nil {
				return d, true
			}
		}
	}

	match := quotaDelayPattern.FindStringSubmatch(apiErr.Message)
	if len(match) < 2 {
		return 0, false
	}

	seconds, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, false
	}

	return time.Duration(seconds * float64(time.Second)), true
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	return strings.TrimSpace(builder.String())
}

func embeddingCount(resp *genai.EmbedContentResponse) int {
	if resp == nil {
		return 0
	}
	return len(resp.Embeddings)
}
