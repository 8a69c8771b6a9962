package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spigell/cv-matcher/internal/ai"
	"github.com/spigell/cv-matcher/internal/ai/gemini"
	"github.com/spigell/cv-matcher/internal/blob"
	"github.com/spigell/cv-matcher/internal/document"
	"github.com/spigell/cv-matcher/internal/ocr"
	"github.com/spigell/cv-matcher/internal/pipeline"
	"github.com/spigell/cv-matcher/internal/reconcile"
	"github.com/spigell/cv-matcher/internal/scratch"
	"github.com/spigell/cv-matcher/internal/secrets"

	"go.uber.org/zap"
)

const (
	oracleJudge     = "judge"
	oracleEmbedding = "embedding"

	scratchBackendDir = "dir"
	scratchBackendS3  = "s3"
)

// newPipeline wires every stage of a run from the config.
func newPipeline(ctx context.Context, config *Config, logger *zap.Logger) (*pipeline.Pipeline, error) {
	store, err := newScratchStore(ctx, config.Scratch)
	if err != nil {
		return nil, fmt.Errorf("building scratch store: %w", err)
	}

	policy, err := ocr.ParsePagePolicy(config.OCR.PagePolicy)
	if err != nil {
		return nil, err
	}

	recognizer, err := ocr.NewExtractor(
		ocr.TesseractFactory{Language: config.OCR.Language},
		ocr.Options{PageTimeout: config.OCR.PageTimeout, Policy: policy},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("building ocr: %w", err)
	}

	generator, err := newGenerator(ctx, config.AI, logger)
	if err != nil {
		return nil, fmt.Errorf("building ai generator: %w", err)
	}

	scorer, err := newScorer(config.Reconcile.Oracle, generator, config.AI.Gemini.MaxLogLength, logger)
	if err != nil {
		return nil, err
	}

	engine, err := reconcile.New(scorer, threshold(config.Reconcile), logger)
	if err != nil {
		return nil, fmt.Errorf("building reconciler: %w", err)
	}

	return pipeline.New(pipeline.Deps{
		Rasterizer: document.NewFitz(logger),
		Scratch:    store,
		OCR:        recognizer,
		Extractor:  gemini.NewExtractor(generator, logger, config.AI.Gemini.MaxLogLength),
		Reconciler: engine,
	}, pipeline.Config{
		Scale:              config.Render.Scale,
		ExtractionAttempts: config.Pipeline.ExtractionAttempts,
	}, logger)
}

func newScratchStore(ctx context.Context, cfg ScratchConfig) (scratch.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", scratchBackendDir:
		dir, err := blob.NewDir(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return dir, nil
	case scratchBackendS3:
		store, err := newS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown scratch backend %q", cfg.Backend)
	}
}

// newS3 builds an S3 store. Keys are optional: without them the default AWS
// credential chain is used.
func newS3(ctx context.Context, cfg S3Config) (*blob.S3, error) {
	accessKey, err := optionalSecret("s3 access key", cfg.AccessKey, cfg.AccessKeyFile)
	if err != nil {
		return nil, err
	}

	secretKey, err := optionalSecret("s3 secret key", cfg.SecretKey, cfg.SecretKeyFile)
	if err != nil {
		return nil, err
	}

	if (accessKey == "") != (secretKey == "") {
		return nil, errors.New("s3 access key and secret key must be set together")
	}

	return blob.NewS3(ctx, blob.S3Config{
		Bucket:    cfg.Bucket,
		Prefix:    cfg.Prefix,
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		AccessKey: accessKey,
		SecretKey: secretKey,
	})
}

func optionalSecret(name, value, file string) (string, error) {
	if strings.TrimSpace(value) == "" && strings.TrimSpace(file) == "" {
		return "", nil
	}

	return secrets.Load(secrets.Source{Name: name, Value: value, File: file})
}

func newGenerator(ctx context.Context, cfg AIConfig, logger *zap.Logger) (*gemini.Generator, error) {
	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if provider != "" && provider != ai.ProviderGemini {
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}

	var apiKey string
	if !strings.EqualFold(strings.TrimSpace(cfg.Gemini.Backend), gemini.BackendVertex) {
		key, err := secrets.Load(secrets.Source{
			Name:  "gemini api key",
			Value: cfg.Gemini.APIKey,
			File:  cfg.Gemini.APIKeyFile,
			Env:   "GEMINI_API_KEY",
		})
		if err != nil {
			return nil, fmt.Errorf("%w (or set ai.gemini.api-key-file / CV_MATCHER_AI_GEMINI_API_KEY_FILE)", err)
		}
		apiKey = key
	}

	return gemini.NewGenerator(ctx, gemini.Config{
		APIKey:         apiKey,
		Backend:        cfg.Gemini.Backend,
		Project:        cfg.Gemini.Project,
		Location:       cfg.Gemini.Location,
		Model:          cfg.Gemini.Model,
		EmbeddingModel: cfg.Gemini.EmbeddingModel,
		MaxRetries:     cfg.Gemini.MaxRetries,
		CallTimeout:    cfg.Gemini.CallTimeout,
	}, logger)
}

// threshold returns the configured threshold, or the default for the oracle
// when none is set.
func threshold(cfg ReconcileConfig) float64 {
	if cfg.Threshold != 0 {
		return cfg.Threshold
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Oracle), oracleEmbedding) {
		return reconcile.DefaultEmbeddingThreshold
	}
	return reconcile.DefaultThreshold
}

func newScorer(oracle string, generator *gemini.Generator, maxLogLength int, logger *zap.Logger) (ai.Scorer, error) {
	switch strings.ToLower(strings.TrimSpace(oracle)) {
	case "", oracleJudge:
		return gemini.NewJudge(generator, logger, maxLogLength), nil
	case oracleEmbedding:
		return gemini.NewEmbeddingScorer(generator, logger), nil
	default:
		return nil, fmt.Errorf("unknown reconcile oracle %q (want %q or %q)", oracle, oracleJudge, oracleEmbedding)
	}
}
