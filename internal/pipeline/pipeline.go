// Package pipeline runs one resume against one job description, from document
// bytes to a reconciliation report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/ai"
	"github.com/spigell/cv-matcher/internal/analysis"
	"github.com/spigell/cv-matcher/internal/document"
	"github.com/spigell/cv-matcher/internal/logger"
	"github.com/spigell/cv-matcher/internal/ocr"
	"github.com/spigell/cv-matcher/internal/scratch"
	"github.com/spigell/cv-matcher/internal/utils"
)

const (
	DefaultExtractionAttempts = 2
	defaultRetryBackoff       = time.Second
)

var (
	ErrEmptyDocument       = errors.New("document is empty")
	ErrEmptyJobDescription = errors.New("job description is empty")
)

type TextExtractor interface {
	ExtractText(ctx context.Context, src ocr.Source) ([]analysis.PageText, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, required, present *analysis.Record) (*analysis.Report, error)
}

// Deps are the collaborators of a pipeline. All are required.
type Deps struct {
	Rasterizer document.Rasterizer
	Scratch    scratch.Store
	OCR        TextExtractor
	Extractor  ai.Extractor
	Reconciler Reconciler
}

type Config struct {
	Scale float64
	// ExtractionAttempts bounds the calls made for one structured extraction
	// when the model output is malformed or the call times out.
	ExtractionAttempts int
	RetryBackoff       time.Duration
}

type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

func New(deps Deps, cfg Config, log *zap.Logger) (*Pipeline, error) {
	switch {
	case deps.Rasterizer == nil:
		return nil, errors.New("rasterizer is required")
	case deps.Scratch == nil:
		return nil, errors.New("scratch store is required")
	case deps.OCR == nil:
		return nil, errors.New("text extractor is required")
	case deps.Extractor == nil:
		return nil, errors.New("structured extractor is required")
	case deps.Reconciler == nil:
		return nil, errors.New("reconciler is required")
	}

	if cfg.Scale == 0 {
		cfg.Scale = document.DefaultScale
	}
	if _, err := document.DPI(cfg.Scale); err != nil {
		return nil, err
	}
	if cfg.ExtractionAttempts <= 0 {
		cfg.ExtractionAttempts = DefaultExtractionAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Pipeline{deps: deps, cfg: cfg, logger: log}, nil
}

// Run processes the document under a fresh run id.
func (p *Pipeline) Run(ctx context.Context, doc []byte, jobDescription string) (*analysis.Report, error) {
	return p.RunWithID(ctx, scratch.NewRunID(), doc, jobDescription)
}

// RunWithID processes the document. Staged page images are deleted on every
// return path, including caller cancellation. Fatal errors are wrapped in
// *analysis.StageError.
func (p *Pipeline) RunWithID(ctx context.Context, runID string, doc []byte, jobDescription string) (*analysis.Report, error) {
	if len(doc) == 0 {
		return nil, ErrEmptyDocument
	}
	if strings.TrimSpace(jobDescription) == "" {
		return nil, ErrEmptyJobDescription
	}

	log := logger.WithRun(p.logger, runID)
	started := time.Now()

	run, err := scratch.NewRun(p.deps.Scratch, runID, log)
	if err != nil {
		return nil, err
	}
	defer p.release(ctx, run, log)

	log.Info("starting run", zap.Int("document_bytes", len(doc)))

	if err := p.stagePages(ctx, run, doc, log); err != nil {
		return nil, err
	}

	stageStarted := time.Now()
	pages, err := p.deps.OCR.ExtractText(ctx, run)
	if err != nil {
		return nil, &analysis.StageError{Stage: analysis.StageOCR, Err: err}
	}
	logger.WithStage(log, string(analysis.StageOCR)).Info("text extracted",
		zap.Int("pages", len(pages)),
		zap.Ints("failed_pages", analysis.FailedPages(pages)),
		zap.Duration("took", time.Since(stageStarted)),
	)

	// Page images are no longer needed once text is recognized.
	p.release(ctx, run, log)

	required, present, err := p.extractRecords(ctx, jobDescription, analysis.JoinPages(pages), log)
	if err != nil {
		return nil, err
	}

	stageStarted = time.Now()
	report, err := p.deps.Reconciler.Reconcile(ctx, required, present)
	if err != nil {
		return nil, &analysis.StageError{Stage: analysis.StageReconcile, Err: err}
	}
	logger.WithStage(log, string(analysis.StageReconcile)).Info("records reconciled",
		zap.Int("matched_skills", len(report.Skills.Matched)),
		zap.Int("missing_skills", len(report.Skills.Missing)),
		zap.Duration("took", time.Since(stageStarted)),
	)

	log.Info("run completed", zap.Duration("took", time.Since(started)))
	return report, nil
}

func (p *Pipeline) stagePages(ctx context.Context, run *scratch.Run, doc []byte, log *zap.Logger) error {
	started := time.Now()

	for page, err := range p.deps.Rasterizer.Rasterize(ctx, doc, p.cfg.Scale) {
		if err != nil {
			return &analysis.StageError{Stage: analysis.StageRasterize, Err: err}
		}
		if err := run.Stage(ctx, page); err != nil {
			return &analysis.StageError{Stage: analysis.StageStagePages, Err: err}
		}
	}

	logger.WithStage(log, string(analysis.StageRasterize)).Info("pages staged",
		zap.Int("pages", run.Len()),
		zap.Float64("scale", p.cfg.Scale),
		zap.Duration("took", time.Since(started)),
	)

	return nil
}

// extractRecords runs both extractions concurrently and waits for both. When
// both fail, both errors are returned joined.
func (p *Pipeline) extractRecords(ctx context.Context, jobDescription, resumeText string, log *zap.Logger) (*analysis.Record, *analysis.Record, error) {
	var (
		wg                      sync.WaitGroup
		required, present       *analysis.Record
		requiredErr, presentErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		required, requiredErr = p.extract(ctx, jobDescription, analysis.RoleJobDescription, log)
	}()
	go func() {
		defer wg.Done()
		present, presentErr = p.extract(ctx, resumeText, analysis.RoleCandidate, log)
	}()
	wg.Wait()

	if err := errors.Join(requiredErr, presentErr); err != nil {
		return nil, nil, err
	}

	return required, present, nil
}

func (p *Pipeline) extract(ctx context.Context, text string, role analysis.Role, log *zap.Logger) (*analysis.Record, error) {
	stage := analysis.ExtractStage(role)
	log = logger.WithStage(log, string(stage))
	started := time.Now()
	attempts := p.cfg.ExtractionAttempts

	record, err := utils.Retry(ctx, attempts, p.cfg.RetryBackoff, retryableExtraction,
		func(attempt int) (*analysis.Record, error) {
			record, err := p.deps.Extractor.Extract(ctx, text, role)
			if err != nil && attempt < attempts && retryableExtraction(err) {
				log.Warn("extraction failed, retrying",
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", attempts),
					zap.Error(err),
				)
			}
			return record, err
		})
	if err != nil {
		return nil, &analysis.StageError{Stage: stage, Err: err}
	}

	log.Info("record extracted",
		zap.Int("entries", record.Len()),
		zap.Duration("took", time.Since(started)),
	)

	return record, nil
}

func retryableExtraction(err error) bool {
	var schemaErr *analysis.ExtractionSchemaError
	var timeoutErr *analysis.TimeoutError
	return errors.As(err, &schemaErr) || errors.As(err, &timeoutErr)
}

func (p *Pipeline) release(ctx context.Context, run *scratch.Run, log *zap.Logger) {
	if err := run.Release(context.WithoutCancel(ctx)); err != nil {
		log.Error("failed to release scratch pages", zap.Error(fmt.Errorf("run %s: %w", run.ID(), err)))
	}
}
