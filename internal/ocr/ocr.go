// Package ocr recognizes text on page images, one page at a time.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/analysis"
	"github.com/spigell/cv-matcher/internal/document"
	"github.com/spigell/cv-matcher/internal/logger"
)

const DefaultPageTimeout = 60 * time.Second

// Engine recognizes text on a single image. An engine processes one image at
// a time and must be closed exactly once.
type Engine interface {
	Recognize(ctx context.Context, image []byte) (string, error)
	Close() error
}

// EngineFactory starts recognition engines.
type EngineFactory interface {
	NewEngine(ctx context.Context) (Engine, error)
}

// Source provides page images by position.
type Source interface {
	Len() int
	Page(ctx context.Context, i int) (document.Page, error)
}

// PagePolicy decides what happens when a single page cannot be recognized.
type PagePolicy string

const (
	// PolicySkip records the page with empty text and an error marker, then
	// continues with the next page.
	PolicySkip PagePolicy = "skip"
	// PolicyAbort stops the run on the first page failure.
	PolicyAbort PagePolicy = "abort"
)

func ParsePagePolicy(s string) (PagePolicy, error) {
	switch p := PagePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicySkip, nil
	case PolicySkip, PolicyAbort:
		return p, nil
	default:
		return "", fmt.Errorf("unknown page policy %q (want %q or %q)", s, PolicySkip, PolicyAbort)
	}
}

type Options struct {
	PageTimeout time.Duration
	Policy      PagePolicy
}

// Extractor runs one engine over every page of a source.
type Extractor struct {
	factory     EngineFactory
	pageTimeout time.Duration
	policy      PagePolicy
	logger      *zap.Logger
}

func NewExtractor(factory EngineFactory, opts Options, log *zap.Logger) (*Extractor, error) {
	if factory == nil {
		return nil, errors.New("ocr engine factory is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	policy, err := ParsePagePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}

	timeout := opts.PageTimeout
	if timeout <= 0 {
		timeout = DefaultPageTimeout
	}

	return &Extractor{
		factory:     factory,
		pageTimeout: timeout,
		policy:      policy,
		logger:      log,
	}, nil
}

// ExtractText returns one PageText per source page, in source order. The
// engine is started once and closed on every return path.
func (e *Extractor) ExtractText(ctx context.Context, src Source) ([]analysis.PageText, error) {
	engine, err := e.factory.NewEngine(ctx)
	if err != nil {
		return nil, fmt.Errorf("start recognition engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			e.logger.Error("failed to close recognition engine", zap.Error(err))
		}
	}()

	total := src.Len()
	result := make([]analysis.PageText, 0, total)

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text, number, err := e.recognize(ctx, engine, src, i)
		if err == nil {
			result = append(result, analysis.PageText{Page: number, Text: text})
			continue
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &analysis.TimeoutError{
				Op:    fmt.Sprintf("ocr page %d", number),
				After: e.pageTimeout,
				Err:   err,
			}
		}

		rerr := &analysis.RecognitionError{Page: number, Err: err}
		if e.policy == PolicyAbort {
			return nil, rerr
		}

		e.logger.Warn("page recognition failed, continuing",
			zap.Int(logger.FieldPage, number),
			zap.String("policy", string(e.policy)),
			zap.Error(err),
		)
		result = append(result, analysis.PageText{Page: number, Err: rerr})
	}

	e.logger.Info("recognized pages",
		zap.Int("pages", total),
		zap.Ints("failed_pages", analysis.FailedPages(result)),
	)

	return result, nil
}

func (e *Extractor) recognize(ctx context.Context, engine Engine, src Source, i int) (string, int, error) {
	page, err := src.Page(ctx, i)
	number := page.Number
	if number <= 0 {
		number = i + 1
	}
	if err != nil {
		return "", number, err
	}

	pageCtx, cancel := context.WithTimeout(ctx, e.pageTimeout)
	defer cancel()

	started := time.Now()
	text, err := engine.Recognize(pageCtx, page.Image)
	if err != nil {
		return "", number, err
	}

	e.logger.Debug("recognized page",
		zap.Int(logger.FieldPage, number),
		zap.Int("chars", len(text)),
		zap.Duration("took", time.Since(started)),
	)

	return text, number, nil
}
