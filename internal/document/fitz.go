package document

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/analysis"
)

// renderer is the part of a MuPDF document the rasterizer relies on.
type renderer interface {
	NumPage() int
	ImagePNG(pageNumber int, dpi float64) ([]byte, error)
	Close() error
}

// Fitz rasterizes PDF documents with MuPDF.
type Fitz struct {
	logger *zap.Logger

	open      func(doc []byte) (renderer, error)
	pageCount func(doc []byte) (int, error)
}

func NewFitz(logger *zap.Logger) *Fitz {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fitz{
		logger: logger,
		open: func(doc []byte) (renderer, error) {
			d, err := fitz.NewFromMemory(doc)
			if err != nil {
				return nil, err
			}
			return d, nil
		},
		pageCount: PageCount,
	}
}

// Rasterize validates the document, then renders one PNG per page as the
// sequence is consumed. The MuPDF handle is released when iteration stops.
func (f *Fitz) Rasterize(ctx context.Context, doc []byte, scale float64) iter.Seq2[Page, error] {
	var consumed atomic.Bool

	return func(yield func(Page, error) bool) {
		if consumed.Swap(true) {
			yield(Page{}, ErrConsumed)
			return
		}

		dpi, err := DPI(scale)
		if err != nil {
			yield(Page{}, err)
			return
		}

		expected, err := f.pageCount(doc)
		if err != nil {
			yield(Page{}, err)
			return
		}

		d, err := f.open(doc)
		if err != nil {
			yield(Page{}, &analysis.DocumentFormatError{Err: fmt.Errorf("open document: %w", err)})
			return
		}
		defer func() {
			if err := d.Close(); err != nil {
				f.logger.Warn("closing rendered document", zap.Error(err))
			}
		}()

		total := d.NumPage()
		if total != expected {
			f.logger.Warn("page count mismatch between validator and renderer",
				zap.Int("validator", expected),
				zap.Int("renderer", total),
			)
		}
		if total <= 0 {
			yield(Page{}, &analysis.DocumentFormatError{Err: fmt.Errorf("renderer found no pages")})
			return
		}

		f.logger.Debug("rasterizing document", zap.Int("pages", total), zap.Float64("dpi", dpi))

		for i := 0; i < total; i++ {
			if err := ctx.Err(); err != nil {
				yield(Page{}, err)
				return
			}

			img, err := d.ImagePNG(i, dpi)
			if err != nil {
				yield(Page{}, &analysis.DocumentFormatError{Page: i + 1, Err: err})
				return
			}

			if !yield(Page{Number: i + 1, Image: img}, nil) {
				return
			}
		}
	}
}
