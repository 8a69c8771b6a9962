// Package document turns paginated documents into page images.
package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"math"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/spigell/cv-matcher/internal/analysis"
)

// DefaultScale renders at 3x so that small resume fonts survive recognition.
const DefaultScale = 3.0

// pointsPerInch is the PDF user-space unit; scale 1 renders at 72 DPI.
const pointsPerInch = 72.0

// ErrConsumed is yielded when a page sequence is iterated a second time.
var ErrConsumed = errors.New("page sequence already consumed")

func init() {
	// pdfcpu must not create a configuration directory in the user's home.
	api.DisableConfigDir()
}

// Page is one rasterized page. Number is 1-based.
type Page struct {
	Number int
	Image  []byte
}

// Rasterizer produces the pages of a document lazily, in page order.
// The returned sequence is single-pass; rasterize again for a fresh one.
type Rasterizer interface {
	Rasterize(ctx context.Context, doc []byte, scale float64) iter.Seq2[Page, error]
}

// PageCount validates the document and returns its page count.
func PageCount(doc []byte) (int, error) {
	if len(doc) == 0 {
		return 0, &analysis.DocumentFormatError{Err: errors.New("document is empty")}
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	count, err := api.PageCount(bytes.NewReader(doc), conf)
	if err != nil {
		return 0, &analysis.DocumentFormatError{Err: err}
	}

	if count <= 0 {
		return 0, &analysis.DocumentFormatError{Err: errors.New("document has no pages")}
	}

	return count, nil
}

// DPI converts a render scale into dots per inch.
func DPI(scale float64) (float64, error) {
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return 0, fmt.Errorf("render scale must be a positive number, got %v", scale)
	}
	return pointsPerInch * scale, nil
}
