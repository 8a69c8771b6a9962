// Package reconcile compares a job's requirements with a candidate record.
//
// Every required entry is scored against every present entry by a semantic
// oracle. Pairs scoring at or above the threshold are eligible; they are
// accepted greedily by descending score, then ascending required index, then
// ascending present index, skipping pairs whose either side is already used.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/cv-matcher/internal/ai"
	"github.com/spigell/cv-matcher/internal/analysis"
)

const DefaultThreshold = 0.75

// DefaultEmbeddingThreshold is used with embedding cosine scores, where
// unrelated short phrases commonly land above DefaultThreshold.
const DefaultEmbeddingThreshold = 0.85

// Engine reconciles records category by category.
type Engine struct {
	scorer    ai.Scorer
	threshold float64
	logger    *zap.Logger
}

func New(scorer ai.Scorer, threshold float64, log *zap.Logger) (*Engine, error) {
	if scorer == nil {
		return nil, errors.New("equivalence scorer is required")
	}
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold < 0 || threshold > 1 || math.IsNaN(threshold) {
		return nil, fmt.Errorf("threshold must be in (0, 1], got %v", threshold)
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Engine{scorer: scorer, threshold: threshold, logger: log}, nil
}

// Reconcile returns a report covering every category, or an error. A failure
// in any category fails the whole reconciliation.
func (e *Engine) Reconcile(ctx context.Context, required, present *analysis.Record) (*analysis.Report, error) {
	entries := make([]analysis.Entry, len(analysis.Categories))

	g, gctx := errgroup.WithContext(ctx)
	for i, category := range analysis.Categories {
		g.Go(func() error {
			entry, err := e.reconcileCategory(gctx, category, required.Items(category), present.Items(category))
			if err != nil {
				return &analysis.ReconciliationError{Category: category, Err: err}
			}
			entries[i] = entry
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := analysis.NewReport()
	for i, category := range analysis.Categories {
		if err := report.Set(category, entries[i]); err != nil {
			return nil, err
		}
	}

	return report, nil
}

type pair struct {
	req, pres int
	score     float64
}

func (e *Engine) reconcileCategory(ctx context.Context, category analysis.Category, required, present []string) (analysis.Entry, error) {
	scores, err := e.score(ctx, category, required, present)
	if err != nil {
		return analysis.Entry{}, err
	}

	var eligible []pair
	for i := range required {
		for j := range present {
			if s := scores[i][j]; s >= e.threshold {
				eligible = append(eligible, pair{req: i, pres: j, score: s})
			}
		}
	}

	sort.SliceStable(eligible, func(a, b int) bool {
		pa, pb := eligible[a], eligible[b]
		if pa.score != pb.score {
			return pa.score > pb.score
		}
		if pa.req != pb.req {
			return pa.req < pb.req
		}
		return pa.pres < pb.pres
	})

	matchedReq := make(map[int]pair, len(eligible))
	usedPres := make(map[int]bool, len(eligible))
	for _, p := range eligible {
		if _, ok := matchedReq[p.req]; ok || usedPres[p.pres] {
			continue
		}
		matchedReq[p.req] = p
		usedPres[p.pres] = true
	}

	entry := analysis.NewEntry()
	for i, req := range required {
		if p, ok := matchedReq[i]; ok {
			entry.Matched = append(entry.Matched, analysis.Match{
				Requirement: req,
				Evidence:    present[p.pres],
				Score:       p.score,
			})
			continue
		}
		entry.Missing = append(entry.Missing, req)
	}
	for j, pres := range present {
		if !usedPres[j] {
			entry.Extra = append(entry.Extra, pres)
		}
	}

	e.logger.Debug("reconciled category",
		zap.String("category", string(category)),
		zap.Int("matched", len(entry.Matched)),
		zap.Int("missing", len(entry.Missing)),
		zap.Int("extra", len(entry.Extra)),
	)

	return entry, nil
}

// score asks the oracle for a validated matrix. Identical entries always
// score 1 and the oracle is skipped when either side is empty.
func (e *Engine) score(ctx context.Context, category analysis.Category, required, present []string) ([][]float64, error) {
	if len(required) == 0 || len(present) == 0 {
		return nil, nil
	}

	scores, err := e.scorer.Score(ctx, category, required, present)
	if err != nil {
		return nil, err
	}

	if err := validateMatrix(scores, len(required), len(present)); err != nil {
		return nil, err
	}

	for i, req := range required {
		key := analysis.Normalize(req)
		for j, pres := range present {
			if key == analysis.Normalize(pres) {
				scores[i][j] = 1
			}
		}
	}

	return scores, nil
}

func validateMatrix(scores [][]float64, rows, cols int) error {
	if len(scores) != rows {
		return fmt.Errorf("score matrix has %d rows, want %d", len(scores), rows)
	}
	for i, row := range scores {
		if len(row) != cols {
			return fmt.Errorf("score matrix row %d has %d columns, want %d", i, len(row), cols)
		}
		for j, v := range row {
			if math.IsNaN(v) || v < 0 || v > 1 {
				return fmt.Errorf("score [%d][%d] = %v is outside [0, 1]", i, j, v)
			}
		}
	}
	return nil
}
