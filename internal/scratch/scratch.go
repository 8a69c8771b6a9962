// Package scratch scopes transient page images to a single pipeline run.
package scratch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/document"
	"github.com/spigell/cv-matcher/internal/logger"
)

// Store persists opaque blobs by key.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

var now = time.Now

// NewRunID returns an identifier that sorts by creation time and is unique
// across concurrent runs.
func NewRunID() string {
	return fmt.Sprintf("%s-%s", now().UTC().Format("20060102T150405Z"), uuid.NewString())
}

// Run owns the keys staged for one pipeline run.
type Run struct {
	id     string
	store  Store
	logger *zap.Logger

	mu       sync.Mutex
	keys     []string
	numbers  []int
	written  []string
	inflight sync.WaitGroup
	released bool
}

func NewRun(store Store, runID string, log *zap.Logger) (*Run, error) {
	if store == nil {
		return nil, errors.New("scratch store is required")
	}
	if runID == "" {
		return nil, errors.New("run id is required")
	}

	return &Run{
		id:     runID,
		store:  store,
		logger: logger.WithRun(log, runID),
	}, nil
}

func (r *Run) ID() string { return r.id }

// Stage writes the page image under a run scoped key. The key is tracked
// for Release before the write starts, so a write that fails halfway is
// still cleaned up.
func (r *Run) Stage(ctx context.Context, page document.Page) error {
	key := fmt.Sprintf("%s/page-%04d.png", r.id, page.Number)

	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return errors.New("scratch run already released")
	}
	r.written = append(r.written, key)
	r.inflight.Add(1)
	r.mu.Unlock()

	err := r.store.Put(ctx, key, page.Image)
	r.inflight.Done()
	if err != nil {
		return fmt.Errorf("stage page %d: %w", page.Number, err)
	}

	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.numbers = append(r.numbers, page.Number)
	r.mu.Unlock()

	r.logger.Debug("staged page", zap.Int(logger.FieldPage, page.Number), zap.String("key", key))
	return nil
}

// Len returns the number of staged pages.
func (r *Run) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// Page loads the i-th staged page, in staging order.
func (r *Run) Page(ctx context.Context, i int) (document.Page, error) {
	r.mu.Lock()
	if i < 0 || i >= len(r.keys) {
		r.mu.Unlock()
		return document.Page{}, fmt.Errorf("page index %d out of range", i)
	}
	key, number := r.keys[i], r.numbers[i]
	r.mu.Unlock()

	data, err := r.store.Get(ctx, key)
	if err != nil {
		return document.Page{Number: number}, fmt.Errorf("load page %d: %w", number, err)
	}

	return document.Page{Number: number, Image: data}, nil
}

// Keys returns a copy of the staged keys.
func (r *Run) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

// Release deletes every key a Stage call tried to write, including failed
// ones. It waits for writes in progress, continues past individual failures
// and returns them joined. Calling it again is a no-op.
func (r *Run) Release(ctx context.Context) error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil
	}
	r.released = true
	r.mu.Unlock()

	r.inflight.Wait()

	r.mu.Lock()
	keys := r.written
	r.mu.Unlock()

	var errs []error
	for _, key := range keys {
		if err := r.store.Delete(ctx, key); err != nil {
			r.logger.Error("failed to delete staged page", zap.String("key", key), zap.Error(err))
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		r.logger.Debug("deleted staged page", zap.String("key", key))
	}

	return errors.Join(errs...)
}
