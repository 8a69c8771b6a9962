package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/analysis"
	"github.com/spigell/cv-matcher/internal/blob"
)

type stubRunner struct {
	report *analysis.Report
	err    error
	doc    []byte
	job    string
}

func (r *stubRunner) Run(_ context.Context, doc []byte, jobDescription string) (*analysis.Report, error) {
	r.doc, r.job = doc, jobDescription
	return r.report, r.err
}

type stubFetcher struct {
	objects map[string][]byte
	errs    []error
	calls   int
}

func (f *stubFetcher) Get(_ context.Context, key string) ([]byte, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, blob.ErrNotFound)
	}
	return data, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []Update
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, update Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return p.err
}

func (p *recordingPublisher) statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]Status, 0, len(p.updates))
	for _, u := range p.updates {
		result = append(result, u.Status)
	}
	return result
}

func requestBody(t *testing.T, req Request) []byte {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return body
}

func fixedNow(t *testing.T) time.Time {
	t.Helper()
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	original := now
	now = func() time.Time { return ts }
	t.Cleanup(func() { now = original })
	return ts
}

func TestHandlerCompletesRequest(t *testing.T) {
	ts := fixedNow(t)

	report := analysis.NewReport()
	runner := &stubRunner{report: report}
	fetcher := &stubFetcher{objects: map[string][]byte{"resumes/1.pdf": []byte("%PDF")}}
	publisher := &recordingPublisher{}

	handler := NewHandler(runner, fetcher, publisher, zap.NewNop())

	err := handler.Handle(context.Background(), requestBody(t, Request{ID: "42", ObjectKey: "resumes/1.pdf", JobDescription: "Go developer"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(runner.doc) != "%PDF" || runner.job != "Go developer" {
		t.Fatalf("unexpected run input: %q, %q", runner.doc, runner.job)
	}

	if got := publisher.statuses(); len(got) != 2 || got[0] != StatusProcessing || got[1] != StatusCompleted {
		t.Fatalf("unexpected statuses %v", got)
	}

	final := publisher.updates[1]
	if final.RequestID != "42" || final.Report != report || !final.Timestamp.Equal(ts) {
		t.Fatalf("unexpected final update %+v", final)
	}
}

func TestHandlerPublishesStageOnFailure(t *testing.T) {
	runner := &stubRunner{err: &analysis.StageError{Stage: analysis.StageOCR, Err: errors.New("engine crashed")}}
	fetcher := &stubFetcher{objects: map[string][]byte{"k": []byte("%PDF")}}
	publisher := &recordingPublisher{}

	handler := NewHandler(runner, fetcher, publisher, zap.NewNop())

	err := handler.Handle(context.Background(), requestBody(t, Request{ID: "1", ObjectKey: "k", JobDescription: "Go"}))
	if err == nil {
		t.Fatal("expected error")
	}

	final := publisher.updates[len(publisher.updates)-1]
	if final.Status != StatusFailed || final.Stage != analysis.StageOCR || final.Error == "" || final.Report != nil {
		t.Fatalf("unexpected failure update %+v", final)
	}
}

func TestHandlerSkipsFailureUpdateOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &stubRunner{err: &analysis.StageError{Stage: analysis.StageOCR, Err: context.Canceled}}
	fetcher := &stubFetcher{objects: map[string][]byte{"k": []byte("%PDF")}}
	publisher := &recordingPublisher{}

	handler := NewHandler(&cancelingRunner{stubRunner: runner, cancel: cancel}, fetcher, publisher, zap.NewNop())

	err := handler.Handle(ctx, requestBody(t, Request{ID: "1", ObjectKey: "k", JobDescription: "Go"}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}

	for _, status := range publisher.statuses() {
		if status == StatusFailed {
			t.Fatalf("interrupted request must not be reported as failed, got %v", publisher.statuses())
		}
	}
}

// cancelingRunner cancels the handler context while the run is in progress.
type cancelingRunner struct {
	*stubRunner
	cancel context.CancelFunc
}

func (r *cancelingRunner) Run(ctx context.Context, doc []byte, jobDescription string) (*analysis.Report, error) {
	r.cancel()
	return r.stubRunner.Run(ctx, doc, jobDescription)
}

func TestHandlerRetriesFetch(t *testing.T) {
	originalBackoff := fetchBackoff
	fetchBackoff = time.Millisecond
	defer func() { fetchBackoff = originalBackoff }()

	fetcher := &stubFetcher{
		objects: map[string][]byte{"k": []byte("%PDF")},
		errs:    []error{errors.New("connection reset")},
	}
	handler := NewHandler(&stubRunner{report: analysis.NewReport()}, fetcher, &recordingPublisher{}, nil)

	if err := handler.Handle(context.Background(), requestBody(t, Request{ID: "1", ObjectKey: "k", JobDescription: "Go"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("expected a retried fetch, got %d calls", fetcher.calls)
	}
}

func TestHandlerDoesNotRetryMissingDocument(t *testing.T) {
	fetcher := &stubFetcher{}
	publisher := &recordingPublisher{}
	runner := &stubRunner{}
	handler := NewHandler(runner, fetcher, publisher, nil)

	err := handler.Handle(context.Background(), requestBody(t, Request{ID: "1", ObjectKey: "missing.pdf", JobDescription: "Go"}))
	if !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected a single fetch, got %d", fetcher.calls)
	}
	if runner.doc != nil {
		t.Fatal("pipeline must not run without a document")
	}
	if final := publisher.updates[len(publisher.updates)-1]; final.Stage != StageFetch {
		t.Fatalf("expected fetch stage, got %+v", final)
	}
}

func TestHandlerRejectsMalformedRequests(t *testing.T) {
	cases := map[string][]byte{
		"not json":    []byte("{"),
		"missing key": []byte(`{"id": "1", "job_description": "Go"}`),
		"blank job":   []byte(`{"id": "1", "object_key": "k", "job_description": " "}`),
		"missing id":  []byte(`{"object_key": "k", "job_description": "Go"}`),
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			publisher := &recordingPublisher{}
			fetcher := &stubFetcher{}
			handler := NewHandler(&stubRunner{}, fetcher, publisher, nil)

			err := handler.Handle(context.Background(), body)
			if !errors.Is(err, ErrMalformedRequest) {
				t.Fatalf("expected malformed request error, got %v", err)
			}
			if fetcher.calls != 0 {
				t.Fatal("malformed requests must not be fetched")
			}
			if got := publisher.statuses(); len(got) != 1 || got[0] != StatusFailed {
				t.Fatalf("expected a single failed update, got %v", got)
			}
		})
	}
}

func TestHandlerIgnoresPublishFailures(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("channel closed")}
	fetcher := &stubFetcher{objects: map[string][]byte{"k": []byte("%PDF")}}
	handler := NewHandler(&stubRunner{report: analysis.NewReport()}, fetcher, publisher, nil)

	if err := handler.Handle(context.Background(), requestBody(t, Request{ID: "1", ObjectKey: "k", JobDescription: "Go"})); err != nil {
		t.Fatalf("publish failures must not fail the request, got %v", err)
	}
}
