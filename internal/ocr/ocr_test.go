package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spigell/cv-matcher/internal/analysis"
	"github.com/spigell/cv-matcher/internal/document"
)

type stubEngine struct {
	recognize func(ctx context.Context, image []byte) (string, error)
	calls     int
	closed    int
}

func (e *stubEngine) Recognize(ctx context.Context, image []byte) (string, error) {
	e.calls++
	return e.recognize(ctx, image)
}

func (e *stubEngine) Close() error {
	e.closed++
	return nil
}

type stubFactory struct {
	engine  *stubEngine
	created int
	err     error
}

func (f *stubFactory) NewEngine(context.Context) (Engine, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created++
	return f.engine, nil
}

type memSource struct {
	pages   []document.Page
	failGet map[int]error
}

func (s memSource) Len() int { return len(s.pages) }

func (s memSource) Page(_ context.Context, i int) (document.Page, error) {
	if err, ok := s.failGet[i]; ok {
		return document.Page{Number: s.pages[i].Number}, err
	}
	return s.pages[i], nil
}

func pages(n int) []document.Page {
	result := make([]document.Page, n)
	for i := range result {
		result[i] = document.Page{Number: i + 1, Image: []byte(fmt.Sprintf("page %d", i+1))}
	}
	return result
}

func echo(_ context.Context, image []byte) (string, error) {
	return "text of " + string(image), nil
}

func TestExtractTextPreservesOrder(t *testing.T) {
	engine := &stubEngine{recognize: echo}
	factory := &stubFactory{engine: engine}

	extractor, err := NewExtractor(factory, Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}

	result, err := extractor.ExtractText(context.Background(), memSource{pages: pages(4)})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if len(result) != 4 {
		t.Fatalf("expected 4 page texts, got %d", len(result))
	}
	for i, p := range result {
		if p.Page != i+1 || p.Text != fmt.Sprintf("text of page %d", i+1) || p.Failed() {
			t.Fatalf("unexpected page text at %d: %+v", i, p)
		}
	}

	if factory.created != 1 || engine.closed != 1 {
		t.Fatalf("expected one engine lifecycle, got created=%d closed=%d", factory.created, engine.closed)
	}
}

func TestExtractTextSkipsFailedPages(t *testing.T) {
	engine := &stubEngine{recognize: func(ctx context.Context, image []byte) (string, error) {
		if string(image) == "page 2" {
			return "", errors.New("unsupported image")
		}
		return echo(ctx, image)
	}}
	factory := &stubFactory{engine: engine}
	source := memSource{pages: pages(4), failGet: map[int]error{2: errors.New("missing object")}}

	core, logs := observer.New(zapcore.WarnLevel)
	extractor, err := NewExtractor(factory, Options{Policy: PolicySkip}, zap.New(core))
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}

	result, err := extractor.ExtractText(context.Background(), source)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if len(result) != 4 {
		t.Fatalf("expected one entry per page, got %d", len(result))
	}

	for _, n := range []int{2, 3} {
		p := result[n-1]
		var rerr *analysis.RecognitionError
		if !errors.As(p.Err, &rerr) || rerr.Page != n || p.Text != "" {
			t.Fatalf("page %d: expected recognition error marker, got %+v", n, p)
		}
	}

	if got := analysis.FailedPages(result); len(got) != 2 {
		t.Fatalf("unexpected failed pages %v", got)
	}

	if logs.FilterMessage("page recognition failed, continuing").Len() != 2 {
		t.Fatalf("expected two warnings, got %d", logs.Len())
	}

	if factory.created != 1 || engine.closed != 1 {
		t.Fatalf("expected one engine lifecycle, got created=%d closed=%d", factory.created, engine.closed)
	}
}

func TestExtractTextAbortPolicy(t *testing.T) {
	engine := &stubEngine{recognize: func(context.Context, []byte) (string, error) {
		return "", errors.New("corrupt image")
	}}
	factory := &stubFactory{engine: engine}

	extractor, err := NewExtractor(factory, Options{Policy: PolicyAbort}, nil)
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}

	_, err = extractor.ExtractText(context.Background(), memSource{pages: pages(3)})

	var rerr *analysis.RecognitionError
	if !errors.As(err, &rerr) || rerr.Page != 1 {
		t.Fatalf("expected recognition error for page 1, got %v", err)
	}
	if engine.calls != 1 {
		t.Fatalf("expected abort after first page, got %d calls", engine.calls)
	}
	if engine.closed != 1 {
		t.Fatal("engine must be closed on failure")
	}
}

func TestExtractTextTimeoutIsFatal(t *testing.T) {
	engine := &stubEngine{recognize: func(ctx context.Context, _ []byte) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	factory := &stubFactory{engine: engine}

	extractor, err := NewExtractor(factory, Options{PageTimeout: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}

	_, err = extractor.ExtractText(context.Background(), memSource{pages: pages(2)})

	var terr *analysis.TimeoutError
	if !errors.As(err, &terr) || !strings.Contains(terr.Op, "page 1") {
		t.Fatalf("expected timeout on page 1, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected deadline exceeded in chain")
	}
	if engine.closed != 1 {
		t.Fatal("engine must be closed after timeout")
	}
}

func TestExtractTextCancellationClosesEngine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	engine := &stubEngine{}
	engine.recognize = func(context.Context, []byte) (string, error) {
		cancel()
		return "", context.Canceled
	}
	factory := &stubFactory{engine: engine}

	extractor, err := NewExtractor(factory, Options{}, nil)
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}

	_, err = extractor.ExtractText(ctx, memSource{pages: pages(3)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if engine.closed != 1 {
		t.Fatal("engine must be closed after cancellation")
	}
}

func TestExtractTextEngineStartFailure(t *testing.T) {
	factory := &stubFactory{err: errors.New("tessdata not found")}

	extractor, err := NewExtractor(factory, Options{}, nil)
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}

	if _, err := extractor.ExtractText(context.Background(), memSource{pages: pages(1)}); !errors.Is(err, factory.err) {
		t.Fatalf("expected start failure, got %v", err)
	}
}

func TestParsePagePolicy(t *testing.T) {
	cases := map[string]PagePolicy{"": PolicySkip, "skip": PolicySkip, " ABORT ": PolicyAbort}
	for in, want := range cases {
		got, err := ParsePagePolicy(in)
		if err != nil || got != want {
			t.Fatalf("%q: got %q, %v", in, got, err)
		}
	}

	if _, err := ParsePagePolicy("retry"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
