package ocr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

const DefaultLanguage = "eng"

// TesseractFactory starts Tesseract engines for the configured language.
type TesseractFactory struct {
	Language string
}

func (f TesseractFactory) NewEngine(ctx context.Context) (Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lang := f.Language
	if lang == "" {
		lang = DefaultLanguage
	}

	client := gosseract.NewClient()
	if err := client.SetLanguage(lang); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("set tesseract language %q: %w", lang, err)
	}

	return &Tesseract{client: client}, nil
}

// Tesseract wraps a gosseract client. Calls are serialized; Close waits for
// an in-flight recognition to finish before releasing the engine.
type Tesseract struct {
	mu     sync.Mutex
	client *gosseract.Client
	closed bool
}

type recognition struct {
	text string
	err  error
}

// Recognize returns when the text is ready or ctx is done. A recognition
// abandoned by ctx keeps the engine busy until it completes.
func (t *Tesseract) Recognize(ctx context.Context, image []byte) (string, error) {
	done := make(chan recognition, 1)

	go func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.closed {
			done <- recognition{err: errors.New("tesseract engine is closed")}
			return
		}
		if ctx.Err() != nil {
			done <- recognition{err: ctx.Err()}
			return
		}

		if err := t.client.SetImageFromBytes(image); err != nil {
			done <- recognition{err: fmt.Errorf("load image: %w", err)}
			return
		}

		text, err := t.client.Text()
		done <- recognition{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.text, r.err
	}
}

func (t *Tesseract) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.client.Close()
}
