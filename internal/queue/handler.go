package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/analysis"
	"github.com/spigell/cv-matcher/internal/blob"
	"github.com/spigell/cv-matcher/internal/utils"
)

const fetchAttempts = 3

var (
	fetchBackoff = 500 * time.Millisecond
	now          = time.Now
)

type Runner interface {
	Run(ctx context.Context, doc []byte, jobDescription string) (*analysis.Report, error)
}

type Fetcher interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type Publisher interface {
	Publish(ctx context.Context, update Update) error
}

// ErrMalformedRequest marks messages that can never succeed.
var ErrMalformedRequest = errors.New("malformed request")

// Handler processes one request message end to end.
type Handler struct {
	runner    Runner
	fetcher   Fetcher
	publisher Publisher
	logger    *zap.Logger
}

func NewHandler(runner Runner, fetcher Fetcher, publisher Publisher, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{runner: runner, fetcher: fetcher, publisher: publisher, logger: log}
}

// Handle runs the request in body and publishes its outcome. The returned
// error describes a failed request; it has already been published.
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		err = fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		h.publish(ctx, Update{Status: StatusFailed, Message: "request could not be decoded", Error: err.Error()})
		return err
	}

	if err := req.Validate(); err != nil {
		err = fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		h.publish(ctx, Update{RequestID: req.ID, Status: StatusFailed, Message: "request is invalid", Error: err.Error()})
		return err
	}

	log := h.logger.With(zap.String("request_id", req.ID), zap.String("object_key", req.ObjectKey))
	log.Info("processing request")

	h.publish(ctx, Update{RequestID: req.ID, Status: StatusProcessing, Message: "analysis started"})

	doc, err := utils.Retry(ctx, fetchAttempts, fetchBackoff,
		func(err error) bool { return !errors.Is(err, blob.ErrNotFound) },
		func(int) ([]byte, error) { return h.fetcher.Get(ctx, req.ObjectKey) },
	)
	if err != nil {
		return h.fail(ctx, log, req, StageFetch, fmt.Errorf("fetch document: %w", err))
	}

	report, err := h.runner.Run(ctx, doc, req.JobDescription)
	if err != nil {
		var stageErr *analysis.StageError
		stage := analysis.Stage("")
		if errors.As(err, &stageErr) {
			stage = stageErr.Stage
		}
		return h.fail(ctx, log, req, stage, err)
	}

	h.publish(ctx, Update{
		RequestID: req.ID,
		Status:    StatusCompleted,
		Message:   "analysis completed",
		Report:    report,
	})
	log.Info("request completed")

	return nil
}

// fail publishes a terminal failure. A run cut short by shutdown is left
// without one since the consumer requeues the message.
func (h *Handler) fail(ctx context.Context, log *zap.Logger, req Request, stage analysis.Stage, err error) error {
	if ctx.Err() != nil {
		log.Warn("request interrupted, leaving it for redelivery", zap.String("stage", string(stage)), zap.Error(err))
		return err
	}

	log.Error("request failed", zap.String("stage", string(stage)), zap.Error(err))
	h.publish(ctx, Update{
		RequestID: req.ID,
		Status:    StatusFailed,
		Message:   "analysis failed",
		Stage:     stage,
		Error:     err.Error(),
	})
	return err
}

// publish never fails the request; a lost update is only logged.
func (h *Handler) publish(ctx context.Context, update Update) {
	update.Timestamp = now().UTC()
	if err := h.publisher.Publish(context.WithoutCancel(ctx), update); err != nil {
		h.logger.Warn("failed to publish update",
			zap.String("request_id", update.RequestID),
			zap.String("status", string(update.Status)),
			zap.Error(err),
		)
	}
}
