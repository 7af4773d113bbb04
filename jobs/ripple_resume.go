package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/barstock/barstock/internal/jobs"
	"github.com/barstock/barstock/internal/ledger"
)

// ResumeService is the ledger operation the resume job drives.
type ResumeService interface {
	ResumePropagation(ctx context.Context, chain ledger.ChainKey, fromDay time.Time, actorID int64) (ledger.Record, error)
}

// RippleResumeJob retries propagations that stopped part way through a chain.
// The service it wraps must not enqueue resumes itself; asynq retries cover it.
type RippleResumeJob struct {
	Service ResumeService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRippleResumeJob wires the job handler.
func NewRippleResumeJob(service ResumeService, logger *slog.Logger, metrics *jobmetrics.Metrics) *RippleResumeJob {
	return &RippleResumeJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle processes TaskRippleResume tasks.
func (j *RippleResumeJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("ripple resume: handler not configured")
	}
	var payload RippleResumePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("ripple resume: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	fromDay, err := time.Parse(ledger.DayLayout, payload.FromDay)
	if err != nil {
		return fmt.Errorf("ripple resume: from_day: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskRippleResume)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	chain := payload.Chain()
	logger := j.logger().With(slog.String("chain", chain.String()), slog.String("from_day", payload.FromDay))

	_, err = j.Service.ResumePropagation(ctx, chain, fromDay, payload.ActorID)
	switch {
	case err == nil:
		logger.Info("propagation resumed")
		return nil
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrValidation):
		logger.Warn("resume target is gone, dropping task", slog.Any("error", err))
		return fmt.Errorf("ripple resume: %v: %w", err, asynq.SkipRetry)
	default:
		logger.Error("resume failed, will retry", slog.Any("error", err))
		return err
	}
}

func (j *RippleResumeJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRippleResume))
	}
	return slog.Default().With(slog.String("job", TaskRippleResume))
}

func (j *RippleResumeJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
