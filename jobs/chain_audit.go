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

// AuditService is the ledger operation the audit job drives.
type AuditService interface {
	AuditChains(ctx context.Context, repair bool, limit int) (ledger.AuditReport, error)
}

// ChainAuditJob looks for records whose opening no longer matches the
// previous closing and optionally re-propagates the affected chains.
type ChainAuditJob struct {
	Service AuditService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewChainAuditJob wires the job handler.
func NewChainAuditJob(service AuditService, logger *slog.Logger, metrics *jobmetrics.Metrics) *ChainAuditJob {
	return &ChainAuditJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle processes TaskChainAudit tasks.
func (j *ChainAuditJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("chain audit: handler not configured")
	}
	var payload ChainAuditPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("chain audit: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	start := time.Now()
	tracker := j.metrics().Track(TaskChainAudit)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Bool("repair", payload.Repair))
	report, err := j.Service.AuditChains(ctx, payload.Repair, payload.Limit)
	if err != nil {
		logger.Error("chain audit failed", slog.Any("error", err))
		return err
	}
	for _, b := range report.Breaks {
		logger.Warn("broken chain link",
			slog.String("chain", b.Chain.String()),
			slog.String("day", b.Day.Format(ledger.DayLayout)),
			slog.String("prev_day", b.PrevDay.Format(ledger.DayLayout)),
			slog.Float64("opening", b.Opening),
			slog.Float64("prev_closing", b.PrevClosing),
		)
	}
	j.metrics().AddRepairs("repaired", report.Repaired)
	j.metrics().AddRepairs("failed", report.Failed)
	if !payload.Repair {
		j.metrics().AddRepairs("unrepaired", len(report.Breaks))
	}

	logger.Info("completed chain audit",
		slog.Int("breaks", len(report.Breaks)),
		slog.Int("repaired", report.Repaired),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", time.Since(start)),
	)
	if report.Failed > 0 {
		return fmt.Errorf("chain audit: %d chains could not be repaired", report.Failed)
	}
	return nil
}

func (j *ChainAuditJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskChainAudit))
	}
	return slog.Default().With(slog.String("job", TaskChainAudit))
}

func (j *ChainAuditJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
