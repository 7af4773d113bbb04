package shared

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApprovalAction enumerates transfer decision actions.
type ApprovalAction string

const (
	// ApprovalSubmit marks a transfer request.
	ApprovalSubmit ApprovalAction = "SUBMIT"
	// ApprovalApprove marks an approval.
	ApprovalApprove ApprovalAction = "APPROVE"
	// ApprovalReject marks a rejection.
	ApprovalReject ApprovalAction = "REJECT"
)

// ApprovalLog is one entry of a transfer's decision history.
type ApprovalLog struct {
	ID         int64
	TransferID int64
	ActorID    int64
	Action     ApprovalAction
	Note       string
	At         time.Time
}

// ApprovalRecorder persists transfer decision history.
type ApprovalRecorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewApprovalRecorder constructs ApprovalRecorder.
func NewApprovalRecorder(pool *pgxpool.Pool, logger *slog.Logger) *ApprovalRecorder {
	return &ApprovalRecorder{pool: pool, logger: logger}
}

// Record writes a decision entry.
func (r *ApprovalRecorder) Record(ctx context.Context, log ApprovalLog) error {
	if r == nil {
		return errors.New("approval recorder not initialised")
	}
	if log.TransferID == 0 {
		return errors.New("approval transfer id required")
	}
	if log.Action == "" {
		return errors.New("approval action required")
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO transfer_approvals (transfer_id, actor_id, action, note, at)
VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))`, log.TransferID, log.ActorID, string(log.Action), log.Note, at)
	if err != nil {
		r.logger.Error("record transfer approval", slog.Int64("transfer_id", log.TransferID), slog.Any("error", err))
		return err
	}
	return nil
}

// List returns the decision history of a transfer, oldest first.
func (r *ApprovalRecorder) List(ctx context.Context, transferID int64) ([]ApprovalLog, error) {
	if r == nil {
		return nil, errors.New("approval recorder not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, transfer_id, actor_id, action, note, at
FROM transfer_approvals WHERE transfer_id=$1 ORDER BY at ASC, id ASC`, transferID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []ApprovalLog
	for rows.Next() {
		var l ApprovalLog
		var action string
		if err := rows.Scan(&l.ID, &l.TransferID, &l.ActorID, &action, &l.Note, &l.At); err != nil {
			return nil, err
		}
		l.Action = ApprovalAction(action)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
