package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/barstock/barstock/internal/jobs"
	"github.com/barstock/barstock/internal/ledger"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueLedger carries propagation retries, which outrank maintenance work.
	QueueLedger = "ledger"

	// TaskRippleResume re-runs an interrupted propagation from a given day.
	TaskRippleResume = "ledger:ripple_resume"
	// TaskChainAudit scans for broken opening/closing links.
	TaskChainAudit = "ledger:chain_audit"
	// TaskIdempotencyCleanup drops expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// RippleResumePayload identifies the chain and day a resume starts from.
type RippleResumePayload struct {
	LocationID int64  `json:"location_id"`
	ProductID  int64  `json:"product_id"`
	FromDay    string `json:"from_day"`
	ActorID    int64  `json:"actor_id"`
}

// Chain returns the chain key the payload targets.
func (p RippleResumePayload) Chain() ledger.ChainKey {
	return ledger.ChainKey{LocationID: p.LocationID, ProductID: p.ProductID}
}

// NewRippleResumeTask builds a resume task. The task id is derived from the
// chain and day so repeated failures on the same link queue a single retry.
func NewRippleResumeTask(chain ledger.ChainKey, fromDay time.Time, actorID int64) (*asynq.Task, error) {
	payload := RippleResumePayload{
		LocationID: chain.LocationID,
		ProductID:  chain.ProductID,
		FromDay:    fromDay.Format(ledger.DayLayout),
		ActorID:    actorID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRippleResume, data,
		asynq.Queue(QueueLedger),
		asynq.TaskID(resumeTaskID(payload)),
		asynq.MaxRetry(10),
		asynq.Timeout(5*time.Minute),
	), nil
}

func resumeTaskID(p RippleResumePayload) string {
	return fmt.Sprintf("%s:%d:%d:%s", TaskRippleResume, p.LocationID, p.ProductID, p.FromDay)
}

// ChainAuditPayload configures one audit run.
type ChainAuditPayload struct {
	Repair bool `json:"repair"`
	Limit  int  `json:"limit,omitempty"`
}

// NewChainAuditTask builds a chain audit task.
func NewChainAuditTask(payload ChainAuditPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskChainAudit, data, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// IdempotencyCleanupPayload sets the key retention window.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask builds a cleanup task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault)), nil
}
